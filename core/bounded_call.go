package core

import (
	"context"
	"fmt"
	"time"
)

// BoundedCaller 在有限的 worker 上执行调用，并施加硬超时
// 超时后调用方立即返回；未响应 ctx 的 fn 会继续占用 worker 直到自行返回
type BoundedCaller struct {
	sem chan struct{}
}

func NewBoundedCaller(maxWorkers int) *BoundedCaller {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &BoundedCaller{sem: make(chan struct{}, maxWorkers)}
}

type callResult struct {
	text string
	err  error
}

// Run 执行 fn，超时返回 ErrCallTimedOut，父 ctx 取消返回 ctx.Err()
func (b *BoundedCaller) Run(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (string, error)) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case b.sem <- struct{}{}:
	case <-callCtx.Done():
		return "", b.doneErr(ctx, timeout)
	}

	done := make(chan callResult, 1)
	go func() {
		defer func() { <-b.sem }()
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("call panicked: %v", r)}
			}
		}()
		text, err := fn(callCtx)
		done <- callResult{text: text, err: err}
	}()

	select {
	case res := <-done:
		// fn 自己因 callCtx 截止而失败时也归为超时
		if res.err != nil && callCtx.Err() != nil {
			return "", b.doneErr(ctx, timeout)
		}
		return res.text, res.err
	case <-callCtx.Done():
		return "", b.doneErr(ctx, timeout)
	}
}

func (b *BoundedCaller) doneErr(parent context.Context, timeout time.Duration) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w after %s", ErrCallTimedOut, timeout)
}
