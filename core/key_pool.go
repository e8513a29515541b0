package core

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultKeyRefreshInterval = 5 * time.Minute
	// DefaultRefreshFailureWindow 拉取失败后，旧列表非空时在该窗口内不再重试
	DefaultRefreshFailureWindow = 30 * time.Second
)

// KeyPool 一个 Provider 的 Key 列表 (顺序即轮询顺序)
// 刷新时整体替换；旧 Key 的健康记录留在 registry 中，无害
type KeyPool struct {
	refreshSem    chan struct{} // 同一时刻只有一个拉取，等待方可随 ctx 退出
	failureWindow time.Duration

	mu            sync.RWMutex
	keys          []string
	lastRefreshAt time.Time
	lastFailureAt time.Time
}

func NewKeyPool() *KeyPool {
	return &KeyPool{
		refreshSem:    make(chan struct{}, 1),
		failureWindow: DefaultRefreshFailureWindow,
	}
}


// Keys 返回当前列表的副本
func (p *KeyPool) Keys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

func (p *KeyPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys)
}

func (p *KeyPool) LastRefreshAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastRefreshAt
}

// NeedsRefresh 列表为空、从未刷新或距上次刷新超过 interval
func (p *KeyPool) NeedsRefresh(now time.Time, interval time.Duration) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys) == 0 || p.lastRefreshAt.IsZero() || now.Sub(p.lastRefreshAt) > interval
}

// Replace 原子替换 Key 列表
func (p *KeyPool) Replace(keys []string, now time.Time) {
	cp := make([]string, len(keys))
	copy(cp, keys)
	p.mu.Lock()
	p.keys = cp
	p.lastRefreshAt = now
	p.lastFailureAt = time.Time{}
	p.mu.Unlock()
}

// Invalidate 清除刷新时间，下次 ENSURE_KEYS 会立即拉取
func (p *KeyPool) Invalidate() {
	p.mu.Lock()
	p.lastRefreshAt = time.Time{}
	p.mu.Unlock()
}

// recentlyFailed 上次拉取失败且旧列表仍可用
func (p *KeyPool) recentlyFailed(now time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys) > 0 && !p.lastFailureAt.IsZero() && now.Sub(p.lastFailureAt) < p.failureWindow
}

// Refresh 在需要时调用 fetch 并替换列表
// 拉取失败时保留旧列表；返回 (是否实际拉取, 拉取错误)
// 等待他人拉取期间 ctx 结束则返回 ctx.Err()
func (p *KeyPool) Refresh(ctx context.Context, now func() time.Time, interval time.Duration,
	fetch func(ctx context.Context) ([]string, error)) (bool, error) {
	select {
	case p.refreshSem <- struct{}{}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	defer func() { <-p.refreshSem }()

	// 等待期间可能已被其他调用刷新，或刚刚失败过 (复用其结果)
	t := now()
	if !p.NeedsRefresh(t, interval) || p.recentlyFailed(t) {
		return false, nil
	}

	keys, err := fetch(ctx)
	if err == nil && len(keys) == 0 {
		err = ErrNoKeysIssued
	}
	if err != nil {
		p.mu.Lock()
		p.lastFailureAt = now()
		p.mu.Unlock()
		return true, err
	}
	p.Replace(keys, now())
	return true, nil
}
