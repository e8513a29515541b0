package core

import (
	"context"
	"fmt"
	"llm-keypool/models"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FailoverConfig 故障转移参数，默认值与线上行为一致
type FailoverConfig struct {
	CallSite                 string
	CallTimeout              time.Duration // 单次调用的硬超时 (BoundedCall)
	KeyFetchTimeout          time.Duration
	KeyRefreshInterval       time.Duration
	ProviderFailureThreshold int // 当前 Provider 连续失败多少次后强制切换
	ForcedRefreshEvery       int // 每 N 次尝试强制刷新一次 Key 列表
	FloodDelay               time.Duration
	ExhaustedWait            time.Duration // 所有 Provider 连续耗尽后的等待
	EmptyPoolWait            time.Duration // Key 列表为空且拉取失败时的等待
}

// DefaultFailoverConfig text 调用默认 60s 超时
func DefaultFailoverConfig(callSite string) FailoverConfig {
	return FailoverConfig{
		CallSite:                 callSite,
		CallTimeout:              60 * time.Second,
		KeyFetchTimeout:          15 * time.Second,
		KeyRefreshInterval:       DefaultKeyRefreshInterval,
		ProviderFailureThreshold: 3,
		ForcedRefreshEvery:       50,
		FloodDelay:               1 * time.Second,
		ExhaustedWait:            10 * time.Second,
		EmptyPoolWait:            10 * time.Second,
	}
}

// ProviderState 单个 Provider 的运行时状态，可被多个并发调用共享
type ProviderState struct {
	Provider Provider
	Registry *KeyHealthRegistry
	Pool     *KeyPool
	selector *RotationSelector
}

func NewProviderState(p Provider, registry *KeyHealthRegistry) *ProviderState {
	return &ProviderState{
		Provider: p,
		Registry: registry,
		Pool:     NewKeyPool(),
		selector: NewRotationSelector(),
	}
}

// FailoverState 单次调用内的状态，不跨调用保存
type FailoverState struct {
	Attempts                    int
	Current                     int
	Switches                    int
	ConsecutiveProviderFailures int

	exhaustedInRow int
}

// AnalysisResult Analyze 的返回
type AnalysisResult struct {
	InvocationID string
	Text         string
	Provider     string
	Attempts     int
	Switches     int
	Duration     time.Duration
}

// OrchestratorStats 累计计数
type OrchestratorStats struct {
	CallSite    string `json:"call_site"`
	Invocations int64  `json:"invocations"`
	Successes   int64  `json:"successes"`
	Cancelled   int64  `json:"cancelled"`
	Attempts    int64  `json:"attempts"`
	Switches    int64  `json:"switches"`
}

// ProviderStats 单个 Provider 的池与健康快照
type ProviderStats struct {
	Provider      string          `json:"provider"`
	Pool          string          `json:"pool"`
	Keys          int             `json:"keys"`
	Available     int             `json:"available"`
	LastRefreshAt time.Time       `json:"last_refresh_at"`
	Health        []KeyHealthView `json:"health"`
}

type OrchestratorOption func(*Orchestrator)

func WithStrategy(s ProviderStrategy) OrchestratorOption {
	return func(o *Orchestrator) { o.strategy = s }
}

func WithBoundedCaller(b *BoundedCaller) OrchestratorOption {
	return func(o *Orchestrator) { o.caller = b }
}

func WithAttemptRecorder(r AttemptRecorder) OrchestratorOption {
	return func(o *Orchestrator) { o.recorder = r }
}

func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.nowFunc = now }
}

// WithSleeper 替换等待函数 (测试用)，必须在 ctx 取消时返回 ctx.Err()
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) OrchestratorOption {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// Orchestrator 面向调用方的故障转移循环
// 刷新 Key -> 轮询选 Key -> 调用 -> 记录结果 -> 必要时切换 Provider，直到成功
type Orchestrator struct {
	cfg       FailoverConfig
	providers []*ProviderState
	strategy  ProviderStrategy
	caller    *BoundedCaller
	recorder  AttemptRecorder
	logger    *logrus.Logger
	nowFunc   func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	invocations atomic.Int64
	successes   atomic.Int64
	cancelled   atomic.Int64
	attempts    atomic.Int64
	switches    atomic.Int64
}

// NewOrchestrator 构造函数强制要求依赖注入
func NewOrchestrator(cfg FailoverConfig, providers []*ProviderState, logger *logrus.Logger, opts ...OrchestratorOption) (*Orchestrator, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	if cfg.CallTimeout <= 0 {
		return nil, fmt.Errorf("call timeout must be positive, got %s", cfg.CallTimeout)
	}
	if cfg.ProviderFailureThreshold <= 0 {
		cfg.ProviderFailureThreshold = 3
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	o := &Orchestrator{
		cfg:       cfg,
		providers: providers,
		strategy:  &PriorityStrategy{},
		caller:    NewBoundedCaller(8),
		logger:    logger,
		nowFunc:   time.Now,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (o *Orchestrator) CallSite() string { return o.cfg.CallSite }

func (o *Orchestrator) Providers() []*ProviderState { return o.providers }

// Analyze 阻塞直到某个 Provider 返回成功结果
// 默认无限重试；只有 ctx 被取消或超时才会返回 error (ctx.Err())
func (o *Orchestrator) Analyze(ctx context.Context, req models.AnalysisRequest) (*AnalysisResult, error) {
	invocationID := uuid.NewString()
	start := o.nowFunc()
	o.invocations.Add(1)

	state := &FailoverState{Current: o.strategy.Initial(len(o.providers))}
	log := o.logger.WithFields(logrus.Fields{
		"invocation_id": invocationID,
		"call_site":     o.cfg.CallSite,
	})
	log.Infof("🎯 Initial provider: %s (strategy=%s)", o.providers[state.Current].Provider.Name(), o.strategy.Name())

	for {
		if err := ctx.Err(); err != nil {
			return nil, o.abort(log, state, err)
		}

		ps := o.providers[state.Current]
		name := ps.Provider.Name()

		// ENSURE_KEYS
		keys, err := o.ensureKeys(ctx, ps, log)
		if err != nil {
			return nil, o.abort(log, state, err)
		}

		// SELECT_KEY
		key, ok := ps.selector.Next(keys, ps.Registry)
		if !ok {
			log.Warnf("⚠️ All %d %s keys are blacklisted, switching provider", len(keys), name)
			o.switchProvider(state, "exhausted", log)
			state.exhaustedInRow++
			if state.exhaustedInRow >= len(o.providers) {
				state.exhaustedInRow = 0
				log.Warnf("⏳ Every provider is exhausted, waiting %s before retrying", o.cfg.ExhaustedWait)
				if err := o.sleep(ctx, o.cfg.ExhaustedWait); err != nil {
					return nil, o.abort(log, state, err)
				}
			}
			continue
		}
		state.exhaustedInRow = 0

		// INVOKE
		state.Attempts++
		o.attempts.Add(1)
		log.Infof("🚀 Attempt %d: [%s] key %s", state.Attempts, name, maskKey(key))

		callStart := o.nowFunc()
		text, err := o.caller.Run(ctx, o.cfg.CallTimeout, func(cctx context.Context) (string, error) {
			return ps.Provider.Invoke(cctx, key, req)
		})
		latency := o.nowFunc().Sub(callStart)
		callLatency.WithLabelValues(o.cfg.CallSite, name).Observe(latency.Seconds())

		if ctxErr := ctx.Err(); ctxErr != nil {
			// 调用方放弃，不归咎于 Key
			return nil, o.abort(log, state, ctxErr)
		}
		if err == nil && strings.TrimSpace(text) == "" {
			err = ErrEmptyResult
		}

		if err == nil {
			ps.Registry.RecordSuccess(key)
			o.record(invocationID, state.Attempts, name, key, nil, "", latency)
			attemptsTotal.WithLabelValues(o.cfg.CallSite, name, "success").Inc()
			invocationAttempts.WithLabelValues(o.cfg.CallSite).Observe(float64(state.Attempts))
			o.successes.Add(1)

			result := &AnalysisResult{
				InvocationID: invocationID,
				Text:         text,
				Provider:     name,
				Attempts:     state.Attempts,
				Switches:     state.Switches,
				Duration:     o.nowFunc().Sub(start),
			}
			log.Infof("✅ Success: [%s] key %s | attempts=%d switches=%d latency=%s",
				name, maskKey(key), result.Attempts, result.Switches, latency.Round(time.Millisecond))
			return result, nil
		}

		// RECORD_FAILURE
		kind := ps.Registry.RecordFailure(key, err.Error())
		state.ConsecutiveProviderFailures++
		o.record(invocationID, state.Attempts, name, key, err, kind, latency)
		attemptsTotal.WithLabelValues(o.cfg.CallSite, name, string(kind)).Inc()
		log.Warnf("❌ Attempt %d failed: [%s] key %s (%s): %s",
			state.Attempts, name, maskKey(key), kind, truncate(err.Error(), 300))

		if state.ConsecutiveProviderFailures >= o.cfg.ProviderFailureThreshold {
			log.Warnf("⚠️ %s failed %d times in a row, switching provider", name, state.ConsecutiveProviderFailures)
			o.switchProvider(state, "consecutive_failures", log)
		}

		if err := o.sleep(ctx, o.cfg.FloodDelay); err != nil {
			return nil, o.abort(log, state, err)
		}

		if o.cfg.ForcedRefreshEvery > 0 && state.Attempts%o.cfg.ForcedRefreshEvery == 0 {
			log.Infof("🔄 Reached %d attempts, forcing %s key refresh", state.Attempts, name)
			ps.Pool.Invalidate()
		}
	}
}

// ensureKeys 按需刷新 Key 列表；列表为空时等待后重试同一个 Provider
func (o *Orchestrator) ensureKeys(ctx context.Context, ps *ProviderState, log *logrus.Entry) ([]string, error) {
	name := ps.Provider.Name()
	for {
		fetched, err := ps.Pool.Refresh(ctx, o.nowFunc, o.cfg.KeyRefreshInterval, func(ctx context.Context) ([]string, error) {
			fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.KeyFetchTimeout)
			defer cancel()
			return ps.Provider.FetchKeys(fetchCtx)
		})
		if fetched {
			if err != nil {
				keyRefreshes.WithLabelValues(ps.Registry.Pool(), "failure").Inc()
				log.Warnf("❌ Failed to refresh %s keys (keeping %d cached): %v", name, ps.Pool.Len(), err)
			} else {
				keyRefreshes.WithLabelValues(ps.Registry.Pool(), "success").Inc()
				log.Infof("✅ Refreshed %s key list, %d keys", name, ps.Pool.Len())
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		keys := ps.Pool.Keys()
		if len(keys) > 0 {
			return keys, nil
		}

		log.Warnf("🕳️ %s has no keys, retrying in %s", name, o.cfg.EmptyPoolWait)
		if err := o.sleep(ctx, o.cfg.EmptyPoolWait); err != nil {
			return nil, err
		}
	}
}

// switchProvider 切到下一个 Provider 并强制其立即刷新 Key
func (o *Orchestrator) switchProvider(state *FailoverState, reason string, log *logrus.Entry) {
	from := o.providers[state.Current].Provider.Name()
	state.Current = (state.Current + 1) % len(o.providers)
	state.Switches++
	state.ConsecutiveProviderFailures = 0

	to := o.providers[state.Current]
	to.Pool.Invalidate()

	o.switches.Add(1)
	providerSwitches.WithLabelValues(o.cfg.CallSite, reason).Inc()
	log.Infof("🔄 Provider switch #%d: %s → %s (%s)", state.Switches, from, to.Provider.Name(), reason)
}

func (o *Orchestrator) abort(log *logrus.Entry, state *FailoverState, err error) error {
	o.cancelled.Add(1)
	log.Warnf("🛑 Analysis abandoned after %d attempts, %d switches: %v", state.Attempts, state.Switches, err)
	return err
}

func (o *Orchestrator) record(invocationID string, attempt int, provider, key string, err error, kind FailureKind, latency time.Duration) {
	if o.recorder == nil {
		return
	}
	entry := &models.AttemptLog{
		CreatedAt:    o.nowFunc(),
		InvocationID: invocationID,
		CallSite:     o.cfg.CallSite,
		Provider:     provider,
		KeyMask:      maskKey(key),
		KeyHash:      keyHash(key),
		Attempt:      attempt,
		Success:      err == nil,
		Duration:     latency.Milliseconds(),
	}
	if err != nil {
		entry.FailureKind = string(kind)
		entry.ErrorMsg = truncate(err.Error(), 500)
	}
	o.recorder.Record(entry)
}

// Stats 返回累计计数
func (o *Orchestrator) Stats() OrchestratorStats {
	return OrchestratorStats{
		CallSite:    o.cfg.CallSite,
		Invocations: o.invocations.Load(),
		Successes:   o.successes.Load(),
		Cancelled:   o.cancelled.Load(),
		Attempts:    o.attempts.Load(),
		Switches:    o.switches.Load(),
	}
}

// ProviderStats 返回每个 Provider 的池与健康快照
func (o *Orchestrator) ProviderStats() []ProviderStats {
	out := make([]ProviderStats, 0, len(o.providers))
	for _, ps := range o.providers {
		keys := ps.Pool.Keys()
		out = append(out, ProviderStats{
			Provider:      ps.Provider.Name(),
			Pool:          ps.Registry.Pool(),
			Keys:          len(keys),
			Available:     ps.Registry.AvailableCount(keys),
			LastRefreshAt: ps.Pool.LastRefreshAt(),
			Health:        ps.Registry.Snapshot(),
		})
	}
	return out
}

// ClearBlacklists 管理接口：清空黑名单，provider 为空时清空全部
func (o *Orchestrator) ClearBlacklists(provider string) int {
	cleared := 0
	for _, ps := range o.providers {
		if provider == "" || ps.Provider.Name() == provider {
			cleared += ps.Registry.ForceClear()
		}
	}
	return cleared
}

// InvalidatePools 管理接口：下次调用时强制刷新所有 Key 列表
func (o *Orchestrator) InvalidatePools() {
	for _, ps := range o.providers {
		ps.Pool.Invalidate()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
