package core

import (
	"context"
	"errors"
	"llm-keypool/models"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider 可编程的 Provider
type fakeProvider struct {
	name string

	mu       sync.Mutex
	keys     []string
	fetchErr []error // 依次返回，用完后返回 keys
	fetches  int
	fetchFn  func(ctx context.Context) error // 可选，在返回 keys 之前调用
	calls    []string
	invoke   func(ctx context.Context, key string) (string, error)
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) FetchKeys(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	p.fetches++
	fn := p.fetchFn
	p.mu.Unlock()
	if fn != nil {
		if err := fn(ctx); err != nil {
			return nil, err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.fetchErr) > 0 {
		err := p.fetchErr[0]
		p.fetchErr = p.fetchErr[1:]
		return nil, err
	}
	return append([]string(nil), p.keys...), nil
}

func (p *fakeProvider) Invoke(ctx context.Context, key string, req models.AnalysisRequest) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, key)
	p.mu.Unlock()
	return p.invoke(ctx, key)
}

func (p *fakeProvider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakeProvider) Fetches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches
}

func always(text string, err error) func(context.Context, string) (string, error) {
	return func(context.Context, string) (string, error) { return text, err }
}

// recordingSleeper 不真正等待，只记录请求的时长
type recordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
	hook   func(d time.Duration)
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

func (s *recordingSleeper) Count(d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.sleeps {
		if v == d {
			n++
		}
	}
	return n
}

type memoryRecorder struct {
	mu      sync.Mutex
	entries []*models.AttemptLog
}

func (r *memoryRecorder) Record(e *models.AttemptLog) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func testFailoverConfig() FailoverConfig {
	cfg := DefaultFailoverConfig("test")
	cfg.CallTimeout = time.Second
	cfg.EmptyPoolWait = 7 * time.Second
	cfg.ExhaustedWait = 10 * time.Second
	cfg.FloodDelay = 1 * time.Second
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg FailoverConfig, sleeper *recordingSleeper, providers ...*fakeProvider) (*Orchestrator, []*ProviderState) {
	t.Helper()
	states := make([]*ProviderState, 0, len(providers))
	for _, p := range providers {
		reg := NewKeyHealthRegistry("test:"+p.name, WithRegistryLogger(quietLogger()))
		states = append(states, NewProviderState(p, reg))
	}
	o, err := NewOrchestrator(cfg, states, quietLogger(), WithSleeper(sleeper.Sleep))
	require.NoError(t, err)
	return o, states
}

func TestOrchestrator_FailsOverWhenKeysRateLimited(t *testing.T) {
	a := &fakeProvider{name: "A", keys: []string{"k1", "k2"}, invoke: always("", errors.New("upstream 429: too many requests"))}
	b := &fakeProvider{name: "B", keys: []string{"k3"}, invoke: always("ok", nil)}
	sleeper := &recordingSleeper{}
	o, states := newTestOrchestrator(t, testFailoverConfig(), sleeper, a, b)

	res, err := o.Analyze(context.Background(), models.AnalysisRequest{Prompt: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, "B", res.Provider)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 1, res.Switches)
	assert.NotEmpty(t, res.InvocationID)

	assert.Equal(t, []string{"k1", "k2"}, a.Calls())
	assert.True(t, states[0].Registry.IsBlacklisted("k1"))
	assert.True(t, states[0].Registry.IsBlacklisted("k2"))
	assert.Equal(t, 0, sleeper.Count(10*time.Second), "only one provider was exhausted")

	stats := o.Stats()
	assert.Equal(t, int64(1), stats.Successes)
	assert.Equal(t, int64(3), stats.Attempts)
	assert.Equal(t, int64(1), stats.Switches)
}

func TestOrchestrator_SwitchesAfterConsecutiveProviderFailures(t *testing.T) {
	a := &fakeProvider{name: "A", keys: []string{"a1", "a2", "a3", "a4"}, invoke: always("", errors.New("upstream 500: internal"))}
	b := &fakeProvider{name: "B", keys: []string{"b1"}, invoke: always("ok", nil)}
	sleeper := &recordingSleeper{}
	o, states := newTestOrchestrator(t, testFailoverConfig(), sleeper, a, b)

	res, err := o.Analyze(context.Background(), models.AnalysisRequest{Prompt: "hi"})
	require.NoError(t, err)

	assert.Equal(t, []string{"a1", "a2", "a3"}, a.Calls())
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, 1, res.Switches)
	assert.Equal(t, 3, sleeper.Count(time.Second), "flood delay after each failure")
	assert.False(t, states[0].Registry.IsBlacklisted("a1"), "generic failures below threshold do not blacklist")
}

func TestOrchestrator_WaitsWhenEveryProviderExhausted(t *testing.T) {
	a := &fakeProvider{name: "A", keys: []string{"a1"}, invoke: always("from A", nil)}
	b := &fakeProvider{name: "B", keys: []string{"b1"}, invoke: always("from B", nil)}
	sleeper := &recordingSleeper{}
	o, states := newTestOrchestrator(t, testFailoverConfig(), sleeper, a, b)

	states[0].Registry.AddToBlacklist("a1", "test")
	states[1].Registry.AddToBlacklist("b1", "test")
	sleeper.hook = func(d time.Duration) {
		if d == 10*time.Second {
			states[0].Registry.ForceClear()
			states[1].Registry.ForceClear()
		}
	}

	res, err := o.Analyze(context.Background(), models.AnalysisRequest{Prompt: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "from A", res.Text)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 2, res.Switches)
	assert.Equal(t, 1, sleeper.Count(10*time.Second))
}

func TestOrchestrator_WaitsOnEmptyPool(t *testing.T) {
	fetchErr := errors.New("key service down")
	a := &fakeProvider{name: "A", keys: []string{"a1"}, fetchErr: []error{fetchErr, fetchErr}, invoke: always("ok", nil)}
	sleeper := &recordingSleeper{}
	o, _ := newTestOrchestrator(t, testFailoverConfig(), sleeper, a)

	res, err := o.Analyze(context.Background(), models.AnalysisRequest{Prompt: "hi"})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 0, res.Switches)
	assert.Equal(t, 3, a.Fetches())
	assert.Equal(t, 2, sleeper.Count(7*time.Second))
}

func TestOrchestrator_EmptyResultIsFailure(t *testing.T) {
	a := &fakeProvider{name: "A", keys: []string{"a1", "a2"}}
	a.invoke = func(_ context.Context, key string) (string, error) {
		if key == "a1" {
			return "  \n", nil
		}
		return "answer", nil
	}
	recorder := &memoryRecorder{}
	states := []*ProviderState{NewProviderState(a, NewKeyHealthRegistry("test:A", WithRegistryLogger(quietLogger())))}
	o, err := NewOrchestrator(testFailoverConfig(), states, quietLogger(),
		WithSleeper((&recordingSleeper{}).Sleep),
		WithAttemptRecorder(recorder),
	)
	require.NoError(t, err)

	res, err := o.Analyze(context.Background(), models.AnalysisRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "answer", res.Text)
	assert.Equal(t, 2, res.Attempts)

	require.Len(t, recorder.entries, 2)
	first := recorder.entries[0]
	assert.False(t, first.Success)
	assert.Equal(t, string(FailureEmptyResult), first.FailureKind)
	assert.Equal(t, res.InvocationID, first.InvocationID)
	assert.Equal(t, "***1", first.KeyMask)
	assert.True(t, recorder.entries[1].Success)
	assert.Equal(t, 2, recorder.entries[1].Attempt)
}

func TestOrchestrator_TimeoutIsRecordedAsFailure(t *testing.T) {
	a := &fakeProvider{name: "A", keys: []string{"slow", "fast"}}
	a.invoke = func(ctx context.Context, key string) (string, error) {
		if key == "slow" {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "ok", nil
	}
	cfg := testFailoverConfig()
	cfg.CallTimeout = 30 * time.Millisecond
	o, states := newTestOrchestrator(t, cfg, &recordingSleeper{}, a)

	res, err := o.Analyze(context.Background(), models.AnalysisRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)

	rec, ok := states[0].Registry.Record("slow")
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.Failures)
}

func TestOrchestrator_CancellationStopsLoop(t *testing.T) {
	a := &fakeProvider{name: "A", keys: []string{"a1"}, invoke: always("", errors.New("upstream 503: unavailable"))}
	ctx, cancel := context.WithCancel(context.Background())
	sleeper := &recordingSleeper{}
	sleeper.hook = func(time.Duration) {
		if len(a.Calls()) >= 2 {
			cancel()
		}
	}
	o, _ := newTestOrchestrator(t, testFailoverConfig(), sleeper, a)

	res, err := o.Analyze(ctx, models.AnalysisRequest{Prompt: "hi"})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, a.Calls(), 2)
	assert.Equal(t, int64(1), o.Stats().Cancelled)
}

func TestOrchestrator_CancelledDuringCallDoesNotBlameKey(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &fakeProvider{name: "A", keys: []string{"a1"}}
	a.invoke = func(callCtx context.Context, key string) (string, error) {
		cancel()
		<-callCtx.Done()
		return "", callCtx.Err()
	}
	o, states := newTestOrchestrator(t, testFailoverConfig(), &recordingSleeper{}, a)

	_, err := o.Analyze(ctx, models.AnalysisRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, context.Canceled)

	rec, _ := states[0].Registry.Record("a1")
	assert.Equal(t, int64(0), rec.Failures)
}

type fixedStrategy struct{ start int }

func (s fixedStrategy) Name() string      { return "fixed" }
func (s fixedStrategy) Initial(n int) int { return s.start % n }

func TestOrchestrator_InitialProviderStrategy(t *testing.T) {
	a := &fakeProvider{name: "A", keys: []string{"a1"}, invoke: always("from A", nil)}
	b := &fakeProvider{name: "B", keys: []string{"b1"}, invoke: always("from B", nil)}
	states := []*ProviderState{
		NewProviderState(a, NewKeyHealthRegistry("test:A", WithRegistryLogger(quietLogger()))),
		NewProviderState(b, NewKeyHealthRegistry("test:B", WithRegistryLogger(quietLogger()))),
	}
	o, err := NewOrchestrator(testFailoverConfig(), states, quietLogger(), WithStrategy(fixedStrategy{start: 1}))
	require.NoError(t, err)

	res, err := o.Analyze(context.Background(), models.AnalysisRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "B", res.Provider)
	assert.Empty(t, a.Calls())

	random := &RandomStrategy{}
	for i := 0; i < 20; i++ {
		idx := random.Initial(2)
		assert.True(t, idx == 0 || idx == 1)
	}
	assert.Equal(t, 0, random.Initial(1))
	assert.Equal(t, "random", StrategyByName("random").Name())
	assert.Equal(t, "priority", StrategyByName("unknown").Name())
}

func TestOrchestrator_ForcedRefreshEveryNAttempts(t *testing.T) {
	a := &fakeProvider{name: "A", keys: []string{"a1", "a2", "a3"}}
	var mu sync.Mutex
	n := 0
	a.invoke = func(context.Context, string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n < 5 {
			return "", errors.New("upstream 500: flaky")
		}
		return "ok", nil
	}
	cfg := testFailoverConfig()
	cfg.ForcedRefreshEvery = 2
	cfg.ProviderFailureThreshold = 100
	o, _ := newTestOrchestrator(t, cfg, &recordingSleeper{}, a)

	res, err := o.Analyze(context.Background(), models.AnalysisRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Attempts)
	assert.Equal(t, 3, a.Fetches(), "initial fetch plus refreshes after attempts 2 and 4")
}

func TestOrchestrator_SwitchForcesKeyRefresh(t *testing.T) {
	a := &fakeProvider{name: "A", keys: []string{"a1"}, invoke: always("", errors.New("upstream 429"))}
	b := &fakeProvider{name: "B", keys: []string{"b1"}, invoke: always("ok", nil)}
	o, states := newTestOrchestrator(t, testFailoverConfig(), &recordingSleeper{}, a, b)

	states[1].Pool.Replace([]string{"stale"}, time.Now())

	res, err := o.Analyze(context.Background(), models.AnalysisRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "B", res.Provider)
	assert.Equal(t, 1, b.Fetches())
	assert.Equal(t, []string{"b1"}, b.Calls())
}

func TestOrchestrator_ConcurrentInvocationsShareState(t *testing.T) {
	a := &fakeProvider{name: "A", keys: []string{"a1", "a2", "a3"}, invoke: always("ok", nil)}
	o, states := newTestOrchestrator(t, testFailoverConfig(), &recordingSleeper{}, a)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.Analyze(context.Background(), models.AnalysisRequest{Prompt: "hi"})
			assert.NoError(t, err)
			assert.Equal(t, 1, res.Attempts)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, a.Fetches())
	var uses int64
	for _, v := range states[0].Registry.Snapshot() {
		assert.Equal(t, int64(10), v.TotalUses)
		uses += v.TotalUses
	}
	assert.Equal(t, int64(30), uses)
	assert.Equal(t, int64(30), o.Stats().Successes)
}

func TestOrchestrator_AdminOperations(t *testing.T) {
	a := &fakeProvider{name: "A", keys: []string{"a1"}, invoke: always("ok", nil)}
	b := &fakeProvider{name: "B", keys: []string{"b1"}, invoke: always("ok", nil)}
	o, states := newTestOrchestrator(t, testFailoverConfig(), &recordingSleeper{}, a, b)

	states[0].Registry.AddToBlacklist("a1", "test")
	states[1].Registry.AddToBlacklist("b1", "test")
	assert.Equal(t, 1, o.ClearBlacklists("B"))
	assert.Equal(t, 1, o.ClearBlacklists(""))

	states[0].Pool.Replace([]string{"a1"}, time.Now())
	o.InvalidatePools()
	assert.True(t, states[0].Pool.LastRefreshAt().IsZero())

	stats := o.ProviderStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "A", stats[0].Provider)
	assert.Equal(t, "test:A", stats[0].Pool)
	assert.Equal(t, 1, stats[0].Keys)
	assert.Equal(t, 1, stats[0].Available)
}

func TestNewOrchestrator_Validation(t *testing.T) {
	_, err := NewOrchestrator(testFailoverConfig(), nil, quietLogger())
	assert.ErrorIs(t, err, ErrNoProviders)

	a := &fakeProvider{name: "A", keys: []string{"a1"}, invoke: always("ok", nil)}
	cfg := testFailoverConfig()
	cfg.CallTimeout = 0
	_, err = NewOrchestrator(cfg, []*ProviderState{NewProviderState(a, NewKeyHealthRegistry("x"))}, quietLogger())
	assert.Error(t, err)
}

func TestOrchestrator_KeyServiceOutageDoesNotSerializeCallers(t *testing.T) {
	a := &fakeProvider{name: "A", keys: []string{"k1", "k2"}, invoke: always("ok", nil)}
	a.fetchFn = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	cfg := testFailoverConfig()
	cfg.KeyFetchTimeout = 200 * time.Millisecond
	o, states := newTestOrchestrator(t, cfg, &recordingSleeper{}, a)
	states[0].Pool.Replace([]string{"k1", "k2"}, time.Now().Add(-time.Hour))

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.Analyze(context.Background(), models.AnalysisRequest{Prompt: "hi"})
			if assert.NoError(t, err) {
				assert.Equal(t, "ok", res.Text)
			}
			assert.Less(t, time.Since(start), 450*time.Millisecond)
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := o.Analyze(ctx, models.AnalysisRequest{Prompt: "hi"})
	if err != nil {
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	wg.Wait()
	assert.Equal(t, 1, a.Fetches(), "one fetch per outage window")
}
