package core

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBlacklistTTL     = 180 * time.Second
	DefaultCoalesceWindow   = 10 * time.Second
	DefaultSweepInterval    = 30 * time.Second
	DefaultFailureThreshold = 5
)

// KeyHealthRecord 单个 Key 的健康记录，首次使用时惰性创建
type KeyHealthRecord struct {
	BlacklistedAt       time.Time // 零值表示不在黑名单
	BlacklistCount      int       // 只增不减
	LastBlacklistAt     time.Time
	ConsecutiveFailures int
	TotalUses           int64
	Successes           int64
	Failures            int64
	LastUsedAt          time.Time
}

// KeyHealthView 对外展示用的只读快照 (Key 已脱敏)
type KeyHealthView struct {
	Key                 string    `json:"key"`
	Blacklisted         bool      `json:"blacklisted"`
	BlacklistedAt       time.Time `json:"blacklisted_at,omitempty"`
	BlacklistCount      int       `json:"blacklist_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalUses           int64     `json:"total_uses"`
	Successes           int64     `json:"successes"`
	Failures            int64     `json:"failures"`
	LastUsedAt          time.Time `json:"last_used_at,omitempty"`
}

// RegistryOption 注册表可选配置
type RegistryOption func(*KeyHealthRegistry)

func WithBlacklistTTL(d time.Duration) RegistryOption {
	return func(r *KeyHealthRegistry) { r.ttl = d }
}

func WithCoalesceWindow(d time.Duration) RegistryOption {
	return func(r *KeyHealthRegistry) { r.coalesce = d }
}

func WithSweepInterval(d time.Duration) RegistryOption {
	return func(r *KeyHealthRegistry) { r.sweepInterval = d }
}

func WithFailureThreshold(n int) RegistryOption {
	return func(r *KeyHealthRegistry) { r.failureThreshold = n }
}

func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *KeyHealthRegistry) { r.nowFunc = now }
}

func WithRegistryLogger(logger *logrus.Logger) RegistryOption {
	return func(r *KeyHealthRegistry) { r.logger = logger }
}

// KeyHealthRegistry Key 健康状态注册表 (线程安全)
// 每个 Provider 一个实例，被所有并发的 Orchestrator 调用共享
// 锁内只做内存操作，不做任何网络 I/O
type KeyHealthRegistry struct {
	pool string

	mu        sync.Mutex
	blacklist map[string]time.Time
	records   map[string]*KeyHealthRecord
	lastSweep time.Time

	ttl              time.Duration
	coalesce         time.Duration
	sweepInterval    time.Duration
	failureThreshold int

	logger  *logrus.Logger
	nowFunc func() time.Time
}

// NewKeyHealthRegistry pool 用于日志与指标标签，例如 "text:zhipu"
func NewKeyHealthRegistry(pool string, opts ...RegistryOption) *KeyHealthRegistry {
	r := &KeyHealthRegistry{
		pool:             pool,
		blacklist:        make(map[string]time.Time),
		records:          make(map[string]*KeyHealthRecord),
		ttl:              DefaultBlacklistTTL,
		coalesce:         DefaultCoalesceWindow,
		sweepInterval:    DefaultSweepInterval,
		failureThreshold: DefaultFailureThreshold,
		logger:           logrus.StandardLogger(),
		nowFunc:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *KeyHealthRegistry) Pool() string { return r.pool }

// IsBlacklisted 检查 Key 是否在黑名单中，顺带清理已过期的条目
func (r *KeyHealthRegistry) IsBlacklisted(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isBlacklistedLocked(key, r.nowFunc())
}

func (r *KeyHealthRegistry) isBlacklistedLocked(key string, now time.Time) bool {
	at, exists := r.blacklist[key]
	if !exists {
		return false
	}
	if now.Sub(at) >= r.ttl {
		// 过期，懒惰清理
		delete(r.blacklist, key)
		if rec, ok := r.records[key]; ok {
			rec.BlacklistedAt = time.Time{}
		}
		r.logger.Infof("♻️ [%s] Key %s blacklist expired, available again", r.pool, maskKey(key))
		return false
	}
	return true
}

// AddToBlacklist 加入黑名单
// 10 秒内重复加入只刷新时间戳，不增加计数 (防止同一 Key 的突发失败把计数刷高)
func (r *KeyHealthRegistry) AddToBlacklist(key, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(key, reason, "manual", r.nowFunc())
}

func (r *KeyHealthRegistry) addLocked(key, reason, kind string, now time.Time) {
	rec := r.recordLocked(key)

	if at, exists := r.blacklist[key]; exists && now.Sub(at) < r.coalesce {
		r.blacklist[key] = now
		rec.BlacklistedAt = now
		return
	}

	r.blacklist[key] = now
	rec.BlacklistedAt = now
	rec.BlacklistCount++
	rec.LastBlacklistAt = now

	blacklistEvents.WithLabelValues(r.pool, kind).Inc()
	r.logger.Warnf("⛔ [%s] Key %s blacklisted (%s), count=%d, ttl=%s",
		r.pool, maskKey(key), reason, rec.BlacklistCount, r.ttl)
}

// RecordUsage 记录一次被选中
func (r *KeyHealthRegistry) RecordUsage(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recordLocked(key)
	rec.TotalUses++
	rec.LastUsedAt = r.nowFunc()
}

// RecordSuccess 记录成功调用
// 不会移除仍在生效的黑名单条目，成功只影响 TTL 到期后的判断
func (r *KeyHealthRegistry) RecordSuccess(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recordLocked(key)
	rec.Successes++
	rec.ConsecutiveFailures = 0
}

// RecordFailure 记录失败调用，并决定是否拉黑
func (r *KeyHealthRegistry) RecordFailure(key, errorMessage string) FailureKind {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.recordLocked(key)
	rec.Failures++
	rec.ConsecutiveFailures++

	kind := ClassifyFailure(errorMessage)
	now := r.nowFunc()
	switch {
	case kind == FailureRateLimit:
		r.addLocked(key, "rate limited", string(FailureRateLimit), now)
	case rec.ConsecutiveFailures >= r.failureThreshold:
		r.addLocked(key, fmt.Sprintf("%d consecutive failures", rec.ConsecutiveFailures), "consecutive_failures", now)
	}
	return kind
}

// AvailableCount 统计未被拉黑的 Key 数量
func (r *KeyHealthRegistry) AvailableCount(keys []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowFunc()
	n := 0
	for _, k := range keys {
		if !r.isBlacklistedLocked(k, now) {
			n++
		}
	}
	return n
}

// Available 按原顺序返回当前可用的 Key
func (r *KeyHealthRegistry) Available(keys []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowFunc()
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !r.isBlacklistedLocked(k, now) {
			out = append(out, k)
		}
	}
	return out
}

// MaybeSweep 距上次全量清理超过 sweepInterval 时执行一次
func (r *KeyHealthRegistry) MaybeSweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowFunc()
	if now.Sub(r.lastSweep) <= r.sweepInterval {
		return
	}
	r.sweepLocked(now)
}

// SweepExpired 全量清理过期条目，返回清理数量
func (r *KeyHealthRegistry) SweepExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked(r.nowFunc())
}

func (r *KeyHealthRegistry) sweepLocked(now time.Time) int {
	r.lastSweep = now
	removed := 0
	for key, at := range r.blacklist {
		if now.Sub(at) >= r.ttl {
			delete(r.blacklist, key)
			if rec, ok := r.records[key]; ok {
				rec.BlacklistedAt = time.Time{}
			}
			removed++
		}
	}
	if removed > 0 {
		r.logger.Infof("♻️ [%s] Sweep restored %d keys from blacklist", r.pool, removed)
	}
	return removed
}

// ForceClear 强制清空黑名单 (紧急情况使用)
func (r *KeyHealthRegistry) ForceClear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cleared := len(r.blacklist)
	r.blacklist = make(map[string]time.Time)
	for _, rec := range r.records {
		rec.BlacklistedAt = time.Time{}
	}
	r.logger.Warnf("🧹 [%s] Blacklist force-cleared, %d keys released", r.pool, cleared)
	return cleared
}

// BlacklistedCount 当前黑名单条目数 (含尚未清理的过期条目)
func (r *KeyHealthRegistry) BlacklistedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blacklist)
}

// Record 返回某个 Key 记录的副本
func (r *KeyHealthRegistry) Record(key string) (KeyHealthRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return KeyHealthRecord{}, false
	}
	return *rec, true
}

// Snapshot 返回所有 Key 的脱敏快照，按 Key 排序
func (r *KeyHealthRegistry) Snapshot() []KeyHealthView {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowFunc()

	keys := make([]string, 0, len(r.records))
	for k := range r.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	views := make([]KeyHealthView, 0, len(keys))
	for _, k := range keys {
		rec := r.records[k]
		views = append(views, KeyHealthView{
			Key:                 maskKey(k),
			Blacklisted:         r.isBlacklistedLocked(k, now),
			BlacklistedAt:       rec.BlacklistedAt,
			BlacklistCount:      rec.BlacklistCount,
			ConsecutiveFailures: rec.ConsecutiveFailures,
			TotalUses:           rec.TotalUses,
			Successes:           rec.Successes,
			Failures:            rec.Failures,
			LastUsedAt:          rec.LastUsedAt,
		})
	}
	return views
}

func (r *KeyHealthRegistry) recordLocked(key string) *KeyHealthRecord {
	rec, ok := r.records[key]
	if !ok {
		rec = &KeyHealthRecord{}
		r.records[key] = rec
	}
	return rec
}
