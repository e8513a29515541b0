package core

import (
	"sync"
)

// RotationSelector 在可用 Key 中做严格轮询
// 只保证同一 registry/pool 上的调用序列公平，不做全局同步
type RotationSelector struct {
	mu        sync.Mutex
	cursor    int
	lastCount int
}

func NewRotationSelector() *RotationSelector {
	return &RotationSelector{cursor: -1}
}

// Next 返回下一个可用 Key；仅在没有任何可用 Key 时返回 false
func (s *RotationSelector) Next(keys []string, registry *KeyHealthRegistry) (string, bool) {
	if len(keys) == 0 {
		return "", false
	}
	registry.MaybeSweep()

	available := registry.Available(keys)
	availableKeys.WithLabelValues(registry.Pool()).Set(float64(len(available)))
	if len(available) == 0 {
		registry.logger.Errorf("💀 [%s] All keys blacklisted! total=%d, blacklisted=%d",
			registry.Pool(), len(keys), registry.BlacklistedCount())
		return "", false
	}

	s.mu.Lock()
	// 可用数量变化 (刷新/拉黑/过期) 时从头开始
	if len(available) != s.lastCount {
		s.cursor = -1
		s.lastCount = len(available)
	}
	s.cursor = (s.cursor + 1) % len(available)
	idx := s.cursor
	s.mu.Unlock()

	selected := available[idx]
	registry.RecordUsage(selected)
	registry.logger.Infof("🔑 [%s] Rotation picked key [%d/%d]: %s",
		registry.Pool(), idx+1, len(available), maskKey(selected))
	return selected, true
}

// Cursor 当前游标位置 (测试与诊断用)
func (s *RotationSelector) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}
