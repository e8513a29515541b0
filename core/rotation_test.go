package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pick(t *testing.T, s *RotationSelector, keys []string, r *KeyHealthRegistry, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		k, ok := s.Next(keys, r)
		require.True(t, ok)
		out = append(out, k)
	}
	return out
}

func TestRotation_StrictRoundRobin(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	s := NewRotationSelector()
	keys := []string{"k1", "k2", "k3"}

	assert.Equal(t, []string{"k1", "k2", "k3", "k1", "k2", "k3"}, pick(t, s, keys, r, 6))

	for _, k := range keys {
		rec, _ := r.Record(k)
		assert.Equal(t, int64(2), rec.TotalUses)
	}
}

func TestRotation_SkipsBlacklistedKeys(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	s := NewRotationSelector()
	keys := []string{"k1", "k2", "k3"}

	r.AddToBlacklist("k2", "test")
	assert.Equal(t, []string{"k1", "k3", "k1", "k3"}, pick(t, s, keys, r, 4))
}

func TestRotation_ResetsWhenAvailableCountChanges(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)
	s := NewRotationSelector()
	keys := []string{"k1", "k2", "k3"}

	assert.Equal(t, []string{"k1", "k2"}, pick(t, s, keys, r, 2))

	r.AddToBlacklist("k3", "test")
	assert.Equal(t, []string{"k1", "k2"}, pick(t, s, keys, r, 2), "cursor restarts from the head")

	clock.Advance(DefaultBlacklistTTL)
	assert.Equal(t, []string{"k1", "k2", "k3"}, pick(t, s, keys, r, 3), "restored key rejoins the rotation")
}

func TestRotation_NoStarvation(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	s := NewRotationSelector()
	keys := []string{"a", "b", "c", "d", "e"}

	counts := map[string]int{}
	for _, k := range pick(t, s, keys, r, 50) {
		counts[k]++
	}
	for _, k := range keys {
		assert.Equal(t, 10, counts[k], k)
	}
}

func TestRotation_NothingAvailable(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	s := NewRotationSelector()

	_, ok := s.Next(nil, r)
	assert.False(t, ok)

	r.AddToBlacklist("k1", "test")
	_, ok = s.Next([]string{"k1"}, r)
	assert.False(t, ok)
}
