package core

import (
	"math/rand"
)

// ProviderStrategy 决定每次调用从哪个 Provider 开始
type ProviderStrategy interface {
	// Name 返回策略名称，如 "priority", "random"
	Name() string

	// Initial 返回起始 Provider 的下标，n > 0
	Initial(n int) int
}

// PriorityStrategy 总是从第一个 Provider 开始 (按配置顺序)
type PriorityStrategy struct{}

func (s *PriorityStrategy) Name() string { return "priority" }

func (s *PriorityStrategy) Initial(_ int) int { return 0 }

// RandomStrategy 随机选择起始 Provider (两个 Provider 时即 50/50)
type RandomStrategy struct{}

func (s *RandomStrategy) Name() string { return "random" }

func (s *RandomStrategy) Initial(n int) int {
	if n <= 1 {
		return 0
	}
	return rand.Intn(n)
}

// StrategyByName 未知名称回退到 priority
func StrategyByName(name string) ProviderStrategy {
	switch name {
	case "random":
		return &RandomStrategy{}
	default:
		return &PriorityStrategy{}
	}
}
