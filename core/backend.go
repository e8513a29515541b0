package core

import (
	"context"
	"llm-keypool/models"
)

// Backend 组合 KeySource 与 Adapter 实现 Provider
type Backend struct {
	name    string
	source  KeySource
	adapter Adapter
}

func NewBackend(name string, source KeySource, adapter Adapter) *Backend {
	return &Backend{name: name, source: source, adapter: adapter}
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) FetchKeys(ctx context.Context) ([]string, error) {
	return b.source.Fetch(ctx)
}

func (b *Backend) Invoke(ctx context.Context, key string, req models.AnalysisRequest) (string, error) {
	return b.adapter.Invoke(ctx, key, req)
}
