package core

import (
	"context"
	"llm-keypool/models"
)

// Provider 一个推理后端：拉取 Key + 用 Key 调用
// Orchestrator 只依赖该接口，不按 Provider 名称分支
type Provider interface {
	Name() string
	FetchKeys(ctx context.Context) ([]string, error)
	Invoke(ctx context.Context, key string, req models.AnalysisRequest) (string, error)
}

// KeySource 从远端发放接口获取某个 Provider 当前有效的 Key 列表
type KeySource interface {
	Fetch(ctx context.Context) ([]string, error)
}

// Adapter 具体推理后端的调用封装 (core 之外实现，见 core/adapter)
// 失败时返回携带可读信息的 error，core 只对其文本做限流分类
type Adapter interface {
	Invoke(ctx context.Context, key string, req models.AnalysisRequest) (string, error)
}

// SecretProvider 抽象密钥解密
// 发放接口下发的 Key 可能是密文
type SecretProvider interface {
	Decrypt(ciphertext string) (string, error)
	Encrypt(plaintext string) (string, error)
}

// PlainKeys 发放接口下发明文 Key 时使用，原样返回
type PlainKeys struct{}

func (PlainKeys) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }

func (PlainKeys) Encrypt(plaintext string) (string, error) { return plaintext, nil }

// AttemptRecorder 接收每次尝试的审计记录，实现方不得阻塞调用方
type AttemptRecorder interface {
	Record(entry *models.AttemptLog)
}
