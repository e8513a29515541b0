package adapter

import (
	"net/http"

	"github.com/sirupsen/logrus"
)

const SiliconFlowEndpoint = "https://api.siliconflow.cn/v1/chat/completions"

// NewSiliconFlowAdapter 纯文本调用关闭 Qwen3 系列的思考输出
func NewSiliconFlowAdapter(cfg ChatConfig, client *http.Client, logger *logrus.Logger) (*ChatAdapter, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = SiliconFlowEndpoint
	}
	cfg.DisableThinking = true
	return NewChatAdapter(cfg, client, logger)
}

// New 按 kind 创建适配器: zhipu | siliconflow | openai
func New(kind string, cfg ChatConfig, client *http.Client, logger *logrus.Logger) (*ChatAdapter, error) {
	switch kind {
	case "zhipu":
		return NewZhipuAdapter(cfg, client, logger)
	case "siliconflow":
		return NewSiliconFlowAdapter(cfg, client, logger)
	default:
		return NewChatAdapter(cfg, client, logger)
	}
}
