package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"llm-keypool/models"
	"math/rand"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// maxResponseBytes 上游响应体读取上限
const maxResponseBytes = 8 << 20

var ErrNoChoices = errors.New("no choices in upstream response")

// Authenticator 把发放的原始 Key 转成 Authorization Bearer 值
type Authenticator interface {
	Token(apiKey string) (string, error)
}

// BearerAuth 原样使用 Key
type BearerAuth struct{}

func (BearerAuth) Token(apiKey string) (string, error) { return apiKey, nil }

// ChatConfig 一个 Provider 在某个调用点上的调用参数
type ChatConfig struct {
	Name        string
	Endpoint    string   // 完整的 chat/completions 地址
	Models      []string // 每次调用随机选一个
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	// DisableThinking 纯文本调用时发送 enable_thinking=false
	DisableThinking bool
	Auth            Authenticator
}

// ChatAdapter OpenAI 兼容协议的非流式调用
type ChatAdapter struct {
	cfg    ChatConfig
	client *http.Client
	logger *logrus.Logger
}

func NewChatAdapter(cfg ChatConfig, client *http.Client, logger *logrus.Logger) (*ChatAdapter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("adapter %s: endpoint is required", cfg.Name)
	}
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("adapter %s: at least one model is required", cfg.Name)
	}
	if cfg.Auth == nil {
		cfg.Auth = BearerAuth{}
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ChatAdapter{cfg: cfg, client: client, logger: logger}, nil
}

func (a *ChatAdapter) Name() string { return a.cfg.Name }

// Invoke 发送一次请求，返回清理后的文本
// 非 2xx 时错误信息为 "upstream <status>: <body>"，便于按 429 等关键字分类
func (a *ChatAdapter) Invoke(ctx context.Context, key string, req models.AnalysisRequest) (string, error) {
	token, err := a.cfg.Auth.Token(key)
	if err != nil {
		return "", fmt.Errorf("auth: %w", err)
	}

	body, err := json.Marshal(a.buildRequest(req))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("User-Agent", "LLM-Keypool/1.0")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upstream %d: %s", resp.StatusCode, excerpt(raw, 300))
	}

	var out models.ChatCompletionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrNoChoices
	}
	return CleanThinking(out.Choices[0].Message.StringContent()), nil
}

func (a *ChatAdapter) buildRequest(req models.AnalysisRequest) models.ChatCompletionRequest {
	model := a.cfg.Models[0]
	if len(a.cfg.Models) > 1 {
		model = a.cfg.Models[rand.Intn(len(a.cfg.Models))]
	}
	a.logger.Debugf("🔧 [%s] using model %s", a.cfg.Name, model)

	var content interface{} = req.Prompt
	if req.IsVision() {
		parts := make([]models.ContentPart, 0, len(req.Images)+1)
		for _, img := range req.Images {
			parts = append(parts, models.ContentPart{
				Type:     "image_url",
				ImageURL: &models.ImageURL{URL: dataURL(img)},
			})
		}
		parts = append(parts, models.ContentPart{Type: "text", Text: req.Prompt})
		content = parts
	}

	out := models.ChatCompletionRequest{
		Model:       model,
		Messages:    []models.ChatMessage{{Role: "user", Content: content}},
		Stream:      false,
		Temperature: a.cfg.Temperature,
		TopP:        a.cfg.TopP,
		MaxTokens:   a.cfg.MaxTokens,
	}
	if a.cfg.DisableThinking && !req.IsVision() {
		off := false
		out.EnableThinking = &off
	}
	return out
}

// dataURL 裸 base64 默认按 jpeg 处理
func dataURL(img string) string {
	if strings.HasPrefix(img, "data:") || strings.HasPrefix(img, "http://") || strings.HasPrefix(img, "https://") {
		return img
	}
	return "data:image/jpeg;base64," + img
}

func excerpt(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
