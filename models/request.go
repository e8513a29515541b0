package models

import (
	"encoding/json"
	"strings"
	"time"
)

// AnalysisRequest 调用方提交的一次分析任务
// Images 为 base64 编码的图片 (不带 data: 前缀)，为空时即纯文本任务
type AnalysisRequest struct {
	Prompt string
	Images []string
}

// IsVision 是否包含图片
func (r AnalysisRequest) IsVision() bool {
	return len(r.Images) > 0
}

// ChatCompletionRequest OpenAI 兼容的聊天请求 (Zhipu v4 / SiliconFlow 均兼容)
type ChatCompletionRequest struct {
	Model          string        `json:"model"`
	Messages       []ChatMessage `json:"messages"`
	Stream         bool          `json:"stream"`
	Temperature    *float64      `json:"temperature,omitempty"`
	TopP           *float64      `json:"top_p,omitempty"`
	MaxTokens      *int          `json:"max_tokens,omitempty"`
	EnableThinking *bool         `json:"enable_thinking,omitempty"` // SiliconFlow Qwen3 系列
}

// ChatMessage 聊天消息，Content 为 string 或 []ContentPart
type ChatMessage struct {
	Role             string      `json:"role"`
	Content          interface{} `json:"content"`
	ReasoningContent string      `json:"reasoning_content,omitempty"`
}

// ContentPart 多模态内容片段
type ContentPart struct {
	Type     string    `json:"type"` // "text" | "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL 图片地址，支持 data:image/jpeg;base64,...
type ImageURL struct {
	URL string `json:"url"`
}

// ChatCompletionResponse OpenAI 兼容的聊天响应
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   *ChatCompletionUsage   `json:"usage,omitempty"`
}

type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

type ChatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AnalyzeTextRequest POST /v1/analyze/text
type AnalyzeTextRequest struct {
	Prompt         string `json:"prompt" binding:"required"`
	MaxWaitSeconds int    `json:"max_wait_seconds" binding:"omitempty,min=1"`
}

// AnalyzeImagesRequest POST /v1/analyze/images
type AnalyzeImagesRequest struct {
	Prompt         string   `json:"prompt" binding:"required"`
	Images         []string `json:"images" binding:"required,min=1,max=4"`
	MaxWaitSeconds int      `json:"max_wait_seconds" binding:"omitempty,min=1"`
}

// AnalyzeResponse 分析结果
type AnalyzeResponse struct {
	InvocationID string `json:"invocation_id"`
	Text         string `json:"text"`
	Provider     string `json:"provider"`
	Attempts     int    `json:"attempts"`
	Switches     int    `json:"switches"`
	DurationMs   int64  `json:"duration_ms"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string   `json:"status"`
	Service   string   `json:"service"`
	CallSites []string `json:"call_sites"`
	Timestamp int64    `json:"timestamp"`
}

// APIResponse 通用API响应
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse(message string, data interface{}) *APIResponse {
	return &APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(message string) *APIResponse {
	return &APIResponse{
		Success:   false,
		Message:   message,
		Timestamp: time.Now().Unix(),
	}
}

// StringContent 从 ChatMessage.Content 提取文本
// 支持普通字符串和多模态数组格式
func (m *ChatMessage) StringContent() string {
	if m.Content == nil {
		return ""
	}

	if str, ok := m.Content.(string); ok {
		return str
	}

	// 解码后的多模态数组 [{"type": "text", "text": "..."}, ...]
	if arr, ok := m.Content.([]interface{}); ok {
		var result strings.Builder
		for _, item := range arr {
			itemMap, ok := item.(map[string]interface{})
			if !ok || itemMap["type"] != "text" {
				continue
			}
			if text, ok := itemMap["text"].(string); ok {
				if result.Len() > 0 {
					result.WriteString(" ")
				}
				result.WriteString(text)
			}
		}
		return result.String()
	}

	if jsonBytes, err := json.Marshal(m.Content); err == nil {
		return string(jsonBytes)
	}
	return ""
}
