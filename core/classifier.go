package core

import (
	"errors"
	"strings"
)

// FailureKind 失败分类
type FailureKind string

const (
	FailureGeneric     FailureKind = "generic"
	FailureRateLimit   FailureKind = "rate_limit"
	FailureTimeout     FailureKind = "timeout"
	FailureEmptyResult FailureKind = "empty_result"
)

// ClassifyFailure 根据上游返回的错误文本判断失败类型
// 上游没有结构化错误码，只能做子串匹配；替换为结构化错误码时只需要改这里
func ClassifyFailure(msg string) FailureKind {
	if msg == "" {
		return FailureGeneric
	}
	if IsRateLimitMessage(msg) {
		return FailureRateLimit
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, ErrCallTimedOut.Error()) {
		return FailureTimeout
	}
	if strings.Contains(lower, ErrEmptyResult.Error()) {
		return FailureEmptyResult
	}
	return FailureGeneric
}

// ClassifyError 与 ClassifyFailure 相同，但优先使用错误链上的哨兵错误
func ClassifyError(err error) FailureKind {
	if err == nil {
		return FailureGeneric
	}
	switch {
	case errors.Is(err, ErrCallTimedOut):
		return FailureTimeout
	case errors.Is(err, ErrEmptyResult):
		return FailureEmptyResult
	}
	return ClassifyFailure(err.Error())
}

// IsRateLimitMessage 检查错误文本是否表示限流/并发超限
func IsRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "429"):
		return true
	case strings.Contains(msg, "1302") && strings.Contains(msg, "并发数过高"):
		// Zhipu: {"code":"1302","message":"您当前使用该API的并发数过高..."}
		return true
	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "too many requests"),
		strings.Contains(lower, "quota exceeded"),
		strings.Contains(lower, "requests per minute"):
		return true
	case strings.Contains(lower, "concurrent") && strings.Contains(lower, "limit"):
		return true
	case strings.Contains(msg, "并发") && strings.Contains(msg, "限制"):
		return true
	}
	return false
}
