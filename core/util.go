package core

import (
	"crypto/sha256"
	"encoding/hex"
	"unicode/utf8"
)

// maskKey 脱敏 API Key
func maskKey(key string) string {
	if len(key) <= 8 {
		return "***" + key[len(key)/2:]
	}
	return key[:3] + "***" + key[len(key)-4:]
}

// keyHash Key 的短指纹 (sha256 前 8 位十六进制)
// 脱敏后的 Key 可能重复，统计按指纹区分
func keyHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}

// MaskKey 供 cmd 与持久化层使用
func MaskKey(key string) string { return maskKey(key) }

// truncate 按字节截断，回退到 rune 边界
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
