package models

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"gorm.io/gorm"
)

// AdminKey 管理员密钥
type AdminKey struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `json:"name"`
	Key       string    `gorm:"uniqueIndex" json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// AttemptLog 一次 Provider 调用的审计记录
// 只做审计，不参与健康判断，重启后不会用来恢复黑名单
type AttemptLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
	InvocationID string    `gorm:"index;size:36" json:"invocation_id"`
	CallSite     string    `gorm:"size:32" json:"call_site"`
	Provider     string    `gorm:"size:64" json:"provider"`
	KeyMask      string    `gorm:"size:32" json:"key"` // 脱敏后的 Key
	KeyHash      string    `gorm:"size:16" json:"key_hash"`
	Attempt      int       `json:"attempt"`
	Success      bool      `json:"success"`
	FailureKind  string    `gorm:"size:32" json:"failure_kind,omitempty"`
	ErrorMsg     string    `json:"error_msg,omitempty"`
	Duration     int64     `json:"duration_ms"`
}

// KeyStats 按 (Provider, Key 指纹) 聚合的调用统计
type KeyStats struct {
	gorm.Model
	Provider     string    `gorm:"uniqueIndex:idx_provider_key_hash;size:64" json:"provider"`
	KeyHash      string    `gorm:"uniqueIndex:idx_provider_key_hash;size:16" json:"key_hash"`
	KeyMask      string    `gorm:"size:32" json:"key"`
	Success      int64     `gorm:"default:0" json:"success"`
	Error        int64     `gorm:"default:0" json:"error"`
	RateLimited  int64     `gorm:"default:0" json:"rate_limited"`
	TotalLatency float64   `gorm:"default:0" json:"total_latency"` // 毫秒
	LastUsedAt   time.Time `json:"last_used_at"`
}

// AutoMigrate 自动迁移数据库结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&AdminKey{},
		&AttemptLog{},
		&KeyStats{},
	)
}

// GenerateAdminKey 生成管理员密钥
func GenerateAdminKey() string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	return "sk-admin-" + hex.EncodeToString(bytes)
}

// InitializeDefaultData 首次启动时生成 Root 管理员密钥，返回新生成的密钥 (已存在时返回空串)
func InitializeDefaultData(db *gorm.DB) (string, error) {
	var adminCount int64
	if err := db.Model(&AdminKey{}).Count(&adminCount).Error; err != nil {
		return "", err
	}
	if adminCount > 0 {
		return "", nil
	}

	adminKey := AdminKey{
		Name: "Initial Root Key",
		Key:  GenerateAdminKey(),
	}
	if err := db.Create(&adminKey).Error; err != nil {
		return "", err
	}
	return adminKey.Key, nil
}
