// Package config 负责加载 YAML 配置，支持 ${VAR} 环境变量展开与少量环境变量覆盖
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	CallSiteText  = "text"
	CallSiteImage = "image"
)

// Config 完整配置
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Logging   LoggingConfig    `yaml:"logging"`
	Database  DatabaseConfig   `yaml:"database"`
	Registry  RegistryConfig   `yaml:"registry"`
	Failover  FailoverConfig   `yaml:"failover"`
	CallSites CallSitesConfig  `yaml:"call_sites"`
	Providers []ProviderConfig `yaml:"providers"`
	Secrets   SecretsConfig    `yaml:"secrets"`
}

type ServerConfig struct {
	Port       int     `yaml:"port"`
	Mode       string  `yaml:"mode"`        // gin: debug, release, test
	RateLimit  float64 `yaml:"rate_limit"`  // 每 IP 每秒请求数，0 表示不限
	RateBurst  int     `yaml:"rate_burst"`
	MaxWorkers int     `yaml:"max_workers"` // 同时在途的上游调用数
}

type LoggingConfig struct {
	Level     string `yaml:"level"`  // debug, info, warn, error
	Format    string `yaml:"format"` // json, text
	File      string `yaml:"file"`   // 为空时只输出到 stdout
	MaxSizeMB int    `yaml:"max_size_mb"`
}

type DatabaseConfig struct {
	Path          string        `yaml:"path"`
	Retention     int           `yaml:"retention"` // 审计表保留条数
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// RegistryConfig Key 健康登记参数
type RegistryConfig struct {
	BlacklistTTL     time.Duration `yaml:"blacklist_ttl"`
	CoalesceWindow   time.Duration `yaml:"coalesce_window"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// FailoverConfig 故障转移参数，对所有调用点生效
type FailoverConfig struct {
	KeyRefreshInterval       time.Duration `yaml:"key_refresh_interval"`
	KeyFetchTimeout          time.Duration `yaml:"key_fetch_timeout"`
	ProviderFailureThreshold int           `yaml:"provider_failure_threshold"`
	ForcedRefreshEvery       int           `yaml:"forced_refresh_every"`
	FloodDelay               time.Duration `yaml:"flood_delay"`
	ExhaustedWait            time.Duration `yaml:"exhausted_wait"`
	EmptyPoolWait            time.Duration `yaml:"empty_pool_wait"`
}

type CallSitesConfig struct {
	Text  CallSiteConfig `yaml:"text"`
	Image CallSiteConfig `yaml:"image"`
}

type CallSiteConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	Strategy  string        `yaml:"strategy"`  // priority, random
	Providers []string      `yaml:"providers"` // 为空时按 providers 顺序全部使用
}

type ProviderConfig struct {
	Name          string      `yaml:"name"`
	Kind          string      `yaml:"kind"` // zhipu, siliconflow, openai
	KeyURL        string      `yaml:"key_url"`
	Endpoint      string      `yaml:"endpoint"`
	EncryptedKeys bool        `yaml:"encrypted_keys"`
	Text          ModelConfig `yaml:"text"`
	Image         ModelConfig `yaml:"image"`
}

type ModelConfig struct {
	Models      []string `yaml:"models"`
	Temperature *float64 `yaml:"temperature"`
	TopP        *float64 `yaml:"top_p"`
	MaxTokens   *int     `yaml:"max_tokens"`
}

type SecretsConfig struct {
	KeyEncryptionKey string `yaml:"key_encryption_key"`
}

// Default 默认配置 (不含 Provider)
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:       8520,
			Mode:       "release",
			RateLimit:  5,
			RateBurst:  10,
			MaxWorkers: 16,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "json",
			MaxSizeMB: 10,
		},
		Database: DatabaseConfig{
			Path:          "keypool.db",
			Retention:     1000,
			FlushInterval: 5 * time.Second,
		},
		Registry: RegistryConfig{
			BlacklistTTL:     180 * time.Second,
			CoalesceWindow:   10 * time.Second,
			SweepInterval:    30 * time.Second,
			FailureThreshold: 5,
		},
		Failover: FailoverConfig{
			KeyRefreshInterval:       5 * time.Minute,
			KeyFetchTimeout:          15 * time.Second,
			ProviderFailureThreshold: 3,
			ForcedRefreshEvery:       50,
			FloodDelay:               1 * time.Second,
			ExhaustedWait:            10 * time.Second,
			EmptyPoolWait:            10 * time.Second,
		},
		CallSites: CallSitesConfig{
			Text:  CallSiteConfig{Timeout: 60 * time.Second, Strategy: "priority"},
			Image: CallSiteConfig{Timeout: 70 * time.Second, Strategy: "priority"},
		},
	}
}

// Load 读取 YAML 文件，展开 ${VAR}，应用环境变量覆盖并校验
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse 解析已展开的 YAML 内容
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyProviderDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("KEYPOOL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("KEYPOOL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KEYPOOL_KEY_ENCRYPTION_KEY"); v != "" {
		c.Secrets.KeyEncryptionKey = v
	}
}

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

// applyProviderDefaults 按 kind 补全未配置的模型参数
func (c *Config) applyProviderDefaults() {
	for i := range c.Providers {
		p := &c.Providers[i]
		switch p.Kind {
		case "zhipu":
			fillModel(&p.Text, []string{"glm-z1-flash"}, floatPtr(0.7), nil, intPtr(32768))
			fillModel(&p.Image, []string{"GLM-4V-Flash"}, floatPtr(0.7), nil, nil)
		case "siliconflow":
			fillModel(&p.Text, []string{"deepseek-ai/DeepSeek-R1-0528-Qwen3-8B"}, floatPtr(0.1), floatPtr(0.7), nil)
			fillModel(&p.Image, []string{"THUDM/GLM-4.1V-9B-Thinking"}, floatPtr(0.7), nil, nil)
		}
	}
}

func fillModel(m *ModelConfig, models []string, temperature, topP *float64, maxTokens *int) {
	if len(m.Models) > 0 {
		return
	}
	m.Models = models
	if m.Temperature == nil {
		m.Temperature = temperature
	}
	if m.TopP == nil {
		m.TopP = topP
	}
	if m.MaxTokens == nil {
		m.MaxTokens = maxTokens
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MaxWorkers <= 0 {
		return fmt.Errorf("server.max_workers must be positive")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("provider[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		switch p.Kind {
		case "zhipu", "siliconflow":
		case "openai":
			if p.Endpoint == "" {
				return fmt.Errorf("provider[%d] %q: endpoint is required for kind openai", i, p.Name)
			}
		default:
			return fmt.Errorf("provider[%d] %q: unknown kind %q", i, p.Name, p.Kind)
		}
		if p.KeyURL == "" {
			return fmt.Errorf("provider[%d] %q: key_url is required", i, p.Name)
		}
		if len(p.Text.Models) == 0 && len(p.Image.Models) == 0 {
			return fmt.Errorf("provider[%d] %q: at least one model must be configured", i, p.Name)
		}
		if p.EncryptedKeys && c.Secrets.KeyEncryptionKey == "" {
			return fmt.Errorf("provider[%d] %q: encrypted_keys requires secrets.key_encryption_key", i, p.Name)
		}
	}

	for _, site := range []string{CallSiteText, CallSiteImage} {
		cs := c.CallSite(site)
		if cs.Timeout <= 0 {
			return fmt.Errorf("call_sites.%s.timeout must be positive", site)
		}
		if cs.Strategy != "" && cs.Strategy != "priority" && cs.Strategy != "random" {
			return fmt.Errorf("call_sites.%s.strategy: unknown strategy %q", site, cs.Strategy)
		}
		for _, name := range cs.Providers {
			if !seen[name] {
				return fmt.Errorf("call_sites.%s: unknown provider %q", site, name)
			}
		}
	}

	f := c.Failover
	if f.KeyRefreshInterval <= 0 || f.KeyFetchTimeout <= 0 {
		return fmt.Errorf("failover: key_refresh_interval and key_fetch_timeout must be positive")
	}
	if f.ProviderFailureThreshold <= 0 {
		return fmt.Errorf("failover.provider_failure_threshold must be positive")
	}
	if f.ForcedRefreshEvery < 0 || f.FloodDelay < 0 || f.ExhaustedWait < 0 || f.EmptyPoolWait < 0 {
		return fmt.Errorf("failover: values cannot be negative")
	}
	if c.Registry.BlacklistTTL <= 0 || c.Registry.FailureThreshold <= 0 {
		return fmt.Errorf("registry: blacklist_ttl and failure_threshold must be positive")
	}
	return nil
}

// CallSite 返回调用点配置，未知名称返回零值
func (c *Config) CallSite(name string) CallSiteConfig {
	switch name {
	case CallSiteText:
		return c.CallSites.Text
	case CallSiteImage:
		return c.CallSites.Image
	}
	return CallSiteConfig{}
}

// ProvidersFor 返回调用点按顺序使用的 Provider，跳过没有该调用点模型的 Provider
func (c *Config) ProvidersFor(site string) []ProviderConfig {
	names := c.CallSite(site).Providers
	var ordered []ProviderConfig
	if len(names) == 0 {
		ordered = c.Providers
	} else {
		byName := make(map[string]ProviderConfig, len(c.Providers))
		for _, p := range c.Providers {
			byName[p.Name] = p
		}
		for _, n := range names {
			ordered = append(ordered, byName[n])
		}
	}

	out := make([]ProviderConfig, 0, len(ordered))
	for _, p := range ordered {
		if len(p.Models(site).Models) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// Models 返回 Provider 在调用点上的模型配置
func (p ProviderConfig) Models(site string) ModelConfig {
	if site == CallSiteImage {
		return p.Image
	}
	return p.Text
}
