package adapter

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

const (
	ZhipuEndpoint = "https://open.bigmodel.cn/api/paas/v4/chat/completions"
	ZhipuTokenTTL = 30 * time.Minute
)

var ErrInvalidZhipuKey = errors.New("invalid zhipu api key format, want id.secret")

type cachedToken struct {
	token string
	exp   time.Time
}

// ZhipuJWTAuth 把 "id.secret" 签成 HS256 JWT，按 Key 缓存
// 不带点号的 Key 视为已经可直接使用的 Token
type ZhipuJWTAuth struct {
	mu      sync.Mutex
	cache   map[string]cachedToken
	ttl     time.Duration
	nowFunc func() time.Time
}

func NewZhipuJWTAuth() *ZhipuJWTAuth {
	return &ZhipuJWTAuth{
		cache:   make(map[string]cachedToken),
		ttl:     ZhipuTokenTTL,
		nowFunc: time.Now,
	}
}

func (z *ZhipuJWTAuth) Token(apiKey string) (string, error) {
	if !strings.Contains(apiKey, ".") {
		return apiKey, nil
	}

	z.mu.Lock()
	defer z.mu.Unlock()

	now := z.nowFunc()
	if c, ok := z.cache[apiKey]; ok && now.Before(c.exp) {
		return c.token, nil
	}

	parts := strings.Split(apiKey, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", ErrInvalidZhipuKey
	}
	id, secret := parts[0], parts[1]

	exp := now.Add(z.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"api_key":   id,
		"exp":       exp.UnixMilli(),
		"timestamp": now.UnixMilli(),
	})
	token.Header["sign_type"] = "SIGN"

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	// 提前一分钟过期
	z.cache[apiKey] = cachedToken{token: signed, exp: exp.Add(-1 * time.Minute)}
	return signed, nil
}

// NewZhipuAdapter 使用 JWT 鉴权，Endpoint 为空时使用官方地址
func NewZhipuAdapter(cfg ChatConfig, client *http.Client, logger *logrus.Logger) (*ChatAdapter, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = ZhipuEndpoint
	}
	if cfg.Auth == nil {
		cfg.Auth = NewZhipuJWTAuth()
	}
	return NewChatAdapter(cfg, client, logger)
}
