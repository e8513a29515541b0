package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultKeyFetchTimeout = 10 * time.Second

// keyListResponse 发放接口响应: {"success": true, "data": [{"key": "..."}]}
type keyListResponse struct {
	Success bool `json:"success"`
	Data    []struct {
		Key string `json:"key"`
	} `json:"data"`
}

// HTTPKeySource 通过 POST 空表单从发放接口拉取 Key 列表
// 自身不重试，重试由 Orchestrator 负责
type HTTPKeySource struct {
	name    string
	url     string
	timeout time.Duration
	client  *http.Client
	secrets SecretProvider
	logger  *logrus.Logger
}

func NewHTTPKeySource(name, url string, timeout time.Duration, client *http.Client, secrets SecretProvider, logger *logrus.Logger) *HTTPKeySource {
	if timeout <= 0 {
		timeout = DefaultKeyFetchTimeout
	}
	if client == nil {
		client = http.DefaultClient
	}
	if secrets == nil {
		secrets = PlainKeys{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HTTPKeySource{
		name:    name,
		url:     url,
		timeout: timeout,
		client:  client,
		secrets: secrets,
		logger:  logger,
	}
}

func (s *HTTPKeySource) Fetch(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, strings.NewReader(""))
	if err != nil {
		return nil, fmt.Errorf("build key request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s keys: %w", s.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s key response: %w", s.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d %s", ErrKeyFetchStatus, resp.StatusCode, truncate(string(body), 200))
	}

	var payload keyListResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode %s key response: %w", s.name, err)
	}
	if !payload.Success {
		return nil, fmt.Errorf("%w: %s", ErrKeyFetchFailed, truncate(string(body), 200))
	}

	keys := make([]string, 0, len(payload.Data))
	for _, item := range payload.Data {
		if item.Key == "" {
			continue
		}
		key, err := s.secrets.Decrypt(item.Key)
		if err != nil {
			s.logger.Errorf("Failed to decrypt issued key for %s: %v", s.name, err)
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, ErrNoKeysIssued
	}

	s.logger.Infof("📥 Fetched %d %s keys", len(keys), s.name)
	return keys, nil
}
