package main

import (
	"context"
	"errors"
	"fmt"
	"llm-keypool/config"
	"llm-keypool/core"
	"llm-keypool/models"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// server HTTP 层持有的依赖
type server struct {
	db       *gorm.DB
	log      *logrus.Logger
	sites    map[string]*core.Orchestrator
	attempts *core.AsyncAttemptLogger
	limiter  *IPRateLimiter
}

// engine 设置路由
func (s *server) engine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.RecoveryWithWriter(s.log.Writer()))
	engine.Use(corsMiddleware())

	// 公开路由 - 无需鉴权，无访问日志
	engine.GET("/", s.handleRoot())
	engine.GET("/health", s.handleHealth())
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := engine.Group("/v1")
	api.Use(requestLoggerMiddleware(s.log))
	if s.limiter != nil {
		api.Use(RateLimitMiddleware(s.limiter, s.log))
	}
	api.Use(AdminAuthMiddleware(s.db))
	{
		api.POST("/analyze/text", s.handleAnalyzeText())
		api.POST("/analyze/images", s.handleAnalyzeImages())
	}

	// 管理API路由组 - 静默模式，不记录访问日志
	admin := engine.Group("/admin")
	admin.Use(AdminAuthMiddleware(s.db))
	{
		admin.GET("/stats", s.handleStats())
		admin.GET("/attempts", s.handleAttempts())
		admin.GET("/key-stats", s.handleKeyStats())
		admin.POST("/blacklist/clear", s.handleClearBlacklist())
		admin.POST("/keys/refresh", s.handleRefreshKeys())

		admin.GET("/admin-keys", s.handleListAdminKeys())
		admin.POST("/admin-keys", s.handleCreateAdminKey())
		admin.DELETE("/admin-keys/:id", s.handleDeleteAdminKey())
	}
	return engine
}

func (s *server) siteNames() []string {
	names := make([]string, 0, len(s.sites))
	for name := range s.sites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// handleRoot 处理根路径请求
func (s *server) handleRoot() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, gin.H{
			"name":    "LLM Key Pool",
			"version": "1.0.0",
			"endpoints": gin.H{
				"analyze_text":   "/v1/analyze/text",
				"analyze_images": "/v1/analyze/images",
				"health":         "/health",
				"metrics":        "/metrics",
				"admin_stats":    "/admin/stats",
			},
			"call_sites": s.siteNames(),
			"timestamp":  time.Now().Unix(),
		})
	}
}

// handleHealth 健康检查
func (s *server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, models.HealthResponse{
			Status:    "healthy",
			Service:   "llm-keypool",
			CallSites: s.siteNames(),
			Timestamp: time.Now().Unix(),
		})
	}
}

func (s *server) handleAnalyzeText() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.AnalyzeTextRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, invalidRequest(err))
			return
		}
		s.analyze(c, config.CallSiteText, models.AnalysisRequest{Prompt: req.Prompt}, req.MaxWaitSeconds)
	}
}

func (s *server) handleAnalyzeImages() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.AnalyzeImagesRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, invalidRequest(err))
			return
		}
		s.analyze(c, config.CallSiteImage, models.AnalysisRequest{Prompt: req.Prompt, Images: req.Images}, req.MaxWaitSeconds)
	}
}

// analyze 请求上下文随客户端断开而取消，maxWait > 0 时额外加截止时间
func (s *server) analyze(c *gin.Context, site string, req models.AnalysisRequest, maxWait int) {
	orch, ok := s.sites[site]
	if !ok {
		c.JSON(503, models.ErrorResponse{
			Error: models.ErrorDetail{Message: "No providers configured for call site " + site, Type: "unavailable"},
		})
		return
	}

	ctx := c.Request.Context()
	if maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(maxWait)*time.Second)
		defer cancel()
	}

	result, err := orch.Analyze(ctx, req)
	if err != nil {
		status, typ := 499, "client_closed_request"
		if errors.Is(err, context.DeadlineExceeded) {
			status, typ = 504, "timeout"
		}
		c.JSON(status, models.ErrorResponse{
			Error: models.ErrorDetail{Message: "Analysis abandoned: " + err.Error(), Type: typ},
		})
		return
	}

	c.JSON(200, models.AnalyzeResponse{
		InvocationID: result.InvocationID,
		Text:         result.Text,
		Provider:     result.Provider,
		Attempts:     result.Attempts,
		Switches:     result.Switches,
		DurationMs:   result.Duration.Milliseconds(),
	})
}

func invalidRequest(err error) models.ErrorResponse {
	return models.ErrorResponse{
		Error: models.ErrorDetail{Message: "Invalid request format: " + err.Error(), Type: "invalid_request_error"},
	}
}

// handleStats 调用点计数与每个 Provider 的 Key 健康快照
func (s *server) handleStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		out := make(map[string]gin.H, len(s.sites))
		for name, orch := range s.sites {
			out[name] = gin.H{
				"totals":    orch.Stats(),
				"providers": orch.ProviderStats(),
			}
		}
		c.JSON(200, models.NewSuccessResponse("Stats retrieved successfully", out))
	}
}

// handleAttempts 最近的调用审计记录，支持 ?limit= 与 ?invocation_id=
func (s *server) handleAttempts() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		rows, err := s.attempts.RecentAttempts(limit, c.Query("invocation_id"))
		if err != nil {
			c.JSON(500, models.NewErrorResponse("Failed to query attempts: "+err.Error()))
			return
		}
		c.JSON(200, models.NewSuccessResponse("Attempts retrieved successfully", rows))
	}
}

func (s *server) handleKeyStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := s.attempts.KeyStats()
		if err != nil {
			c.JSON(500, models.NewErrorResponse("Failed to query key stats: "+err.Error()))
			return
		}
		c.JSON(200, models.NewSuccessResponse("Key stats retrieved successfully", rows))
	}
}

// handleClearBlacklist 可选 ?call_site= 与 ?provider= 过滤
func (s *server) handleClearBlacklist() gin.HandlerFunc {
	return func(c *gin.Context) {
		site := c.Query("call_site")
		provider := c.Query("provider")
		cleared := 0
		for name, orch := range s.sites {
			if site != "" && site != name {
				continue
			}
			cleared += orch.ClearBlacklists(provider)
		}
		s.log.Infof("🧹 Admin %v cleared %d blacklisted keys", c.GetString("admin_name"), cleared)
		c.JSON(200, models.NewSuccessResponse("Blacklist cleared", gin.H{"cleared": cleared}))
	}
}

// handleRefreshKeys 下次调用时强制重新拉取 Key
func (s *server) handleRefreshKeys() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, orch := range s.sites {
			orch.InvalidatePools()
		}
		c.JSON(200, models.NewSuccessResponse("Key pools invalidated", gin.H{
			"timestamp": time.Now().Unix(),
		}))
	}
}

// parseAndValidateID 解析并验证字符串ID为uint
func parseAndValidateID(idStr string, paramName string) (uint, error) {
	if idStr == "" {
		return 0, fmt.Errorf("missing %s parameter", paramName)
	}
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: must be a number", paramName)
	}
	return uint(id), nil
}

// handleListAdminKeys 列出管理员密钥 (仅脱敏预览)
func (s *server) handleListAdminKeys() gin.HandlerFunc {
	return func(c *gin.Context) {
		var adminKeys []models.AdminKey
		if err := s.db.Order("id ASC").Find(&adminKeys).Error; err != nil {
			c.JSON(500, models.NewErrorResponse("Failed to query admin keys: "+err.Error()))
			return
		}

		type adminKeyView struct {
			ID         uint   `json:"id"`
			Name       string `json:"name"`
			KeyPreview string `json:"key_preview"`
			CreatedAt  int64  `json:"created_at"`
		}
		out := make([]adminKeyView, len(adminKeys))
		for i, k := range adminKeys {
			out[i] = adminKeyView{ID: k.ID, Name: k.Name, KeyPreview: core.MaskKey(k.Key), CreatedAt: k.CreatedAt.Unix()}
		}
		c.JSON(200, models.NewSuccessResponse("Admin keys retrieved successfully", out))
	}
}

// handleCreateAdminKey 完整密钥只在创建时返回
func (s *server) handleCreateAdminKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			Name string `json:"name" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(400, models.NewErrorResponse("Invalid request format: "+err.Error()))
			return
		}

		adminKey := models.AdminKey{Name: request.Name, Key: models.GenerateAdminKey()}
		if err := s.db.Create(&adminKey).Error; err != nil {
			c.JSON(500, models.NewErrorResponse("Failed to create admin key: "+err.Error()))
			return
		}
		c.JSON(200, models.NewSuccessResponse("Admin key created successfully", gin.H{
			"id":   adminKey.ID,
			"name": adminKey.Name,
			"key":  adminKey.Key,
		}))
	}
}

var errLastAdminKey = errors.New("cannot delete the last admin key")

// handleDeleteAdminKey 不允许删除最后一个管理员密钥
func (s *server) handleDeleteAdminKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseAndValidateID(c.Param("id"), "admin key ID")
		if err != nil {
			c.JSON(400, models.NewErrorResponse(err.Error()))
			return
		}

		var adminKey models.AdminKey
		if err := s.db.First(&adminKey, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(404, models.NewErrorResponse("Admin key not found"))
				return
			}
			c.JSON(500, models.NewErrorResponse("Failed to query admin key: "+err.Error()))
			return
		}

		// 事务内重新计数，防止并发删除
		err = s.db.Transaction(func(tx *gorm.DB) error {
			var count int64
			if err := tx.Model(&models.AdminKey{}).Count(&count).Error; err != nil {
				return fmt.Errorf("failed to count admin keys: %w", err)
			}
			if count <= 1 {
				return errLastAdminKey
			}
			return tx.Delete(&adminKey).Error
		})
		if err != nil {
			status := 500
			if errors.Is(err, errLastAdminKey) {
				status = 400
			}
			c.JSON(status, models.NewErrorResponse(err.Error()))
			return
		}
		c.JSON(200, models.NewSuccessResponse("Admin key deleted successfully", gin.H{
			"id":   adminKey.ID,
			"name": adminKey.Name,
		}))
	}
}
