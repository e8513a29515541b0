package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"llm-keypool/config"
	"llm-keypool/core"
	"llm-keypool/models"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run 返回进程退出码；所有 defer (审计日志刷新、日志文件关闭) 在退出前执行
func run(args []string) int {
	fs := flag.NewFlagSet("llm-keypool", flag.ContinueOnError)
	configPath := fs.String("config", envOr("KEYPOOL_CONFIG", "config.yaml"), "path to YAML config")
	prompt := fs.String("prompt", "", "run a single analysis with this prompt and exit")
	images := fs.String("images", "", "comma separated image files for -prompt (uses the image call site)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log, rotator, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	if rotator != nil {
		defer rotator.Close()
	}

	db, err := initDatabase(cfg.Database.Path, log)
	if err != nil {
		log.Error("Failed to initialize database: ", err)
		return 1
	}

	attemptLogger := core.NewAsyncAttemptLogger(db, log,
		core.WithAttemptRetention(cfg.Database.Retention),
		core.WithFlushInterval(cfg.Database.FlushInterval),
	)
	defer attemptLogger.Close()

	sites, err := buildCallSites(cfg, core.NewHTTPClient(), attemptLogger, log)
	if err != nil {
		log.Error("Failed to build call sites: ", err)
		return 1
	}

	if *prompt != "" {
		return runOnce(sites, *prompt, *images, log)
	}

	gin.SetMode(cfg.Server.Mode)
	limiter := NewIPRateLimiter(rate.Limit(cfg.Server.RateLimit), cfg.Server.RateBurst)
	defer limiter.Stop()

	srv := &server{db: db, log: log, sites: sites, attempts: attemptLogger, limiter: limiter}
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: srv.engine(),
	}

	go func() {
		log.Infof("🚀 Starting key pool service on port %d", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server:", err)
		}
	}()

	// 等待中断信号以优雅地关闭服务器
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}
	log.Info("Server exited")
	return 0
}

// newLogger JSON/Text 格式，可选同时写入轮转文件
func newLogger(cfg config.LoggingConfig) (*logrus.Logger, *core.LogRotator, error) {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if cfg.Format == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	if cfg.File == "" {
		return log, nil, nil
	}
	rotator, err := core.NewLogRotator(cfg.File, cfg.MaxSizeMB)
	if err != nil {
		return nil, nil, err
	}
	rotator.AttachToLogger(log)
	return log, rotator, nil
}

// initDatabase 初始化数据库，首次启动打印 Root 管理员密钥
func initDatabase(path string, log *logrus.Logger) (*gorm.DB, error) {
	// 只记录错误，不打印 SQL 语句
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	rootKey, err := models.InitializeDefaultData(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize default data: %w", err)
	}
	if rootKey != "" {
		log.Warnf("🔑 Generated initial root admin key: %s (store it now, it is not shown again)", rootKey)
	}

	log.Info("Database initialized successfully")
	return db, nil
}

// runOnce 命令行单次调用，Ctrl+C 取消
func runOnce(sites map[string]*core.Orchestrator, prompt, imageList string, log *logrus.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	req := models.AnalysisRequest{Prompt: prompt}
	site := config.CallSiteText
	if imageList != "" {
		site = config.CallSiteImage
		for _, path := range strings.Split(imageList, ",") {
			data, err := os.ReadFile(strings.TrimSpace(path))
			if err != nil {
				log.Errorf("Failed to read image %s: %v", path, err)
				return 1
			}
			req.Images = append(req.Images, base64.StdEncoding.EncodeToString(data))
		}
	}

	orch, ok := sites[site]
	if !ok {
		log.Errorf("No providers configured for call site %s", site)
		return 1
	}

	result, err := orch.Analyze(ctx, req)
	if err != nil {
		log.Errorf("Analysis aborted: %v", err)
		return 1
	}
	fmt.Println(result.Text)
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
