// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/epub-forge/internal/auth"
	"github.com/yourusername/epub-forge/internal/config"
	"github.com/yourusername/epub-forge/internal/jobs"
)

const (
	shutdownTimeout = 10 * time.Second
	// multipart のヘッダーや他のフィールドのための余裕
	multipartOverhead = 1 << 20
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	app, err := setupJobs(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定
	secret := cfg.SessionSecret
	if secret == "" {
		secret = uuid.NewString()
		logger.Warn("SESSION_SECRET is empty; using an ephemeral key, sessions will not survive restarts")
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins()
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
	}
	corsConfig.ExposeHeaders = []string{"Content-Disposition", "X-Job-Id"}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	setupRoutes(router, cfg, app.service)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting API server",
			slog.String("addr", srv.Addr),
			slog.String("mode", cfg.GinMode),
			slog.String("store", cfg.StoreDriver),
			slog.String("queue", app.queueName),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return app.queue.Run(gctx, app.worker.Process)
	})
	if app.queueName != config.QueueAsynq {
		// プロセス内キューは再起動で中身を失うため、ストアから積み直す
		g.Go(func() error {
			if _, err := app.service.Resume(gctx); err != nil {
				logger.Error("failed to resume jobs", slog.Any("error", err))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down API server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "epub-forge-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと所有者セッションの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, svc *jobs.Service) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	owners := auth.NewManager()

	api := router.Group("/api")
	api.Use(owners.RequireOwner(), limitBody(cfg.MaxUploadSize+multipartOverhead))
	{
		api.GET("/session", owners.Session)
		jobs.NewHandlers(svc, auth.OwnerID).Register(api)
	}
}

// limitBody はリクエストボディを limit バイトまでに制限します。
func limitBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
