// Package main runs the streaming platform HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/streamhive/backend/config"
	"github.com/streamhive/backend/internal/auth"
	"github.com/streamhive/backend/internal/channels"
	"github.com/streamhive/backend/internal/middleware"
	"github.com/streamhive/backend/internal/realtime"
	"github.com/streamhive/backend/internal/streaming"
	"github.com/streamhive/backend/internal/worker"
	"github.com/streamhive/backend/pkg/database"
	"github.com/streamhive/backend/pkg/queue"
	"github.com/streamhive/backend/pkg/redis"
	"github.com/streamhive/backend/pkg/response"
	"github.com/streamhive/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ThumbnailsBucket:     cfg.AWS.ThumbnailsBucket,
			VodBucket:            cfg.AWS.VodBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)
	broadcaster := realtime.NewEventBroadcaster(hub)

	// SFU control plane
	sfuGateway := streaming.NewHTTPGateway(cfg.SFU.BaseURL, cfg.SFU.RequestTimeout(), logger)

	// Streaming core
	streamRepo := streaming.NewRepository(pool)
	tracker := streaming.NewViewerTracker(streamRepo, broadcaster, logger)
	manager := streaming.NewManager(streamRepo, streamRepo, streamRepo, tracker, sfuGateway, broadcaster, cfg.Stream.HeartbeatTimeout(), logger)
	streamHandler := streaming.NewHandler(manager, tracker, streamRepo)
	if s3Client != nil {
		streamHandler.SetStorage(s3Client)
	}

	// VOD pipeline (requires object storage)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	var vodProcessor *worker.VodProcessor
	if s3Client != nil {
		manager.SetVodEnqueuer(jobQueue)
		vodProcessor = worker.NewVodProcessor(streamRepo, sfuGateway, s3Client, jobQueue, logger)
	}

	// Reconciliation loop
	scheduler := streaming.NewScheduler(manager, tracker, sfuGateway, streamRepo, streaming.SchedulerConfig{
		ReconcileInterval:     cfg.Stream.ReconcileInterval(),
		ViewerCleanupInterval: cfg.Stream.ViewerCleanupInterval(),
		ViewerMaxAge:          cfg.Stream.ViewerMaxAge(),
		ViewerFlushInterval:   cfg.Stream.ViewerFlushInterval(),
		GraceTicks:            cfg.Stream.SfuGraceTicks,
		DivergenceThreshold:   cfg.Stream.DivergenceLogThreshold,
	}, logger)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Channels
	channelRepo := channels.NewRepository(pool)
	channelHandler := channels.NewHandler(channelRepo, s3Client, logger)
	ownerOnly := channels.RequireChannelOwner(channelRepo)

	jwtValidate := func(token string) (userID, role string, err error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return "", "", err
		}
		return claims.UserID.String(), claims.Role, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	// Public reads: channel directory and live state
	router.GET("/channels", channelHandler.List)
	router.GET("/channels/:id", channelHandler.GetByID)
	router.GET("/channels/:id/stream", streamHandler.GetActive)
	router.GET("/channels/:id/viewers", streamHandler.Viewers)
	router.GET("/channels/:id/archives", streamHandler.Archives)
	router.GET("/channels/:id/archives/:archiveId/vod-url", streamHandler.VodDownloadURL)

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/auth/me", authHandler.Me)
		api.GET("/users", middleware.RequireRole("admin"), authHandler.List)

		// Channel management
		api.POST("/channels", middleware.RequireRole("streamer", "admin"), channelHandler.Create)
		api.PATCH("/channels/:id", ownerOnly, channelHandler.Update)
		api.DELETE("/channels/:id", ownerOnly, channelHandler.Delete)
		api.POST("/channels/:id/thumbnail", ownerOnly, channelHandler.UploadThumbnail)

		// Stream session lifecycle (driven by the streamer's client)
		api.POST("/channels/:id/stream/start", ownerOnly, streamHandler.Start)
		api.POST("/channels/:id/stream/ping", ownerOnly, streamHandler.Ping)
		api.POST("/channels/:id/stream/stop", ownerOnly, streamHandler.Stop)
		api.POST("/channels/:id/stream/force-stop", middleware.RequireRole("admin"), streamHandler.ForceStop)
		api.GET("/channels/:id/stream/stats", ownerOnly, streamHandler.Stats)
	}

	// WebSocket (token in query; anonymous viewers allowed)
	router.GET("/ws", realtime.ServeWs(hub, tracker, logger, jwtValidate))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go scheduler.Run(bgCtx)
	logger.Info("reconciliation scheduler started")

	if vodProcessor != nil {
		go vodProcessor.Run(bgCtx)
		logger.Info("vod worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	bgCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
