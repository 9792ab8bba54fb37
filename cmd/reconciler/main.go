// Package main runs the background VOD upload worker. Deployments that want
// reconciliation out of the API process can run it here too with
// RECONCILER_STANDALONE=true (disable the loop in the server in that case).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/streamhive/backend/config"
	"github.com/streamhive/backend/internal/streaming"
	"github.com/streamhive/backend/internal/worker"
	"github.com/streamhive/backend/pkg/database"
	"github.com/streamhive/backend/pkg/queue"
	"github.com/streamhive/backend/pkg/redis"
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

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Cfg := storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		ThumbnailsBucket:     cfg.AWS.ThumbnailsBucket,
		VodBucket:            cfg.AWS.VodBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}
	s3Client, err := storage.NewS3(ctx, s3Cfg, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	sfuGateway := streaming.NewHTTPGateway(cfg.SFU.BaseURL, cfg.SFU.RequestTimeout(), logger)
	streamRepo := streaming.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewVodProcessor(streamRepo, sfuGateway, s3Client, jobQueue, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go processor.Run(workerCtx)
	logger.Info("vod worker started")

	if os.Getenv("RECONCILER_STANDALONE") == "true" {
		tracker := streaming.NewViewerTracker(streamRepo, streaming.NopBroadcaster{}, logger)
		manager := streaming.NewManager(streamRepo, streamRepo, streamRepo, tracker, sfuGateway, streaming.NopBroadcaster{}, cfg.Stream.HeartbeatTimeout(), logger)
		manager.SetVodEnqueuer(jobQueue)
		scheduler := streaming.NewScheduler(manager, tracker, sfuGateway, streamRepo, streaming.SchedulerConfig{
			ReconcileInterval:     cfg.Stream.ReconcileInterval(),
			ViewerCleanupInterval: cfg.Stream.ViewerCleanupInterval(),
			ViewerMaxAge:          cfg.Stream.ViewerMaxAge(),
			ViewerFlushInterval:   cfg.Stream.ViewerFlushInterval(),
			GraceTicks:            cfg.Stream.SfuGraceTicks,
			DivergenceThreshold:   cfg.Stream.DivergenceLogThreshold,
		}, logger)
		go scheduler.Run(workerCtx)
		logger.Info("standalone reconciler started")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
