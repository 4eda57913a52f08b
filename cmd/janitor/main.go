// Command janitor runs the background sweeps against the same database
// and storage trees the coordinator owns: stale-claim recovery, offline
// worker detection, archive expiry, and orphan directory cleanup.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/streamforge/transcoder/internal/alerts"
	"github.com/streamforge/transcoder/internal/config"
	"github.com/streamforge/transcoder/internal/janitor"
	"github.com/streamforge/transcoder/internal/queue"
	"github.com/streamforge/transcoder/internal/storage"
	"github.com/streamforge/transcoder/internal/store"
	"github.com/streamforge/transcoder/pkg/logger"
)

func main() {
	cfgFile, err := config.LoadConfig("config.yml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg, err := config.ParseConfig(cfgFile)
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}

	appLogger := logger.NewApiLogger(cfg)
	appLogger.InitLogger()
	appLogger.Info("starting janitor")

	db, err := store.Connect(cfg.Postgres)
	if err != nil {
		appLogger.Fatalf("postgres connect: %v", err)
	}
	defer db.Close()
	st := store.New(db)

	var mirror storage.Mirror
	if cfg.S3.Enabled {
		mirror, err = storage.NewS3Mirror(context.Background(), cfg.S3)
		if err != nil {
			appLogger.Fatalf("init s3 mirror: %v", err)
		}
	}
	fs := storage.New(cfg.Paths.UploadsDir, cfg.Paths.VideosDir, cfg.Paths.ArchiveDir, mirror)

	ctx, cancel := context.WithCancel(context.Background())

	redisClient := queue.NewRedisClient(cfg.Redis)
	q, err := queue.New(ctx, cfg, redisClient)
	if err != nil {
		appLogger.Fatalf("init queue: %v", err)
	}
	defer q.Close()

	alerter := alerts.New(cfg, appLogger)
	j := janitor.New(st, fs, q, cfg, appLogger, alerter)
	go j.Run(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	appLogger.Infof("received shutdown signal: %v", sig)
	cancel()
	appLogger.Info("janitor stopped")
}
