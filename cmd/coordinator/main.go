// Command coordinator runs the coordinator HTTP surface: worker registration, claim
// leasing, progress/complete/fail, source/upload file transfer, and the
// admin video-upload endpoint.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/streamforge/transcoder/internal/alerts"
	"github.com/streamforge/transcoder/internal/config"
	"github.com/streamforge/transcoder/internal/coordinator"
	"github.com/streamforge/transcoder/internal/queue"
	"github.com/streamforge/transcoder/internal/storage"
	"github.com/streamforge/transcoder/internal/store"
	"github.com/streamforge/transcoder/internal/workerauth"
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
	appLogger.Infof("starting coordinator - version=%s mode=%s", cfg.Server.AppVersion, cfg.Server.Mode)

	db, err := store.Connect(cfg.Postgres)
	if err != nil {
		appLogger.Fatalf("postgres connect: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.RunMigrations(ctx, db); err != nil {
		appLogger.Fatalf("run migrations: %v", err)
	}
	appLogger.Info("schema migrations applied")

	st := store.New(db)

	var redisClient = queue.NewRedisClient(cfg.Redis)
	q, err := queue.New(ctx, cfg, redisClient)
	if err != nil {
		appLogger.Fatalf("init queue: %v", err)
	}
	defer q.Close()

	var mirror storage.Mirror
	if cfg.S3.Enabled {
		mirror, err = storage.NewS3Mirror(ctx, cfg.S3)
		if err != nil {
			appLogger.Fatalf("init s3 mirror: %v", err)
		}
	}
	fs := storage.New(cfg.Paths.UploadsDir, cfg.Paths.VideosDir, cfg.Paths.ArchiveDir, mirror)
	for _, dir := range []string{fs.UploadsDir(), fs.VideosDir(), fs.ArchiveDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			appLogger.Fatalf("create storage dir %s: %v", dir, err)
		}
	}

	verifier := workerauth.NewVerifier(st, appLogger)
	alerter := alerts.New(cfg, appLogger)
	handlers := coordinator.NewHandlers(st, q, fs, appLogger, cfg, alerter)

	e := echo.New()
	e.HideBanner = true
	e.Validator = coordinator.NewValidator()
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if he, ok := err.(*echo.HTTPError); ok && he.Code == http.StatusServiceUnavailable {
			c.Response().Header().Set("Retry-After", "1")
		}
		e.DefaultHTTPErrorHandler(err, c)
	}
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.GET("/health", func(c echo.Context) error { return c.JSON(http.StatusOK, map[string]string{"status": "ok"}) })

	coordinator.MapWorkerRoutes(e.Group("/worker"), handlers, verifier)
	coordinator.MapAdminRoutes(e.Group("/admin"), handlers)

	go func() {
		if err := e.Start(":" + cfg.Server.Port); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("http server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	appLogger.Infof("received shutdown signal: %v", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		appLogger.Warnf("server shutdown: %v", err)
	}

	cancel()
	time.Sleep(100 * time.Millisecond)
	appLogger.Info("coordinator stopped")
}
