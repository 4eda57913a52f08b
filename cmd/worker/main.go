// Command worker runs one or more worker runtimes: local ones share the
// coordinator's database and disk in-process, remote ones register and
// speak HTTP. Mode is selected by whether coordinator_url is set — left
// empty, the process attaches to the database directly.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/streamforge/transcoder/internal/alerts"
	"github.com/streamforge/transcoder/internal/config"
	"github.com/streamforge/transcoder/internal/queue"
	"github.com/streamforge/transcoder/internal/storage"
	"github.com/streamforge/transcoder/internal/store"
	"github.com/streamforge/transcoder/internal/transcoder"
	"github.com/streamforge/transcoder/internal/workerruntime"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var caps *transcoder.GPUCapabilities
	if cfg.Hardware.HWAccelType != "none" {
		caps = transcoder.DetectGPUCapabilities(ctx, nil)
	}
	gpuInfo := "software"
	if caps != nil {
		gpuInfo = fmt.Sprintf("%s (%s)", caps.HWAccelType, caps.DeviceName)
		appLogger.Infof("hwaccel detected: %s", gpuInfo)
	} else {
		appLogger.Info("no hardware acceleration available, using software encoders")
	}

	redisClient := queue.NewRedisClient(cfg.Redis)
	q, err := queue.New(ctx, cfg, redisClient)
	if err != nil {
		appLogger.Fatalf("init queue: %v", err)
	}
	defer q.Close()

	workerCount := cfg.Worker.WorkerCount
	if workerCount < 1 {
		workerCount = 1
	}

	local := cfg.Worker.CoordinatorURL == ""
	appLogger.Infof("starting %d worker runtime(s), local=%v", workerCount, local)

	alerter := alerts.New(cfg, appLogger)

	var runtimes []*workerruntime.Runtime
	var wg sync.WaitGroup

	if local {
		db, err := store.Connect(cfg.Postgres)
		if err != nil {
			appLogger.Fatalf("postgres connect: %v", err)
		}
		defer db.Close()
		st := store.New(db)

		var mirror storage.Mirror
		if cfg.S3.Enabled {
			mirror, err = storage.NewS3Mirror(ctx, cfg.S3)
			if err != nil {
				appLogger.Fatalf("init s3 mirror: %v", err)
			}
		}
		fs := storage.New(cfg.Paths.UploadsDir, cfg.Paths.VideosDir, cfg.Paths.ArchiveDir, mirror)

		for i := 0; i < workerCount; i++ {
			rt := workerruntime.New(cfg, appLogger, workerruntime.RuntimeDeps{Store: st, FS: fs, Queue: q}, caps)
			name := fmt.Sprintf("local-worker-%d-%d", os.Getpid(), i)
			if err := rt.Register(ctx, name); err != nil {
				appLogger.Fatalf("register %s: %v", name, err)
			}
			runtimes = append(runtimes, rt)
		}
	} else {
		for i := 0; i < workerCount; i++ {
			client := workerruntime.NewRemoteClient(cfg.Worker.CoordinatorURL, cfg.Worker.APIKey, &http.Client{Timeout: 2 * time.Minute}, appLogger)
			rt := workerruntime.New(cfg, appLogger, workerruntime.RuntimeDeps{Remote: client, Queue: q}, caps)
			name := fmt.Sprintf("remote-worker-%d-%d", os.Getpid(), i)
			if err := rt.Register(ctx, name); err != nil {
				appLogger.Fatalf("register %s: %v", name, err)
			}
			runtimes = append(runtimes, rt)
		}
	}

	for _, rt := range runtimes {
		alerter.WorkerStartup(ctx, rt.WorkerID().String(), gpuInfo, 0)
		wg.Add(1)
		go func(rt *workerruntime.Runtime) {
			defer wg.Done()
			rt.Run(ctx)
		}(rt)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	appLogger.Infof("received shutdown signal: %v, draining in-flight jobs", sig)

	for _, rt := range runtimes {
		rt.Stop()
	}
	cancel()
	wg.Wait()
	for _, rt := range runtimes {
		alerter.WorkerShutdown(context.Background(), rt.WorkerID().String(), 0)
	}
	appLogger.Info("worker(s) stopped")
}
