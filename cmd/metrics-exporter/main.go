// Command metrics-exporter polls the job queue's per-priority depth and
// exposes it as Prometheus gauges, so the autoscaler's queue_length lookup
// keeps working against the stream-backed queue instead of the old Redis
// LIST key.
package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamforge/transcoder/internal/config"
	"github.com/streamforge/transcoder/internal/queue"
	"github.com/streamforge/transcoder/internal/store"
)

const (
	metricsPort  = ":9090"
	pollInterval = 5 * time.Second
)

var (
	// queueLengthGauge is the unlabeled total depth the autoscaler's plain
	// line-scan parser expects, summed across all three priority streams.
	queueLengthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "redis_queue_length",
		Help: "Total depth of the transcoding job queue across all priorities",
	})
	queueDepthByPriority = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "redis_queue_depth",
			Help: "Current depth of the transcoding job queue, by priority stream",
		},
		[]string{"priority"},
	)
	activeWorkersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "transcoder_active_workers",
		Help: "Workers whose last heartbeat is within the offline threshold",
	})
)

func init() {
	prometheus.MustRegister(queueLengthGauge)
	prometheus.MustRegister(queueDepthByPriority)
	prometheus.MustRegister(activeWorkersGauge)
}

func main() {
	cfgFile, err := config.LoadConfig("config.yml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg, err := config.ParseConfig(cfgFile)
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}

	ctx := context.Background()
	redisClient := queue.NewRedisClient(cfg.Redis)
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		log.Fatalf("connect to redis: %v", err)
	}
	log.Println("connected to redis successfully")

	q, err := queue.New(ctx, cfg, redisClient)
	if err != nil {
		log.Fatalf("init queue: %v", err)
	}
	defer q.Close()

	db, err := store.Connect(cfg.Postgres)
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	defer db.Close()
	st := store.New(db)

	go collectMetrics(ctx, q, st)

	http.Handle("/metrics", promhttp.Handler())
	log.Printf("starting metrics server on %s", metricsPort)
	if err := http.ListenAndServe(metricsPort, nil); err != nil {
		log.Fatalf("start metrics server: %v", err)
	}
}

func collectMetrics(ctx context.Context, q queue.Queue, st store.Store) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := q.Stats(ctx)
			if err != nil {
				log.Printf("error getting queue stats: %v", err)
				continue
			}
			queueLengthGauge.Set(float64(stats.High + stats.Normal + stats.Low))
			queueDepthByPriority.WithLabelValues("high").Set(float64(stats.High))
			queueDepthByPriority.WithLabelValues("normal").Set(float64(stats.Normal))
			queueDepthByPriority.WithLabelValues("low").Set(float64(stats.Low))
			queueDepthByPriority.WithLabelValues("dead_letter").Set(float64(stats.DeadLetter))

			if workers, err := st.CountActiveWorkers(ctx); err != nil {
				log.Printf("error counting active workers: %v", err)
			} else {
				activeWorkersGauge.Set(float64(workers))
			}

			log.Printf("queue depth: high=%d normal=%d low=%d dead_letter=%d", stats.High, stats.Normal, stats.Low, stats.DeadLetter)
		}
	}
}
