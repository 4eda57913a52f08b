// Package alerts is the thin notification seam between the transcoding
// core and whatever delivers operator alerts: the core only decides *when*
// to fire one and posts a JSON payload to a configured endpoint. Rate
// limiting and per-video failure counting are in-process and ephemeral;
// nothing here needs cross-instance coherence.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamforge/transcoder/internal/config"
	"github.com/streamforge/transcoder/pkg/logger"
)

// EventType names one of the webhook events this process can emit.
type EventType string

const (
	EventStaleJobRecovered    EventType = "job_stale_recovered"
	EventMaxRetriesExceeded   EventType = "job_max_retries_exceeded"
	EventJobFailed            EventType = "job_failed"
	EventWorkerStartup        EventType = "worker_startup"
	EventWorkerShutdown       EventType = "worker_shutdown"
)

// Metrics accumulates counters surfaced in every alert payload, mirroring
// the source's AlertMetrics dataclass so an operator reading one webhook
// delivery gets the running totals, not just the single event.
type Metrics struct {
	mu                  sync.Mutex
	StaleJobsRecovered  int64
	MaxRetriesExceeded  int64
	JobsFailed          int64
	AlertsSent          int64
	AlertsRateLimited   int64
	AlertsFailed        int64
	lastSent            map[EventType]time.Time
	videoFailureCounts  map[uuid.UUID]int64
}

func newMetrics() *Metrics {
	return &Metrics{
		lastSent:           make(map[EventType]time.Time),
		videoFailureCounts: make(map[uuid.UUID]int64),
	}
}

func (m *Metrics) snapshot() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int64{
		"stale_jobs_recovered":   m.StaleJobsRecovered,
		"max_retries_exceeded":   m.MaxRetriesExceeded,
		"jobs_failed":            m.JobsFailed,
		"alerts_sent":            m.AlertsSent,
		"alerts_rate_limited":    m.AlertsRateLimited,
		"alerts_failed":          m.AlertsFailed,
		"videos_with_failures":   int64(len(m.videoFailureCounts)),
	}
}

func (m *Metrics) videoFailureCount(videoID uuid.UUID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoFailureCounts[videoID]
}

func (m *Metrics) incrementVideoFailure(videoID uuid.UUID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoFailureCounts[videoID]++
	return m.videoFailureCounts[videoID]
}

func (m *Metrics) canSend(event EventType, rateLimit time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastSent[event]
	return !ok || time.Since(last) >= rateLimit
}

func (m *Metrics) recordSent(event EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSent[event] = time.Now()
	m.AlertsSent++
}

// Notifier posts rate-limited JSON alerts to the configured webhook
// endpoint. An empty WebhookURL makes every alert method skip delivery
// silently, so components can call them unconditionally without branching
// on config.
type Notifier struct {
	url        string
	httpClient *http.Client
	rateLimit  time.Duration
	log        logger.Logger
	metrics    *Metrics
}

func New(cfg *config.Config, log logger.Logger) *Notifier {
	return &Notifier{
		url:       cfg.Alerts.WebhookURL,
		httpClient: &http.Client{Timeout: cfg.Alerts.WebhookTimeout},
		rateLimit:  cfg.Alerts.RateLimit,
		log:        log,
		metrics:    newMetrics(),
	}
}

// payload is the JSON body posted to the webhook, matching the source's
// {event, timestamp, details, metrics} shape.
type payload struct {
	Event     EventType         `json:"event"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]any    `json:"details"`
	Metrics   map[string]int64  `json:"metrics"`
}

// send posts one event, honoring rate limiting unless force is set. Errors
// are logged, never returned: alert delivery is best-effort and must never
// block or fail the caller's own operation.
func (n *Notifier) send(ctx context.Context, event EventType, details map[string]any, force bool) {
	if n.url == "" {
		return
	}
	if !force && !n.metrics.canSend(event, n.rateLimit) {
		n.metrics.mu.Lock()
		n.metrics.AlertsRateLimited++
		n.metrics.mu.Unlock()
		n.log.Debugf("alert %s rate limited", event)
		return
	}

	body, err := json.Marshal(payload{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Details:   details,
		Metrics:   n.metrics.snapshot(),
	})
	if err != nil {
		n.log.Warnf("alert %s: marshal failed: %v", event, err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.log.Warnf("alert %s: build request failed: %v", event, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.metrics.mu.Lock()
		n.metrics.AlertsFailed++
		n.metrics.mu.Unlock()
		n.log.Warnf("alert %s: webhook delivery failed: %v", event, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.metrics.mu.Lock()
		n.metrics.AlertsFailed++
		n.metrics.mu.Unlock()
		n.log.Warnf("alert %s: webhook returned status %d", event, resp.StatusCode)
		return
	}

	n.metrics.recordSent(event)
}

// StaleJobRecovered fires when the janitor reclaims a lease the owning
// worker never released.
func (n *Notifier) StaleJobRecovered(ctx context.Context, videoID uuid.UUID, slug string, attemptNumber int, previousWorkerID string) {
	n.metrics.mu.Lock()
	n.metrics.StaleJobsRecovered++
	n.metrics.mu.Unlock()

	n.send(ctx, EventStaleJobRecovered, map[string]any{
		"video_id":           videoID,
		"video_slug":         slug,
		"attempt_number":     attemptNumber,
		"next_attempt":       attemptNumber + 1,
		"previous_worker_id": previousWorkerID,
	}, false)
}

// MaxRetriesExceeded fires once a job is routed to the dead-letter sink
// after exhausting max_attempts. Always forced: a permanently failed video
// needs operator attention no matter how recently the last alert went out.
func (n *Notifier) MaxRetriesExceeded(ctx context.Context, videoID uuid.UUID, slug string, maxAttempts int, lastError string) {
	n.metrics.mu.Lock()
	n.metrics.MaxRetriesExceeded++
	n.metrics.mu.Unlock()

	n.send(ctx, EventMaxRetriesExceeded, map[string]any{
		"video_id":     videoID,
		"video_slug":   slug,
		"max_attempts": maxAttempts,
		"last_error":   truncate(lastError, 500),
	}, true)
}

// JobFailed is called for each retryable fail() report but only delivers
// once a video has failed twice or more, matching the source's pattern-detection threshold
// so a single transient encode error doesn't page anyone.
func (n *Notifier) JobFailed(ctx context.Context, videoID uuid.UUID, slug string, attemptNumber int, errMsg string, willRetry bool) {
	n.metrics.mu.Lock()
	n.metrics.JobsFailed++
	n.metrics.mu.Unlock()

	count := n.metrics.incrementVideoFailure(videoID)
	if count < 2 {
		return
	}

	n.send(ctx, EventJobFailed, map[string]any{
		"video_id":            videoID,
		"video_slug":          slug,
		"attempt_number":      attemptNumber,
		"error":               truncate(errMsg, 500),
		"will_retry":          willRetry,
		"video_failure_count": count,
	}, false)
}

// WorkerStartup and WorkerShutdown are the process lifecycle events;
// both are forced since they're low-volume and operationally interesting
// regardless of rate limiting.
func (n *Notifier) WorkerStartup(ctx context.Context, workerID, gpuInfo string, recoveredJobs int) {
	n.send(ctx, EventWorkerStartup, map[string]any{
		"worker_id":      workerID,
		"gpu_info":       gpuInfo,
		"recovered_jobs": recoveredJobs,
	}, true)
}

func (n *Notifier) WorkerShutdown(ctx context.Context, workerID string, jobsReset int) {
	n.send(ctx, EventWorkerShutdown, map[string]any{
		"worker_id":  workerID,
		"jobs_reset": jobsReset,
		"metrics":    n.metrics.snapshot(),
	}, true)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
