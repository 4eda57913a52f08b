package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/transcoder/internal/config"
)

type nopLogger struct{}

func (nopLogger) Debug(args ...interface{})                   {}
func (nopLogger) Debugf(template string, args ...interface{}) {}
func (nopLogger) Info(args ...interface{})                    {}
func (nopLogger) Infof(template string, args ...interface{})  {}
func (nopLogger) Warn(args ...interface{})                    {}
func (nopLogger) Warnf(template string, args ...interface{})  {}
func (nopLogger) Error(args ...interface{})                   {}
func (nopLogger) Errorf(template string, args ...interface{}) {}
func (nopLogger) Fatal(args ...interface{})                   {}
func (nopLogger) Fatalf(template string, args ...interface{}) {}

func newTestNotifier(t *testing.T, url string, rateLimit time.Duration) *Notifier {
	t.Helper()
	cfg := &config.Config{Alerts: config.AlertsConfig{WebhookURL: url, WebhookTimeout: time.Second, RateLimit: rateLimit}}
	return New(cfg, nopLogger{})
}

func TestStaleJobRecovered_PostsPayload(t *testing.T) {
	var received payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newTestNotifier(t, srv.URL, time.Minute)
	videoID := uuid.New()
	n.StaleJobRecovered(context.Background(), videoID, "my-slug", 1, uuid.New().String())

	require.Equal(t, EventStaleJobRecovered, received.Event)
	require.Equal(t, "my-slug", received.Details["video_slug"])
}

func TestJobFailed_OnlyAlertsAfterSecondFailure(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newTestNotifier(t, srv.URL, time.Minute)
	videoID := uuid.New()

	n.JobFailed(context.Background(), videoID, "slug", 1, "boom", true)
	require.Equal(t, int32(0), atomic.LoadInt32(&count), "first failure must not alert")

	n.JobFailed(context.Background(), videoID, "slug", 2, "boom again", true)
	require.Equal(t, int32(1), atomic.LoadInt32(&count), "second failure for same video must alert")
}

func TestSend_RateLimited(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newTestNotifier(t, srv.URL, time.Hour)
	videoID := uuid.New()

	n.StaleJobRecovered(context.Background(), videoID, "slug", 1, "")
	n.StaleJobRecovered(context.Background(), videoID, "slug", 1, "")
	require.Equal(t, int32(1), atomic.LoadInt32(&count), "second call within the rate-limit window must not deliver")
}

func TestMaxRetriesExceeded_AlwaysForced(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newTestNotifier(t, srv.URL, time.Hour)
	videoID := uuid.New()

	n.MaxRetriesExceeded(context.Background(), videoID, "slug", 3, "final error")
	n.MaxRetriesExceeded(context.Background(), videoID, "slug", 3, "final error")
	require.Equal(t, int32(2), atomic.LoadInt32(&count), "max-retries alerts bypass rate limiting")
}

func TestSend_NoopWithoutWebhookURL(t *testing.T) {
	n := newTestNotifier(t, "", time.Minute)
	n.StaleJobRecovered(context.Background(), uuid.New(), "slug", 1, "")
}
