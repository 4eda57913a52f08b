package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/transcoder/internal/alerts"
	"github.com/streamforge/transcoder/internal/config"
	"github.com/streamforge/transcoder/internal/models"
	"github.com/streamforge/transcoder/internal/storage"
	"github.com/streamforge/transcoder/internal/store"
	"github.com/streamforge/transcoder/internal/workerauth"
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

// fakeStore is an in-memory store.Store covering just what the Fail-handler
// test flow (auth, lookup, fail, notify) exercises.
type fakeStore struct {
	key    *models.WorkerAPIKey
	worker *models.Worker
	jobs   map[int64]*models.TranscodingJob
	videos map[uuid.UUID]*models.Video

	willRetry   bool
	nextAttempt int
	claimLive   bool
}

func (f *fakeStore) CreateVideoWithJob(ctx context.Context, video *models.Video, maxAttempts int, priority int) (*models.Video, *models.TranscodingJob, error) {
	panic("not used")
}
func (f *fakeStore) GetVideoByID(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	v, ok := f.videos[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}
func (f *fakeStore) GetVideoBySlug(ctx context.Context, slug string) (*models.Video, error) {
	panic("not used")
}
func (f *fakeStore) ListVideoQualities(ctx context.Context, videoID uuid.UUID) ([]models.VideoQualityRow, error) {
	panic("not used")
}
func (f *fakeStore) SoftDeleteVideo(ctx context.Context, id uuid.UUID) error { panic("not used") }
func (f *fakeStore) RestoreVideo(ctx context.Context, id uuid.UUID) error   { panic("not used") }
func (f *fakeStore) ListExpiredArchive(ctx context.Context, before time.Time, limit int) ([]models.Video, error) {
	panic("not used")
}
func (f *fakeStore) PermanentlyDeleteVideo(ctx context.Context, id uuid.UUID) error {
	panic("not used")
}

func (f *fakeStore) ClaimJob(ctx context.Context, workerID uuid.UUID, jobID *int64, leaseDuration time.Duration) (*models.JobEnvelope, error) {
	panic("not used")
}
func (f *fakeStore) UpdateProgress(ctx context.Context, jobID int64, workerID uuid.UUID, step models.PipelineStep, percent float64, qp []models.QualityProgress, duration *float64, width, height *int, leaseDuration time.Duration) (time.Time, error) {
	panic("not used")
}
func (f *fakeStore) CompleteJob(ctx context.Context, jobID int64, workerID uuid.UUID, qualities []models.VideoQualityRow, duration float64, width, height int) error {
	panic("not used")
}
func (f *fakeStore) FailJob(ctx context.Context, jobID int64, workerID uuid.UUID, errMsg string, retry bool) (bool, int, error) {
	return f.willRetry, f.nextAttempt, nil
}
func (f *fakeStore) GetJobByVideoID(ctx context.Context, videoID uuid.UUID) (*models.TranscodingJob, error) {
	panic("not used")
}
func (f *fakeStore) GetJobByID(ctx context.Context, jobID int64) (*models.TranscodingJob, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j, nil
}
func (f *fakeStore) CheckClaimOwnership(ctx context.Context, jobID int64, workerID uuid.UUID) error {
	if !f.claimLive {
		return store.ErrClaimExpired
	}
	if _, ok := f.jobs[jobID]; !ok {
		return store.ErrClaimExpired
	}
	return nil
}
func (f *fakeStore) RecoverStaleClaims(ctx context.Context, limit int) ([]models.RecoveredClaim, error) {
	panic("not used")
}
func (f *fakeStore) ListUploadedQualities(ctx context.Context, jobID int64) ([]models.VideoQuality, error) {
	return nil, nil
}

func (f *fakeStore) CreateWorker(ctx context.Context, w *models.Worker) error { panic("not used") }
func (f *fakeStore) GetWorker(ctx context.Context, id uuid.UUID) (*models.Worker, error) {
	if f.worker != nil && f.worker.ID == id {
		return f.worker, nil
	}
	return nil, store.ErrNotFound
}
func (f *fakeStore) Heartbeat(ctx context.Context, id uuid.UUID, status models.WorkerStatus) error {
	panic("not used")
}
func (f *fakeStore) MarkOfflineWorkers(ctx context.Context, threshold time.Duration) (int64, error) {
	panic("not used")
}
func (f *fakeStore) CountActiveWorkers(ctx context.Context) (int64, error) { return 1, nil }
func (f *fakeStore) CreateAPIKey(ctx context.Context, key *models.WorkerAPIKey) error {
	panic("not used")
}
func (f *fakeStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*models.WorkerAPIKey, error) {
	if f.key != nil && f.key.Prefix == prefix {
		return f.key, nil
	}
	return nil, store.ErrNotFound
}
func (f *fakeStore) TouchAPIKeyLastUsed(ctx context.Context, id int64) {}

// setup builds a Handlers + auth middleware pair backed by one registered
// worker, and an alerts webhook test server whose hit count is observable.
func setup(t *testing.T, willRetry bool, nextAttempt int) (*Handlers, echo.MiddlewareFunc, string, *int32) {
	t.Helper()

	workerID := uuid.New()
	raw, key, err := workerauth.GenerateKey(workerID)
	require.NoError(t, err)

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	videoID := uuid.New()
	fs := &fakeStore{
		key:    key,
		worker: &models.Worker{ID: workerID, Status: models.WorkerStatusActive},
		jobs: map[int64]*models.TranscodingJob{
			42: {ID: 42, VideoID: videoID, MaxAttempts: 3},
		},
		videos: map[uuid.UUID]*models.Video{
			videoID: {ID: videoID, Slug: "my-video"},
		},
		willRetry:   willRetry,
		nextAttempt: nextAttempt,
		claimLive:   true,
	}

	cfg := &config.Config{Alerts: config.AlertsConfig{WebhookURL: srv.URL, WebhookTimeout: time.Second, RateLimit: time.Minute}}
	alerter := alerts.New(cfg, nopLogger{})
	fsStore := storage.New(t.TempDir()+"/uploads", t.TempDir()+"/videos", t.TempDir()+"/archive", nil)
	h := NewHandlers(fs, nil, fsStore, nopLogger{}, cfg, alerter)

	verifier := workerauth.NewVerifier(fs, nopLogger{})

	return h, verifier.Middleware(), raw, &hits
}

func doFail(t *testing.T, h *Handlers, mw echo.MiddlewareFunc, rawKey string, body FailRequest) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	e.Validator = NewValidator()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/worker/42/fail", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(workerauth.HeaderName, rawKey)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("job_id")
	c.SetParamValues("42")

	handler := mw(h.Fail)
	require.NoError(t, handler(c))
	return rec
}

func TestFail_RetryablePathSkipsMaxRetriesAlert(t *testing.T) {
	h, mw, rawKey, hits := setup(t, true, 2)

	rec := doFail(t, h, mw, rawKey, FailRequest{ErrorMessage: "transient encode error", Retry: true})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp FailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.WillRetry)

	// First failure for this video: job_failed alert requires 2+, so no hit yet.
	require.Equal(t, int32(0), atomic.LoadInt32(hits))
}

func TestFail_PermanentPathFiresMaxRetriesAlert(t *testing.T) {
	h, mw, rawKey, hits := setup(t, false, 3)

	rec := doFail(t, h, mw, rawKey, FailRequest{ErrorMessage: "attempts exhausted", Retry: true})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp FailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.WillRetry)

	require.Equal(t, int32(1), atomic.LoadInt32(hits), "permanent failure must always fire the max-retries alert")
}

func TestFail_UnauthorizedWithoutKey(t *testing.T) {
	h, mw, _, _ := setup(t, true, 1)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/worker/42/fail", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("job_id")
	c.SetParamValues("42")

	err := mw(h.Fail)(c)
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	require.Equal(t, http.StatusUnauthorized, httpErr.Code)
}
