package coordinator

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/streamforge/transcoder/internal/alerts"
	"github.com/streamforge/transcoder/internal/config"
	"github.com/streamforge/transcoder/internal/models"
	"github.com/streamforge/transcoder/internal/queue"
	"github.com/streamforge/transcoder/internal/storage"
	"github.com/streamforge/transcoder/internal/store"
	"github.com/streamforge/transcoder/internal/workerauth"
	"github.com/streamforge/transcoder/pkg/dbretry"
	"github.com/streamforge/transcoder/pkg/logger"
)

// Handlers is the worker-facing and admin HTTP surface. It owns no state
// of its own — every mutation runs through store.Store, every push hint
// through queue.Queue, every file through storage.Store.
type Handlers struct {
	store   store.Store
	queue   queue.Queue
	fs      *storage.Store
	log     logger.Logger
	cfg     *config.Config
	alerter *alerts.Notifier
}

func NewHandlers(s store.Store, q queue.Queue, fs *storage.Store, log logger.Logger, cfg *config.Config, alerter *alerts.Notifier) *Handlers {
	return &Handlers{store: s, queue: q, fs: fs, log: log, cfg: cfg, alerter: alerter}
}

// mapErr turns a store/dbretry error into the right HTTP status: 404 not
// found, 409 lost claim or slug collision, 503 on retry exhaustion, 500 for
// anything a handler didn't already catch.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrNoJobAvailable):
		return echo.NewHTTPError(http.StatusNoContent, err.Error())
	case errors.Is(err, store.ErrClaimExpired):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrSlugExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, dbretry.ErrRetryableExhausted):
		he := echo.NewHTTPError(http.StatusServiceUnavailable, "store temporarily unavailable")
		he.Internal = err
		return he
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// Register is POST /worker/register — no auth, mints the worker row and
// its API key. The raw secret appears in this response and nowhere else.
func (h *Handlers) Register(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	worker := &models.Worker{
		ID:           uuid.New(),
		Name:         req.Name,
		WorkerType:   req.WorkerType,
		Status:       models.WorkerStatusActive,
		Capabilities: req.Capabilities,
	}
	if err := h.store.CreateWorker(c.Request().Context(), worker); err != nil {
		return mapErr(err)
	}

	raw, key, err := workerauth.GenerateKey(worker.ID)
	if err != nil {
		return fmt.Errorf("generate worker key: %w", err)
	}
	if err := h.store.CreateAPIKey(c.Request().Context(), key); err != nil {
		return mapErr(err)
	}

	h.log.Infof("registered worker %s (%s, type=%s)", worker.ID, worker.Name, worker.WorkerType)
	return c.JSON(http.StatusCreated, RegisterResponse{WorkerID: worker.ID, APIKey: raw})
}

// Heartbeat is POST /worker/heartbeat: refreshes last_heartbeat and flips
// the worker back to active.
func (h *Handlers) Heartbeat(c echo.Context) error {
	worker, ok := workerauth.WorkerFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized)
	}

	var req HeartbeatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := h.store.Heartbeat(c.Request().Context(), worker.ID, models.WorkerStatusActive); err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, HeartbeatResponse{Status: "ok", ServerTime: time.Now().UTC()})
}

// Claim is POST /worker/claim: the atomic pick-and-claim. The store's CAS
// decides ownership; this handler only enriches the winning envelope with
// resume hints.
func (h *Handlers) Claim(c echo.Context) error {
	worker, ok := workerauth.WorkerFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized)
	}

	var req ClaimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	env, err := h.store.ClaimJob(c.Request().Context(), worker.ID, req.JobID, h.cfg.Worker.ClaimDuration)
	if err != nil {
		if errors.Is(err, store.ErrNoJobAvailable) {
			return c.JSON(http.StatusNoContent, ClaimResponse{Message: "no job available"})
		}
		return mapErr(err)
	}

	h.augmentEnvelope(c, env)
	return c.JSON(http.StatusOK, ClaimResponse{JobEnvelope: env})
}

// augmentEnvelope fills in the resume hints the claim CAS itself does not
// compute: qualities a previous attempt already uploaded (when the
// keep-completed-qualities flag is on) and whether master.m3u8 is already
// on disk for this slug.
func (h *Handlers) augmentEnvelope(c echo.Context, env *models.JobEnvelope) {
	if h.cfg.Transcode.KeepCompletedQualities {
		uploaded, err := h.store.ListUploadedQualities(c.Request().Context(), env.JobID)
		if err != nil {
			h.log.Warnf("claim: list uploaded qualities for job %d: %v", env.JobID, err)
		} else {
			env.ExistingQualities = mergeQualities(env.ExistingQualities, uploaded)
		}
	}
	env.MasterPlaylistPresent = h.fs.MasterPlaylistExists(env.Slug)
}

func mergeQualities(existing, extra []models.VideoQuality) []models.VideoQuality {
	seen := make(map[models.VideoQuality]bool, len(existing))
	for _, q := range existing {
		seen[q] = true
	}
	for _, q := range extra {
		if !seen[q] {
			existing = append(existing, q)
			seen[q] = true
		}
	}
	return existing
}

// Progress is POST /worker/:job_id/progress: checkpoints the step and
// percent, upserts per-quality rows, extends the lease, and patches probe
// metadata onto the video the first time it arrives.
func (h *Handlers) Progress(c echo.Context) error {
	worker, ok := workerauth.WorkerFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized)
	}
	jobID, err := parseJobID(c)
	if err != nil {
		return err
	}

	var req ProgressRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	qp := make([]models.QualityProgress, 0, len(req.QualityProgress))
	for _, in := range req.QualityProgress {
		qp = append(qp, models.QualityProgress{
			JobID:           jobID,
			Quality:         in.Quality,
			Status:          in.Status,
			ProgressPercent: in.Percent,
			ErrorMessage:    in.ErrorMessage,
		})
	}

	expiresAt, err := h.store.UpdateProgress(c.Request().Context(), jobID, worker.ID, req.CurrentStep, req.ProgressPercent, qp, req.Duration, req.SourceWidth, req.SourceHeight, h.cfg.Worker.ClaimDuration)
	if err != nil {
		return mapErr(err)
	}
	return c.JSON(http.StatusOK, ProgressResponse{Status: "ok", ClaimExpiresAt: expiresAt})
}

// Complete is POST /worker/:job_id/complete: writes the produced quality
// rows, flips the video to ready, and releases the claim in one store
// transaction.
func (h *Handlers) Complete(c echo.Context) error {
	worker, ok := workerauth.WorkerFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized)
	}
	jobID, err := parseJobID(c)
	if err != nil {
		return err
	}

	var req CompleteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	job, err := h.store.GetJobByID(c.Request().Context(), jobID)
	if err != nil {
		return mapErr(err)
	}

	rows := make([]models.VideoQualityRow, 0, len(req.Qualities))
	for _, q := range req.Qualities {
		rows = append(rows, models.VideoQualityRow{
			VideoID:   job.VideoID,
			Quality:   q.Quality,
			Width:     q.Width,
			Height:    q.Height,
			BitrateKb: q.BitrateKb,
		})
	}

	if err := h.store.CompleteJob(c.Request().Context(), jobID, worker.ID, rows, req.Duration, req.SourceWidth, req.SourceHeight); err != nil {
		return mapErr(err)
	}

	h.log.Infof("job %d completed by worker %s (%d qualities)", jobID, worker.ID, len(rows))
	return c.JSON(http.StatusOK, map[string]string{"status": "completed"})
}

// Fail is POST /worker/:job_id/fail. FailJob itself makes the
// retry-vs-permanent decision from attempt_number vs max_attempts; this
// handler owns the side effects of a permanent failure (source cleanup,
// dead-letter, alert).
func (h *Handlers) Fail(c echo.Context) error {
	worker, ok := workerauth.WorkerFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized)
	}
	jobID, err := parseJobID(c)
	if err != nil {
		return err
	}

	var req FailRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	willRetry, attempt, err := h.store.FailJob(c.Request().Context(), jobID, worker.ID, req.ErrorMessage, req.Retry)
	if err != nil {
		return mapErr(err)
	}

	if !willRetry {
		h.cleanupPermanentFailure(c, jobID)
	}

	h.notifyFailure(c, jobID, attempt, req.ErrorMessage, willRetry)

	h.log.Warnf("job %d failed (attempt %d, retry=%v): %s", jobID, attempt, willRetry, req.ErrorMessage)
	return c.JSON(http.StatusOK, FailResponse{Status: "recorded", WillRetry: willRetry, AttemptNumber: attempt})
}

// notifyFailure fires the job-failed / max-retries-exceeded alerts and, on
// a permanent failure, routes the dispatch to the dead-letter sink. It
// looks the video up again rather than threading slug through FailJob's
// signature, since alert delivery is best-effort and must never change the
// store contract's return shape.
func (h *Handlers) notifyFailure(c echo.Context, jobID int64, attempt int, errMsg string, willRetry bool) {
	ctx := c.Request().Context()
	job, err := h.store.GetJobByID(ctx, jobID)
	if err != nil {
		h.log.Warnf("notify failure: job %d lookup failed: %v", jobID, err)
		return
	}
	video, err := h.store.GetVideoByID(ctx, job.VideoID)
	if err != nil {
		h.log.Warnf("notify failure: video %s lookup failed: %v", job.VideoID, err)
		return
	}
	if !willRetry {
		if h.queue != nil {
			dispatch := queue.JobDispatch{JobID: jobID, VideoID: video.ID, Slug: video.Slug, Priority: priorityFromInt(job.Priority)}
			if err := h.queue.DeadLetterDispatch(ctx, dispatch, errMsg); err != nil {
				h.log.Warnf("dead-letter job %d: %v", jobID, err)
			}
		}
		h.alerter.MaxRetriesExceeded(ctx, video.ID, video.Slug, job.MaxAttempts, errMsg)
		return
	}
	h.alerter.JobFailed(ctx, video.ID, video.Slug, attempt, errMsg, willRetry)
}

// cleanupPermanentFailure removes the uploaded source once a job is beyond
// retry, gated on the cleanup-on-permanent-failure flag.
func (h *Handlers) cleanupPermanentFailure(c echo.Context, jobID int64) {
	if !h.cfg.Transcode.CleanupOnPermanentFailure {
		return
	}
	job, err := h.store.GetJobByID(c.Request().Context(), jobID)
	if err != nil {
		h.log.Warnf("cleanup: job %d lookup failed: %v", jobID, err)
		return
	}
	if err := h.fs.DeleteSource(job.VideoID); err != nil {
		h.log.Warnf("cleanup: delete source for video %s: %v", job.VideoID, err)
	}
}

// DownloadSource is GET /worker/source/:video_id, streaming the uploaded
// source file to the worker that currently holds the claim on this video's
// job. Anyone else — including a worker whose lease just lapsed — gets 403.
func (h *Handlers) DownloadSource(c echo.Context) error {
	worker, ok := workerauth.WorkerFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized)
	}
	videoID, err := uuid.Parse(c.Param("video_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid video_id")
	}

	ctx := c.Request().Context()
	job, err := h.store.GetJobByVideoID(ctx, videoID)
	if err != nil {
		return mapErr(err)
	}
	if err := h.store.CheckClaimOwnership(ctx, job.ID, worker.ID); err != nil {
		if errors.Is(err, store.ErrClaimExpired) {
			return echo.NewHTTPError(http.StatusForbidden, "caller does not hold a live claim on this video")
		}
		return mapErr(err)
	}

	path, err := h.fs.ResolveSource(videoID)
	if err != nil {
		return mapErr(err)
	}
	if path == "" {
		return echo.NewHTTPError(http.StatusNotFound, "no source uploaded for this video")
	}
	return c.File(path)
}

func parseJobID(c echo.Context) (int64, error) {
	id, err := parseInt64(c.Param("job_id"))
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid job_id")
	}
	return id, nil
}
