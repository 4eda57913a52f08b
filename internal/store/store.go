// Package store is the persistent store: the durable record of
// videos, jobs, per-quality progress, workers and credentials. It is the
// single arbiter of claim ownership — every write that may race is a
// single CAS statement, never a read-then-write.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/streamforge/transcoder/internal/models"
)

var (
	// ErrNotFound is returned when a lookup by id/slug/prefix finds nothing.
	ErrNotFound = errors.New("store: not found")
	// ErrSlugExists is returned on a unique-slug violation at video creation.
	ErrSlugExists = errors.New("store: slug already exists")
	// ErrNoJobAvailable is returned by ClaimJob when nothing is claimable.
	ErrNoJobAvailable = errors.New("store: no job available")
	// ErrClaimExpired means the caller no longer owns a live lease on the
	// job; handlers translate it to 409 Conflict and workers must abort.
	ErrClaimExpired = errors.New("store: claim expired or not owned by caller")
)

// Store is the full persistence contract consumed by the coordinator,
// worker runtime, and janitor.
type Store interface {
	VideoStore
	JobStore
	WorkerStore
}

type VideoStore interface {
	// CreateVideoWithJob creates a video (status=pending) and its 1:1
	// transcoding job in one transaction, per the "atomic job+upload
	// creation" cross-process invariant.
	CreateVideoWithJob(ctx context.Context, video *models.Video, maxAttempts int, priority int) (*models.Video, *models.TranscodingJob, error)
	GetVideoByID(ctx context.Context, id uuid.UUID) (*models.Video, error)
	GetVideoBySlug(ctx context.Context, slug string) (*models.Video, error)
	ListVideoQualities(ctx context.Context, videoID uuid.UUID) ([]models.VideoQualityRow, error)
	SoftDeleteVideo(ctx context.Context, id uuid.UUID) error
	RestoreVideo(ctx context.Context, id uuid.UUID) error
	// ListExpiredArchive returns videos soft-deleted before the retention
	// cutoff, for the janitor's archive-expiry sweep.
	ListExpiredArchive(ctx context.Context, before time.Time, limit int) ([]models.Video, error)
	PermanentlyDeleteVideo(ctx context.Context, id uuid.UUID) error
}

type JobStore interface {
	// ClaimJob is the atomic pick-and-claim CAS. If jobID is nil the
	// oldest eligible pending job is selected; otherwise that specific
	// job is claimed if still unclaimed/expired.
	ClaimJob(ctx context.Context, workerID uuid.UUID, jobID *int64, leaseDuration time.Duration) (*models.JobEnvelope, error)
	// UpdateProgress validates ownership+lease, extends the lease, upserts
	// the supplied per-quality rows, and optionally patches video probe
	// metadata. Returns the new claim_expires_at.
	UpdateProgress(ctx context.Context, jobID int64, workerID uuid.UUID, step models.PipelineStep, percent float64, qp []models.QualityProgress, duration *float64, width, height *int, leaseDuration time.Duration) (time.Time, error)
	// CompleteJob writes VideoQuality rows, flips the video to READY, and
	// clears the claim, all in one transaction.
	CompleteJob(ctx context.Context, jobID int64, workerID uuid.UUID, qualities []models.VideoQualityRow, duration float64, width, height int) error
	// FailJob truncates and appends the error, and either schedules a
	// retry (clearing the claim, video back to PENDING) or marks the job
	// and video permanently failed. Returns whether a retry was scheduled.
	FailJob(ctx context.Context, jobID int64, workerID uuid.UUID, errMsg string, retry bool) (willRetry bool, attempt int, err error)
	GetJobByVideoID(ctx context.Context, videoID uuid.UUID) (*models.TranscodingJob, error)
	GetJobByID(ctx context.Context, jobID int64) (*models.TranscodingJob, error)
	// CheckClaimOwnership is the ownership+lease check every worker-facing
	// handler performs before mutating anything.
	CheckClaimOwnership(ctx context.Context, jobID int64, workerID uuid.UUID) error
	// RecoverStaleClaims finds jobs whose claim_expires_at < now and
	// treats each as a failed attempt, for the janitor's stale-claim sweep.
	RecoverStaleClaims(ctx context.Context, limit int) ([]models.RecoveredClaim, error)
	// ListUploadedQualities returns the quality names whose progress rows
	// reached 'uploaded' for this job, so a retried attempt can skip
	// re-encoding work whose output already landed on the coordinator.
	ListUploadedQualities(ctx context.Context, jobID int64) ([]models.VideoQuality, error)
}

type WorkerStore interface {
	CreateWorker(ctx context.Context, w *models.Worker) error
	GetWorker(ctx context.Context, id uuid.UUID) (*models.Worker, error)
	Heartbeat(ctx context.Context, id uuid.UUID, status models.WorkerStatus) error
	MarkOfflineWorkers(ctx context.Context, threshold time.Duration) (int64, error)
	CountActiveWorkers(ctx context.Context) (int64, error)
	CreateAPIKey(ctx context.Context, key *models.WorkerAPIKey) error
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*models.WorkerAPIKey, error)
	TouchAPIKeyLastUsed(ctx context.Context, id int64)
}
