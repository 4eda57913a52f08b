package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle status of a Video / its TranscodingJob.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusReady      JobStatus = "ready"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// PipelineStep is one stage of the transcoding pipeline, in execution order.
type PipelineStep string

const (
	StepPending         PipelineStep = "pending"
	StepProbe           PipelineStep = "probe"
	StepThumbnail       PipelineStep = "thumbnail"
	StepTranscode       PipelineStep = "transcode"
	StepMasterPlaylist  PipelineStep = "master_playlist"
	StepFinalize        PipelineStep = "finalize"
)

// QualityStatus is the per-variant progress state tracked in QualityProgress.
type QualityStatus string

const (
	QualityStatusPending    QualityStatus = "pending"
	QualityStatusInProgress QualityStatus = "in_progress"
	QualityStatusUploading  QualityStatus = "uploading"
	QualityStatusUploaded   QualityStatus = "uploaded"
	QualityStatusCompleted  QualityStatus = "completed"
	QualityStatusFailed     QualityStatus = "failed"
	QualityStatusSkipped    QualityStatus = "skipped"
)

// WorkerType distinguishes in-process workers sharing the store directly
// from remote workers that only speak the coordinator's HTTP surface.
type WorkerType string

const (
	WorkerTypeLocal  WorkerType = "local"
	WorkerTypeRemote WorkerType = "remote"
)

// WorkerStatus tracks liveness as observed by heartbeats and the janitor.
type WorkerStatus string

const (
	WorkerStatusActive   WorkerStatus = "active"
	WorkerStatusOffline  WorkerStatus = "offline"
	WorkerStatusDisabled WorkerStatus = "disabled"
)

// VideoQuality names one entry from the transcoding preset table, or the
// "original" remux pseudo-quality. It is a plain string at rest (the check
// constraint in the schema is the source of truth on valid values) so the
// pipeline can carry selective-re-transcode names without a conversion step.
type VideoQuality string

const (
	Quality2160P    VideoQuality = "2160p"
	Quality1440P    VideoQuality = "1440p"
	Quality1080P    VideoQuality = "1080p"
	Quality720P     VideoQuality = "720p"
	Quality480P     VideoQuality = "480p"
	Quality360P     VideoQuality = "360p"
	QualityOriginal VideoQuality = "original"
)

// AllQualityTiers is the canonical preset order, highest first, used to
// resolve "every preset at or below the source resolution" during quality
// selection. It excludes the "original" pseudo-quality.
var AllQualityTiers = []VideoQuality{Quality2160P, Quality1440P, Quality1080P, Quality720P, Quality480P, Quality360P}

// Video is the durable record of one uploaded asset and its publication
// state. status=ready implies at least one VideoQuality row exists and
// master.m3u8 is present under VIDEOS_DIR/{slug}/ — enforced by Complete,
// never by a read path.
type Video struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	Title          string     `json:"title" db:"title"`
	Slug           string     `json:"slug" db:"slug"`
	Description    string     `json:"description" db:"description"`
	CategoryID     *uuid.UUID `json:"category_id,omitempty" db:"category_id"`
	Duration       *float64   `json:"duration,omitempty" db:"duration"`
	SourceWidth    *int       `json:"source_width,omitempty" db:"source_width"`
	SourceHeight   *int       `json:"source_height,omitempty" db:"source_height"`
	Status         JobStatus  `json:"status" db:"status"`
	ErrorMessage   string     `json:"error_message" db:"error_message"`
	SourceFilename string     `json:"source_filename" db:"source_filename"`
	PublishedAt    *time.Time `json:"published_at,omitempty" db:"published_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// VideoQualityRow is one produced variant of a Video, written only at job
// completion. Unique on (video_id, quality).
type VideoQualityRow struct {
	ID        int64        `json:"id" db:"id"`
	VideoID   uuid.UUID    `json:"video_id" db:"video_id"`
	Quality   VideoQuality `json:"quality" db:"quality"`
	Width     int          `json:"width" db:"width"`
	Height    int          `json:"height" db:"height"`
	BitrateKb int          `json:"bitrate_kbps" db:"bitrate_kbps"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
}

// TranscodingJob is 1:1 with a Video. worker_id/claim_expires_at together
// form the claim lease that Coordinator handlers validate on every call.
type TranscodingJob struct {
	ID               int64        `json:"id" db:"id"`
	VideoID          uuid.UUID    `json:"video_id" db:"video_id"`
	WorkerID         *uuid.UUID   `json:"worker_id,omitempty" db:"worker_id"`
	CurrentStep      PipelineStep `json:"current_step" db:"current_step"`
	ProgressPercent  float64      `json:"progress_percent" db:"progress_percent"`
	AttemptNumber    int          `json:"attempt_number" db:"attempt_number"`
	MaxAttempts      int          `json:"max_attempts" db:"max_attempts"`
	Priority         int          `json:"priority" db:"priority"`
	ClaimedAt        *time.Time   `json:"claimed_at,omitempty" db:"claimed_at"`
	ClaimExpiresAt   *time.Time   `json:"claim_expires_at,omitempty" db:"claim_expires_at"`
	StartedAt        *time.Time   `json:"started_at,omitempty" db:"started_at"`
	LastCheckpoint   *time.Time   `json:"last_checkpoint,omitempty" db:"last_checkpoint"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty" db:"completed_at"`
	LastError        string       `json:"last_error" db:"last_error"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at" db:"updated_at"`
}

// QualityProgress tracks one (job, quality) variant's encode/upload status.
// Upserted, never read-then-written, per the portability contract.
type QualityProgress struct {
	ID              int64         `json:"id" db:"id"`
	JobID           int64         `json:"job_id" db:"job_id"`
	Quality         VideoQuality  `json:"quality" db:"quality"`
	Status          QualityStatus `json:"status" db:"status"`
	ProgressPercent float64       `json:"progress_percent" db:"progress_percent"`
	ErrorMessage    string        `json:"error_message" db:"error_message"`
	StartedAt       *time.Time    `json:"started_at,omitempty" db:"started_at"`
	UpdatedAt       time.Time     `json:"updated_at" db:"updated_at"`
}

// Worker is a registered transcoding agent, local or remote.
type Worker struct {
	ID            uuid.UUID    `json:"worker_id" db:"id"`
	Name          string       `json:"name" db:"name"`
	WorkerType    WorkerType   `json:"worker_type" db:"worker_type"`
	Status        WorkerStatus `json:"status" db:"status"`
	Capabilities  Capabilities `json:"capabilities" db:"capabilities"`
	RegisteredAt  time.Time    `json:"registered_at" db:"registered_at"`
	LastHeartbeat *time.Time   `json:"last_heartbeat,omitempty" db:"last_heartbeat"`
}

// Capabilities is the free-form tag set a worker reports at registration:
// supported codecs/encoders, hardware acceleration, and concurrency limits.
type Capabilities struct {
	Codecs               []string `json:"codecs,omitempty"`
	Encoders             []string `json:"encoders,omitempty"`
	HWAccelType          string   `json:"hwaccel_type,omitempty"`
	GPUName              string   `json:"gpu_name,omitempty"`
	MaxConcurrentSessions int     `json:"max_concurrent_sessions,omitempty"`
}

// WorkerAPIKey is the hashed, prefix-indexed credential issued once at
// registration. The raw secret is never stored.
type WorkerAPIKey struct {
	ID         int64      `json:"id" db:"id"`
	WorkerID   uuid.UUID  `json:"worker_id" db:"worker_id"`
	Prefix     string     `json:"prefix" db:"prefix"`
	Hash       string     `json:"-" db:"hash"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// JobEnvelope is what claim() hands back to a worker: everything it needs
// to start the pipeline without a second round trip. ExistingQualities
// names variants the worker must skip (selective re-transcode, or finished
// uploads preserved from a previous attempt); MasterPlaylistPresent tells
// it whether master.m3u8 already exists on the coordinator and must be
// left alone.
type JobEnvelope struct {
	JobID                 int64          `json:"job_id"`
	VideoID               uuid.UUID      `json:"video_id"`
	Slug                  string         `json:"slug"`
	Duration              *float64       `json:"duration,omitempty"`
	SourceWidth           *int           `json:"source_width,omitempty"`
	SourceHeight          *int           `json:"source_height,omitempty"`
	SourceFilename        string         `json:"source_filename"`
	ClaimExpiresAt        time.Time      `json:"claim_expires_at"`
	ExistingQualities     []VideoQuality `json:"existing_qualities,omitempty"`
	MasterPlaylistPresent bool           `json:"master_playlist_present,omitempty"`
}

// RecoveredClaim describes one job the janitor's stale-claim sweep acted
// on, carrying enough context for the alerts package to notify without a
// second store round trip.
type RecoveredClaim struct {
	JobID             int64
	VideoID           uuid.UUID
	Slug              string
	AttemptNumber     int
	MaxAttempts       int
	PreviousWorkerID  uuid.UUID
	PermanentlyFailed bool
	LastError         string
}
