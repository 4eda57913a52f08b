// Package coordinator is the coordinator service: the worker-facing HTTP API
// that exposes claim/progress/complete/fail, source download and output
// upload, plus the admin upload endpoint that creates a video+job pair.
package coordinator

import (
	"time"

	"github.com/google/uuid"

	"github.com/streamforge/transcoder/internal/models"
)

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	Name         string              `json:"name" validate:"max=255"`
	WorkerType   models.WorkerType   `json:"worker_type" validate:"required,oneof=local remote"`
	Capabilities models.Capabilities `json:"capabilities"`
}

// RegisterResponse shows the raw secret exactly once; it is never
// retrievable again.
type RegisterResponse struct {
	WorkerID uuid.UUID `json:"worker_id"`
	APIKey   string    `json:"api_key"`
}

// HeartbeatRequest is the body of POST /heartbeat.
type HeartbeatRequest struct {
	Status   string                 `json:"status" validate:"omitempty,oneof=idle busy"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type HeartbeatResponse struct {
	Status     string    `json:"status"`
	ServerTime time.Time `json:"server_time"`
}

// ClaimRequest is the body of POST /claim; JobID is set only when a worker
// is confirming a Redis-dispatched message.
type ClaimRequest struct {
	JobID *int64 `json:"job_id,omitempty"`
}

type ClaimResponse struct {
	*models.JobEnvelope
	Message string `json:"message,omitempty"`
}

// QualityProgressInput is one entry of the progress() quality_progress[]
// array, upserted into quality_progress keyed on (job, quality).
type QualityProgressInput struct {
	Quality      models.VideoQuality `json:"quality" validate:"required"`
	Status       models.QualityStatus `json:"status" validate:"required"`
	Percent      float64             `json:"progress_percent" validate:"gte=0,lte=100"`
	ErrorMessage string              `json:"error_message,omitempty"`
}

// ProgressRequest is the body of POST /:job_id/progress.
type ProgressRequest struct {
	CurrentStep      models.PipelineStep    `json:"current_step" validate:"required"`
	ProgressPercent  float64                `json:"progress_percent" validate:"gte=0,lte=100"`
	QualityProgress  []QualityProgressInput `json:"quality_progress,omitempty"`
	Duration         *float64               `json:"duration,omitempty"`
	SourceWidth      *int                   `json:"source_width,omitempty"`
	SourceHeight     *int                   `json:"source_height,omitempty"`
}

type ProgressResponse struct {
	Status         string    `json:"status"`
	ClaimExpiresAt time.Time `json:"claim_expires_at"`
}

// CompleteQualityInput is one entry of complete()'s qualities[] array.
type CompleteQualityInput struct {
	Quality   models.VideoQuality `json:"quality" validate:"required"`
	Width     int                 `json:"width" validate:"required,gt=0"`
	Height    int                 `json:"height" validate:"required,gt=0"`
	BitrateKb int                 `json:"bitrate_kbps" validate:"gte=0"`
}

// CompleteRequest is the body of POST /:job_id/complete. Qualities may be
// empty on a selective re-transcode where every variant already existed
// and only the job bookkeeping needs to close out.
type CompleteRequest struct {
	Qualities    []CompleteQualityInput `json:"qualities" validate:"dive"`
	Duration     float64                `json:"duration" validate:"gt=0"`
	SourceWidth  int                    `json:"source_w" validate:"required,gt=0"`
	SourceHeight int                    `json:"source_h" validate:"required,gt=0"`
}

// FailRequest is the body of POST /:job_id/fail.
type FailRequest struct {
	ErrorMessage string `json:"error_message" validate:"required,max=2000"`
	Retry        bool   `json:"retry"`
}

type FailResponse struct {
	Status        string `json:"status"`
	WillRetry     bool   `json:"will_retry"`
	AttemptNumber int    `json:"attempt_number"`
}

// CreateVideoRequest is the admin-facing body of POST /admin/videos that
// creates a video+job pair atomically.
type CreateVideoRequest struct {
	Title       string     `form:"title" validate:"required,max=500"`
	Slug        string     `form:"slug" validate:"required,max=255,alphanum|contains=-"`
	Description string     `form:"description"`
	CategoryID  *uuid.UUID `form:"category_id"`
	Priority    int        `form:"priority"`
	MaxAttempts int        `form:"max_attempts"`
}

type CreateVideoResponse struct {
	Video *models.Video          `json:"video"`
	Job   *models.TranscodingJob `json:"job"`
}
