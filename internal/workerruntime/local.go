package workerruntime

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/streamforge/transcoder/internal/config"
	"github.com/streamforge/transcoder/internal/models"
	"github.com/streamforge/transcoder/internal/storage"
	"github.com/streamforge/transcoder/internal/store"
	"github.com/streamforge/transcoder/internal/transcoder"
)

// localJobClient implements transcoder.Reporter/Uploader directly against
// the shared store and storage.Store, for a local worker sharing the
// coordinator's database and disk in-process — no HTTP hop, no tar.gz
// round trip.
type localJobClient struct {
	store    store.Store
	fs       *storage.Store
	cfg      *config.Config
	jobID    int64
	workerID uuid.UUID
	slug     string
	cmaf     bool
}

func newLocalJobClient(s store.Store, fs *storage.Store, cfg *config.Config, jobID int64, workerID uuid.UUID, slug string, cmaf bool) *localJobClient {
	return &localJobClient{store: s, fs: fs, cfg: cfg, jobID: jobID, workerID: workerID, slug: slug, cmaf: cmaf}
}

func (l *localJobClient) ReportProgress(ctx context.Context, step models.PipelineStep, percent int, qp []models.QualityProgress, duration *float64, width, height *int) error {
	_, err := l.store.UpdateProgress(ctx, l.jobID, l.workerID, step, float64(percent), qp, duration, width, height, l.cfg.Worker.ClaimDuration)
	return asLocalClaimExpired(err)
}

func (l *localJobClient) UploadQuality(ctx context.Context, quality string, dir string) error {
	if err := l.store.CheckClaimOwnership(ctx, l.jobID, l.workerID); err != nil {
		return asLocalClaimExpired(err)
	}
	srcDir, names, err := listQualityFiles(dir, quality, l.cmaf)
	if err != nil {
		return err
	}
	return l.fs.PromoteFiles(srcDir, names, l.slug, quality, l.cmaf)
}

func (l *localJobClient) UploadFinalize(ctx context.Context, dir string, skipMaster bool) error {
	if err := l.store.CheckClaimOwnership(ctx, l.jobID, l.workerID); err != nil {
		return asLocalClaimExpired(err)
	}
	names := listFinalizeFiles(dir, skipMaster)
	return l.fs.PromoteFiles(dir, names, l.slug, "", false)
}

func (l *localJobClient) Complete(ctx context.Context, qualities []models.VideoQualityRow, duration float64, width, height int) error {
	return asLocalClaimExpired(l.store.CompleteJob(ctx, l.jobID, l.workerID, qualities, duration, width, height))
}

func (l *localJobClient) Fail(ctx context.Context, errMsg string, retry bool) (willRetry bool, attempt int, err error) {
	willRetry, attempt, err = l.store.FailJob(ctx, l.jobID, l.workerID, errMsg, retry)
	return willRetry, attempt, asLocalClaimExpired(err)
}

func asLocalClaimExpired(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrClaimExpired) {
		return &transcoder.ClaimExpired{Cause: err}
	}
	return err
}
