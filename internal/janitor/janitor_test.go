package janitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/transcoder/internal/alerts"
	"github.com/streamforge/transcoder/internal/config"
	"github.com/streamforge/transcoder/internal/models"
	"github.com/streamforge/transcoder/internal/storage"
	"github.com/streamforge/transcoder/internal/store"
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

// fakeStore implements store.Store with just enough behavior for the
// orphan-sweep tests; every other method panics if exercised.
type fakeStore struct {
	videosBySlug map[string]*models.Video
	qualities    map[uuid.UUID][]models.VideoQualityRow
}

func (f *fakeStore) GetVideoBySlug(ctx context.Context, slug string) (*models.Video, error) {
	v, ok := f.videosBySlug[slug]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (f *fakeStore) ListVideoQualities(ctx context.Context, videoID uuid.UUID) ([]models.VideoQualityRow, error) {
	return f.qualities[videoID], nil
}

func (f *fakeStore) CreateVideoWithJob(ctx context.Context, video *models.Video, maxAttempts int, priority int) (*models.Video, *models.TranscodingJob, error) {
	panic("not used")
}
func (f *fakeStore) GetVideoByID(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	panic("not used")
}
func (f *fakeStore) SoftDeleteVideo(ctx context.Context, id uuid.UUID) error   { panic("not used") }
func (f *fakeStore) RestoreVideo(ctx context.Context, id uuid.UUID) error     { panic("not used") }
func (f *fakeStore) ListExpiredArchive(ctx context.Context, before time.Time, limit int) ([]models.Video, error) {
	return nil, nil
}
func (f *fakeStore) PermanentlyDeleteVideo(ctx context.Context, id uuid.UUID) error { panic("not used") }

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
	panic("not used")
}
func (f *fakeStore) GetJobByVideoID(ctx context.Context, videoID uuid.UUID) (*models.TranscodingJob, error) {
	panic("not used")
}
func (f *fakeStore) GetJobByID(ctx context.Context, jobID int64) (*models.TranscodingJob, error) {
	panic("not used")
}
func (f *fakeStore) CheckClaimOwnership(ctx context.Context, jobID int64, workerID uuid.UUID) error {
	panic("not used")
}
func (f *fakeStore) RecoverStaleClaims(ctx context.Context, limit int) ([]models.RecoveredClaim, error) {
	return nil, nil
}
func (f *fakeStore) ListUploadedQualities(ctx context.Context, jobID int64) ([]models.VideoQuality, error) {
	return nil, nil
}

func (f *fakeStore) CreateWorker(ctx context.Context, w *models.Worker) error { panic("not used") }
func (f *fakeStore) GetWorker(ctx context.Context, id uuid.UUID) (*models.Worker, error) {
	panic("not used")
}
func (f *fakeStore) Heartbeat(ctx context.Context, id uuid.UUID, status models.WorkerStatus) error {
	panic("not used")
}
func (f *fakeStore) MarkOfflineWorkers(ctx context.Context, threshold time.Duration) (int64, error) {
	return 0, nil
}
func (f *fakeStore) CountActiveWorkers(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakeStore) CreateAPIKey(ctx context.Context, key *models.WorkerAPIKey) error {
	panic("not used")
}
func (f *fakeStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*models.WorkerAPIKey, error) {
	panic("not used")
}
func (f *fakeStore) TouchAPIKeyLastUsed(ctx context.Context, id int64) {}

func testJanitor(t *testing.T, st *fakeStore, storageRoot string) *Janitor {
	t.Helper()
	fs := storage.New(
		filepath.Join(storageRoot, "uploads"),
		filepath.Join(storageRoot, "videos"),
		filepath.Join(storageRoot, "archive"),
		nil,
	)
	cfg := &config.Config{
		Limits: config.LimitsConfig{
			OrphanGracePeriod:  time.Hour,
			OrphanStartupGrace: 0,
		},
	}
	j := New(st, fs, nil, cfg, nopLogger{}, alerts.New(cfg, nopLogger{}))
	j.startedAt = time.Now().Add(-time.Hour) // clear the startup grace immediately
	return j
}

func touchOld(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
	// Writing the file bumped the parent's mtime; age it too so the slug
	// directory itself reads as old as its contents.
	require.NoError(t, os.Chtimes(filepath.Dir(path), old, old))
}

func TestSweepOrphanDirectories_RemovesUnknownSlugPastGrace(t *testing.T) {
	root := t.TempDir()
	videosDir := filepath.Join(root, "videos")
	touchOld(t, filepath.Join(videosDir, "ghost-slug", "master.m3u8"), 2*time.Hour)

	st := &fakeStore{videosBySlug: map[string]*models.Video{}}
	j := testJanitor(t, st, root)

	j.sweepOrphanDirectories(context.Background())

	_, err := os.Stat(filepath.Join(videosDir, "ghost-slug"))
	require.True(t, os.IsNotExist(err))
}

func TestSweepOrphanDirectories_KeepsUnknownSlugWithinGrace(t *testing.T) {
	root := t.TempDir()
	videosDir := filepath.Join(root, "videos")
	touchOld(t, filepath.Join(videosDir, "fresh-slug", "master.m3u8"), time.Minute)

	st := &fakeStore{videosBySlug: map[string]*models.Video{}}
	j := testJanitor(t, st, root)

	j.sweepOrphanDirectories(context.Background())

	_, err := os.Stat(filepath.Join(videosDir, "fresh-slug"))
	require.NoError(t, err)
}

func TestSweepOrphanDirectories_SkipsVideoWithActiveJob(t *testing.T) {
	root := t.TempDir()
	videosDir := filepath.Join(root, "videos")
	touchOld(t, filepath.Join(videosDir, "in-progress", "720p.m3u8"), 2*time.Hour)

	videoID := uuid.New()
	st := &fakeStore{
		videosBySlug: map[string]*models.Video{
			"in-progress": {ID: videoID, Slug: "in-progress", Status: models.JobStatusProcessing},
		},
	}
	j := testJanitor(t, st, root)

	j.sweepOrphanDirectories(context.Background())

	_, err := os.Stat(filepath.Join(videosDir, "in-progress", "720p.m3u8"))
	require.NoError(t, err, "files belonging to a video with an in-flight job must not be touched")
}

func TestSweepOrphanQualities_RemovesDroppedQualityPastGrace(t *testing.T) {
	root := t.TempDir()
	videosDir := filepath.Join(root, "videos")
	touchOld(t, filepath.Join(videosDir, "published", "480p.m3u8"), 2*time.Hour)
	touchOld(t, filepath.Join(videosDir, "published", "480p_0000.ts"), 2*time.Hour)
	touchOld(t, filepath.Join(videosDir, "published", "720p.m3u8"), 2*time.Hour)
	touchOld(t, filepath.Join(videosDir, "published", "master.m3u8"), 2*time.Hour)

	videoID := uuid.New()
	st := &fakeStore{
		videosBySlug: map[string]*models.Video{
			"published": {ID: videoID, Slug: "published", Status: models.JobStatusReady},
		},
		qualities: map[uuid.UUID][]models.VideoQualityRow{
			videoID: {{VideoID: videoID, Quality: models.Quality720P}},
		},
	}
	j := testJanitor(t, st, root)

	j.sweepOrphanDirectories(context.Background())

	_, err := os.Stat(filepath.Join(videosDir, "published", "480p.m3u8"))
	require.True(t, os.IsNotExist(err), "480p was dropped from video_qualities and should be removed")
	_, err = os.Stat(filepath.Join(videosDir, "published", "480p_0000.ts"))
	require.True(t, os.IsNotExist(err))

	_, err = os.Stat(filepath.Join(videosDir, "published", "720p.m3u8"))
	require.NoError(t, err, "720p is still referenced and must survive")
	_, err = os.Stat(filepath.Join(videosDir, "published", "master.m3u8"))
	require.NoError(t, err, "master.m3u8 is never a quality entry and must survive")
}

func TestSweepOrphanQualities_KeepsDroppedQualityWithinGrace(t *testing.T) {
	root := t.TempDir()
	videosDir := filepath.Join(root, "videos")
	touchOld(t, filepath.Join(videosDir, "published", "480p.m3u8"), time.Minute)

	videoID := uuid.New()
	st := &fakeStore{
		videosBySlug: map[string]*models.Video{
			"published": {ID: videoID, Slug: "published", Status: models.JobStatusReady},
		},
		qualities: map[uuid.UUID][]models.VideoQualityRow{videoID: nil},
	}
	j := testJanitor(t, st, root)

	j.sweepOrphanDirectories(context.Background())

	_, err := os.Stat(filepath.Join(videosDir, "published", "480p.m3u8"))
	require.NoError(t, err, "recently-written files must survive even if unreferenced")
}

func TestSweepOrphanDirectories_HoldsOffDuringStartupGrace(t *testing.T) {
	root := t.TempDir()
	videosDir := filepath.Join(root, "videos")
	touchOld(t, filepath.Join(videosDir, "ghost-slug", "master.m3u8"), 2*time.Hour)

	st := &fakeStore{videosBySlug: map[string]*models.Video{}}
	fs := storage.New(
		filepath.Join(root, "uploads"),
		videosDir,
		filepath.Join(root, "archive"),
		nil,
	)
	cfg := &config.Config{Limits: config.LimitsConfig{OrphanGracePeriod: time.Hour, OrphanStartupGrace: time.Hour}}
	j := New(st, fs, nil, cfg, nopLogger{}, alerts.New(cfg, nopLogger{})) // startedAt defaults to "now": still within startup grace

	j.sweepOrphanDirectories(context.Background())

	_, err := os.Stat(filepath.Join(videosDir, "ghost-slug"))
	require.NoError(t, err, "sweep must not run at all during the startup grace window")
}
