// Package janitor is the background sweep: reclaiming stale job claims,
// expiring soft-deleted videos out of the archive, marking
// unresponsive workers offline, and removing on-disk quality directories
// the store no longer references. It runs its passes on independent
// tickers, mirroring the autoscaler's single poll-loop idiom.
package janitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/streamforge/transcoder/internal/alerts"
	"github.com/streamforge/transcoder/internal/config"
	"github.com/streamforge/transcoder/internal/models"
	"github.com/streamforge/transcoder/internal/queue"
	"github.com/streamforge/transcoder/internal/storage"
	"github.com/streamforge/transcoder/internal/store"
	"github.com/streamforge/transcoder/pkg/logger"
)

// Janitor bundles the store/storage/queue handles and cadence every sweep
// needs. The queue may be nil when running against a database-only
// deployment; only the dead-letter escalation path uses it.
type Janitor struct {
	store     store.Store
	fs        *storage.Store
	q         queue.Queue
	cfg       *config.Config
	log       logger.Logger
	alerter   *alerts.Notifier
	startedAt time.Time
}

func New(st store.Store, fs *storage.Store, q queue.Queue, cfg *config.Config, log logger.Logger, alerter *alerts.Notifier) *Janitor {
	return &Janitor{store: st, fs: fs, q: q, cfg: cfg, log: log, alerter: alerter, startedAt: time.Now()}
}

// Run drives all four sweeps on their own tickers until ctx is cancelled.
// Dead-letter trim is deliberately absent: the queue's XAdd already caps
// each stream with MaxLen-approx on every enqueue, so a separate sweep
// would just be redundant bookkeeping over the same bound.
func (j *Janitor) Run(ctx context.Context) {
	staleClaims := time.NewTicker(j.cfg.Worker.ClaimDuration / 2)
	defer staleClaims.Stop()
	offlineWorkers := time.NewTicker(j.cfg.Worker.OfflineThreshold / 2)
	defer offlineWorkers.Stop()
	archiveExpiry := time.NewTicker(1 * time.Hour)
	defer archiveExpiry.Stop()
	orphanSweep := time.NewTicker(6 * time.Hour)
	defer orphanSweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-staleClaims.C:
			j.sweepStaleClaims(ctx)
		case <-offlineWorkers.C:
			j.sweepOfflineWorkers(ctx)
		case <-archiveExpiry.C:
			j.sweepArchiveExpiry(ctx)
		case <-orphanSweep.C:
			j.sweepOrphanDirectories(ctx)
		}
	}
}

// sweepStaleClaims recovers jobs whose lease expired without a worker
// reporting completion or failure, so they re-enter the claimable pool
// instead of sitting abandoned forever. Claims that exhausted their
// attempts are escalated: dead-lettered and alerted on.
func (j *Janitor) sweepStaleClaims(ctx context.Context) {
	claims, err := j.store.RecoverStaleClaims(ctx, 100)
	if err != nil {
		j.log.Warnf("janitor: recover stale claims: %v", err)
		return
	}
	if len(claims) == 0 {
		return
	}
	j.log.Infof("janitor: recovered %d stale claim(s)", len(claims))
	for _, c := range claims {
		if c.PermanentlyFailed {
			if j.q != nil {
				dispatch := queue.JobDispatch{JobID: c.JobID, VideoID: c.VideoID, Slug: c.Slug}
				if err := j.q.DeadLetterDispatch(ctx, dispatch, c.LastError); err != nil {
					j.log.Warnf("janitor: dead-letter job %d: %v", c.JobID, err)
				}
			}
			j.alerter.MaxRetriesExceeded(ctx, c.VideoID, c.Slug, c.MaxAttempts, c.LastError)
			continue
		}
		j.alerter.StaleJobRecovered(ctx, c.VideoID, c.Slug, c.AttemptNumber, c.PreviousWorkerID.String())
	}
}

// sweepOfflineWorkers flips workers whose last heartbeat is older than the
// configured threshold to offline, so CountActiveWorkers (status =
// 'active') stops counting them.
func (j *Janitor) sweepOfflineWorkers(ctx context.Context) {
	n, err := j.store.MarkOfflineWorkers(ctx, j.cfg.Worker.OfflineThreshold)
	if err != nil {
		j.log.Warnf("janitor: mark offline workers: %v", err)
		return
	}
	if n > 0 {
		j.log.Infof("janitor: marked %d worker(s) offline", n)
	}
}

// sweepArchiveExpiry purges videos that have sat in the archive past the
// retention window: on-disk tree first, then the database row, so a crash
// between the two leaves an orphaned directory rather than a dangling row
// a future request could still resolve.
func (j *Janitor) sweepArchiveExpiry(ctx context.Context) {
	cutoff := time.Now().Add(-j.cfg.Limits.ArchiveRetention)
	videos, err := j.store.ListExpiredArchive(ctx, cutoff, 50)
	if err != nil {
		j.log.Warnf("janitor: list expired archive: %v", err)
		return
	}
	for _, v := range videos {
		if err := j.fs.PurgeArchived(v.Slug); err != nil {
			j.log.Warnf("janitor: purge archive dir for %s: %v", v.Slug, err)
			continue
		}
		if err := j.store.PermanentlyDeleteVideo(ctx, v.ID); err != nil {
			j.log.Warnf("janitor: permanently delete video %s: %v", v.ID, err)
			continue
		}
		j.log.Infof("janitor: purged expired archive entry %s", v.Slug)
	}
}

// sweepOrphanDirectories walks VIDEOS_DIR looking for on-disk residue an
// interrupted upload, a crashed delete, or an abandoned re-transcode left
// behind. It acts at two granularities: a whole video directory whose slug
// no longer resolves at all, and individual quality subdirectories/files
// under a video that still exists but no longer lists that quality in
// video_qualities. It holds off entirely for OrphanStartupGrace after
// process start, and within a video never touches anything newer than
// OrphanGracePeriod or belonging to a video with a job still in flight.
func (j *Janitor) sweepOrphanDirectories(ctx context.Context) {
	if time.Since(j.startedAt) < j.cfg.Limits.OrphanStartupGrace {
		return
	}

	entries, err := os.ReadDir(j.fs.VideosDir())
	if err != nil {
		if !os.IsNotExist(err) {
			j.log.Warnf("janitor: read videos dir: %v", err)
		}
		return
	}

	grace := j.cfg.Limits.OrphanGracePeriod

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		slug := e.Name()
		dirPath := filepath.Join(j.fs.VideosDir(), slug)

		video, err := j.store.GetVideoBySlug(ctx, slug)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				j.log.Warnf("janitor: lookup slug %s: %v", slug, err)
				continue
			}
			if !olderThan(dirPath, grace) {
				continue
			}
			if err := os.RemoveAll(dirPath); err != nil {
				j.log.Warnf("janitor: remove orphan dir %s: %v", dirPath, err)
				continue
			}
			j.log.Infof("janitor: removed orphan video directory %s", slug)
			continue
		}

		if video.Status == models.JobStatusPending || video.Status == models.JobStatusProcessing {
			continue
		}

		j.sweepOrphanQualities(ctx, video, dirPath, grace)
	}
}

// sweepOrphanQualities removes quality subdirectories/files left on disk
// under a still-existing video whose video_qualities row is gone, e.g. a
// selective re-transcode that dropped a previously-published tier.
func (j *Janitor) sweepOrphanQualities(ctx context.Context, video *models.Video, dirPath string, grace time.Duration) {
	rows, err := j.store.ListVideoQualities(ctx, video.ID)
	if err != nil {
		j.log.Warnf("janitor: list qualities for %s: %v", video.Slug, err)
		return
	}
	current := make(map[string]bool, len(rows))
	for _, r := range rows {
		current[string(r.Quality)] = true
	}

	known := make([]string, 0, len(models.AllQualityTiers)+1)
	for _, q := range models.AllQualityTiers {
		known = append(known, string(q))
	}
	known = append(known, string(models.QualityOriginal))

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		j.log.Warnf("janitor: read video dir %s: %v", dirPath, err)
		return
	}
	for _, e := range entries {
		name := e.Name()
		if name == "master.m3u8" || name == "thumbnail.jpg" {
			continue
		}
		if !storage.IsCanonicalQualityName(name, known) {
			continue
		}

		var quality string
		for _, k := range known {
			if name == k || strings.HasPrefix(name, k+"_") || strings.HasPrefix(name, k+".") {
				quality = k
				break
			}
		}
		if quality == "" || current[quality] {
			continue
		}

		path := filepath.Join(dirPath, name)
		if !olderThan(path, grace) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			j.log.Warnf("janitor: remove orphan quality %s/%s: %v", video.Slug, name, err)
			continue
		}
		j.log.Infof("janitor: removed orphan quality entry %s/%s", video.Slug, name)
	}
}

// olderThan reports whether path's mtime is at least age in the past. A
// stat failure is treated as "not old enough" so a race with an in-progress
// write never causes a premature delete.
func olderThan(path string, age time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) >= age
}
