package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/streamforge/transcoder/internal/models"
	"github.com/streamforge/transcoder/pkg/dbretry"
)

type pgStore struct {
	db *sqlx.DB
}

// New wires a Postgres-backed Store over an existing sqlx connection pool.
func New(db *sqlx.DB) Store {
	return &pgStore{db: db}
}

func interval(d time.Duration) string {
	return fmt.Sprintf("%f seconds", d.Seconds())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return dbretry.Do(ctx, dbretry.Options{}, fn)
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if e, ok := err.(*pq.Error); ok {
		pqErr = e
	}
	if pqErr == nil {
		return false
	}
	return pqErr.Code == "23505" && (constraint == "" || strings.Contains(pqErr.Constraint, constraint))
}

// ---- VideoStore ----

func (s *pgStore) CreateVideoWithJob(ctx context.Context, video *models.Video, maxAttempts int, priority int) (*models.Video, *models.TranscodingJob, error) {
	var resVideo models.Video
	var resJob models.TranscodingJob

	err := withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := tx.QueryRowxContext(ctx, createVideoQuery,
			video.Title, video.Slug, video.Description, video.CategoryID, video.SourceFilename,
		).StructScan(&resVideo); err != nil {
			if isUniqueViolation(err, "videos_slug") {
				return ErrSlugExists
			}
			return fmt.Errorf("create video: %w", err)
		}

		if err := tx.QueryRowxContext(ctx, createJobQuery, resVideo.ID, maxAttempts, priority).StructScan(&resJob); err != nil {
			return fmt.Errorf("create job: %w", err)
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, nil, err
	}
	return &resVideo, &resJob, nil
}

func (s *pgStore) GetVideoByID(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	var v models.Video
	err := withRetry(ctx, func(ctx context.Context) error {
		err := s.db.QueryRowxContext(ctx, getVideoByIDQuery, id).StructScan(&v)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *pgStore) GetVideoBySlug(ctx context.Context, slug string) (*models.Video, error) {
	var v models.Video
	err := withRetry(ctx, func(ctx context.Context) error {
		err := s.db.QueryRowxContext(ctx, getVideoBySlugQuery, slug).StructScan(&v)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *pgStore) ListVideoQualities(ctx context.Context, videoID uuid.UUID) ([]models.VideoQualityRow, error) {
	var rows []models.VideoQualityRow
	err := withRetry(ctx, func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &rows, listVideoQualitiesQuery, videoID)
	})
	return rows, err
}

func (s *pgStore) SoftDeleteVideo(ctx context.Context, id uuid.UUID) error {
	return withRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, softDeleteVideoQuery, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *pgStore) RestoreVideo(ctx context.Context, id uuid.UUID) error {
	return withRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, restoreVideoQuery, id)
		return err
	})
}

func (s *pgStore) ListExpiredArchive(ctx context.Context, before time.Time, limit int) ([]models.Video, error) {
	var videos []models.Video
	err := withRetry(ctx, func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &videos, listExpiredArchiveQuery, before, limit)
	})
	return videos, err
}

func (s *pgStore) PermanentlyDeleteVideo(ctx context.Context, id uuid.UUID) error {
	return withRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, permanentlyDeleteVideoQuery, id)
		return err
	})
}

// ---- JobStore ----

func (s *pgStore) ClaimJob(ctx context.Context, workerID uuid.UUID, jobID *int64, leaseDuration time.Duration) (*models.JobEnvelope, error) {
	var env models.JobEnvelope

	err := withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var candidateID int64
		if jobID != nil {
			err = tx.QueryRowxContext(ctx, claimSpecificJobQuery, *jobID).Scan(&candidateID)
		} else {
			err = tx.QueryRowxContext(ctx, claimOldestPendingJobQuery).Scan(&candidateID)
		}
		if err == sql.ErrNoRows {
			return ErrNoJobAvailable
		}
		if err != nil {
			return fmt.Errorf("select claimable job: %w", err)
		}

		var job models.TranscodingJob
		if err := tx.QueryRowxContext(ctx, setClaimQuery, candidateID, workerID, interval(leaseDuration)).StructScan(&job); err != nil {
			return fmt.Errorf("set claim: %w", err)
		}

		if _, err := tx.ExecContext(ctx, setVideoProcessingQuery, job.VideoID); err != nil {
			return fmt.Errorf("mark video processing: %w", err)
		}

		var video models.Video
		if err := tx.QueryRowxContext(ctx, getVideoByIDQuery, job.VideoID).StructScan(&video); err != nil {
			return fmt.Errorf("load video: %w", err)
		}

		var existing []models.VideoQualityRow
		if err := tx.SelectContext(ctx, &existing, listVideoQualitiesQuery, job.VideoID); err != nil {
			return fmt.Errorf("load existing qualities: %w", err)
		}
		existingQualities := make([]models.VideoQuality, 0, len(existing))
		for _, q := range existing {
			existingQualities = append(existingQualities, q.Quality)
		}

		env = models.JobEnvelope{
			JobID:             job.ID,
			VideoID:           job.VideoID,
			Slug:              video.Slug,
			Duration:          video.Duration,
			SourceWidth:       video.SourceWidth,
			SourceHeight:      video.SourceHeight,
			SourceFilename:    video.SourceFilename,
			ClaimExpiresAt:    *job.ClaimExpiresAt,
			ExistingQualities: existingQualities,
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func (s *pgStore) UpdateProgress(ctx context.Context, jobID int64, workerID uuid.UUID, step models.PipelineStep, percent float64, qp []models.QualityProgress, duration *float64, width, height *int, leaseDuration time.Duration) (time.Time, error) {
	var claimExpiresAt time.Time

	err := withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		err = tx.QueryRowxContext(ctx, updateProgressQuery, jobID, step, percent, interval(leaseDuration), workerID).Scan(&claimExpiresAt)
		if err == sql.ErrNoRows {
			return ErrClaimExpired
		}
		if err != nil {
			return fmt.Errorf("update progress: %w", err)
		}

		for _, q := range qp {
			if _, err := tx.ExecContext(ctx, upsertQualityProgressQuery, jobID, q.Quality, q.Status, q.ProgressPercent, q.ErrorMessage); err != nil {
				return fmt.Errorf("upsert quality progress %s: %w", q.Quality, err)
			}
		}

		if duration != nil || width != nil || height != nil {
			var job models.TranscodingJob
			if err := tx.QueryRowxContext(ctx, getJobByIDNoLockQuery, jobID).StructScan(&job); err != nil {
				return fmt.Errorf("load job for probe patch: %w", err)
			}
			if _, err := tx.ExecContext(ctx, patchVideoProbeQuery, job.VideoID, duration, width, height); err != nil {
				return fmt.Errorf("patch video probe metadata: %w", err)
			}
		}

		return tx.Commit()
	})
	return claimExpiresAt, err
}

func (s *pgStore) CompleteJob(ctx context.Context, jobID int64, workerID uuid.UUID, qualities []models.VideoQualityRow, duration float64, width, height int) error {
	return withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var job models.TranscodingJob
		if err := tx.QueryRowxContext(ctx, getJobByIDQuery, jobID).StructScan(&job); err != nil {
			if err == sql.ErrNoRows {
				return ErrClaimExpired
			}
			return err
		}
		if job.WorkerID == nil || *job.WorkerID != workerID || job.ClaimExpiresAt == nil || job.ClaimExpiresAt.Before(time.Now()) {
			return ErrClaimExpired
		}

		for _, q := range qualities {
			if _, err := tx.ExecContext(ctx, upsertVideoQualityQuery, job.VideoID, q.Quality, q.Width, q.Height, q.BitrateKb); err != nil {
				return fmt.Errorf("upsert video quality %s: %w", q.Quality, err)
			}
		}

		if _, err := tx.ExecContext(ctx, completeVideoQuery, job.VideoID, duration, width, height); err != nil {
			return fmt.Errorf("mark video ready: %w", err)
		}

		if _, err := tx.ExecContext(ctx, completeJobQuery, jobID, workerID); err != nil {
			return fmt.Errorf("mark job complete: %w", err)
		}

		return tx.Commit()
	})
}

func (s *pgStore) FailJob(ctx context.Context, jobID int64, workerID uuid.UUID, errMsg string, retry bool) (bool, int, error) {
	var willRetry bool
	var attempt int

	err := withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var job models.TranscodingJob
		if err := tx.QueryRowxContext(ctx, getJobByIDQuery, jobID).StructScan(&job); err != nil {
			if err == sql.ErrNoRows {
				return ErrClaimExpired
			}
			return err
		}
		if job.WorkerID == nil || *job.WorkerID != workerID || job.ClaimExpiresAt == nil || job.ClaimExpiresAt.Before(time.Now()) {
			return ErrClaimExpired
		}

		truncated := truncate(errMsg, 500)
		willRetry = retry && job.AttemptNumber < job.MaxAttempts

		if willRetry {
			if err := tx.QueryRowxContext(ctx, failJobRetryQuery, jobID, workerID, truncated).Scan(&attempt); err != nil {
				return fmt.Errorf("schedule retry: %w", err)
			}
			if _, err := tx.ExecContext(ctx, setVideoPendingQuery, job.VideoID); err != nil {
				return fmt.Errorf("reset video to pending: %w", err)
			}
		} else {
			if err := tx.QueryRowxContext(ctx, failJobPermanentQuery, jobID, workerID, truncated).Scan(&attempt); err != nil {
				return fmt.Errorf("mark job permanently failed: %w", err)
			}
			if _, err := tx.ExecContext(ctx, setVideoFailedQuery, job.VideoID, truncated); err != nil {
				return fmt.Errorf("mark video failed: %w", err)
			}
		}

		return tx.Commit()
	})
	return willRetry, attempt, err
}

func (s *pgStore) GetJobByVideoID(ctx context.Context, videoID uuid.UUID) (*models.TranscodingJob, error) {
	var job models.TranscodingJob
	err := withRetry(ctx, func(ctx context.Context) error {
		err := s.db.QueryRowxContext(ctx, getJobByVideoIDQuery, videoID).StructScan(&job)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *pgStore) GetJobByID(ctx context.Context, jobID int64) (*models.TranscodingJob, error) {
	var job models.TranscodingJob
	err := withRetry(ctx, func(ctx context.Context) error {
		err := s.db.QueryRowxContext(ctx, getJobByIDNoLockQuery, jobID).StructScan(&job)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *pgStore) ListUploadedQualities(ctx context.Context, jobID int64) ([]models.VideoQuality, error) {
	var qualities []models.VideoQuality
	err := withRetry(ctx, func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &qualities, listUploadedQualitiesQuery, jobID)
	})
	return qualities, err
}

func (s *pgStore) CheckClaimOwnership(ctx context.Context, jobID int64, workerID uuid.UUID) error {
	return withRetry(ctx, func(ctx context.Context) error {
		var one int
		err := s.db.QueryRowxContext(ctx, checkClaimOwnershipQuery, jobID, workerID).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrClaimExpired
		}
		return err
	})
}

func (s *pgStore) RecoverStaleClaims(ctx context.Context, limit int) ([]models.RecoveredClaim, error) {
	var recovered []models.RecoveredClaim

	err := withRetry(ctx, func(ctx context.Context) error {
		recovered = nil
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var staleIDs []int64
		rows, err := tx.QueryxContext(ctx, recoverStaleClaimsQuery, limit)
		if err != nil {
			return fmt.Errorf("select stale claims: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			staleIDs = append(staleIDs, id)
		}
		rows.Close()

		for _, id := range staleIDs {
			var job models.TranscodingJob
			if err := tx.QueryRowxContext(ctx, getJobByIDNoLockQuery, id).StructScan(&job); err != nil {
				return fmt.Errorf("load stale job %d: %w", id, err)
			}

			var slug string
			if err := tx.QueryRowxContext(ctx, getVideoSlugQuery, job.VideoID).Scan(&slug); err != nil {
				return fmt.Errorf("load video slug for job %d: %w", id, err)
			}

			claim := models.RecoveredClaim{
				JobID:         id,
				VideoID:       job.VideoID,
				Slug:          slug,
				AttemptNumber: job.AttemptNumber,
				MaxAttempts:   job.MaxAttempts,
				LastError:     "claim expired: worker did not complete in time",
			}
			if job.WorkerID != nil {
				claim.PreviousWorkerID = *job.WorkerID
			}

			if job.AttemptNumber >= job.MaxAttempts {
				if _, err := tx.ExecContext(ctx, failJobPermanentQuery, id, job.WorkerID, "claim expired: worker did not complete in time"); err != nil {
					return fmt.Errorf("mark stale job %d failed: %w", id, err)
				}
				if _, err := tx.ExecContext(ctx, setVideoFailedQuery, job.VideoID, "claim expired: attempts exhausted"); err != nil {
					return err
				}
				claim.PermanentlyFailed = true
			} else {
				if _, err := tx.ExecContext(ctx, failJobRetryQuery, id, job.WorkerID, "claim expired: reclaimed by janitor"); err != nil {
					return fmt.Errorf("requeue stale job %d: %w", id, err)
				}
				if _, err := tx.ExecContext(ctx, setVideoPendingQuery, job.VideoID); err != nil {
					return err
				}
			}
			recovered = append(recovered, claim)
		}

		return tx.Commit()
	})

	return recovered, err
}

// ---- WorkerStore ----

func (s *pgStore) CreateWorker(ctx context.Context, w *models.Worker) error {
	caps, err := json.Marshal(w.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	return withRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, createWorkerQuery, w.ID, w.Name, w.WorkerType, caps)
		return err
	})
}

func (s *pgStore) GetWorker(ctx context.Context, id uuid.UUID) (*models.Worker, error) {
	var row struct {
		ID            uuid.UUID         `db:"id"`
		Name          string            `db:"name"`
		WorkerType    models.WorkerType `db:"worker_type"`
		Status        models.WorkerStatus `db:"status"`
		Capabilities  []byte            `db:"capabilities"`
		RegisteredAt  time.Time         `db:"registered_at"`
		LastHeartbeat *time.Time        `db:"last_heartbeat"`
	}
	err := withRetry(ctx, func(ctx context.Context) error {
		err := s.db.QueryRowxContext(ctx, getWorkerQuery, id).StructScan(&row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	var caps models.Capabilities
	if len(row.Capabilities) > 0 {
		if err := json.Unmarshal(row.Capabilities, &caps); err != nil {
			return nil, fmt.Errorf("unmarshal capabilities: %w", err)
		}
	}

	return &models.Worker{
		ID:            row.ID,
		Name:          row.Name,
		WorkerType:    row.WorkerType,
		Status:        row.Status,
		Capabilities:  caps,
		RegisteredAt:  row.RegisteredAt,
		LastHeartbeat: row.LastHeartbeat,
	}, nil
}

func (s *pgStore) Heartbeat(ctx context.Context, id uuid.UUID, status models.WorkerStatus) error {
	return withRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, heartbeatQuery, id, status)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *pgStore) MarkOfflineWorkers(ctx context.Context, threshold time.Duration) (int64, error) {
	var affected int64
	err := withRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, markOfflineWorkersQuery, interval(threshold))
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

func (s *pgStore) CountActiveWorkers(ctx context.Context) (int64, error) {
	var n int64
	err := withRetry(ctx, func(ctx context.Context) error {
		return s.db.QueryRowxContext(ctx, countActiveWorkersQuery).Scan(&n)
	})
	return n, err
}

func (s *pgStore) CreateAPIKey(ctx context.Context, key *models.WorkerAPIKey) error {
	return withRetry(ctx, func(ctx context.Context) error {
		return s.db.QueryRowxContext(ctx, createAPIKeyQuery, key.WorkerID, key.Prefix, key.Hash, key.ExpiresAt).Scan(&key.ID, &key.CreatedAt)
	})
}

func (s *pgStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*models.WorkerAPIKey, error) {
	var key models.WorkerAPIKey
	err := withRetry(ctx, func(ctx context.Context) error {
		err := s.db.QueryRowxContext(ctx, getAPIKeyByPrefixQuery, prefix).StructScan(&key)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// TouchAPIKeyLastUsed is fire-and-forget: callers never wait on its result
// on the authentication hot path.
func (s *pgStore) TouchAPIKeyLastUsed(ctx context.Context, id int64) {
	go func() {
		_, _ = s.db.ExecContext(context.Background(), touchAPIKeyLastUsedQuery, id)
	}()
}
