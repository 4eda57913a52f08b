package store

const (
	createVideoQuery = `
		INSERT INTO videos (title, slug, description, category_id, source_filename, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		RETURNING id, title, slug, description, category_id, duration, source_width, source_height,
		          status, error_message, source_filename, published_at, deleted_at, created_at, updated_at`

	createJobQuery = `
		INSERT INTO transcoding_jobs (video_id, max_attempts, priority)
		VALUES ($1, $2, $3)
		RETURNING id, video_id, worker_id, current_step, progress_percent, attempt_number, max_attempts,
		          priority, claimed_at, claim_expires_at, started_at, last_checkpoint, completed_at,
		          last_error, created_at, updated_at`

	getVideoByIDQuery = `
		SELECT id, title, slug, description, category_id, duration, source_width, source_height,
		       status, error_message, source_filename, published_at, deleted_at, created_at, updated_at
		FROM videos WHERE id = $1`

	getVideoBySlugQuery = `
		SELECT id, title, slug, description, category_id, duration, source_width, source_height,
		       status, error_message, source_filename, published_at, deleted_at, created_at, updated_at
		FROM videos WHERE slug = $1`

	listVideoQualitiesQuery = `
		SELECT id, video_id, quality, width, height, bitrate_kbps, created_at
		FROM video_qualities WHERE video_id = $1`

	softDeleteVideoQuery = `UPDATE videos SET deleted_at = now(), updated_at = now() WHERE id = $1 AND deleted_at IS NULL`

	restoreVideoQuery = `UPDATE videos SET deleted_at = NULL, updated_at = now() WHERE id = $1`

	listExpiredArchiveQuery = `
		SELECT id, title, slug, description, category_id, duration, source_width, source_height,
		       status, error_message, source_filename, published_at, deleted_at, created_at, updated_at
		FROM videos WHERE deleted_at IS NOT NULL AND deleted_at < $1 ORDER BY deleted_at ASC LIMIT $2`

	permanentlyDeleteVideoQuery = `DELETE FROM videos WHERE id = $1`

	getVideoSlugQuery = `SELECT slug FROM videos WHERE id = $1`

	// claimSpecificJobQuery confirms a Redis-dispatched job is still
	// unclaimed or its lease has lapsed before the claim is written.
	claimSpecificJobQuery = `
		SELECT id FROM transcoding_jobs
		WHERE id = $1 AND (worker_id IS NULL OR claim_expires_at <= now())
		FOR UPDATE SKIP LOCKED`

	// claimOldestPendingJobQuery is the DB-poll claim path: oldest pending
	// job on a non-deleted, still-pending video, ordered by priority then
	// age, skipping anything with a live lease.
	claimOldestPendingJobQuery = `
		SELECT j.id FROM transcoding_jobs j
		JOIN videos v ON v.id = j.video_id
		WHERE v.status = 'pending' AND v.deleted_at IS NULL
		  AND (j.worker_id IS NULL OR j.claim_expires_at <= now())
		ORDER BY j.priority DESC, j.created_at ASC
		LIMIT 1
		FOR UPDATE OF j SKIP LOCKED`

	setClaimQuery = `
		UPDATE transcoding_jobs
		SET worker_id = $2, claimed_at = now(), claim_expires_at = now() + $3::interval,
		    started_at = COALESCE(started_at, now()), current_step = 'pending', updated_at = now()
		WHERE id = $1
		RETURNING id, video_id, worker_id, current_step, progress_percent, attempt_number, max_attempts,
		          priority, claimed_at, claim_expires_at, started_at, last_checkpoint, completed_at,
		          last_error, created_at, updated_at`

	setVideoProcessingQuery = `UPDATE videos SET status = 'processing', updated_at = now() WHERE id = $1`

	getJobByIDQuery = `
		SELECT id, video_id, worker_id, current_step, progress_percent, attempt_number, max_attempts,
		       priority, claimed_at, claim_expires_at, started_at, last_checkpoint, completed_at,
		       last_error, created_at, updated_at
		FROM transcoding_jobs WHERE id = $1 FOR UPDATE`

	getJobByIDNoLockQuery = `
		SELECT id, video_id, worker_id, current_step, progress_percent, attempt_number, max_attempts,
		       priority, claimed_at, claim_expires_at, started_at, last_checkpoint, completed_at,
		       last_error, created_at, updated_at
		FROM transcoding_jobs WHERE id = $1`

	getJobByVideoIDQuery = `
		SELECT id, video_id, worker_id, current_step, progress_percent, attempt_number, max_attempts,
		       priority, claimed_at, claim_expires_at, started_at, last_checkpoint, completed_at,
		       last_error, created_at, updated_at
		FROM transcoding_jobs WHERE video_id = $1`

	updateProgressQuery = `
		UPDATE transcoding_jobs
		SET current_step = $2, progress_percent = $3, last_checkpoint = now(),
		    claim_expires_at = now() + $4::interval, updated_at = now()
		WHERE id = $1 AND worker_id = $5 AND claim_expires_at > now()
		RETURNING claim_expires_at`

	upsertQualityProgressQuery = `
		INSERT INTO quality_progress (job_id, quality, status, progress_percent, error_message, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (job_id, quality) DO UPDATE SET
			status = EXCLUDED.status,
			progress_percent = EXCLUDED.progress_percent,
			error_message = EXCLUDED.error_message,
			updated_at = now()`

	patchVideoProbeQuery = `
		UPDATE videos SET
			duration = COALESCE(duration, $2),
			source_width = COALESCE(source_width, $3),
			source_height = COALESCE(source_height, $4),
			updated_at = now()
		WHERE id = $1`

	upsertVideoQualityQuery = `
		INSERT INTO video_qualities (video_id, quality, width, height, bitrate_kbps)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (video_id, quality) DO UPDATE SET
			width = EXCLUDED.width, height = EXCLUDED.height, bitrate_kbps = EXCLUDED.bitrate_kbps`

	completeVideoQuery = `
		UPDATE videos SET status = 'ready', published_at = COALESCE(published_at, now()),
		    duration = COALESCE(duration, $2), source_width = COALESCE(source_width, $3),
		    source_height = COALESCE(source_height, $4), error_message = '', updated_at = now()
		WHERE id = $1`

	completeJobQuery = `
		UPDATE transcoding_jobs
		SET completed_at = now(), progress_percent = 100, current_step = 'finalize',
		    worker_id = NULL, claim_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND worker_id = $2`

	failJobRetryQuery = `
		UPDATE transcoding_jobs
		SET attempt_number = attempt_number + 1, worker_id = NULL, claimed_at = NULL,
		    claim_expires_at = NULL, current_step = 'pending', updated_at = now(),
		    last_error = CASE WHEN COALESCE(last_error, '') = '' THEN $3 ELSE last_error || E'\n' || $3 END
		WHERE id = $1 AND worker_id = $2
		RETURNING attempt_number`

	failJobPermanentQuery = `
		UPDATE transcoding_jobs
		SET completed_at = now(), worker_id = NULL, claim_expires_at = NULL, updated_at = now(),
		    last_error = CASE WHEN COALESCE(last_error, '') = '' THEN $3 ELSE last_error || E'\n' || $3 END
		WHERE id = $1 AND worker_id = $2
		RETURNING attempt_number`

	setVideoPendingQuery = `UPDATE videos SET status = 'pending', updated_at = now() WHERE id = $1`
	setVideoFailedQuery  = `UPDATE videos SET status = 'failed', error_message = $2, updated_at = now() WHERE id = $1`

	checkClaimOwnershipQuery = `
		SELECT 1 FROM transcoding_jobs
		WHERE id = $1 AND worker_id = $2 AND claim_expires_at > now()`

	listUploadedQualitiesQuery = `
		SELECT quality FROM quality_progress
		WHERE job_id = $1 AND status = 'uploaded'`

	recoverStaleClaimsQuery = `
		SELECT id FROM transcoding_jobs
		WHERE claim_expires_at IS NOT NULL AND claim_expires_at < now()
		LIMIT $1
		FOR UPDATE SKIP LOCKED`

	createWorkerQuery = `
		INSERT INTO workers (id, name, worker_type, status, capabilities, registered_at)
		VALUES ($1, $2, $3, 'active', $4, now())`

	getWorkerQuery = `
		SELECT id, name, worker_type, status, capabilities, registered_at, last_heartbeat
		FROM workers WHERE id = $1`

	heartbeatQuery = `UPDATE workers SET last_heartbeat = now(), status = $2 WHERE id = $1`

	countActiveWorkersQuery = `SELECT count(*) FROM workers WHERE status = 'active'`

	markOfflineWorkersQuery = `
		UPDATE workers SET status = 'offline'
		WHERE status = 'active' AND (last_heartbeat IS NULL OR last_heartbeat < now() - $1::interval)`

	createAPIKeyQuery = `
		INSERT INTO worker_api_keys (worker_id, prefix, hash, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	getAPIKeyByPrefixQuery = `
		SELECT id, worker_id, prefix, hash, expires_at, revoked_at, last_used_at, created_at
		FROM worker_api_keys WHERE prefix = $1`

	touchAPIKeyLastUsedQuery = `UPDATE worker_api_keys SET last_used_at = now() WHERE id = $1`
)
