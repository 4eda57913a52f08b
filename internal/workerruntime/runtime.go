package workerruntime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/streamforge/transcoder/internal/config"
	"github.com/streamforge/transcoder/internal/coordinator"
	"github.com/streamforge/transcoder/internal/models"
	"github.com/streamforge/transcoder/internal/queue"
	"github.com/streamforge/transcoder/internal/storage"
	"github.com/streamforge/transcoder/internal/store"
	"github.com/streamforge/transcoder/internal/transcoder"
	"github.com/streamforge/transcoder/pkg/logger"
	"github.com/streamforge/transcoder/pkg/utils"
)

// jobExecutor is what one job's Reporter+Uploader+terminal-call surface
// must implement; *jobClient (remote) and *localJobClient (local) both
// satisfy it structurally.
type jobExecutor interface {
	transcoder.Reporter
	transcoder.Uploader
	Complete(ctx context.Context, qualities []models.VideoQualityRow, duration float64, width, height int) error
	Fail(ctx context.Context, errMsg string, retry bool) (willRetry bool, attempt int, err error)
}

// Runtime is the worker loop: register once, heartbeat on an interval,
// claim-run-report in a loop until told to stop, then drain the in-flight
// job before exiting.
type Runtime struct {
	cfg      *config.Config
	log      logger.Logger
	pipeline *transcoder.Pipeline
	caps     *transcoder.GPUCapabilities

	workerType models.WorkerType
	workerID   uuid.UUID
	consumer   string

	remote *RemoteClient
	store  store.Store
	fs     *storage.Store
	q      queue.Queue

	scratchRoot string

	busy     atomic.Bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// RuntimeDeps bundles every collaborator a Runtime needs; exactly one of
// {Remote} or {Store, FS} must be set, selecting remote vs local mode.
type RuntimeDeps struct {
	Remote *RemoteClient
	Store  store.Store
	FS     *storage.Store
	Queue  queue.Queue
}

func New(cfg *config.Config, log logger.Logger, deps RuntimeDeps, caps *transcoder.GPUCapabilities) *Runtime {
	workerType := models.WorkerTypeLocal
	if deps.Remote != nil {
		workerType = models.WorkerTypeRemote
	}
	return &Runtime{
		cfg:         cfg,
		log:         log,
		pipeline:    transcoder.NewPipeline(&cfg.Transcode, &cfg.Hardware, caps, cfg.Transcode.MaxDuration, cfg.Limits.ProgressUpdateInterval),
		caps:        caps,
		workerType:  workerType,
		consumer:    fmt.Sprintf("worker-%d", os.Getpid()),
		remote:      deps.Remote,
		store:       deps.Store,
		fs:          deps.FS,
		q:           deps.Queue,
		scratchRoot: os.TempDir(),
		stopChan:    make(chan struct{}),
	}
}

// WorkerID returns this runtime's registered identity. Empty until Register
// has completed.
func (r *Runtime) WorkerID() uuid.UUID { return r.workerID }

// Register mints this process's worker identity and, for remote workers,
// stores the API key the coordinator returns. Local workers get no API key;
// local mode authenticates nothing since it shares the database in-process.
func (r *Runtime) Register(ctx context.Context, name string) error {
	capabilities := models.Capabilities{
		MaxConcurrentSessions: r.caps.RecommendedParallelSessions(),
	}
	if r.caps != nil {
		capabilities.HWAccelType = string(r.caps.HWAccelType)
		capabilities.GPUName = r.caps.DeviceName
	}

	if r.remote != nil {
		resp, err := r.remote.Register(ctx, coordinator.RegisterRequest{Name: name, WorkerType: models.WorkerTypeRemote, Capabilities: capabilities})
		if err != nil {
			return fmt.Errorf("register with coordinator: %w", err)
		}
		r.workerID = resp.WorkerID
		r.remote.SetAPIKey(resp.APIKey)
		r.log.Infof("registered as remote worker %s", r.workerID)
		return nil
	}

	worker := &models.Worker{ID: uuid.New(), Name: name, WorkerType: models.WorkerTypeLocal, Status: models.WorkerStatusActive, Capabilities: capabilities}
	if err := r.store.CreateWorker(ctx, worker); err != nil {
		return fmt.Errorf("create local worker row: %w", err)
	}
	r.workerID = worker.ID
	r.log.Infof("registered as local worker %s", r.workerID)
	return nil
}

// Run starts the heartbeat and claim loops; it blocks until ctx is
// cancelled, draining any in-flight job before returning.
func (r *Runtime) Run(ctx context.Context) {
	r.wg.Add(2)
	go r.heartbeatLoop(ctx)
	go r.claimLoop(ctx)
	r.wg.Wait()
}

// Stop requests a graceful shutdown: the claim loop stops picking up new
// work but finishes whatever it is already running.
func (r *Runtime) Stop() {
	close(r.stopChan)
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Worker.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			if err := r.heartbeat(ctx); err != nil {
				r.log.Warnf("heartbeat failed: %v", err)
			}
		}
	}
}

func (r *Runtime) heartbeat(ctx context.Context) error {
	status := "idle"
	if r.busy.Load() {
		status = "busy"
	}
	if r.remote != nil {
		return r.remote.Heartbeat(ctx, coordinator.HeartbeatRequest{Status: status})
	}
	return r.store.Heartbeat(ctx, r.workerID, models.WorkerStatusActive)
}

func (r *Runtime) claimLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		default:
		}

		cpuOK, cpuUsage := utils.CheckCPUUsage(r.cfg.Worker.MaxCPUUsage)
		memUsage := utils.CheckMemoryUsage()
		if !cpuOK || memUsage > r.cfg.Worker.MaxMemoryUsage {
			r.log.Warnf("resource pressure (cpu %.1f%%, mem %.1f%%), deferring claim", cpuUsage, memUsage)
			r.sleepOrStop(ctx, r.cfg.Worker.PollInterval)
			continue
		}

		env, executor, delivery, err := r.claimNext(ctx)
		if err != nil {
			r.log.Warnf("claim attempt failed: %v", err)
			r.sleepOrStop(ctx, r.cfg.Worker.PollInterval)
			continue
		}
		if env == nil {
			r.sleepOrStop(ctx, r.cfg.Worker.PollInterval)
			continue
		}

		r.runJob(ctx, env, executor, delivery)
	}
}

func (r *Runtime) sleepOrStop(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-r.stopChan:
	case <-time.After(d):
	}
}

// claimNext tries the queue's push hint first, falling back to an
// unconditional poll claim. A dispatch message is acknowledged here only
// when the claim confirmation comes back empty — the job was already
// completed or reassigned at the DB level. A confirmed claim keeps its
// Delivery pending until the job reaches a terminal outcome (runJob acks
// it), so a worker that dies mid-job leaves the message reclaimable after
// the idle threshold instead of waiting out the full lease.
func (r *Runtime) claimNext(ctx context.Context) (*models.JobEnvelope, jobExecutor, *queue.Delivery, error) {
	if r.q != nil {
		delivery, err := r.q.Dequeue(ctx, r.consumer)
		if err == nil {
			env, claimErr := r.claim(ctx, &delivery.Dispatch.JobID)
			if claimErr != nil {
				// Leave the message pending; another consumer reclaims it
				// once it goes idle.
				return nil, nil, nil, claimErr
			}
			if env == nil {
				r.ackDispatch(ctx, delivery)
				return nil, nil, nil, nil
			}
			env2, executor, ferr := r.finishClaim(env)
			return env2, executor, delivery, ferr
		}
		if !errors.Is(err, queue.ErrNoDispatch) {
			r.log.Warnf("dequeue failed, falling back to poll: %v", err)
		}
	}

	env, err := r.claim(ctx, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	if env == nil {
		return nil, nil, nil, nil
	}
	env2, executor, ferr := r.finishClaim(env)
	return env2, executor, nil, ferr
}

// ackDispatch acknowledges a dispatch whose job reached a decided state.
// Safe on a nil delivery (poll-claimed jobs have none).
func (r *Runtime) ackDispatch(ctx context.Context, d *queue.Delivery) {
	if d == nil || r.q == nil {
		return
	}
	if err := r.q.Ack(ctx, d); err != nil {
		r.log.Warnf("ack dispatch %s failed: %v", d.MessageID, err)
	}
}

func (r *Runtime) claim(ctx context.Context, jobID *int64) (*models.JobEnvelope, error) {
	if r.remote != nil {
		return r.remote.Claim(ctx, jobID)
	}
	env, err := r.store.ClaimJob(ctx, r.workerID, jobID, r.cfg.Worker.ClaimDuration)
	if err != nil {
		if errors.Is(err, store.ErrNoJobAvailable) {
			return nil, nil
		}
		return nil, err
	}

	// The coordinator's Claim handler enriches remote envelopes the same
	// way; a local worker has to do it itself since it bypasses HTTP.
	if r.cfg.Transcode.KeepCompletedQualities {
		uploaded, uerr := r.store.ListUploadedQualities(ctx, env.JobID)
		if uerr != nil {
			r.log.Warnf("claim: list uploaded qualities for job %d: %v", env.JobID, uerr)
		} else {
			seen := make(map[models.VideoQuality]bool, len(env.ExistingQualities))
			for _, q := range env.ExistingQualities {
				seen[q] = true
			}
			for _, q := range uploaded {
				if !seen[q] {
					env.ExistingQualities = append(env.ExistingQualities, q)
				}
			}
		}
	}
	env.MasterPlaylistPresent = r.fs.MasterPlaylistExists(env.Slug)
	return env, nil
}

func (r *Runtime) finishClaim(env *models.JobEnvelope) (*models.JobEnvelope, jobExecutor, error) {
	cmaf := r.cfg.Transcode.StreamingFormat == "cmaf"
	if r.remote != nil {
		return env, r.remote.ForJob(env.JobID, cmaf), nil
	}
	return env, newLocalJobClient(r.store, r.fs, r.cfg, env.JobID, r.workerID, env.Slug, cmaf), nil
}

// runJob prepares a scratch directory, resolves the source file, runs the
// pipeline, and reports the terminal outcome. A ClaimExpired anywhere in
// the pipeline short-circuits straight to cleanup: once the lease is gone
// this worker has no authority left to call complete or fail.
//
// The delivery (nil for poll-claimed jobs) is acknowledged only on a
// decided outcome: complete() landed, the job was routed to the
// dead-letter sink, or the claim moved to another worker. A retryable
// failure leaves it pending so the reclaim path redelivers it faster than
// the lease-expiry sweep would.
func (r *Runtime) runJob(ctx context.Context, env *models.JobEnvelope, executor jobExecutor, delivery *queue.Delivery) {
	r.busy.Store(true)
	defer r.busy.Store(false)

	workDir, err := os.MkdirTemp(r.scratchRoot, fmt.Sprintf("job-%d-*", env.JobID))
	if err != nil {
		r.log.Errorf("job %d: create scratch dir: %v", env.JobID, err)
		return
	}
	defer os.RemoveAll(workDir)

	sourcePath, err := r.resolveSource(ctx, env, workDir)
	if err != nil {
		r.log.Errorf("job %d: resolve source: %v", env.JobID, err)
		r.reportFailure(ctx, executor, env, err.Error(), delivery)
		return
	}

	existing := make([]string, 0, len(env.ExistingQualities))
	for _, q := range env.ExistingQualities {
		existing = append(existing, string(q))
	}

	input := transcoder.JobInput{
		SourcePath:        sourcePath,
		WorkDir:           workDir,
		Slug:              env.Slug,
		ExistingQualities: existing,
		MasterPresent:     env.MasterPlaylistPresent,
		StreamingFormat:   r.cfg.Transcode.StreamingFormat,
	}

	result, err := r.pipeline.Run(ctx, input, executor, executor)
	if err != nil {
		var claimExpired *transcoder.ClaimExpired
		if errors.As(err, &claimExpired) {
			r.log.Warnf("job %d: claim expired mid-run, abandoning without complete/fail", env.JobID)
			r.ackDispatch(ctx, delivery)
			return
		}
		r.log.Errorf("job %d: pipeline failed: %v", env.JobID, err)
		r.reportFailure(ctx, executor, env, err.Error(), delivery)
		return
	}

	if err := executor.Complete(ctx, result.Qualities, result.Duration, result.SourceWidth, result.SourceHeight); err != nil {
		var claimExpired *transcoder.ClaimExpired
		if errors.As(err, &claimExpired) {
			r.log.Warnf("job %d: claim expired before complete() landed", env.JobID)
			r.ackDispatch(ctx, delivery)
			return
		}
		// Leave the dispatch pending: the claim is still live, and once it
		// lapses the reclaim path hands the job to someone who can finish it.
		r.log.Errorf("job %d: complete() failed: %v", env.JobID, err)
		return
	}
	r.ackDispatch(ctx, delivery)
	r.log.Infof("job %d: completed (%d qualities, %d failed)", env.JobID, len(result.Qualities), len(result.Failed))
}

func (r *Runtime) reportFailure(ctx context.Context, executor jobExecutor, env *models.JobEnvelope, msg string, delivery *queue.Delivery) {
	willRetry, attempt, err := executor.Fail(ctx, msg, true)
	if err != nil {
		var claimExpired *transcoder.ClaimExpired
		if errors.As(err, &claimExpired) {
			r.log.Warnf("job %d: claim expired before fail() landed", env.JobID)
			r.ackDispatch(ctx, delivery)
			return
		}
		r.log.Errorf("job %d: fail() call itself failed: %v", env.JobID, err)
		return
	}
	if !willRetry {
		// Remote workers rely on the coordinator's fail handler to route the
		// dispatch to the dead-letter sink; a local worker bypasses that
		// handler and must append it here. Only then is the pending entry
		// done delivering.
		if r.remote == nil && r.q != nil {
			d := queue.JobDispatch{JobID: env.JobID, VideoID: env.VideoID, Slug: env.Slug}
			if delivery != nil {
				d = delivery.Dispatch
			}
			if dlErr := r.q.DeadLetterDispatch(ctx, d, msg); dlErr != nil {
				r.log.Warnf("job %d: dead-letter dispatch: %v", env.JobID, dlErr)
			}
		}
		r.ackDispatch(ctx, delivery)
	}
	r.log.Warnf("job %d: reported failure (attempt %d, retry=%v): %s", env.JobID, attempt, willRetry, msg)
}

func (r *Runtime) resolveSource(ctx context.Context, env *models.JobEnvelope, workDir string) (string, error) {
	ext := filepath.Ext(env.SourceFilename)
	dest := filepath.Join(workDir, "source"+ext)

	if r.remote != nil {
		if err := r.remote.DownloadSource(ctx, env.VideoID, dest); err != nil {
			return "", err
		}
		return dest, nil
	}

	path, err := r.fs.ResolveSource(env.VideoID)
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", fmt.Errorf("no source file found for video %s", env.VideoID)
	}
	return path, nil
}
