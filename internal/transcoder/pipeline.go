package transcoder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/streamforge/transcoder/internal/config"
	"github.com/streamforge/transcoder/internal/models"
)

// JobInput is everything the pipeline needs to process one job, assembled
// by the worker runtime from the claim envelope.
type JobInput struct {
	SourcePath        string
	WorkDir           string
	Slug              string
	ExistingQualities []string
	MasterPresent     bool   // master.m3u8 already on the coordinator; leave it untouched
	StreamingFormat   string // "hls-ts" | "cmaf"
}

// Reporter is how the pipeline surfaces progress/checkpoints; the worker
// runtime implements it over either the coordinator HTTP client (remote
// workers) or a direct store call (local workers). Every successful call
// also extends the claim lease on the coordinator side.
type Reporter interface {
	ReportProgress(ctx context.Context, step models.PipelineStep, percent int, qp []models.QualityProgress, duration *float64, width, height *int) error
}

// Uploader delivers a finished quality's files to the coordinator, or — for
// local workers — directly into storage. Implementations own the tar.gz
// framing the coordinator's upload endpoints expect.
type Uploader interface {
	UploadQuality(ctx context.Context, quality string, dir string) error
	UploadFinalize(ctx context.Context, dir string, skipMaster bool) error
}

// ClaimExpired is the explicit result for a 409 from the coordinator,
// replacing exception-style control flow. Every long-running loop in Run
// checks for it after each coordinator call and stops immediately: once
// the lease is gone this worker has no authority over the job.
type ClaimExpired struct{ Cause error }

func (e *ClaimExpired) Error() string { return fmt.Sprintf("claim expired: %v", e.Cause) }
func (e *ClaimExpired) Unwrap() error { return e.Cause }

// Result is what Run returns on success.
type Result struct {
	Qualities    []models.VideoQualityRow
	Duration     float64
	SourceWidth  int
	SourceHeight int
	Failed       []string
}

// Pipeline runs the probe → thumbnail → per-quality encode → master
// playlist → finalize sequence for one job. It has no database or HTTP
// dependency of its own — everything crosses the Reporter/Uploader seam,
// so the same Pipeline drives both local and remote workers.
type Pipeline struct {
	cfg            *config.TranscodeConfig
	hw             *config.HardwareConfig
	caps           *GPUCapabilities
	maxDur         time.Duration
	reportInterval time.Duration
}

func NewPipeline(cfg *config.TranscodeConfig, hw *config.HardwareConfig, caps *GPUCapabilities, maxDuration, reportInterval time.Duration) *Pipeline {
	return &Pipeline{cfg: cfg, hw: hw, caps: caps, maxDur: maxDuration, reportInterval: reportInterval}
}

func (p *Pipeline) preferredCodec() Codec {
	switch p.hw.PreferredCodec {
	case "hevc":
		return CodecHEVC
	case "av1":
		return CodecAV1
	default:
		return CodecH264
	}
}

// progressTable is the per-job quality-progress state shared between the
// main loop and the ffmpeg progress goroutine.
type progressTable struct {
	mu   sync.Mutex
	rows []*models.QualityProgress
}

func newProgressTable(all []Quality, existing []string) *progressTable {
	existingSet := make(map[string]bool, len(existing))
	for _, e := range existing {
		existingSet[e] = true
	}
	rows := make([]*models.QualityProgress, len(all))
	for i, q := range all {
		status := models.QualityStatusPending
		pct := 0.0
		if existingSet[q.Name] {
			status = models.QualityStatusSkipped
			pct = 100
		}
		rows[i] = &models.QualityProgress{Quality: models.VideoQuality(q.Name), Status: status, ProgressPercent: pct}
	}
	return &progressTable{rows: rows}
}

func (t *progressTable) set(name string, status models.QualityStatus, pct int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, q := range t.rows {
		if string(q.Quality) == name {
			q.Status = status
			q.ProgressPercent = float64(pct)
			return
		}
	}
}

func (t *progressTable) snapshot() []models.QualityProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.QualityProgress, len(t.rows))
	for i, q := range t.rows {
		out[i] = *q
	}
	return out
}

// Run executes probe-through-finalize for one job. Any Reporter/Uploader
// call may return a *ClaimExpired, at which point Run stops without
// invoking complete/fail itself — that decision belongs to the caller.
func (p *Pipeline) Run(ctx context.Context, job JobInput, reporter Reporter, uploader Uploader) (*Result, error) {
	cmaf := job.StreamingFormat == "cmaf"

	info, err := Probe(ctx, job.SourcePath, p.maxDur)
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	if err := reporter.ReportProgress(ctx, models.StepProbe, 8, nil, &info.Duration, &info.Width, &info.Height); err != nil {
		return nil, err
	}

	thumbPath := filepath.Join(job.WorkDir, "thumbnail.jpg")
	if err := RunFFmpeg(ctx, BuildThumbnailCommand(job.SourcePath, thumbPath, ThumbnailTimestamp(info.Duration)), 0, 30*time.Second, nil); err != nil {
		// Thumbnail failure is non-fatal to the pipeline; proceed without one.
		thumbPath = ""
	}
	if err := reporter.ReportProgress(ctx, models.StepThumbnail, 15, nil, nil, nil, nil); err != nil {
		return nil, err
	}

	all := ApplicableQualities(p.cfg.Presets, info.Height)
	plan := BuildPlan(all, job.ExistingQualities)

	qp := newProgressTable(all, job.ExistingQualities)
	var successful []models.VideoQualityRow
	var failed []string

	total := len(plan.ToEncode)
	for idx, q := range plan.ToEncode {
		progressBase := 15 + int(float64(idx+1)/float64(maxInt(total, 1))*75)
		qp.set(q.Name, models.QualityStatusInProgress, 0)
		if err := reporter.ReportProgress(ctx, models.StepTranscode, progressBase, qp.snapshot(), nil, nil, nil); err != nil {
			return nil, err
		}

		variant, err := p.encodeOne(ctx, job, q, info, cmaf, reporter, qp, progressBase)
		if err != nil {
			if ce, ok := err.(*ClaimExpired); ok {
				return nil, ce
			}
			qp.set(q.Name, models.QualityStatusFailed, 0)
			failed = append(failed, q.Name)
			continue
		}

		playlist, _ := QualityFileNames(q.Name, cmaf)
		if err := validatePlaylist(job.WorkDir, playlist, q.IsOriginal); err != nil {
			qp.set(q.Name, models.QualityStatusFailed, 0)
			failed = append(failed, q.Name)
			continue
		}

		qp.set(q.Name, models.QualityStatusUploading, 0)
		if err := reporter.ReportProgress(ctx, models.StepTranscode, progressBase, qp.snapshot(), nil, nil, nil); err != nil {
			return nil, err
		}
		if err := uploader.UploadQuality(ctx, q.Name, job.WorkDir); err != nil {
			if ce, ok := err.(*ClaimExpired); ok {
				return nil, ce
			}
			qp.set(q.Name, models.QualityStatusFailed, 0)
			failed = append(failed, q.Name)
			continue
		}
		qp.set(q.Name, models.QualityStatusUploaded, 100)
		cleanupQualityFiles(job.WorkDir, q.Name, cmaf)

		successful = append(successful, models.VideoQualityRow{
			Quality:   models.VideoQuality(q.Name),
			Width:     variant.Width,
			Height:    variant.Height,
			BitrateKb: variant.BitrateKbps,
		})
	}

	if len(successful) == 0 && len(failed) > 0 {
		return nil, fmt.Errorf("all quality variants failed: %v", failed)
	}

	if !job.MasterPresent {
		if err := reporter.ReportProgress(ctx, models.StepMasterPlaylist, 95, qp.snapshot(), nil, nil, nil); err != nil {
			return nil, err
		}
		variants := variantsFromRows(successful, p.preferredCodec())
		variants = append(variants, p.skippedVariants(plan.Skipped, info)...)
		if err := GenerateMasterPlaylist(job.WorkDir, variants, cmaf); err != nil {
			return nil, fmt.Errorf("generate master playlist: %w", err)
		}
		if err := ValidateMasterPlaylist(filepath.Join(job.WorkDir, "master.m3u8")); err != nil {
			return nil, fmt.Errorf("master playlist validation: %w", err)
		}
	}

	if err := reporter.ReportProgress(ctx, models.StepFinalize, 98, qp.snapshot(), nil, nil, nil); err != nil {
		return nil, err
	}
	if err := uploader.UploadFinalize(ctx, job.WorkDir, job.MasterPresent); err != nil {
		if ce, ok := err.(*ClaimExpired); ok {
			return nil, ce
		}
		return nil, fmt.Errorf("upload finalize: %w", err)
	}

	return &Result{
		Qualities:    successful,
		Duration:     info.Duration,
		SourceWidth:  info.Width,
		SourceHeight: info.Height,
		Failed:       failed,
	}, nil
}

// encodeOne runs one variant's ffmpeg invocation, forwarding throttled
// progress to the reporter so the lease keeps extending through encodes
// that outlast it. A 409 on one of those reports cancels the encode — the
// job belongs to someone else now.
func (p *Pipeline) encodeOne(ctx context.Context, job JobInput, q Quality, info *VideoInfo, cmaf bool, reporter Reporter, qp *progressTable, progressBase int) (Variant, error) {
	encCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	lastReport := time.Now()
	var lostClaim *ClaimExpired

	onProgress := func(pct int) {
		qp.set(q.Name, models.QualityStatusInProgress, pct)
		if p.reportInterval <= 0 {
			return
		}
		mu.Lock()
		due := time.Since(lastReport) >= p.reportInterval
		if due {
			lastReport = time.Now()
		}
		mu.Unlock()
		if !due {
			return
		}
		if err := reporter.ReportProgress(encCtx, models.StepTranscode, progressBase, qp.snapshot(), nil, nil, nil); err != nil {
			if ce, ok := err.(*ClaimExpired); ok {
				mu.Lock()
				lostClaim = ce
				mu.Unlock()
				cancel()
			}
		}
	}

	var variant Variant
	var encodeErr error
	if q.IsOriginal {
		args := RemuxOriginal(job.SourcePath, job.WorkDir, p.cfg.SegmentDuration)
		timeout := EncodeTimeout(info.Duration, info.Height, p.cfg.FFmpegTimeoutMin, p.cfg.FFmpegTimeoutMax, p.cfg.FFmpegBaseMultiplier, p.cfg.FFmpegResolutionMultiplier)
		encodeErr = RunFFmpeg(encCtx, args, info.Duration, timeout, onProgress)
		variant = Variant{Name: "original", Width: info.Width, Height: info.Height, BitrateKbps: estimateBitrateKbps(job.SourcePath, info.Duration), Codec: CodecH264, IsOriginal: true}
	} else {
		sel := SelectEncoder(p.caps, p.preferredCodec(), q.Height)
		var args []string
		if cmaf {
			args = BuildCMAFCommand(job.SourcePath, job.WorkDir, q, sel, p.cfg.SegmentDuration)
		} else {
			args = BuildHLSTSCommand(job.SourcePath, job.WorkDir, q, sel, p.cfg.SegmentDuration)
		}
		timeout := EncodeTimeout(info.Duration, q.Height, p.cfg.FFmpegTimeoutMin, p.cfg.FFmpegTimeoutMax, p.cfg.FFmpegBaseMultiplier, p.cfg.FFmpegResolutionMultiplier)
		encodeErr = RunFFmpeg(encCtx, args, info.Duration, timeout, onProgress)

		width, height := FallbackDimensions(info.Width, info.Height, q.Height)
		if encodeErr == nil {
			if segPath := SegmentGlobPattern(job.WorkDir, q.Name, cmaf); PathExists(segPath) {
				if w, h, err := ProbeOutputDimensions(ctx, segPath); err == nil {
					width, height = w, h
				}
			}
		}
		variant = Variant{Name: q.Name, Width: width, Height: height, BitrateKbps: q.BitrateKbps, Codec: sel.Codec}
	}

	mu.Lock()
	lost := lostClaim
	mu.Unlock()
	if lost != nil {
		return Variant{}, lost
	}
	if encodeErr != nil {
		return Variant{}, encodeErr
	}
	return variant, nil
}

// skippedVariants reconstructs master-playlist entries for qualities this
// run did not encode. Their real output dimensions are not on this machine,
// so the preset table plus the source aspect ratio stand in.
func (p *Pipeline) skippedVariants(skipped []string, info *VideoInfo) []Variant {
	var out []Variant
	for _, name := range skipped {
		if name == "original" {
			out = append(out, Variant{Name: name, Width: info.Width, Height: info.Height, BitrateKbps: 0, Codec: CodecH264, IsOriginal: true})
			continue
		}
		for _, preset := range p.cfg.Presets {
			if preset.Name == name {
				w, h := FallbackDimensions(info.Width, info.Height, preset.Height)
				out = append(out, Variant{Name: name, Width: w, Height: h, BitrateKbps: preset.BitrateKbps, Codec: p.preferredCodec()})
				break
			}
		}
	}
	return out
}

// validatePlaylist checks the variant playlist before upload. The remuxed
// original only gets the structural check — stream-copy segment timing can
// legitimately produce a playlist whose last segment is still being
// flushed when validation runs.
func validatePlaylist(dir, playlist string, structureOnly bool) error {
	path := filepath.Join(dir, playlist)
	if structureOnly {
		return ValidatePlaylistStructure(path)
	}
	return ValidateHLSPlaylist(path)
}

func cleanupQualityFiles(dir, quality string, cmaf bool) {
	if cmaf {
		os.RemoveAll(filepath.Join(dir, quality))
		return
	}
	playlist, segGlob := QualityFileNames(quality, false)
	os.Remove(filepath.Join(dir, playlist))
	matches, _ := filepath.Glob(filepath.Join(dir, segGlob))
	for _, m := range matches {
		os.Remove(m)
	}
}

func estimateBitrateKbps(sourcePath string, duration float64) int {
	info, err := os.Stat(sourcePath)
	if err != nil || duration <= 0 {
		return 0
	}
	return int(float64(info.Size()) * 8 / duration / 1000)
}

func variantsFromRows(rows []models.VideoQualityRow, codec Codec) []Variant {
	variants := make([]Variant, len(rows))
	for i, r := range rows {
		c := codec
		if r.Quality == "original" {
			c = CodecH264
		}
		variants[i] = Variant{Name: string(r.Quality), Width: r.Width, Height: r.Height, BitrateKbps: r.BitrateKb, Codec: c, IsOriginal: r.Quality == "original"}
	}
	return variants
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
