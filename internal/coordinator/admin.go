package coordinator

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/streamforge/transcoder/internal/models"
	"github.com/streamforge/transcoder/internal/queue"
	"github.com/streamforge/transcoder/internal/storage"
	"github.com/streamforge/transcoder/internal/workerauth"
)

// hlsExtensions is the per-format allow-list ExtractTarGz enforces on the
// quality upload endpoint.
func (h *Handlers) hlsExtensions() []string {
	if h.cfg.Transcode.StreamingFormat == "cmaf" {
		return []string{"m3u8", "mp4", "m4s"}
	}
	return []string{"m3u8", "ts"}
}

func (h *Handlers) cmaf() bool {
	return h.cfg.Transcode.StreamingFormat == "cmaf"
}

func (h *Handlers) extractOpts(allowed []string) storage.ExtractOptions {
	return storage.ExtractOptions{
		AllowedExtensions: allowed,
		MaxFileSizeBytes:  h.cfg.Limits.MaxFileSizeBytes,
		MaxArchiveBytes:   h.cfg.Limits.MaxArchiveSizeBytes,
		Timeout:           h.cfg.Limits.TarExtractionTimeout,
	}
}

// UploadQuality is POST /worker/:job_id/upload/quality/:name, one archive
// per finished variant. The claim must still be live or nothing is written.
func (h *Handlers) UploadQuality(c echo.Context) error {
	worker, ok := workerauth.WorkerFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized)
	}
	jobID, err := parseJobID(c)
	if err != nil {
		return err
	}
	quality := c.Param("name")
	if quality == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing quality name")
	}

	ctx := c.Request().Context()
	if err := h.store.CheckClaimOwnership(ctx, jobID, worker.ID); err != nil {
		return mapErr(err)
	}
	job, err := h.store.GetJobByID(ctx, jobID)
	if err != nil {
		return mapErr(err)
	}
	video, err := h.store.GetVideoByID(ctx, job.VideoID)
	if err != nil {
		return mapErr(err)
	}

	stagedDir, cleanup, err := h.extractUpload(c, h.hlsExtensions())
	if err != nil {
		return err
	}
	defer cleanup()

	if err := h.fs.PromoteExtractedQuality(stagedDir, video.Slug, quality, h.cmaf()); err != nil {
		return fmt.Errorf("promote quality %s: %w", quality, err)
	}

	h.log.Infof("job %d: quality %s uploaded", jobID, quality)
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Finalize is POST /worker/:job_id/upload/finalize: the master playlist and
// thumbnail, uploaded once all qualities have landed. It touches only
// storage — CompleteJob is the separate DB flip.
func (h *Handlers) Finalize(c echo.Context) error {
	worker, ok := workerauth.WorkerFromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized)
	}
	jobID, err := parseJobID(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	if err := h.store.CheckClaimOwnership(ctx, jobID, worker.ID); err != nil {
		return mapErr(err)
	}
	job, err := h.store.GetJobByID(ctx, jobID)
	if err != nil {
		return mapErr(err)
	}
	video, err := h.store.GetVideoByID(ctx, job.VideoID)
	if err != nil {
		return mapErr(err)
	}

	stagedDir, cleanup, err := h.extractUpload(c, []string{"m3u8", "jpg"})
	if err != nil {
		return err
	}
	defer cleanup()

	if err := h.fs.PromoteExtracted(stagedDir, video.Slug); err != nil {
		return fmt.Errorf("promote finalize assets: %w", err)
	}

	h.log.Infof("job %d: finalize assets uploaded for video %s", jobID, video.Slug)
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// extractUpload stages the multipart "archive" field to a temp file, then
// extracts it under the full upload-safety rule set. Nothing reaches the
// published tree until the whole archive has passed.
func (h *Handlers) extractUpload(c echo.Context, allowed []string) (stagedDir string, cleanup func(), err error) {
	fileHeader, err := c.FormFile("archive")
	if err != nil {
		return "", nil, echo.NewHTTPError(http.StatusBadRequest, "missing archive field")
	}
	src, err := fileHeader.Open()
	if err != nil {
		return "", nil, echo.NewHTTPError(http.StatusBadRequest, "cannot open uploaded archive")
	}
	defer src.Close()

	tmpDir := os.TempDir()
	tmpFile, err := storage.StageToTemp(tmpDir, src)
	if err != nil {
		return "", nil, fmt.Errorf("stage upload: %w", err)
	}
	cleanupTmp := func() { os.Remove(tmpFile) }

	staged, err := os.MkdirTemp(tmpDir, "extract-*")
	if err != nil {
		cleanupTmp()
		return "", nil, fmt.Errorf("create extraction dir: %w", err)
	}
	os.Remove(staged) // ExtractTarGz recreates it; it must not pre-exist non-empty

	f, err := os.Open(tmpFile)
	if err != nil {
		cleanupTmp()
		return "", nil, fmt.Errorf("reopen staged upload: %w", err)
	}
	defer f.Close()

	if err := storage.ExtractTarGz(c.Request().Context(), f, staged, h.extractOpts(allowed)); err != nil {
		cleanupTmp()
		return "", nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return staged, func() {
		cleanupTmp()
		os.RemoveAll(staged)
	}, nil
}

// CreateVideo is POST /admin/videos: a multipart upload that writes the
// source file to the uploads directory and atomically creates the
// video+job pair, then publishes a dispatch hint to the queue.
func (h *Handlers) CreateVideo(c echo.Context) error {
	var req CreateVideoRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	fileHeader, err := c.FormFile("source")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing source field")
	}
	ext := extOf(fileHeader.Filename)
	if !extAllowed(ext, storage.SourceExtensions) {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("extension %q not permitted", ext))
	}
	if fileHeader.Size > h.cfg.Limits.MaxUploadSizeBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "source exceeds max upload size")
	}

	video := &models.Video{
		ID:             uuid.New(),
		Title:          req.Title,
		Slug:           req.Slug,
		Description:    req.Description,
		CategoryID:     req.CategoryID,
		Status:         models.JobStatusPending,
		SourceFilename: fileHeader.Filename,
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}

	ctx := c.Request().Context()
	createdVideo, job, err := h.store.CreateVideoWithJob(ctx, video, maxAttempts, req.Priority)
	if err != nil {
		return mapErr(err)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return fmt.Errorf("open uploaded source: %w", err)
	}
	defer src.Close()

	dest := h.fs.SourcePathForExt(createdVideo.ID, ext)
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create source file: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("write source file: %w", err)
	}
	out.Close()

	if h.queue != nil {
		dispatch := queue.JobDispatch{
			JobID:    job.ID,
			VideoID:  createdVideo.ID,
			Slug:     createdVideo.Slug,
			Priority: priorityFromInt(job.Priority),
		}
		if err := h.queue.Enqueue(ctx, dispatch); err != nil {
			h.log.Warnf("enqueue dispatch for job %d failed, worker will fall back to polling: %v", job.ID, err)
		}
	}

	h.log.Infof("created video %s (job %d) from upload %q", createdVideo.ID, job.ID, fileHeader.Filename)
	return c.JSON(http.StatusCreated, CreateVideoResponse{Video: createdVideo, Job: job})
}

// DeleteVideo is DELETE /admin/videos/:id, the soft-delete half of the
// archive round-trip: tombstone the row, move the tree aside.
func (h *Handlers) DeleteVideo(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()

	video, err := h.store.GetVideoByID(ctx, id)
	if err != nil {
		return mapErr(err)
	}
	if err := h.store.SoftDeleteVideo(ctx, id); err != nil {
		return mapErr(err)
	}
	if err := h.fs.MoveToArchive(video.Slug); err != nil {
		h.log.Warnf("archive move for video %s failed: %v", id, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// RestoreVideo is POST /admin/videos/:id/restore, the inverse of DeleteVideo.
func (h *Handlers) RestoreVideo(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()

	video, err := h.store.GetVideoByID(ctx, id)
	if err != nil {
		return mapErr(err)
	}
	if err := h.store.RestoreVideo(ctx, id); err != nil {
		return mapErr(err)
	}
	if err := h.fs.RestoreFromArchive(video.Slug); err != nil {
		h.log.Warnf("archive restore for video %s failed: %v", id, err)
	}
	return c.NoContent(http.StatusOK)
}

func extOf(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 0 {
		ext = ext[1:]
	}
	return ext
}

func priorityFromInt(p int) queue.Priority {
	switch {
	case p > 5:
		return queue.PriorityHigh
	case p < 0:
		return queue.PriorityLow
	default:
		return queue.PriorityNormal
	}
}

func extAllowed(ext string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(a, ext) {
			return true
		}
	}
	return false
}
