// Package workerruntime is the worker runtime: registration,
// heartbeat, claim loop, and the two Reporter/Uploader seams that let the
// same transcoder.Pipeline drive both a remote HTTP worker and a local
// in-process one.
package workerruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/google/uuid"

	"github.com/streamforge/transcoder/internal/coordinator"
	"github.com/streamforge/transcoder/internal/models"
	"github.com/streamforge/transcoder/internal/transcoder"
	"github.com/streamforge/transcoder/internal/workerauth"
	"github.com/streamforge/transcoder/pkg/logger"
)

// RemoteClient speaks the coordinator's worker-facing HTTP protocol for a
// worker running on another machine.
type RemoteClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     logger.Logger
}

func NewRemoteClient(baseURL, apiKey string, httpClient *http.Client, log logger.Logger) *RemoteClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &RemoteClient{baseURL: baseURL, apiKey: apiKey, http: httpClient, log: log}
}

func (c *RemoteClient) SetAPIKey(key string) { c.apiKey = key }

func (c *RemoteClient) Register(ctx context.Context, req coordinator.RegisterRequest) (*coordinator.RegisterResponse, error) {
	var resp coordinator.RegisterResponse
	if err := c.doJSON(ctx, http.MethodPost, "/worker/register", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RemoteClient) Heartbeat(ctx context.Context, req coordinator.HeartbeatRequest) error {
	var resp coordinator.HeartbeatResponse
	return c.doJSON(ctx, http.MethodPost, "/worker/heartbeat", req, &resp, true)
}

// Claim returns (nil, nil) when the coordinator reports no job available.
func (c *RemoteClient) Claim(ctx context.Context, jobID *int64) (*models.JobEnvelope, error) {
	var resp coordinator.ClaimResponse
	err := c.doJSON(ctx, http.MethodPost, "/worker/claim", coordinator.ClaimRequest{JobID: jobID}, &resp, true)
	if err != nil {
		if he, ok := err.(*httpStatusError); ok && he.status == http.StatusNoContent {
			return nil, nil
		}
		return nil, err
	}
	return resp.JobEnvelope, nil
}

// DownloadSource streams GET /worker/source/{video_id} to destPath, for a
// remote worker that has no direct filesystem access to the uploads tree.
func (c *RemoteClient) DownloadSource(ctx context.Context, videoID uuid.UUID, destPath string) error {
	path := fmt.Sprintf("/worker/source/%s", videoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set(workerauth.HeaderName, c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("download source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &httpStatusError{status: resp.StatusCode, body: string(body)}
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("write downloaded source: %w", err)
	}
	return nil
}

// ForJob returns the Reporter+Uploader pair bound to one claimed job.
func (c *RemoteClient) ForJob(jobID int64, cmaf bool) *jobClient {
	return &jobClient{client: c, jobID: jobID, cmaf: cmaf}
}

// jobClient implements transcoder.Reporter and transcoder.Uploader for one
// job, plus the Complete/Fail calls the runtime makes once Run returns.
type jobClient struct {
	client *RemoteClient
	jobID  int64
	cmaf   bool
}

func (j *jobClient) ReportProgress(ctx context.Context, step models.PipelineStep, percent int, qp []models.QualityProgress, duration *float64, width, height *int) error {
	in := make([]coordinator.QualityProgressInput, 0, len(qp))
	for _, q := range qp {
		in = append(in, coordinator.QualityProgressInput{Quality: q.Quality, Status: q.Status, Percent: q.ProgressPercent, ErrorMessage: q.ErrorMessage})
	}
	req := coordinator.ProgressRequest{
		CurrentStep:     step,
		ProgressPercent: float64(percent),
		QualityProgress: in,
		Duration:        duration,
		SourceWidth:     width,
		SourceHeight:    height,
	}
	var resp coordinator.ProgressResponse
	path := fmt.Sprintf("/worker/%d/progress", j.jobID)
	if err := j.client.doJSON(ctx, http.MethodPost, path, req, &resp, true); err != nil {
		return asClaimExpiredErr(err)
	}
	return nil
}

func (j *jobClient) UploadQuality(ctx context.Context, quality string, dir string) error {
	srcDir, names, err := listQualityFiles(dir, quality, j.cmaf)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/worker/%d/upload/quality/%s", j.jobID, quality)
	return asClaimExpiredErr(j.client.uploadArchive(ctx, path, srcDir, names))
}

func (j *jobClient) UploadFinalize(ctx context.Context, dir string, skipMaster bool) error {
	names := listFinalizeFiles(dir, skipMaster)
	path := fmt.Sprintf("/worker/%d/upload/finalize", j.jobID)
	return asClaimExpiredErr(j.client.uploadArchive(ctx, path, dir, names))
}

func (j *jobClient) Complete(ctx context.Context, qualities []models.VideoQualityRow, duration float64, width, height int) error {
	in := make([]coordinator.CompleteQualityInput, 0, len(qualities))
	for _, q := range qualities {
		in = append(in, coordinator.CompleteQualityInput{Quality: q.Quality, Width: q.Width, Height: q.Height, BitrateKb: q.BitrateKb})
	}
	req := coordinator.CompleteRequest{Qualities: in, Duration: duration, SourceWidth: width, SourceHeight: height}
	var resp map[string]string
	path := fmt.Sprintf("/worker/%d/complete", j.jobID)
	return asClaimExpiredErr(j.client.doJSON(ctx, http.MethodPost, path, req, &resp, true))
}

func (j *jobClient) Fail(ctx context.Context, errMsg string, retry bool) (willRetry bool, attempt int, err error) {
	var resp coordinator.FailResponse
	path := fmt.Sprintf("/worker/%d/fail", j.jobID)
	err = j.client.doJSON(ctx, http.MethodPost, path, coordinator.FailRequest{ErrorMessage: errMsg, Retry: retry}, &resp, true)
	if err != nil {
		return false, 0, asClaimExpiredErr(err)
	}
	return resp.WillRetry, resp.AttemptNumber, nil
}

// httpStatusError carries the non-2xx status a coordinator call returned,
// so callers can recognize 204 (no job) vs 409 (claim expired) vs other.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s", e.status, e.body)
}

func asClaimExpiredErr(err error) error {
	if err == nil {
		return nil
	}
	if he, ok := err.(*httpStatusError); ok && he.status == http.StatusConflict {
		return &transcoder.ClaimExpired{Cause: he}
	}
	return err
}

func (c *RemoteClient) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}, authed bool) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set(workerauth.HeaderName, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator request %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNoContent {
		return &httpStatusError{status: resp.StatusCode, body: string(respBody)}
	}
	if resp.StatusCode >= 300 {
		return &httpStatusError{status: resp.StatusCode, body: string(respBody)}
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response from %s: %w", path, err)
		}
	}
	return nil
}

func (c *RemoteClient) uploadArchive(ctx context.Context, path, dir string, names []string) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("archive", "upload.tar.gz")
	if err != nil {
		return fmt.Errorf("create multipart field: %w", err)
	}
	if err := buildTarGz(part, dir, names); err != nil {
		return fmt.Errorf("build archive: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(workerauth.HeaderName, c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload request %s: %w", path, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return &httpStatusError{status: resp.StatusCode, body: string(respBody)}
	}
	return nil
}
