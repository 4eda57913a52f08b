package coordinator

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/transcoder/internal/alerts"
	"github.com/streamforge/transcoder/internal/config"
	"github.com/streamforge/transcoder/internal/models"
	"github.com/streamforge/transcoder/internal/storage"
	"github.com/streamforge/transcoder/internal/workerauth"
)

type uploadFixture struct {
	handlers *Handlers
	mw       echo.MiddlewareFunc
	rawKey   string
	fs       *storage.Store
	slug     string
}

func setupUpload(t *testing.T) *uploadFixture {
	t.Helper()

	workerID := uuid.New()
	raw, key, err := workerauth.GenerateKey(workerID)
	require.NoError(t, err)

	videoID := uuid.New()
	slug := "upload-target"
	st := &fakeStore{
		key:    key,
		worker: &models.Worker{ID: workerID, Status: models.WorkerStatusActive},
		jobs: map[int64]*models.TranscodingJob{
			7: {ID: 7, VideoID: videoID, MaxAttempts: 3},
		},
		videos: map[uuid.UUID]*models.Video{
			videoID: {ID: videoID, Slug: slug},
		},
		claimLive: true,
	}

	root := t.TempDir()
	fs := storage.New(
		filepath.Join(root, "uploads"),
		filepath.Join(root, "videos"),
		filepath.Join(root, "archive"),
		nil,
	)
	require.NoError(t, os.MkdirAll(fs.VideosDir(), 0o755))

	cfg := &config.Config{
		Limits: config.LimitsConfig{
			MaxFileSizeBytes:     1 << 20,
			MaxArchiveSizeBytes:  10 << 20,
			TarExtractionTimeout: 5 * time.Second,
		},
		Alerts: config.AlertsConfig{WebhookTimeout: time.Second, RateLimit: time.Minute},
	}
	h := NewHandlers(st, nil, fs, nopLogger{}, cfg, alerts.New(cfg, nopLogger{}))
	verifier := workerauth.NewVerifier(st, nopLogger{})

	return &uploadFixture{handlers: h, mw: verifier.Middleware(), rawKey: raw, fs: fs, slug: slug}
}

func archiveBody(t *testing.T, entries map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var tarBuf bytes.Buffer
	gz := gzip.NewWriter(&tarBuf)
	tw := tar.NewWriter(gz)
	for name, body := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(body)), Mode: 0o777, Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("archive", "upload.tar.gz")
	require.NoError(t, err)
	_, err = part.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (f *uploadFixture) doUploadQuality(t *testing.T, quality string, body *bytes.Buffer, contentType string) error {
	t.Helper()
	e := echo.New()
	e.Validator = NewValidator()

	req := httptest.NewRequest(http.MethodPost, "/worker/7/upload/quality/"+quality, body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(workerauth.HeaderName, f.rawKey)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("job_id", "name")
	c.SetParamValues("7", quality)

	return f.mw(f.handlers.UploadQuality)(c)
}

func TestUploadQuality_HappyPathLandsFiles(t *testing.T) {
	f := setupUpload(t)
	body, contentType := archiveBody(t, map[string]string{
		"720p.m3u8":    "#EXTM3U\n#EXT-X-ENDLIST\n",
		"720p_0000.ts": "segment-bytes",
	})

	require.NoError(t, f.doUploadQuality(t, "720p", body, contentType))

	data, err := os.ReadFile(filepath.Join(f.fs.VideoDir(f.slug), "720p_0000.ts"))
	require.NoError(t, err)
	assert.Equal(t, "segment-bytes", string(data))
}

func TestUploadQuality_TraversalArchiveWritesNothing(t *testing.T) {
	f := setupUpload(t)
	body, contentType := archiveBody(t, map[string]string{
		"../../etc/passwd": "evil",
	})

	err := f.doUploadQuality(t, "720p", body, contentType)
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)

	entries, readErr := os.ReadDir(f.fs.VideosDir())
	require.NoError(t, readErr)
	assert.Empty(t, entries, "a rejected archive must never leave files under the videos tree")
}

func TestUploadQuality_DisallowedExtensionRejected(t *testing.T) {
	f := setupUpload(t)
	body, contentType := archiveBody(t, map[string]string{
		"payload.sh": "echo pwned",
	})

	err := f.doUploadQuality(t, "720p", body, contentType)
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}

func TestUploadQuality_ExpiredClaimConflicts(t *testing.T) {
	f := setupUpload(t)
	f.handlers.store.(*fakeStore).claimLive = false

	body, contentType := archiveBody(t, map[string]string{
		"720p.m3u8": "#EXTM3U\n",
	})

	err := f.doUploadQuality(t, "720p", body, contentType)
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusConflict, httpErr.Code)

	entries, readErr := os.ReadDir(f.fs.VideosDir())
	require.NoError(t, readErr)
	assert.Empty(t, entries, "an expired claim must not produce any write")
}
