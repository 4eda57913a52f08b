package workerruntime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/transcoder/internal/coordinator"
	"github.com/streamforge/transcoder/internal/models"
	"github.com/streamforge/transcoder/internal/transcoder"
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

func TestJobClient_409BecomesClaimExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	client := NewRemoteClient(srv.URL, "key", srv.Client(), nopLogger{})
	j := client.ForJob(42, false)

	err := j.ReportProgress(context.Background(), models.StepTranscode, 50, nil, nil, nil, nil)
	require.Error(t, err)

	var ce *transcoder.ClaimExpired
	assert.True(t, errors.As(err, &ce), "a 409 must surface as ClaimExpired, got %v", err)

	err = j.Complete(context.Background(), nil, 30, 1920, 1080)
	assert.True(t, errors.As(err, &ce))
}

func TestClaim_NoContentMeansNoJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewRemoteClient(srv.URL, "key", srv.Client(), nopLogger{})
	env, err := client.Claim(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, env)
}

func TestClaim_EnvelopeDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"job_id":42,"video_id":"0d4de7f2-9c86-4a92-a3a5-2f1bf2c6a9cd","slug":"my-video","source_filename":"a.mp4","claim_expires_at":"2030-01-01T00:00:00Z","existing_qualities":["1080p"],"master_playlist_present":true}`))
	}))
	defer srv.Close()

	client := NewRemoteClient(srv.URL, "key", srv.Client(), nopLogger{})
	env, err := client.Claim(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, int64(42), env.JobID)
	assert.Equal(t, "my-video", env.Slug)
	assert.Equal(t, []models.VideoQuality{"1080p"}, env.ExistingQualities)
	assert.True(t, env.MasterPlaylistPresent)
}

func TestHeartbeat_UnauthorizedSurfacesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewRemoteClient(srv.URL, "stale-key", srv.Client(), nopLogger{})
	err := client.Heartbeat(context.Background(), coordinator.HeartbeatRequest{Status: "idle"})
	assert.Error(t, err)
}
