package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults_FillsEveryUnsetKnob(t *testing.T) {
	var c Config
	applyDefaults(&c)

	assert.Equal(t, "8080", c.Server.Port)
	assert.Equal(t, "hybrid", c.Queue.Mode)
	assert.Equal(t, 60*time.Second, c.Queue.PendingTimeout)
	assert.Equal(t, 5*time.Second, c.Queue.BlockDuration)
	assert.Equal(t, int64(1000), c.Queue.DeadLetterMaxLen)
	assert.Equal(t, 30*time.Second, c.Worker.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, c.Worker.PollInterval)
	assert.Equal(t, 30*time.Minute, c.Worker.ClaimDuration)
	assert.Equal(t, 5*time.Minute, c.Worker.OfflineThreshold)
	assert.Equal(t, 300*time.Second, c.Transcode.FFmpegTimeoutMin)
	assert.Equal(t, 3600*time.Second, c.Transcode.FFmpegTimeoutMax)
	assert.Equal(t, 7*24*time.Hour, c.Transcode.MaxDuration)
	assert.Equal(t, "hls-ts", c.Transcode.StreamingFormat)
	assert.Equal(t, "auto", c.Hardware.HWAccelType)
	assert.Equal(t, "h264", c.Hardware.PreferredCodec)
	assert.Equal(t, 60*time.Second, c.Limits.TarExtractionTimeout)
	assert.Equal(t, int64(2*1024*1024*1024), c.Limits.MaxFileSizeBytes)
	assert.Equal(t, 24*time.Hour, c.Limits.OrphanGracePeriod)
	assert.Equal(t, time.Hour, c.Limits.OrphanStartupGrace)
	assert.NotEmpty(t, c.Transcode.Presets)
}

func TestApplyDefaults_DerivesPathsFromStorageRoot(t *testing.T) {
	c := Config{Paths: PathsConfig{StorageRoot: "/srv/media"}}
	applyDefaults(&c)

	assert.Equal(t, "/srv/media/uploads", c.Paths.UploadsDir)
	assert.Equal(t, "/srv/media/videos", c.Paths.VideosDir)
	assert.Equal(t, "/srv/media/archive", c.Paths.ArchiveDir)
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	c := Config{
		Queue:  QueueConfig{Mode: "database"},
		Worker: WorkerConfig{ClaimDuration: 5 * time.Minute},
	}
	applyDefaults(&c)

	assert.Equal(t, "database", c.Queue.Mode)
	assert.Equal(t, 5*time.Minute, c.Worker.ClaimDuration)
}

func TestDefaultPresets_CoverEveryTierBelowSource(t *testing.T) {
	presets := DefaultPresets()
	require.Len(t, presets, 6)

	prev := 1 << 30
	for _, p := range presets {
		assert.Less(t, p.Height, prev, "presets must be ordered highest first")
		assert.Positive(t, p.BitrateKbps)
		assert.Positive(t, p.AudioKbps)
		prev = p.Height
	}
}
