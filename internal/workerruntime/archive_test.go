package workerruntime

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/transcoder/internal/storage"
)

func writeWorkFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestListQualityFiles_HLSTS(t *testing.T) {
	work := t.TempDir()
	writeWorkFile(t, work, "720p.m3u8", "#EXTM3U\n")
	writeWorkFile(t, work, "720p_0000.ts", "a")
	writeWorkFile(t, work, "720p_0001.ts", "b")
	writeWorkFile(t, work, "480p_0000.ts", "other quality, must not leak in")

	dir, names, err := listQualityFiles(work, "720p", false)
	require.NoError(t, err)
	assert.Equal(t, work, dir)
	assert.ElementsMatch(t, []string{"720p.m3u8", "720p_0000.ts", "720p_0001.ts"}, names)
}

func TestListQualityFiles_CMAFUsesQualitySubdir(t *testing.T) {
	work := t.TempDir()
	qdir := filepath.Join(work, "1080p")
	writeWorkFile(t, qdir, "stream.m3u8", "#EXTM3U\n")
	writeWorkFile(t, qdir, "init.mp4", "init")
	writeWorkFile(t, qdir, "seg_0000.m4s", "seg")

	dir, names, err := listQualityFiles(work, "1080p", true)
	require.NoError(t, err)
	assert.Equal(t, qdir, dir)
	assert.ElementsMatch(t, []string{"stream.m3u8", "init.mp4", "seg_0000.m4s"}, names)
}

func TestListFinalizeFiles_SkipMaster(t *testing.T) {
	assert.ElementsMatch(t, []string{"thumbnail.jpg", "master.m3u8"}, listFinalizeFiles(t.TempDir(), false))
	assert.ElementsMatch(t, []string{"thumbnail.jpg"}, listFinalizeFiles(t.TempDir(), true))
}

// The archives this side builds must survive the coordinator's extraction
// rules — flat names, allowed extensions, regular files only.
func TestBuildTarGz_RoundTripsThroughExtraction(t *testing.T) {
	work := t.TempDir()
	writeWorkFile(t, work, "360p.m3u8", "#EXTM3U\n#EXT-X-ENDLIST\n")
	writeWorkFile(t, work, "360p_0000.ts", "segment-bytes")

	var buf bytes.Buffer
	require.NoError(t, buildTarGz(&buf, work, []string{"360p.m3u8", "360p_0000.ts", "missing_0001.ts"}))

	dest := filepath.Join(t.TempDir(), "extracted")
	err := storage.ExtractTarGz(context.Background(), &buf, dest, storage.ExtractOptions{
		AllowedExtensions: []string{"m3u8", "ts"},
		MaxFileSizeBytes:  1 << 20,
		MaxArchiveBytes:   1 << 20,
		Timeout:           5 * time.Second,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dest, "360p_0000.ts"))
	require.NoError(t, err)
	assert.Equal(t, "segment-bytes", string(data))
}
