package transcoder

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bandwidthRe = regexp.MustCompile(`BANDWIDTH=(\d+)`)

func TestGenerateMasterPlaylist_NonIncreasingBandwidth(t *testing.T) {
	dir := t.TempDir()
	variants := []Variant{
		{Name: "360p", Width: 640, Height: 360, BitrateKbps: 800, Codec: CodecH264},
		{Name: "1080p", Width: 1920, Height: 1080, BitrateKbps: 5000, Codec: CodecH264},
		{Name: "original", Width: 1920, Height: 1080, BitrateKbps: 0, Codec: CodecH264, IsOriginal: true},
		{Name: "720p", Width: 1280, Height: 720, BitrateKbps: 3000, Codec: CodecH264},
	}

	require.NoError(t, GenerateMasterPlaylist(dir, variants, false))

	data, err := os.ReadFile(filepath.Join(dir, "master.m3u8"))
	require.NoError(t, err)

	matches := bandwidthRe.FindAllStringSubmatch(string(data), -1)
	require.Len(t, matches, 4)

	prev := -1
	for _, m := range matches {
		v, err := strconv.Atoi(m[1])
		require.NoError(t, err)
		if prev != -1 {
			assert.LessOrEqual(t, v, prev, "bandwidth must be non-increasing")
		}
		prev = v
	}
}

func TestValidateHLSPlaylist_RejectsMissingSegment(t *testing.T) {
	dir := t.TempDir()
	playlist := filepath.Join(dir, "720p.m3u8")
	require.NoError(t, os.WriteFile(playlist, []byte("#EXTM3U\n#EXT-X-VERSION:3\n720p_0000.ts\n"), 0o644))

	err := ValidateHLSPlaylist(playlist)
	assert.Error(t, err)
}

func TestValidateHLSPlaylist_AcceptsPresentSegments(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "720p_0000.ts"), []byte("seg"), 0o644))
	playlist := filepath.Join(dir, "720p.m3u8")
	require.NoError(t, os.WriteFile(playlist, []byte("#EXTM3U\n#EXT-X-VERSION:3\n720p_0000.ts\n"), 0o644))

	assert.NoError(t, ValidateHLSPlaylist(playlist))
}

func TestValidateMasterPlaylist_RequiresStreamInf(t *testing.T) {
	dir := t.TempDir()
	playlist := filepath.Join(dir, "master.m3u8")
	require.NoError(t, os.WriteFile(playlist, []byte("#EXTM3U\n"), 0o644))

	assert.Error(t, ValidateMasterPlaylist(playlist))
}
