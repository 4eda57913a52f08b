package transcoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFallbackDimensions_PreservesAspectAndEvenness(t *testing.T) {
	w, h := FallbackDimensions(1920, 1080, 720)
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)

	// 4:3 source at an odd-ish scale still rounds to an even width.
	w, h = FallbackDimensions(1440, 1080, 480)
	assert.Equal(t, 640, w)
	assert.Equal(t, 480, h)

	w, _ = FallbackDimensions(1279, 1080, 480)
	assert.Zero(t, w%2, "codecs require even dimensions")
}

func TestThumbnailTimestamp(t *testing.T) {
	assert.Equal(t, 5.0, ThumbnailTimestamp(120), "long videos snapshot at the 5s mark")
	assert.Equal(t, 2.5, ThumbnailTimestamp(10), "short clips use the first quarter")
}

func TestNormalizeBitrate(t *testing.T) {
	assert.Equal(t, 5000, NormalizeBitrate("5000k"))
	assert.Equal(t, 800, NormalizeBitrate(" 800 "))
	assert.Zero(t, NormalizeBitrate("not-a-number"))
}

func TestSegmentGlobPattern(t *testing.T) {
	assert.Equal(t, "/w/720p_0000.ts", SegmentGlobPattern("/w", "720p", false))
	assert.Equal(t, "/w/720p/stream.m3u8", SegmentGlobPattern("/w", "720p", true))
}
