package transcoder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEncodeTimeout_ClampsToMinAndMax(t *testing.T) {
	min := 300 * time.Second
	max := 3600 * time.Second

	// 10s clip computes far below the floor.
	assert.Equal(t, min, EncodeTimeout(10, 1080, min, max, 1.5, 1.0))

	// A feature-length 4K encode hits the ceiling.
	assert.Equal(t, max, EncodeTimeout(7200, 2160, min, max, 1.5, 1.0))
}

func TestEncodeTimeout_ScalesWithDurationAndResolution(t *testing.T) {
	min := 1 * time.Second
	max := 100000 * time.Second

	at1080 := EncodeTimeout(1000, 1080, min, max, 1.5, 1.0)
	at2160 := EncodeTimeout(1000, 2160, min, max, 1.5, 1.0)
	assert.Equal(t, 1500*time.Second, at1080)
	assert.Equal(t, 3000*time.Second, at2160, "4k costs twice the 1080p budget")

	// Heights below 1080 never discount below the base duration multiple.
	at360 := EncodeTimeout(1000, 360, min, max, 1.5, 1.0)
	assert.Equal(t, at1080, at360)
}

func TestBuildHLSTSCommand_ShapesOutputArgs(t *testing.T) {
	q := Quality{Name: "720p", Height: 720, BitrateKbps: 3000, AudioKbps: 128}
	sel := selectSoftware(CodecH264, q.Height)
	args := BuildHLSTSCommand("/tmp/src.mp4", "/tmp/out", q, sel, 6)

	assert.Contains(t, args, "libx264")
	assert.Contains(t, args, "-hls_time")
	assert.Contains(t, args, "6")
	assert.Contains(t, args, "/tmp/out/720p.m3u8")
	assert.NotContains(t, args, "-tag:v", "h264 output must not carry the hvc1 tag")
}

func TestBuildHLSTSCommand_HEVCCarriesAppleCompatTag(t *testing.T) {
	q := Quality{Name: "1080p", Height: 1080, BitrateKbps: 5000, AudioKbps: 160}
	sel := selectSoftware(CodecHEVC, q.Height)
	args := BuildHLSTSCommand("/tmp/src.mp4", "/tmp/out", q, sel, 6)

	assert.Contains(t, args, "libx265")
	assert.Contains(t, args, "-tag:v")
	assert.Contains(t, args, "hvc1")
}

func TestRemuxOriginal_StreamCopiesVideo(t *testing.T) {
	args := RemuxOriginal("/tmp/src.mp4", "/tmp/out", 6)
	assert.Contains(t, args, "copy")
	assert.Contains(t, args, "/tmp/out/original.m3u8")
}

func TestExtractFFmpegError_LastNonEmptyLine(t *testing.T) {
	stderr := "frame= 100\nframe= 200\n\n[libx264] something exploded\n\n"
	assert.Equal(t, "[libx264] something exploded", extractFFmpegError(stderr))
	assert.Equal(t, "unknown ffmpeg error", extractFFmpegError("   \n \n"))
}
