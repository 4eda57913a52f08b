package transcoder

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// VideoInfo is the result of probing a source file or an already-encoded
// output segment: dimensions and duration, the two facts every later
// pipeline step needs.
type VideoInfo struct {
	Width    int
	Height   int
	Duration float64
}

type ffprobeStream struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
	BitRate  string `json:"bit_rate"`
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

// Probe runs ffprobe against path and returns duration + dimensions,
// rejecting anything non-finite, non-positive, or beyond maxDuration.
func Probe(ctx context.Context, path string, maxDuration time.Duration) (*VideoInfo, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet", "-print_format", "json",
		"-show_format", "-select_streams", "v:0", "-show_streams", path)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("parse ffprobe output for %s: %w", path, err)
	}
	if len(parsed.Streams) == 0 {
		return nil, fmt.Errorf("no video stream found in %s", path)
	}

	duration, err := strconv.ParseFloat(parsed.Format.Duration, 64)
	if err != nil || math.IsNaN(duration) || math.IsInf(duration, 0) || duration <= 0 {
		return nil, fmt.Errorf("%s has an invalid duration %q", path, parsed.Format.Duration)
	}
	if maxDuration > 0 && duration > maxDuration.Seconds() {
		return nil, fmt.Errorf("%s duration %.0fs exceeds max %s", path, duration, maxDuration)
	}

	return &VideoInfo{
		Width:    parsed.Streams[0].Width,
		Height:   parsed.Streams[0].Height,
		Duration: duration,
	}, nil
}

// ProbeOutputDimensions probes an already-encoded segment for its actual
// pixel dimensions. Master playlist width/height must come from here, not
// the preset, because scale filters can round dimensions.
func ProbeOutputDimensions(ctx context.Context, segmentPath string) (width, height int, err error) {
	info, err := Probe(ctx, segmentPath, 0)
	if err != nil {
		return 0, 0, err
	}
	return info.Width, info.Height, nil
}

// FallbackDimensions derives width from a target height and the source
// aspect ratio when probing the output segment fails, rounding to an even
// number as H.264/HEVC require.
func FallbackDimensions(sourceWidth, sourceHeight, targetHeight int) (width, height int) {
	height = targetHeight
	width = int(float64(targetHeight) * float64(sourceWidth) / float64(sourceHeight))
	if width%2 != 0 {
		width++
	}
	return width, height
}

// ThumbnailTimestamp is min(5s, duration/4), so short clips still get a
// frame from their first quarter.
func ThumbnailTimestamp(duration float64) float64 {
	if t := duration / 4; t < 5 {
		return t
	}
	return 5
}

// SegmentGlobPattern returns the exact path probed for a quality's output
// dimensions: the first TS segment for HLS/TS, or the quality's
// stream.m3u8 for CMAF.
func SegmentGlobPattern(dir, quality string, cmaf bool) string {
	if cmaf {
		return filepath.Join(dir, quality, "stream.m3u8")
	}
	return filepath.Join(dir, quality+"_0000.ts")
}

// NormalizeBitrate strips a trailing "k" suffix from a preset bitrate
// string (e.g. "5000k" -> 5000), matching the config's kbps integers.
func NormalizeBitrate(s string) int {
	s = strings.TrimSuffix(strings.TrimSpace(s), "k")
	v, _ := strconv.Atoi(s)
	return v
}
