package transcoder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ProgressFunc is invoked with an integer 0-100 percent as ffmpeg reports
// encode progress; the pipeline throttles before forwarding anything to
// the coordinator.
type ProgressFunc func(percent int)

// EncodeTimeout computes the wall-clock encode deadline:
// max(MIN, min(MAX, duration * base_mult * resolution_mult)).
func EncodeTimeout(duration float64, height int, min, max time.Duration, baseMult, resolutionMult float64) time.Duration {
	resFactor := resolutionMult * float64(height) / 1080.0
	if resFactor < 1 {
		resFactor = 1
	}
	computed := time.Duration(duration*baseMult*resFactor) * time.Second
	if computed < min {
		return min
	}
	if computed > max {
		return max
	}
	return computed
}

// RemuxOriginal builds the "original" pseudo-quality: a stream-copy remux
// to HLS, no re-encode, per transcoder.py's create_original_quality.
func RemuxOriginal(sourcePath, outputDir string, segmentDuration int) []string {
	playlist := filepath.Join(outputDir, "original.m3u8")
	segmentPattern := filepath.Join(outputDir, "original_%04d.ts")
	return []string{
		"-y", "-i", sourcePath,
		"-c:v", "copy", "-c:a", "aac", "-b:a", "192k",
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentDuration),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", segmentPattern,
		playlist,
	}
}

// BuildHLSTSCommand builds the ffmpeg argv for one HLS/MPEG-TS variant,
// grounded on hwaccel.py's build_transcode_command.
func BuildHLSTSCommand(sourcePath, outputDir string, q Quality, sel EncoderSelection, segmentDuration int) []string {
	playlist := filepath.Join(outputDir, q.Name+".m3u8")
	segmentPattern := filepath.Join(outputDir, q.Name+"_%04d.ts")

	args := []string{"-y"}
	args = append(args, sel.InputArgs...)
	args = append(args, "-i", sourcePath)
	args = append(args, sel.FilterArgs...)
	args = append(args, "-c:v", sel.Encoder)
	args = append(args, sel.RateArgs...)
	args = append(args, "-b:v", fmt.Sprintf("%dk", q.BitrateKbps), "-maxrate", fmt.Sprintf("%dk", q.BitrateKbps*120/100), "-bufsize", fmt.Sprintf("%dk", q.BitrateKbps*2))
	if sel.NeedsHVC1 {
		args = append(args, "-tag:v", "hvc1")
	}
	args = append(args, "-c:a", "aac", "-b:a", fmt.Sprintf("%dk", q.AudioKbps), "-ac", "2")
	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentDuration),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", segmentPattern,
		playlist,
	)
	return args
}

// BuildCMAFCommand builds the fMP4/CMAF variant of the same command,
// grounded on hwaccel.py's build_cmaf_transcode_command.
func BuildCMAFCommand(sourcePath, outputDir string, q Quality, sel EncoderSelection, segmentDuration int) []string {
	qualityDir := filepath.Join(outputDir, q.Name)
	playlist := filepath.Join(qualityDir, "stream.m3u8")
	initSegment := filepath.Join(qualityDir, "init.mp4")
	segmentPattern := filepath.Join(qualityDir, "seg_%04d.m4s")

	args := []string{"-y"}
	args = append(args, sel.InputArgs...)
	args = append(args, "-i", sourcePath)
	args = append(args, sel.FilterArgs...)
	args = append(args, "-c:v", sel.Encoder)
	args = append(args, sel.RateArgs...)
	args = append(args, "-b:v", fmt.Sprintf("%dk", q.BitrateKbps))
	if sel.NeedsHVC1 {
		args = append(args, "-tag:v", "hvc1")
	}
	args = append(args, "-c:a", "aac", "-b:a", fmt.Sprintf("%dk", q.AudioKbps), "-ac", "2")
	args = append(args,
		"-f", "hls",
		"-hls_segment_type", "fmp4",
		"-hls_time", strconv.Itoa(segmentDuration),
		"-hls_playlist_type", "vod",
		"-hls_fmp4_init_filename", "init.mp4",
		"-hls_segment_filename", segmentPattern,
		"-movflags", "+cmaf+faststart",
		playlist,
	)
	_ = initSegment // init segment path is implied by hls_fmp4_init_filename relative to playlist dir
	return args
}

// BuildThumbnailCommand extracts one JPEG frame, ~640px wide.
func BuildThumbnailCommand(sourcePath, outputPath string, atSeconds float64) []string {
	return []string{
		"-y", "-ss", strconv.FormatFloat(atSeconds, 'f', 2, 64),
		"-i", sourcePath,
		"-vframes", "1", "-vf", "scale=640:-1",
		outputPath,
	}
}

var progressTimeRe = regexp.MustCompile(`out_time_ms=(\d+)`)

// RunFFmpeg executes ffmpeg with a wall-clock timeout, parsing
// `-progress pipe:1` output to report percent complete against
// totalDuration.
func RunFFmpeg(ctx context.Context, args []string, totalDuration float64, timeout time.Duration, onProgress ProgressFunc) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fullArgs := append([]string{"-progress", "pipe:1", "-nostats"}, args...)
	cmd := exec.CommandContext(ctx, "ffmpeg", fullArgs...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start: %w", err)
	}

	if onProgress != nil && totalDuration > 0 {
		go streamProgress(stdout, totalDuration, onProgress)
	} else {
		go func() { _, _ = io.Copy(io.Discard, stdout) }()
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("ffmpeg timed out after %s: %s", timeout, extractFFmpegError(stderr.String()))
		}
		return fmt.Errorf("ffmpeg failed: %v: %s", err, extractFFmpegError(stderr.String()))
	}
	return nil
}

func streamProgress(r io.Reader, totalDuration float64, onProgress ProgressFunc) {
	scanner := bufio.NewScanner(r)
	last := -1
	for scanner.Scan() {
		line := scanner.Text()
		m := progressTimeRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		microseconds, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		pct := int(float64(microseconds) / 1000.0 / (totalDuration * 1000.0) * 100)
		if pct > 100 {
			pct = 100
		}
		if pct < 0 {
			pct = 0
		}
		if pct != last {
			onProgress(pct)
			last = pct
		}
	}
}

// extractFFmpegError pulls the last non-empty stderr line,
// matching hwaccel.py's _extract_ffmpeg_error heuristic.
func extractFFmpegError(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			return line
		}
	}
	return "unknown ffmpeg error"
}

// PathExists is a small helper the playlist validator and pipeline share.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
