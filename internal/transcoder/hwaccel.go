// Package transcoder is the transcoding pipeline: probing, encoder selection,
// ffmpeg command construction, and master-playlist assembly.
package transcoder

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// HWAccelType names the acceleration family detected on this worker.
type HWAccelType string

const (
	HWAccelNone   HWAccelType = "none"
	HWAccelNVENC  HWAccelType = "nvenc"
	HWAccelVAAPI  HWAccelType = "vaapi"
)

// Codec is a target video codec.
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecHEVC Codec = "hevc"
	CodecAV1  Codec = "av1"
)

// nvidiaSessionLimits is the per-GPU-model NVENC concurrent-session table,
// grounded on hwaccel.py's NVIDIA_SESSION_LIMITS.
var nvidiaSessionLimits = map[string]int{
	"RTX 4090": 5,
	"RTX 4080": 5,
	"RTX 3090": 3,
	"RTX 3080": 3,
	"A100":     999,
	"A10":      999,
	"T4":       999,
	"L4":       999,
}

const defaultNvidiaSessionLimit = 3

// EncoderInfo is one usable (codec, encoder-name) pair this worker can run.
type EncoderInfo struct {
	Codec   Codec
	Name    string // ffmpeg -c:v value, e.g. "hevc_nvenc"
	HWAccel HWAccelType
}

// GPUCapabilities is the result of one detection pass, cached for the
// worker's lifetime.
type GPUCapabilities struct {
	HWAccelType           HWAccelType
	DeviceName            string
	RenderNode            string // VAAPI only: /dev/dri/renderDNNN
	Encoders              map[Codec][]EncoderInfo
	MaxConcurrentSessions int
}

// Runner executes a command with a context deadline and returns combined
// stdout+stderr, so tests can substitute a fake without shelling out.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

// DetectGPUCapabilities probes NVIDIA NVENC first, then Intel VAAPI,
// returning nil if neither is usable — the worker then falls back to
// software encoding. Matches hwaccel.py's detect_gpu_capabilities order.
func DetectGPUCapabilities(ctx context.Context, run Runner) *GPUCapabilities {
	if run == nil {
		run = defaultRunner
	}
	if caps := detectNVIDIA(ctx, run); caps != nil {
		return caps
	}
	if caps := detectVAAPI(ctx, run); caps != nil {
		return caps
	}
	return nil
}

func detectNVIDIA(ctx context.Context, run Runner) *GPUCapabilities {
	out, err := run(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader")
	if err != nil {
		return nil
	}
	name := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if name == "" {
		return nil
	}

	encoders := map[Codec][]EncoderInfo{}
	for codec, encName := range map[Codec]string{CodecH264: "h264_nvenc", CodecHEVC: "hevc_nvenc", CodecAV1: "av1_nvenc"} {
		if testNVENCEncoder(ctx, run, encName) {
			encoders[codec] = append(encoders[codec], EncoderInfo{Codec: codec, Name: encName, HWAccel: HWAccelNVENC})
		}
	}
	if len(encoders) == 0 {
		return nil
	}

	return &GPUCapabilities{
		HWAccelType:           HWAccelNVENC,
		DeviceName:            name,
		Encoders:              encoders,
		MaxConcurrentSessions: nvidiaSessionLimit(name),
	}
}

func nvidiaSessionLimit(name string) int {
	for model, limit := range nvidiaSessionLimits {
		if strings.Contains(name, model) {
			return limit
		}
	}
	return defaultNvidiaSessionLimit
}

// testNVENCEncoder runs a 256x256 null-sink encode to confirm the encoder
// actually works (driver/encoder mismatches are common), per hwaccel.py's
// _test_nvenc_encoder.
func testNVENCEncoder(ctx context.Context, run Runner, encoderName string) bool {
	_, err := run(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "color=c=black:s=256x256:d=1",
		"-c:v", encoderName, "-f", "null", "-")
	return err == nil
}

func detectVAAPI(ctx context.Context, run Runner) *GPUCapabilities {
	renderNode := findRenderNode(ctx, run)
	if renderNode == "" {
		return nil
	}

	encoders := map[Codec][]EncoderInfo{}
	for codec, encName := range map[Codec]string{CodecH264: "h264_vaapi", CodecHEVC: "hevc_vaapi", CodecAV1: "av1_vaapi"} {
		if testVAAPIEncoder(ctx, run, renderNode, encName) {
			encoders[codec] = append(encoders[codec], EncoderInfo{Codec: codec, Name: encName, HWAccel: HWAccelVAAPI})
		}
	}
	if len(encoders) == 0 {
		return nil
	}

	return &GPUCapabilities{
		HWAccelType:           HWAccelVAAPI,
		DeviceName:            "Intel VAAPI (" + renderNode + ")",
		RenderNode:            renderNode,
		Encoders:              encoders,
		MaxConcurrentSessions: defaultNvidiaSessionLimit,
	}
}

func findRenderNode(ctx context.Context, run Runner) string {
	for i := 128; i < 136; i++ {
		node := fmt.Sprintf("/dev/dri/renderD%d", i)
		if _, err := run(ctx, "vainfo", "--display", "drm", "--device", node); err == nil {
			return node
		}
	}
	return ""
}

func testVAAPIEncoder(ctx context.Context, run Runner, renderNode, encoderName string) bool {
	_, err := run(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error",
		"-vaapi_device", renderNode,
		"-f", "lavfi", "-i", "color=c=black:s=256x256:d=1",
		"-vf", "format=nv12,hwupload",
		"-c:v", encoderName, "-f", "null", "-")
	return err == nil
}

// RecommendedParallelSessions caps concurrent quality encodes so a single
// job never exhausts the GPU's session budget — hwaccel.py's
// get_recommended_parallel_sessions: min(3, max(1, max_sessions-1)).
func (c *GPUCapabilities) RecommendedParallelSessions() int {
	if c == nil {
		return 1
	}
	n := c.MaxConcurrentSessions - 1
	if n < 1 {
		n = 1
	}
	if n > 3 {
		n = 3
	}
	return n
}

// EncoderSelection is the fully-resolved ffmpeg invocation shape for one
// quality tier.
type EncoderSelection struct {
	Codec      Codec
	Encoder    string // ffmpeg -c:v value
	HWAccel    HWAccelType
	InputArgs  []string
	FilterArgs []string // scale/format filter chain, pre-formatted with height placeholder filled
	RateArgs   []string
	NeedsHVC1  bool // Apple-compat tag for HEVC outputs
}

// SelectEncoder prefers the GPU encoder for the requested codec, falls
// back to H.264 on the same GPU, then software. height selects the scale
// filter target.
func SelectEncoder(caps *GPUCapabilities, preferred Codec, height int) EncoderSelection {
	if caps != nil {
		if sel, ok := selectHardware(caps, preferred, height); ok {
			return sel
		}
		if preferred != CodecH264 {
			if sel, ok := selectHardware(caps, CodecH264, height); ok {
				return sel
			}
		}
	}
	return selectSoftware(preferred, height)
}

func selectHardware(caps *GPUCapabilities, codec Codec, height int) (EncoderSelection, bool) {
	list := caps.Encoders[codec]
	if len(list) == 0 {
		return EncoderSelection{}, false
	}
	enc := list[0]

	switch enc.HWAccel {
	case HWAccelNVENC:
		return EncoderSelection{
			Codec:      codec,
			Encoder:    enc.Name,
			HWAccel:    HWAccelNVENC,
			InputArgs:  []string{"-hwaccel", "cuda"},
			FilterArgs: []string{"-vf", fmt.Sprintf("scale=-2:%d", height)},
			RateArgs:   []string{"-preset", "p4", "-tune", "hq", "-rc", "vbr", "-rc-lookahead", "32", "-bf", "3"},
			NeedsHVC1:  codec == CodecHEVC,
		}, true
	case HWAccelVAAPI:
		return EncoderSelection{
			Codec:      codec,
			Encoder:    enc.Name,
			HWAccel:    HWAccelVAAPI,
			InputArgs:  []string{"-vaapi_device", caps.RenderNode},
			FilterArgs: []string{"-vf", fmt.Sprintf("format=nv12,hwupload,scale_vaapi=-2:%d", height)},
			RateArgs:   []string{"-qp", "24"},
			NeedsHVC1:  codec == CodecHEVC,
		}, true
	}
	return EncoderSelection{}, false
}

func selectSoftware(codec Codec, height int) EncoderSelection {
	sel := EncoderSelection{
		Codec:      codec,
		HWAccel:    HWAccelNone,
		FilterArgs: []string{"-vf", fmt.Sprintf("scale=-2:%d", height)},
	}
	switch codec {
	case CodecHEVC:
		sel.Encoder = "libx265"
		sel.RateArgs = []string{"-preset", "medium", "-crf", "26"}
		sel.NeedsHVC1 = true
	case CodecAV1:
		sel.Encoder = "libsvtav1"
		sel.RateArgs = []string{"-preset", "8", "-crf", "32"}
	default:
		sel.Encoder = "libx264"
		sel.RateArgs = []string{"-preset", "medium", "-crf", "23"}
	}
	return sel
}

// CodecString is the HLS CODECS= attribute value for a resolved selection,
// grounded on hwaccel.py's get_codec_string.
func CodecString(codec Codec) string {
	switch codec {
	case CodecHEVC:
		return "hvc1.1.6.L93.90"
	case CodecAV1:
		return "av01.0.04M.08"
	default:
		return "avc1.640028"
	}
}

// ProbeFFmpegVersion is used for the registration capabilities payload.
func ProbeFFmpegVersion(ctx context.Context, run Runner) string {
	if run == nil {
		run = defaultRunner
	}
	out, err := run(ctx, "ffmpeg", "-version")
	if err != nil {
		return "unknown"
	}
	fields := strings.Fields(string(out))
	for i, f := range fields {
		if f == "version" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return "unknown"
}
