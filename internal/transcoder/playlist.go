package transcoder

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Variant is one successfully-produced quality, ready to enter the master
// playlist. Width/Height come from probing the actual output, not the
// preset, since scale filters can round dimensions.
type Variant struct {
	Name       string
	Width      int
	Height     int
	BitrateKbps int
	Codec      Codec
	IsOriginal bool
}

// bandwidthBPS is BANDWIDTH in bits/sec, HLS's unit, for the master
// playlist attribute — video bitrate plus a conservative audio estimate.
func (v Variant) bandwidthBPS() int {
	return (v.BitrateKbps + 128) * 1000
}

// GenerateMasterPlaylist writes master.m3u8 with variants ordered by
// descending bandwidth, skipping qualities that failed validation.
// The "original" pseudo-quality is deliberately included last if its
// bitrate sorts lowest, the same as any other variant — no special-casing.
func GenerateMasterPlaylist(outputDir string, variants []Variant, cmaf bool) error {
	sorted := make([]Variant, len(variants))
	copy(sorted, variants)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].bandwidthBPS() > sorted[j].bandwidthBPS()
	})

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n\n")
	for _, v := range sorted {
		b.WriteString(fmt.Sprintf(
			"#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS=\"%s,mp4a.40.2\"\n",
			v.bandwidthBPS(), v.Width, v.Height, CodecString(v.Codec),
		))
		playlist, _ := QualityFileNames(v.Name, cmaf)
		b.WriteString(playlist + "\n")
	}

	return os.WriteFile(filepath.Join(outputDir, "master.m3u8"), []byte(b.String()), 0o644)
}

// QualityFileNames mirrors storage.QualityFileNames without importing the
// storage package, to keep transcoder free of a storage dependency; both
// must stay in agreement on the on-disk layout.
func QualityFileNames(quality string, cmaf bool) (playlist string, segmentGlob string) {
	if cmaf {
		return quality + "/stream.m3u8", quality + "/seg_*.m4s"
	}
	return quality + ".m3u8", quality + "_*.ts"
}

// ValidateHLSPlaylist checks a variant playlist before upload: #EXTM3U
// header, and every referenced segment actually present next to it.
func ValidateHLSPlaylist(playlistPath string) error {
	data, err := os.ReadFile(playlistPath)
	if err != nil {
		return fmt.Errorf("read playlist: %w", err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "#EXTM3U") {
		return fmt.Errorf("missing #EXTM3U header")
	}

	dir := filepath.Dir(playlistPath)
	foundSegment := false
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if PathExists(filepath.Join(dir, line)) {
			foundSegment = true
		} else {
			return fmt.Errorf("referenced segment %q is missing", line)
		}
	}
	if !foundSegment {
		return fmt.Errorf("playlist references no segments")
	}
	return nil
}

// ValidatePlaylistStructure is the header-only check, for playlists whose
// segments cannot be stat'd at validation time.
func ValidatePlaylistStructure(playlistPath string) error {
	data, err := os.ReadFile(playlistPath)
	if err != nil {
		return fmt.Errorf("read playlist: %w", err)
	}
	if !strings.HasPrefix(string(data), "#EXTM3U") {
		return fmt.Errorf("missing #EXTM3U header")
	}
	return nil
}

// ValidateMasterPlaylist checks the master: EXTM3U header plus at least
// one stream variant entry.
func ValidateMasterPlaylist(playlistPath string) error {
	data, err := os.ReadFile(playlistPath)
	if err != nil {
		return fmt.Errorf("read master playlist: %w", err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "#EXTM3U") {
		return fmt.Errorf("master playlist missing #EXTM3U header")
	}
	if !strings.Contains(content, "#EXT-X-STREAM-INF") {
		return fmt.Errorf("master playlist has no stream variants")
	}
	return nil
}
