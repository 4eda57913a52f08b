package transcoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamforge/transcoder/internal/config"
	"github.com/streamforge/transcoder/internal/models"
)

func TestProgressTable_SkippedQualitiesStartAtHundred(t *testing.T) {
	all := []Quality{{Name: "original", IsOriginal: true}, {Name: "1080p"}, {Name: "720p"}}
	table := newProgressTable(all, []string{"1080p"})

	snap := table.snapshot()
	require.Len(t, snap, 3)

	byName := map[string]models.QualityProgress{}
	for _, row := range snap {
		byName[string(row.Quality)] = row
	}
	assert.Equal(t, models.QualityStatusSkipped, byName["1080p"].Status)
	assert.Equal(t, 100.0, byName["1080p"].ProgressPercent)
	assert.Equal(t, models.QualityStatusPending, byName["720p"].Status)
}

func TestProgressTable_SetUpdatesOnlyNamedRow(t *testing.T) {
	table := newProgressTable([]Quality{{Name: "720p"}, {Name: "480p"}}, nil)
	table.set("720p", models.QualityStatusUploading, 80)

	snap := table.snapshot()
	for _, row := range snap {
		if row.Quality == "720p" {
			assert.Equal(t, models.QualityStatusUploading, row.Status)
			assert.Equal(t, 80.0, row.ProgressPercent)
		} else {
			assert.Equal(t, models.QualityStatusPending, row.Status)
		}
	}
}

func TestSkippedVariants_RebuildFromPresetTable(t *testing.T) {
	cfg := &config.TranscodeConfig{Presets: config.DefaultPresets()}
	hw := &config.HardwareConfig{PreferredCodec: "h264"}
	p := NewPipeline(cfg, hw, nil, 0, 0)

	info := &VideoInfo{Width: 1920, Height: 1080, Duration: 30}
	variants := p.skippedVariants([]string{"1080p", "720p", "original", "not-a-preset"}, info)

	require.Len(t, variants, 3, "unknown names are dropped")
	byName := map[string]Variant{}
	for _, v := range variants {
		byName[v.Name] = v
	}
	assert.Equal(t, 1920, byName["1080p"].Width)
	assert.Equal(t, 1080, byName["1080p"].Height)
	assert.Equal(t, 1280, byName["720p"].Width)
	assert.True(t, byName["original"].IsOriginal)
}

func TestVariantsFromRows_OriginalAlwaysH264(t *testing.T) {
	rows := []models.VideoQualityRow{
		{Quality: "1080p", Width: 1920, Height: 1080, BitrateKb: 5000},
		{Quality: "original", Width: 1920, Height: 1080, BitrateKb: 8000},
	}
	variants := variantsFromRows(rows, CodecHEVC)

	assert.Equal(t, CodecHEVC, variants[0].Codec)
	assert.Equal(t, CodecH264, variants[1].Codec, "the remuxed original is stream-copied, never re-encoded")
	assert.True(t, variants[1].IsOriginal)
}

func TestEstimateBitrate_ZeroOnMissingSource(t *testing.T) {
	assert.Zero(t, estimateBitrateKbps("/does/not/exist.mp4", 30))
	assert.Zero(t, estimateBitrateKbps("/does/not/exist.mp4", 0))
}
