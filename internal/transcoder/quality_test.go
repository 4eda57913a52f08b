package transcoder

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/streamforge/transcoder/internal/config"
)

func TestApplicableQualities_FiltersBySourceHeight(t *testing.T) {
	presets := config.DefaultPresets()
	qualities := ApplicableQualities(presets, 1080)

	names := make([]string, len(qualities))
	for i, q := range qualities {
		names[i] = q.Name
	}
	assert.Contains(t, names, "original")
	assert.Contains(t, names, "1080p")
	assert.Contains(t, names, "720p")
	assert.NotContains(t, names, "1440p")
	assert.NotContains(t, names, "2160p")
}

func TestApplicableQualities_FallsBackToLowestPreset(t *testing.T) {
	presets := config.DefaultPresets()
	qualities := ApplicableQualities(presets, 144)

	require := assert.New(t)
	require.Len(qualities, 2) // original + lowest preset only
	require.Equal("original", qualities[0].Name)
	require.Equal("360p", qualities[1].Name)
}

func TestBuildPlan_SkipsExistingQualities(t *testing.T) {
	all := []Quality{{Name: "original"}, {Name: "1080p"}, {Name: "720p"}}
	plan := BuildPlan(all, []string{"1080p"})

	assert.True(t, plan.IsSelectiveRetranscode())
	assert.Equal(t, []string{"1080p"}, plan.Skipped)

	var encodedNames []string
	for _, q := range plan.ToEncode {
		encodedNames = append(encodedNames, q.Name)
	}
	assert.ElementsMatch(t, []string{"original", "720p"}, encodedNames)
}

func TestBuildPlan_NoExistingQualitiesIsFullTranscode(t *testing.T) {
	all := []Quality{{Name: "original"}, {Name: "1080p"}}
	plan := BuildPlan(all, nil)

	assert.False(t, plan.IsSelectiveRetranscode())
	assert.Len(t, plan.ToEncode, 2)
}
