package transcoder

import (
	"github.com/streamforge/transcoder/internal/config"
)

// Quality is one resolved transcoding target, either a preset tier or the
// "original" remux pseudo-quality.
type Quality struct {
	Name        string
	Height      int
	BitrateKbps int
	AudioKbps   int
	IsOriginal  bool
}

// ApplicableQualities selects every preset whose height is at or below the
// source height, falling back to the lowest preset if none qualify, and
// always prepends the "original" remux pseudo-quality.
func ApplicableQualities(presets []config.QualityPreset, sourceHeight int) []Quality {
	var applicable []Quality
	for _, p := range presets {
		if p.Height <= sourceHeight {
			applicable = append(applicable, Quality{Name: p.Name, Height: p.Height, BitrateKbps: p.BitrateKbps, AudioKbps: p.AudioKbps})
		}
	}
	if len(applicable) == 0 && len(presets) > 0 {
		lowest := presets[len(presets)-1]
		for _, p := range presets {
			if p.Height < lowest.Height {
				lowest = p
			}
		}
		applicable = []Quality{{Name: lowest.Name, Height: lowest.Height, BitrateKbps: lowest.BitrateKbps, AudioKbps: lowest.AudioKbps}}
	}

	result := make([]Quality, 0, len(applicable)+1)
	result = append(result, Quality{Name: "original", IsOriginal: true})
	result = append(result, applicable...)
	return result
}

// Plan is the per-job set of qualities to actually encode, after removing
// ones already present from a selective re-transcode.
type Plan struct {
	ToEncode []Quality
	Skipped  []string
}

// BuildPlan removes qualities already present in existingQualities, which
// covers both selective re-transcode and resuming past a previous
// attempt's finished uploads.
func BuildPlan(all []Quality, existingQualities []string) Plan {
	existing := make(map[string]bool, len(existingQualities))
	for _, q := range existingQualities {
		existing[q] = true
	}

	plan := Plan{}
	for _, q := range all {
		if existing[q.Name] {
			plan.Skipped = append(plan.Skipped, q.Name)
			continue
		}
		plan.ToEncode = append(plan.ToEncode, q)
	}
	return plan
}

// IsSelectiveRetranscode reports whether any quality was pre-existing.
func (p Plan) IsSelectiveRetranscode() bool {
	return len(p.Skipped) > 0
}
