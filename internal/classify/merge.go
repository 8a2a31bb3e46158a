package classify

import "dropcrate/internal/model"

// mergeThreshold is the minimum confidence at which a classification
// may override caller-supplied tag defaults.
const mergeThreshold = 0.6

// Merge combines caller-supplied tag defaults with a classification
// into the tags written to the output file. Rules, in order:
//
//   - a low-confidence classification never overrides defaults, not
//     even its kind verdict
//   - kinds outside {track, set} carry no DJ tags; the genre collapses
//     to "Other" so library filters still have a bucket for them
//   - otherwise classifier fields win per-field where they are set
//
// Merge is idempotent: Merge(Merge(d, c), c) == Merge(d, c).
func Merge(defaults model.DJTags, cls model.Classification) model.DJTags {
	if cls.Confidence < mergeThreshold {
		if defaults.Genre == "" {
			defaults.Genre = "Other"
		}
		return defaults
	}
	if cls.Kind != model.KindTrack && cls.Kind != model.KindSet {
		return model.DJTags{Genre: "Other"}
	}

	out := defaults
	if cls.Tags.Genre != "" && cls.Tags.Genre != "Other" {
		out.Genre = cls.Tags.Genre
	}
	if cls.Tags.Energy != "" {
		out.Energy = cls.Tags.Energy
	}
	if cls.Tags.Time != "" {
		out.Time = cls.Tags.Time
	}
	if cls.Tags.Vibe != "" {
		out.Vibe = cls.Tags.Vibe
	}
	if out.Genre == "" {
		out.Genre = "Other"
	}
	return out
}
