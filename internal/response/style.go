package response

import "github.com/normanking/salon/internal/learning"

// Style is a persona's speaking style, derived from trait thresholds.
// One trait governs each dimension.
type Style struct {
	Verbose     bool // extraversion >= 4
	Formal      bool // conscientiousness >= 4
	Emotive     bool // neuroticism >= 4
	Creative    bool // openness >= 4
	Cooperative bool // agreeableness >= 4
}

// StyleOf derives the speaking style from an (adapted) trait vector.
func StyleOf(v learning.TraitVector) Style {
	return Style{
		Verbose:     v.Extraversion >= 4,
		Formal:      v.Conscientiousness >= 4,
		Emotive:     v.Neuroticism >= 4,
		Creative:    v.Openness >= 4,
		Cooperative: v.Agreeableness >= 4,
	}
}
