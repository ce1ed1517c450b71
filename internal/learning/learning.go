// Package learning maintains a drifted personality and skill profile per
// persona. Base identity stays immutable; only the shadow copy moves, in
// bounded steps, and always clamped to the valid trait range.
package learning

import (
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/normanking/salon/internal/analyzer"
	"github.com/normanking/salon/internal/chat"
)

const (
	// maxAdaptationRate bounds a single permanent trait step.
	maxAdaptationRate = 0.15

	traitMin = 1.0
	traitMax = 5.0

	// specialization / weakness thresholds on the skill scale [0,1].
	specializationLevel = 0.8
	weaknessLevel       = 0.2
)

// TraitVector is a Big Five vector on a continuous [1,5] scale.
type TraitVector struct {
	Extraversion      float64 `json:"extraversion"`
	Agreeableness     float64 `json:"agreeableness"`
	Conscientiousness float64 `json:"conscientiousness"`
	Neuroticism       float64 `json:"neuroticism"`
	Openness          float64 `json:"openness"`
}

// FromTraits widens an integer trait vector.
func FromTraits(t chat.Traits) TraitVector {
	t = t.Clamp()
	return TraitVector{
		Extraversion:      float64(t.Extraversion),
		Agreeableness:     float64(t.Agreeableness),
		Conscientiousness: float64(t.Conscientiousness),
		Neuroticism:       float64(t.Neuroticism),
		Openness:          float64(t.Openness),
	}
}

// Rounded narrows back to the integer scale used by persona identity.
func (v TraitVector) Rounded() chat.Traits {
	return chat.Traits{
		Extraversion:      int(math.Round(v.Extraversion)),
		Agreeableness:     int(math.Round(v.Agreeableness)),
		Conscientiousness: int(math.Round(v.Conscientiousness)),
		Neuroticism:       int(math.Round(v.Neuroticism)),
		Openness:          int(math.Round(v.Openness)),
	}.Clamp()
}

func (v TraitVector) clamp() TraitVector {
	c := func(x float64) float64 {
		if x < traitMin {
			return traitMin
		}
		if x > traitMax {
			return traitMax
		}
		return x
	}
	return TraitVector{
		Extraversion:      c(v.Extraversion),
		Agreeableness:     c(v.Agreeableness),
		Conscientiousness: c(v.Conscientiousness),
		Neuroticism:       c(v.Neuroticism),
		Openness:          c(v.Openness),
	}
}

// Profile is the mutable learning state for one persona.
type Profile struct {
	PersonaID       string              `json:"persona_id"`
	Base            TraitVector         `json:"base_personality"`
	Current         TraitVector         `json:"current_personality"`
	LearningSpeed   float64             `json:"learning_speed"` // [0,1]
	Skills          map[string]float64  `json:"skills"`         // skill -> [0,1]
	Specializations map[string]struct{} `json:"-"`
	Weaknesses      map[string]struct{} `json:"-"`
	Interactions    int                 `json:"interactions"`
	Successes       int                 `json:"successes"`
}

// Signals summarizes one interaction from the adapting persona's point of view.
type Signals struct {
	// Emotion observed in the exchange: joy, excitement, sadness, anger,
	// curiosity, or empty for none.
	Emotion string
	// Influence weights the emotional push, [0,1].
	Influence float64
	// AskedQuestion marks that the persona posed a question.
	AskedQuestion bool
	// DetailedReply marks a long, substantive reply.
	DetailedReply bool
	// Success is the heuristic outcome of the exchange.
	Success bool
	// Topic the exchange was about, used for skill tracking.
	Topic string
}

// Context carries the non-permanent, conversational inputs for a trait query.
type Context struct {
	Phase           analyzer.Phase
	Topic           string
	TopicEngagement float64 // [0,1], persona's history with this topic
	Sentiment       float64 // [-1,1], relationship sentiment toward the counterpart
}

// Adapter owns all learning profiles, keyed by persona ID.
type Adapter struct {
	mu       sync.Mutex
	profiles map[string]*Profile
}

// NewAdapter returns an empty adapter.
func NewAdapter() *Adapter {
	return &Adapter{profiles: make(map[string]*Profile)}
}

// Initialize creates (or returns) the learning profile for a persona.
// Learning speed derives from openness: more open personas drift faster.
func (a *Adapter) Initialize(p chat.Persona) *Profile {
	a.mu.Lock()
	defer a.mu.Unlock()

	if prof, ok := a.profiles[p.ID]; ok {
		return prof
	}

	base := FromTraits(p.Traits)
	prof := &Profile{
		PersonaID:       p.ID,
		Base:            base,
		Current:         base,
		LearningSpeed:   0.2 + 0.15*(base.Openness-1)/4, // [0.2, 0.35]
		Skills:          make(map[string]float64),
		Specializations: make(map[string]struct{}),
		Weaknesses:      make(map[string]struct{}),
	}
	a.profiles[p.ID] = prof
	return prof
}

// Adapt applies one interaction's worth of bounded drift to the profile.
// Unknown personas are ignored.
func (a *Adapter) Adapt(personaID string, sig Signals) {
	a.mu.Lock()
	defer a.mu.Unlock()

	prof, ok := a.profiles[personaID]
	if !ok {
		return
	}

	prof.Interactions++
	if sig.Success {
		prof.Successes++
	}

	// Experienced profiles resist change.
	stability := 1.0 / (1.0 + float64(prof.Interactions)/50.0)
	step := clamp01(sig.Influence) * maxAdaptationRate * prof.LearningSpeed * stability

	switch sig.Emotion {
	case "joy", "excitement":
		prof.Current.Extraversion += step
	case "sadness", "anger":
		prof.Current.Neuroticism += step
	case "curiosity":
		prof.Current.Openness += step
	}
	prof.Current = prof.Current.clamp()

	a.updateSkills(prof, sig)
}

func (a *Adapter) updateSkills(prof *Profile, sig Signals) {
	bump := func(skill string, delta float64) {
		v := prof.Skills[skill] + delta*prof.LearningSpeed
		prof.Skills[skill] = clamp01(v)
		switch {
		case prof.Skills[skill] >= specializationLevel:
			prof.Specializations[skill] = struct{}{}
			delete(prof.Weaknesses, skill)
		case prof.Skills[skill] <= weaknessLevel:
			prof.Weaknesses[skill] = struct{}{}
		default:
			delete(prof.Weaknesses, skill)
		}
	}

	if sig.AskedQuestion {
		bump("inquiry", 0.05)
	}
	if sig.DetailedReply {
		bump("depth", 0.05)
	}
	if sig.Topic != "" {
		if sig.Success {
			bump(sig.Topic, 0.08)
		} else {
			bump(sig.Topic, -0.04)
		}
	}
}

// AdaptedFor returns the persona's effective trait vector for a specific
// conversational context. Contextual nudges are lower-weight than permanent
// drift and never written back to the profile.
func (a *Adapter) AdaptedFor(personaID string, ctx Context) (TraitVector, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	prof, ok := a.profiles[personaID]
	if !ok {
		return TraitVector{}, false
	}

	v := prof.Current

	if ctx.Phase == analyzer.PhaseCooling || ctx.Phase == analyzer.PhaseDormant {
		// Lean outgoing when the room needs reviving.
		v.Extraversion += 0.5
	}
	v.Openness += 0.3 * clamp01(ctx.TopicEngagement)
	v.Agreeableness += 0.3 * ctx.Sentiment
	if ctx.Sentiment < 0 {
		v.Neuroticism += 0.2 * -ctx.Sentiment
	}

	return v.clamp(), true
}

// Confidence is the persona's success rate plus a bounded experience bonus.
func (a *Adapter) Confidence(personaID string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	prof, ok := a.profiles[personaID]
	if !ok || prof.Interactions == 0 {
		return 0
	}

	rate := float64(prof.Successes) / float64(prof.Interactions)
	bonus := math.Min(float64(prof.Interactions)/200.0, 0.2)
	return math.Min(rate+bonus, 1)
}

// Profile returns a copy of a persona's profile for inspection.
func (a *Adapter) Profile(personaID string) (Profile, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	prof, ok := a.profiles[personaID]
	if !ok {
		return Profile{}, false
	}

	out := *prof
	out.Skills = make(map[string]float64, len(prof.Skills))
	for k, val := range prof.Skills {
		out.Skills[k] = val
	}
	out.Specializations = copySet(prof.Specializations)
	out.Weaknesses = copySet(prof.Weaknesses)
	return out, true
}

// Remove drops the profile for a deleted persona.
func (a *Adapter) Remove(personaID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.profiles[personaID]; ok {
		delete(a.profiles, personaID)
		log.Debug().Str("persona_id", personaID).Msg("learning profile removed")
	}
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
