// Package analyzer derives an ephemeral ConversationState snapshot from a
// room's recent messages. Analysis is pure apart from the wall clock, which
// is injectable for tests.
package analyzer

import (
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/normanking/salon/internal/chat"
)

// Phase describes the conversational trajectory of a room.
type Phase string

const (
	PhaseActive  Phase = "active"
	PhaseFlowing Phase = "flowing"
	PhaseCooling Phase = "cooling"
	PhaseDormant Phase = "dormant"
)

// Engagement is a coarse participation level.
type Engagement string

const (
	EngagementLow    Engagement = "low"
	EngagementMedium Engagement = "medium"
	EngagementHigh   Engagement = "high"
)

// Frequency pattern labels.
const (
	PatternRapid        = "rapid"
	PatternSteady       = "steady"
	PatternSlow         = "slow"
	PatternAccelerating = "accelerating"
	PatternSlowing      = "slowing"
)

// Intervention reasons, in priority order.
const (
	ReasonCooling    = "conversation_cooling"
	ReasonUnbalanced = "unbalanced_participation"
	ReasonSurface    = "surface_conversation"
)

// Frequency summarizes message pacing.
type Frequency struct {
	Rate    float64 `json:"rate"` // messages per minute
	Pattern string  `json:"pattern"`
}

// ToneResult summarizes the emotional tone of the window.
type ToneResult struct {
	Dominant  Tone    `json:"dominant"`
	Intensity float64 `json:"intensity"` // dominant share of all matches, [0,1]
}

// Continuity summarizes topic coherence across the window.
type Continuity struct {
	Coherence float64 `json:"coherence"` // [0,1]
	Shifts    int     `json:"shifts"`    // adjacent pairs with keyword overlap < 0.2
}

// InterventionNeed is the analyzer's verdict on whether the room needs a nudge.
type InterventionNeed struct {
	Needed  bool    `json:"needed"`
	Reason  string  `json:"reason,omitempty"`
	Urgency float64 `json:"urgency"`
}

// State is the derived snapshot of a room's conversational health. It is
// computed on demand from the recent message window and never persisted.
type State struct {
	Phase                Phase            `json:"phase"`
	Engagement           Engagement       `json:"engagement"`
	Momentum             float64          `json:"momentum"` // [0,1]
	Intervention         InterventionNeed `json:"intervention"`
	SuggestedDelay       time.Duration    `json:"suggested_delay"`
	EmotionalTone        ToneResult       `json:"emotional_tone"`
	TopicContinuity      Continuity       `json:"topic_continuity"`
	ParticipationBalance float64          `json:"participation_balance"` // [0,1]
	Frequency            Frequency        `json:"frequency"`
	Depth                float64          `json:"depth"` // [0,5]
	IdleFor              time.Duration    `json:"idle_for"`
}

const (
	minSuggestedDelay = 5 * time.Second
	maxSuggestedDelay = 120 * time.Second

	// rateHighWatermark is the msgs/min rate treated as full frequency.
	rateHighWatermark = 6.0

	topicShiftThreshold = 0.2
)

// Analyzer computes conversation state snapshots.
type Analyzer struct {
	scorer ToneScorer
	now    func() time.Time
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithToneScorer swaps the emotional tone scorer.
func WithToneScorer(s ToneScorer) Option {
	return func(a *Analyzer) { a.scorer = s }
}

// WithClock injects the wall clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// New returns an Analyzer with the default keyword tone scorer.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{
		scorer: NewKeywordToneScorer(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze derives a State from the recent message window and the room's
// persona roster. Identical windows and an identical clock yield identical
// states.
func (a *Analyzer) Analyze(messages []chat.Message, roster []chat.Persona) State {
	now := a.now()

	if len(messages) == 0 {
		return State{
			Phase:                PhaseDormant,
			Engagement:           EngagementLow,
			Intervention:         InterventionNeed{Needed: true, Reason: ReasonCooling, Urgency: 0.8},
			SuggestedDelay:       a.suggestedDelay(PhaseDormant, ToneResult{Dominant: ToneNeutral}, Frequency{Pattern: PatternSlow}, 0),
			EmotionalTone:        ToneResult{Dominant: ToneNeutral},
			ParticipationBalance: 1,
		}
	}

	idle := now.Sub(messages[len(messages)-1].Timestamp)
	freq := a.frequency(messages)
	balance := a.balance(messages)
	tone := a.tone(messages)
	continuity := a.continuity(messages)
	depth := a.depth(messages)

	freqNorm := clamp01(freq.Rate / rateHighWatermark)
	engagement := a.engagement(freqNorm, messages)
	phase := a.phase(idle, engagement, continuity.Coherence)

	momentum := clamp01(0.4*freqNorm + 0.3*tone.Intensity + 0.3*(depth/5))

	intervention := a.intervention(freq.Rate, idle, balance, depth)

	return State{
		Phase:                phase,
		Engagement:           engagement,
		Momentum:             momentum,
		Intervention:         intervention,
		SuggestedDelay:       a.suggestedDelay(phase, tone, freq, momentum),
		EmotionalTone:        tone,
		TopicContinuity:      continuity,
		ParticipationBalance: balance,
		Frequency:            freq,
		Depth:                depth,
		IdleFor:              idle,
	}
}

// frequency derives the message rate and pacing pattern from pairwise
// timestamp deltas.
func (a *Analyzer) frequency(messages []chat.Message) Frequency {
	if len(messages) < 2 {
		return Frequency{Rate: 0, Pattern: PatternSlow}
	}

	deltas := make([]time.Duration, 0, len(messages)-1)
	for i := 1; i < len(messages); i++ {
		d := messages[i].Timestamp.Sub(messages[i-1].Timestamp)
		if d < 0 {
			d = 0
		}
		deltas = append(deltas, d)
	}

	span := messages[len(messages)-1].Timestamp.Sub(messages[0].Timestamp)
	rate := 0.0
	if span > 0 {
		rate = float64(len(messages)-1) / span.Minutes()
	} else {
		rate = rateHighWatermark
	}

	pattern := PatternSteady
	avg := avgDuration(deltas)
	if len(deltas) >= 4 {
		// Trend: compare first-half pacing against second-half pacing.
		half := len(deltas) / 2
		first := avgDuration(deltas[:half])
		second := avgDuration(deltas[half:])
		switch {
		case second < time.Duration(float64(first)*0.7):
			pattern = PatternAccelerating
		case second > time.Duration(float64(first)*1.3):
			pattern = PatternSlowing
		}
	}
	if pattern == PatternSteady {
		switch {
		case avg > 0 && avg < 15*time.Second:
			pattern = PatternRapid
		case avg > 2*time.Minute:
			pattern = PatternSlow
		}
	}

	return Frequency{Rate: rate, Pattern: pattern}
}

// balance measures how evenly participation is spread across senders.
// Each message contributes its engagement score to its sender's share;
// balance is 1 minus the normalized deviation from the expected equal share.
func (a *Analyzer) balance(messages []chat.Message) float64 {
	weights := make(map[string]float64)
	total := 0.0
	for _, m := range messages {
		w := messageEngagement(m.Content)
		weights[m.SenderName] += w
		total += w
	}
	k := len(weights)
	if k <= 1 || total == 0 {
		return 1
	}

	expected := 1.0 / float64(k)
	variance := 0.0
	for _, w := range weights {
		share := w / total
		variance += (share - expected) * (share - expected)
	}
	variance /= float64(k)

	// Worst case: one sender owns everything.
	worst := expected * (1 - expected)
	if worst == 0 {
		return 1
	}
	return clamp01(1 - math.Sqrt(variance/worst))
}

// messageEngagement scores one message: length tiers, punctuation energy,
// and mentions.
func messageEngagement(content string) float64 {
	score := 1.0
	n := len([]rune(content))
	switch {
	case n > 200:
		score += 2
	case n > 80:
		score += 1
	}
	score += float64(strings.Count(content, "!")+strings.Count(content, "?")) * 0.25
	score += float64(strings.Count(content, "@")) * 0.5
	if score > 5 {
		score = 5
	}
	return score
}

// tone aggregates per-message bucket counts and reports the dominant bucket
// with its share of all matches.
func (a *Analyzer) tone(messages []chat.Message) ToneResult {
	totals := make(map[Tone]int)
	for _, m := range messages {
		for tone, c := range a.scorer.Score(m.Content) {
			totals[tone] += c
		}
	}

	dominant := ToneNeutral
	best, sum := 0, 0
	for _, t := range []Tone{TonePositive, ToneNegative, ToneExcitement, ToneConcern, ToneNeutral} {
		c := totals[t]
		sum += c
		if c > best {
			best = c
			dominant = t
		}
	}
	if sum == 0 {
		return ToneResult{Dominant: ToneNeutral, Intensity: 0}
	}

	intensity := float64(best) / float64(sum)
	if dominant == ToneNeutral {
		intensity = 0
	}
	return ToneResult{Dominant: dominant, Intensity: intensity}
}

// continuity computes sliding-window keyword overlap between consecutive
// messages. A shift is counted when overlap drops below the threshold.
func (a *Analyzer) continuity(messages []chat.Message) Continuity {
	if len(messages) < 2 {
		return Continuity{Coherence: 1}
	}

	shifts := 0
	sum := 0.0
	pairs := 0
	prev := ExtractKeywords(messages[0].Content)
	for i := 1; i < len(messages); i++ {
		cur := ExtractKeywords(messages[i].Content)
		if len(prev) == 0 && len(cur) == 0 {
			prev = cur
			continue
		}
		overlap := Jaccard(prev, cur)
		sum += overlap
		pairs++
		if overlap < topicShiftThreshold {
			shifts++
		}
		prev = cur
	}
	if pairs == 0 {
		return Continuity{Coherence: 1}
	}
	return Continuity{Coherence: clamp01(sum / float64(pairs)), Shifts: shifts}
}

// depth scores per-message conversational depth, capped at 5, and averages.
func (a *Analyzer) depth(messages []chat.Message) float64 {
	if len(messages) == 0 {
		return 0
	}
	sum := 0.0
	for _, m := range messages {
		sum += messageDepth(m.Content, a.scorer)
	}
	return sum / float64(len(messages))
}

func messageDepth(content string, scorer ToneScorer) float64 {
	score := 0.0
	lower := strings.ToLower(content)

	if strings.Contains(content, "?") {
		score++
	}
	for _, ref := range []string{"i ", "i'", "my ", "me ", "myself"} {
		if strings.Contains(lower, ref) {
			score++
			break
		}
	}
	counts := scorer.Score(content)
	if counts[ToneNeutral] == 0 { // some emotional bucket matched
		score++
	}
	n := len([]rune(content))
	switch {
	case n > 200:
		score += 2
	case n > 80:
		score++
	}
	if score > 5 {
		score = 5
	}
	return score
}

// engagement folds the normalized frequency and per-message energy into a
// coarse level.
func (a *Analyzer) engagement(freqNorm float64, messages []chat.Message) Engagement {
	msgScore := 0.0
	for _, m := range messages {
		msgScore += messageEngagement(m.Content)
	}
	msgScore /= float64(len(messages))

	combined := 0.6*freqNorm + 0.4*clamp01(msgScore/5)
	switch {
	case combined > 0.5:
		return EngagementHigh
	case combined > 0.2:
		return EngagementMedium
	default:
		return EngagementLow
	}
}

func (a *Analyzer) phase(idle time.Duration, engagement Engagement, coherence float64) Phase {
	switch {
	case idle > 10*time.Minute:
		return PhaseDormant
	case idle > 3*time.Minute:
		return PhaseCooling
	case engagement == EngagementHigh && coherence > 0.6:
		return PhaseFlowing
	default:
		return PhaseActive
	}
}

// intervention resolves the highest-priority reason for a nudge:
// cooling > unbalanced > surface > none.
func (a *Analyzer) intervention(rate float64, idle time.Duration, balance, depth float64) InterventionNeed {
	switch {
	case rate < 0.5 && idle > 2*time.Minute:
		return InterventionNeed{Needed: true, Reason: ReasonCooling, Urgency: 0.8}
	case balance < 0.3:
		return InterventionNeed{Needed: true, Reason: ReasonUnbalanced, Urgency: 0.6}
	case depth < 1.5 && idle > time.Minute:
		return InterventionNeed{Needed: true, Reason: ReasonSurface, Urgency: 0.4}
	default:
		return InterventionNeed{}
	}
}

// suggestedDelay derives a pacing window from the phase, squeezed by
// emotional intensity and pacing pattern, then clamped to [5s,120s].
// Within the phase window, high momentum pulls toward the fast edge.
func (a *Analyzer) suggestedDelay(phase Phase, tone ToneResult, freq Frequency, momentum float64) time.Duration {
	var lo, hi time.Duration
	switch phase {
	case PhaseFlowing:
		lo, hi = 10*time.Second, 25*time.Second
	case PhaseActive:
		lo, hi = 20*time.Second, 40*time.Second
	case PhaseCooling:
		lo, hi = 15*time.Second, 30*time.Second
	case PhaseDormant:
		lo, hi = 5*time.Second, 15*time.Second
	}

	delay := lo + time.Duration(float64(hi-lo)*(1-momentum))

	if tone.Intensity > 0.6 {
		delay = time.Duration(float64(delay) * 0.7)
	}
	switch freq.Pattern {
	case PatternRapid:
		delay = time.Duration(float64(delay) * 0.8)
	case PatternSlow:
		delay = time.Duration(float64(delay) * 1.3)
	}

	if delay < minSuggestedDelay {
		delay = minSuggestedDelay
	}
	if delay > maxSuggestedDelay {
		delay = maxSuggestedDelay
	}
	return delay
}

// ExtractKeywords lowercases, strips punctuation, and drops stopwords and
// short tokens. Shared by topic continuity, memory topics, and response
// uniqueness checks.
func ExtractKeywords(content string) []string {
	fields := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 4 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Jaccard computes set overlap between two keyword slices.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, w := range a {
		set[w] = struct{}{}
	}
	inter := 0
	union := len(set)
	seen := make(map[string]struct{}, len(b))
	for _, w := range b {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		if _, ok := set[w]; ok {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

var stopwords = map[string]struct{}{
	"this": {}, "that": {}, "with": {}, "have": {}, "from": {}, "they": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "will": {}, "would": {},
	"could": {}, "should": {}, "about": {}, "there": {}, "their": {}, "been": {},
	"just": {}, "like": {}, "really": {}, "very": {}, "some": {}, "then": {},
	"than": {}, "them": {}, "were": {}, "your": {}, "yours": {}, "into": {},
	"because": {}, "also": {}, "only": {}, "does": {}, "doing": {}, "being": {},
}

func avgDuration(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return sum / time.Duration(len(ds))
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
