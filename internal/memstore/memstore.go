// Package memstore implements per-persona associative memory with a
// three-tier hierarchy (short, medium, long). State is in-process and
// best-effort: restarts lose it by design.
package memstore

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/normanking/salon/internal/analyzer"
	"github.com/normanking/salon/internal/chat"
)

// Tier is a retention bucket.
type Tier string

const (
	TierShort  Tier = "short"
	TierMedium Tier = "medium"
	TierLong   Tier = "long"
)

// Record is one remembered observation for a persona.
type Record struct {
	ID               string    `json:"id"`
	PersonaID        string    `json:"persona_id"`
	Content          string    `json:"content"`
	AssociatedPeople []string  `json:"associated_people,omitempty"`
	Topics           []string  `json:"topics,omitempty"`
	EmotionalWeight  float64   `json:"emotional_weight"` // [0,1]
	Importance       float64   `json:"importance"`       // [0,1]
	Tier             Tier      `json:"tier"`
	CreatedAt        time.Time `json:"created_at"`
	LastAccessed     time.Time `json:"last_accessed"`
	AccessCount      int       `json:"access_count"`
}

// Context carries the conversational surroundings of a record or retrieval.
type Context struct {
	Topics       []string
	Participants []string
	Keywords     []string
}

// Config sizes the tiers and their retention windows.
type Config struct {
	ShortCap        int
	MediumCap       int
	LongCap         int
	ShortRetention  time.Duration
	MediumRetention time.Duration
}

// DefaultConfig returns the tier sizing used when none is supplied.
func DefaultConfig() Config {
	return Config{
		ShortCap:        50,
		MediumCap:       200,
		LongCap:         500,
		ShortRetention:  time.Hour,
		MediumRetention: 24 * time.Hour,
	}
}

// personaMemory holds one persona's records, keyed state mutated only at
// event boundaries under the store lock.
type personaMemory struct {
	records    map[string]*Record
	seenTopics map[string]struct{}
}

// Store is the keyed memory registry. Persona entries are created on first
// reference and torn down via Forget.
type Store struct {
	mu       sync.Mutex
	cfg      Config
	scorer   analyzer.ToneScorer
	now      func() time.Time
	personas map[string]*personaMemory
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the wall clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithToneScorer swaps the scorer used for emotional weight.
func WithToneScorer(sc analyzer.ToneScorer) Option {
	return func(s *Store) { s.scorer = sc }
}

// New creates a memory store with the given tier configuration.
func New(cfg Config, opts ...Option) *Store {
	if cfg.ShortCap <= 0 || cfg.MediumCap <= 0 || cfg.LongCap <= 0 {
		cfg = DefaultConfig()
	}
	s := &Store{
		cfg:      cfg,
		scorer:   analyzer.NewKeywordToneScorer(),
		now:      time.Now,
		personas: make(map[string]*personaMemory),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record stores a memory derived from one processed message. It returns the
// created record. Overflowing the short tier triggers consolidation.
func (s *Store) Record(personaID string, m chat.Message, ctx Context) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	pm := s.persona(personaID)
	now := s.now()

	topics := ctx.Topics
	if len(topics) == 0 {
		topics = analyzer.ExtractKeywords(m.Content)
	}

	newTopic := false
	for _, t := range topics {
		if _, seen := pm.seenTopics[t]; !seen {
			newTopic = true
		}
		pm.seenTopics[t] = struct{}{}
	}

	weight := s.emotionalWeight(m.Content)
	importance := importanceOf(m.Content, weight, ctx.Participants, newTopic)

	rec := &Record{
		ID:               uuid.NewString(),
		PersonaID:        personaID,
		Content:          m.Content,
		AssociatedPeople: append([]string{m.SenderName}, ctx.Participants...),
		Topics:           topics,
		EmotionalWeight:  weight,
		Importance:       importance,
		Tier:             tierFor(importance),
		CreatedAt:        now,
		LastAccessed:     now,
	}
	pm.records[rec.ID] = rec

	s.enforceCap(pm, rec.Tier)
	if s.tierCount(pm, TierShort) > s.cfg.ShortCap {
		s.consolidateLocked(personaID, pm)
	}

	return rec
}

// Retrieve returns up to limit records ranked by relevance and recency.
// Returned records have their access statistics updated.
func (s *Store) Retrieve(personaID string, ctx Context, limit int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	pm, ok := s.personas[personaID]
	if !ok || limit <= 0 {
		return nil
	}
	now := s.now()

	type scored struct {
		rec  *Record
		rank float64
	}
	candidates := make([]scored, 0, len(pm.records))
	for _, rec := range pm.records {
		relevance := 0.4*analyzer.Jaccard(rec.Topics, ctx.Topics) +
			0.3*overlapRatio(rec.AssociatedPeople, ctx.Participants) +
			0.2*analyzer.Jaccard(rec.Topics, ctx.Keywords) +
			0.1*rec.Importance
		recency := recencyScore(now.Sub(rec.CreatedAt))
		candidates = append(candidates, scored{rec, 0.7*relevance + 0.3*recency})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].rank != candidates[j].rank {
			return candidates[i].rank > candidates[j].rank
		}
		return candidates[i].rec.CreatedAt.After(candidates[j].rec.CreatedAt)
	})

	if limit > len(candidates) {
		limit = len(candidates)
	}
	out := make([]Record, 0, limit)
	for _, c := range candidates[:limit] {
		c.rec.AccessCount++
		c.rec.LastAccessed = now
		out = append(out, *c.rec)
	}
	return out
}

// Consolidate promotes well-used or important records upward and purges
// aged-out short-tier entries.
func (s *Store) Consolidate(personaID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pm, ok := s.personas[personaID]; ok {
		s.consolidateLocked(personaID, pm)
	}
}

// Forget drops all memory for a persona. Called on persona deletion.
func (s *Store) Forget(personaID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.personas, personaID)
}

// Count returns the number of records a persona holds in a tier.
func (s *Store) Count(personaID string, tier Tier) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pm, ok := s.personas[personaID]
	if !ok {
		return 0
	}
	return s.tierCount(pm, tier)
}

func (s *Store) persona(id string) *personaMemory {
	pm, ok := s.personas[id]
	if !ok {
		pm = &personaMemory{
			records:    make(map[string]*Record),
			seenTopics: make(map[string]struct{}),
		}
		s.personas[id] = pm
	}
	return pm
}

func (s *Store) consolidateLocked(personaID string, pm *personaMemory) {
	now := s.now()
	promotedUp, purged := 0, 0

	for _, rec := range pm.records {
		switch rec.Tier {
		case TierShort:
			switch {
			case rec.Importance > 0.7 || rec.AccessCount > 5:
				rec.Tier = TierMedium
				promotedUp++
			case now.Sub(rec.CreatedAt) > s.cfg.ShortRetention && rec.Importance <= 0.6:
				delete(pm.records, rec.ID)
				purged++
			}
		case TierMedium:
			if rec.Importance > 0.9 || rec.AccessCount > 20 {
				rec.Tier = TierLong
				promotedUp++
			} else if now.Sub(rec.CreatedAt) > s.cfg.MediumRetention && rec.Importance <= 0.6 {
				delete(pm.records, rec.ID)
				purged++
			}
		}
	}

	for _, tier := range []Tier{TierShort, TierMedium, TierLong} {
		s.enforceCap(pm, tier)
	}

	if promotedUp > 0 || purged > 0 {
		log.Debug().
			Str("persona_id", personaID).
			Int("promoted", promotedUp).
			Int("purged", purged).
			Msg("memory consolidation pass")
	}
}

// enforceCap evicts the lowest-importance (oldest on ties) records of a
// tier until it fits its cap.
func (s *Store) enforceCap(pm *personaMemory, tier Tier) {
	cap := s.capFor(tier)
	members := make([]*Record, 0)
	for _, rec := range pm.records {
		if rec.Tier == tier {
			members = append(members, rec)
		}
	}
	if len(members) <= cap {
		return
	}

	sort.Slice(members, func(i, j int) bool {
		if members[i].Importance != members[j].Importance {
			return members[i].Importance < members[j].Importance
		}
		return members[i].CreatedAt.Before(members[j].CreatedAt)
	})
	for _, victim := range members[:len(members)-cap] {
		delete(pm.records, victim.ID)
	}
}

func (s *Store) capFor(tier Tier) int {
	switch tier {
	case TierShort:
		return s.cfg.ShortCap
	case TierMedium:
		return s.cfg.MediumCap
	default:
		return s.cfg.LongCap
	}
}

func (s *Store) tierCount(pm *personaMemory, tier Tier) int {
	n := 0
	for _, rec := range pm.records {
		if rec.Tier == tier {
			n++
		}
	}
	return n
}

// emotionalWeight maps tone matches in content to [0,1].
func (s *Store) emotionalWeight(content string) float64 {
	counts := s.scorer.Score(content)
	matches := 0
	for tone, c := range counts {
		if tone != analyzer.ToneNeutral {
			matches += c
		}
	}
	w := float64(matches) * 0.25
	if w > 1 {
		w = 1
	}
	return w
}

// importanceOf scores how much a message is worth remembering.
func importanceOf(content string, emotionalWeight float64, participants []string, newTopic bool) float64 {
	imp := 0.5 + 0.3*emotionalWeight
	if mentionsPerson(content, participants) {
		imp += 0.2
	}
	if strings.Contains(content, "?") {
		imp += 0.15
	}
	if len([]rune(content)) > 100 {
		imp += 0.1
	}
	if newTopic {
		imp += 0.2
	}
	if imp > 1 {
		imp = 1
	}
	return imp
}

// mentionsPerson reports whether the message itself addresses someone: an
// @-mention, or a known participant named in the text. Surrounding context
// alone never counts.
func mentionsPerson(content string, participants []string) bool {
	if strings.Contains(content, "@") {
		return true
	}
	lower := strings.ToLower(content)
	for _, p := range participants {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func tierFor(importance float64) Tier {
	switch {
	case importance > 0.8:
		return TierLong
	case importance > 0.5:
		return TierMedium
	default:
		return TierShort
	}
}

// overlapRatio is the fraction of wanted entries present in have,
// case-insensitive.
func overlapRatio(have, want []string) float64 {
	if len(want) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[strings.ToLower(h)] = struct{}{}
	}
	hits := 0
	for _, w := range want {
		if _, ok := set[strings.ToLower(w)]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(want))
}

// recencyScore decays linearly over a day, floored at zero.
func recencyScore(age time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	score := 1 - age.Hours()/24
	if score < 0 {
		return 0
	}
	return score
}
