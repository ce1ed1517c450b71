package memstore

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/salon/internal/chat"
)

var testNow = time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(cfg Config) (*Store, *clock) {
	c := &clock{t: testNow}
	return New(cfg, WithClock(c.now)), c
}

func userMsg(content string) chat.Message {
	return chat.Message{
		ID:         "m-" + content,
		RoomID:     "room-1",
		SenderKind: chat.SenderUser,
		SenderName: "norman",
		Content:    content,
		Timestamp:  testNow,
	}
}

func TestRecordAssignsTierByImportance(t *testing.T) {
	s, _ := newTestStore(DefaultConfig())

	// Plain short statement: base importance only.
	plain := s.Record("p1", userMsg("ok"), Context{})
	assert.Equal(t, TierShort, plain.Tier)

	// Question with a mention and emotional content lands higher.
	loaded := s.Record("p1", chat.Message{
		SenderName: "norman",
		Content:    "@ada I love this plan, what do you think about the rollout?",
	}, Context{Participants: []string{"ada"}})
	assert.Greater(t, loaded.Importance, plain.Importance)
	assert.NotEqual(t, TierShort, loaded.Tier)
}

func TestMentionBonusKeysOnMessageContent(t *testing.T) {
	s, _ := newTestStore(DefaultConfig())
	ctx := Context{Participants: []string{"alice"}}

	// First records burn the new-topic bonus for each phrasing.
	s.Record("p1", userMsg("ok then"), ctx)
	s.Record("p1", userMsg("alice will handle the rollout"), ctx)

	// A mention-free message gets no bonus from the caller's context.
	plain := s.Record("p1", userMsg("ok then"), ctx)
	assert.InDelta(t, 0.5, plain.Importance, 0.001)
	assert.Equal(t, TierShort, plain.Tier)

	// Naming a participant in the text does count, @-sign or not.
	named := s.Record("p1", userMsg("alice will handle the rollout"), ctx)
	assert.InDelta(t, 0.7, named.Importance, 0.001)
	assert.Equal(t, TierMedium, named.Tier)
}

func TestImportanceCappedAtOne(t *testing.T) {
	s, _ := newTestStore(DefaultConfig())

	content := "@ada @grace I love love love this amazing wonderful plan!!! " +
		"what do you think about every single part of the rollout strategy here?"
	rec := s.Record("p1", chat.Message{SenderName: "norman", Content: content},
		Context{Participants: []string{"ada", "grace"}})

	assert.LessOrEqual(t, rec.Importance, 1.0)
	assert.Equal(t, TierLong, rec.Tier)
}

func TestTierCapsNeverExceeded(t *testing.T) {
	cfg := Config{ShortCap: 5, MediumCap: 4, LongCap: 3, ShortRetention: time.Hour, MediumRetention: 24 * time.Hour}
	s, _ := newTestStore(cfg)

	for i := 0; i < 60; i++ {
		// Vary content so importance and topics differ.
		content := fmt.Sprintf("note %d", i)
		if i%3 == 0 {
			content = fmt.Sprintf("@ada important question %d: what about topic%d?", i, i)
		}
		s.Record("p1", chat.Message{SenderName: "norman", Content: content}, Context{})
		if i%7 == 0 {
			s.Consolidate("p1")
		}
	}
	s.Consolidate("p1")

	assert.LessOrEqual(t, s.Count("p1", TierShort), cfg.ShortCap)
	assert.LessOrEqual(t, s.Count("p1", TierMedium), cfg.MediumCap)
	assert.LessOrEqual(t, s.Count("p1", TierLong), cfg.LongCap)
}

func TestRetrievePrefersTopicalMatches(t *testing.T) {
	s, _ := newTestStore(DefaultConfig())

	s.Record("p1", userMsg("the compiler backend needs better register allocation"), Context{})
	s.Record("p1", userMsg("lunch plans moved to the downtown place"), Context{})

	got := s.Retrieve("p1", Context{Topics: []string{"compiler", "register", "allocation"}}, 1)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Content, "compiler")
}

func TestRetrieveUpdatesAccessStats(t *testing.T) {
	s, c := newTestStore(DefaultConfig())

	rec := s.Record("p1", userMsg("the garden project kickoff happens tuesday"), Context{})
	c.advance(10 * time.Minute)

	got := s.Retrieve("p1", Context{Topics: []string{"garden"}}, 5)
	require.Len(t, got, 1)
	assert.Equal(t, rec.ID, got[0].ID)
	assert.Equal(t, 1, got[0].AccessCount)
	assert.True(t, got[0].LastAccessed.After(got[0].CreatedAt))
}

func TestConsolidatePromotesAccessedRecords(t *testing.T) {
	s, _ := newTestStore(DefaultConfig())

	// The first mention of a topic carries the new-topic bonus; the repeat
	// does not, so it lands in the short tier.
	s.Record("p1", userMsg("remember the deploy password hint"), Context{})
	rec := s.Record("p1", userMsg("remember the deploy password hint"), Context{})
	require.Equal(t, TierShort, rec.Tier)

	// Access everything past the short-tier promotion threshold.
	for i := 0; i < 6; i++ {
		s.Retrieve("p1", Context{Topics: []string{"deploy"}}, 2)
	}
	s.Consolidate("p1")

	assert.Equal(t, 0, s.Count("p1", TierShort))
	assert.Equal(t, 2, s.Count("p1", TierMedium))
}

func TestConsolidatePurgesAgedShortRecords(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShortRetention = 30 * time.Minute
	s, c := newTestStore(cfg)

	s.Record("p1", userMsg("ok"), Context{})
	c.advance(time.Hour)
	s.Consolidate("p1")

	assert.Equal(t, 0, s.Count("p1", TierShort))
}

func TestConsolidateKeepsImportantAgedRecords(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShortRetention = 30 * time.Minute
	s, c := newTestStore(cfg)

	// Importance > 0.6 survives retention regardless of tier.
	rec := s.Record("p1", chat.Message{
		SenderName: "norman",
		Content:    "@ada what is the plan? I'm worried about the migration",
	}, Context{Participants: []string{"ada"}})
	require.Greater(t, rec.Importance, 0.6)

	c.advance(time.Hour)
	s.Consolidate("p1")

	total := s.Count("p1", TierShort) + s.Count("p1", TierMedium) + s.Count("p1", TierLong)
	assert.Equal(t, 1, total)
}

func TestForgetDropsPersona(t *testing.T) {
	s, _ := newTestStore(DefaultConfig())

	s.Record("p1", userMsg("something to remember"), Context{})
	require.Equal(t, 1, s.Count("p1", TierShort)+s.Count("p1", TierMedium))

	s.Forget("p1")
	assert.Equal(t, 0, s.Count("p1", TierShort)+s.Count("p1", TierMedium)+s.Count("p1", TierLong))
	assert.Empty(t, s.Retrieve("p1", Context{}, 10))
}
