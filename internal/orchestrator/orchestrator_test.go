package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/salon/internal/analyzer"
	"github.com/normanking/salon/internal/bus"
	"github.com/normanking/salon/internal/chat"
	"github.com/normanking/salon/internal/config"
	"github.com/normanking/salon/internal/learning"
	"github.com/normanking/salon/internal/memstore"
	"github.com/normanking/salon/internal/response"
)

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu       sync.Mutex
	rooms    map[string]*chat.Room
	rosters  map[string][]chat.Persona
	messages map[string][]chat.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms:    make(map[string]*chat.Room),
		rosters:  make(map[string][]chat.Persona),
		messages: make(map[string][]chat.Message),
	}
}

func (s *fakeStore) GetRoom(_ context.Context, id string) (*chat.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok {
		return nil, fmt.Errorf("room not found: %s", id)
	}
	r := *room
	return &r, nil
}

func (s *fakeStore) RoomPersonas(_ context.Context, roomID string) ([]chat.Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Persona(nil), s.rosters[roomID]...), nil
}

func (s *fakeStore) RecentMessages(_ context.Context, roomID string, limit int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[roomID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]chat.Message(nil), msgs...), nil
}

func (s *fakeStore) CreateMessage(_ context.Context, m *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = fmt.Sprintf("m%d", len(s.messages[m.RoomID])+1)
	}
	s.messages[m.RoomID] = append(s.messages[m.RoomID], *m)
	return nil
}

func (s *fakeStore) personaMessages(roomID string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Message
	for _, m := range s.messages[roomID] {
		if m.SenderKind == chat.SenderPersona {
			out = append(out, m)
		}
	}
	return out
}

// fakeBroadcaster records every published event.
type fakeBroadcaster struct {
	mu     sync.Mutex
	events []bus.Event
}

func (b *fakeBroadcaster) Publish(e bus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func (b *fakeBroadcaster) ofType(t bus.EventType) []bus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []bus.Event
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func persona(id, name string, traits chat.Traits) chat.Persona {
	return chat.Persona{ID: id, Name: name, Traits: traits.Clamp()}
}

func balanced() chat.Traits {
	return chat.Traits{Extraversion: 3, Agreeableness: 3, Conscientiousness: 3, Neuroticism: 3, Openness: 3}
}

type rig struct {
	orch  *Orchestrator
	store *fakeStore
	bcast *fakeBroadcaster
}

func newRig(t *testing.T, pacing time.Duration) *rig {
	t.Helper()

	store := newFakeStore()
	bcast := &fakeBroadcaster{}

	cfg := config.OrchestratorConfig{
		ThinkingDelayMin: 0,
		ThinkingDelayMax: time.Millisecond,
		RecentWindow:     15,
		StateCacheTTL:    30 * time.Second,
	}

	orch := New(
		store,
		bcast,
		response.NewGenerator(response.WithRand(rand.New(rand.NewSource(11)))),
		analyzer.New(),
		memstore.New(memstore.DefaultConfig()),
		learning.NewAdapter(),
		cfg,
		WithRand(rand.New(rand.NewSource(11))),
		WithPacing(func(analyzer.State) time.Duration { return pacing }),
	)
	t.Cleanup(orch.Shutdown)

	return &rig{orch: orch, store: store, bcast: bcast}
}

func (r *rig) addRoom(id, topic string, roster ...chat.Persona) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.rooms[id] = &chat.Room{ID: id, Name: id, Topic: topic, CreatedAt: time.Now()}
	r.store.rosters[id] = roster
}

func (r *rig) seedMessage(roomID, sender, content string, age time.Duration) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.messages[roomID] = append(r.store.messages[roomID], chat.Message{
		ID:         fmt.Sprintf("seed%d", len(r.store.messages[roomID])+1),
		RoomID:     roomID,
		SenderKind: chat.SenderUser,
		SenderName: sender,
		Content:    content,
		Timestamp:  time.Now().Add(-age),
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestOnUserMessageLaunchesAllPersonas(t *testing.T) {
	r := newRig(t, 0)
	r.addRoom("room-1", "coffee",
		persona("p1", "Iris", balanced()),
		persona("p2", "Noor", balanced()),
	)

	msg, err := r.orch.OnUserMessage(context.Background(), "room-1", "ana", "morning, anyone around?")
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)

	waitFor(t, 2*time.Second, func() bool {
		return len(r.store.personaMessages("room-1")) == 2
	})

	replies := r.store.personaMessages("room-1")
	names := map[string]bool{}
	for _, m := range replies {
		names[m.SenderName] = true
		assert.Equal(t, msg.ID, m.ReplyTo)
		assert.NotEmpty(t, m.Content)
	}
	assert.True(t, names["Iris"] && names["Noor"], "both personas must reply")

	// Typing starts pair with typing stops once the tasks are done.
	waitFor(t, time.Second, func() bool {
		return len(r.bcast.ofType(bus.EventTypingStop)) == 2
	})
	assert.Len(t, r.bcast.ofType(bus.EventTypingStart), 2)
	// 1 user + 2 persona message events.
	assert.Len(t, r.bcast.ofType(bus.EventMessage), 3)
}

func TestMentionNarrowsEligiblePersonas(t *testing.T) {
	r := newRig(t, 0)
	r.addRoom("room-1", "coffee",
		persona("p1", "Iris", balanced()),
		persona("p2", "Noor", balanced()),
	)

	_, err := r.orch.OnUserMessage(context.Background(), "room-1", "ana", "@Iris what do you think?")
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		return len(r.store.personaMessages("room-1")) == 1
	})
	time.Sleep(100 * time.Millisecond)

	replies := r.store.personaMessages("room-1")
	require.Len(t, replies, 1)
	assert.Equal(t, "Iris", replies[0].SenderName)
}

func TestUnknownMentionLaunchesNothing(t *testing.T) {
	r := newRig(t, 0)
	r.addRoom("room-1", "coffee", persona("p1", "Iris", balanced()))

	_, err := r.orch.OnUserMessage(context.Background(), "room-1", "ana", "@ghost are you there?")
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, r.store.personaMessages("room-1"))
}

func TestOnUserMessageRejectsBadInput(t *testing.T) {
	r := newRig(t, 0)
	r.addRoom("room-1", "coffee", persona("p1", "Iris", balanced()))

	_, err := r.orch.OnUserMessage(context.Background(), "room-1", "ana", "   ")
	assert.Error(t, err)

	_, err = r.orch.OnUserMessage(context.Background(), "missing", "ana", "hello")
	assert.Error(t, err)
}

func TestInterruptSuppressesUnpersistedReplies(t *testing.T) {
	r := newRig(t, 300*time.Millisecond)
	r.addRoom("room-1", "coffee",
		persona("p1", "Iris", balanced()),
		persona("p2", "Noor", balanced()),
	)

	_, err := r.orch.OnUserMessage(context.Background(), "room-1", "ana", "thoughts on the roadmap?")
	require.NoError(t, err)
	require.Equal(t, 2, r.orch.ActiveCount("room-1"))

	r.orch.Interrupt("room-1")

	assert.Equal(t, 0, r.orch.ActiveCount("room-1"))
	assert.Len(t, r.bcast.ofType(bus.EventResponseDropped), 2)

	// Give the cancelled tasks ample time to have misbehaved.
	time.Sleep(600 * time.Millisecond)
	assert.Empty(t, r.store.personaMessages("room-1"),
		"interrupted tasks must not emit messages")
}

func TestUserMessageInterruptsBeforePersisting(t *testing.T) {
	r := newRig(t, 300*time.Millisecond)
	r.addRoom("room-1", "coffee",
		persona("p1", "Iris", balanced()),
		persona("p2", "Noor", balanced()),
	)

	_, err := r.orch.OnUserMessage(context.Background(), "room-1", "ana", "thoughts on the roadmap?")
	require.NoError(t, err)
	require.Equal(t, 2, r.orch.ActiveCount("room-1"))

	second, err := r.orch.OnUserMessage(context.Background(), "room-1", "ana", "wait, new idea instead")
	require.NoError(t, err)

	r.bcast.mu.Lock()
	events := append([]bus.Event(nil), r.bcast.events...)
	r.bcast.mu.Unlock()

	secondAt, lastDropAt := -1, -1
	for i, e := range events {
		switch {
		case e.Type == bus.EventMessage && e.MessageID == second.ID:
			secondAt = i
		case e.Type == bus.EventResponseDropped:
			lastDropAt = i
		}
	}
	require.NotEqual(t, -1, secondAt, "second user message must be broadcast")
	require.Len(t, r.bcast.ofType(bus.EventResponseDropped), 2)
	assert.Less(t, lastDropAt, secondAt,
		"in-flight replies are dropped before the new message lands")
}

func TestAutoChatRequestRejectsDuplicates(t *testing.T) {
	r := newRig(t, 300*time.Millisecond)
	r.addRoom("room-1", "coffee", persona("p1", "Iris", balanced()))

	require.NoError(t, r.orch.OnAutoChatRequest(context.Background(), "room-1", "p1"))
	err := r.orch.OnAutoChatRequest(context.Background(), "room-1", "p1")
	assert.Error(t, err, "a persona may not hold two in-flight tasks")

	assert.Error(t, r.orch.OnAutoChatRequest(context.Background(), "room-1", "stranger"))
}

func TestAutoChatRequestProducesReply(t *testing.T) {
	r := newRig(t, 0)
	r.addRoom("room-1", "coffee", persona("p1", "Iris", balanced()))

	require.NoError(t, r.orch.OnAutoChatRequest(context.Background(), "room-1", "p1"))

	waitFor(t, 2*time.Second, func() bool {
		return len(r.store.personaMessages("room-1")) == 1
	})
	assert.Equal(t, "Iris", r.store.personaMessages("room-1")[0].SenderName)
}

func TestIdleSkipsEngagedRoom(t *testing.T) {
	r := newRig(t, 0)
	r.addRoom("room-1", "coffee",
		persona("p1", "Iris", balanced()),
		persona("p2", "Noor", balanced()),
	)
	// A lively window seconds old keeps the skip policy in force.
	for i := 14; i >= 0; i-- {
		sender := "ana"
		if i%2 == 0 {
			sender = "ben"
		}
		r.seedMessage("room-1", sender,
			"this is great, love where the design is going! 🎉 what about the rollout?",
			time.Duration(i*10+5)*time.Second)
	}

	require.NoError(t, r.orch.OnRoomIdle(context.Background(), "room-1"))

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, r.store.personaMessages("room-1"), "healthy rooms are left alone")
}

func TestIdleNudgesDormantRoom(t *testing.T) {
	r := newRig(t, 0)
	extravert := chat.Traits{Extraversion: 5, Agreeableness: 3, Conscientiousness: 3, Neuroticism: 3, Openness: 3}
	r.addRoom("room-1", "coffee",
		persona("p1", "Iris", balanced()),
		persona("p2", "Noor", extravert),
	)
	r.seedMessage("room-1", "ana", "well, talk later everyone", 12*time.Minute)

	require.NoError(t, r.orch.OnRoomIdle(context.Background(), "room-1"))

	waitFor(t, 2*time.Second, func() bool {
		return len(r.store.personaMessages("room-1")) == 1
	})
	// Dormant rooms need a cooling intervention; the extraverted persona
	// gets the nudge.
	assert.Equal(t, "Noor", r.store.personaMessages("room-1")[0].SenderName)
}

func TestPickIdlePersonaTraitOverrides(t *testing.T) {
	agreeable := persona("p1", "Iris", chat.Traits{Extraversion: 3, Agreeableness: 5, Conscientiousness: 3, Neuroticism: 3, Openness: 3})
	open := persona("p2", "Noor", chat.Traits{Extraversion: 3, Agreeableness: 3, Conscientiousness: 3, Neuroticism: 3, Openness: 5})
	plain := persona("p3", "Sam", balanced())
	roster := []chat.Persona{agreeable, open, plain}

	unbalanced := analyzer.State{Intervention: analyzer.InterventionNeed{Needed: true, Reason: analyzer.ReasonUnbalanced}}
	assert.Equal(t, "Iris", pickIdlePersona(roster, nil, unbalanced).Name)

	surface := analyzer.State{Intervention: analyzer.InterventionNeed{Needed: true, Reason: analyzer.ReasonSurface}}
	assert.Equal(t, "Noor", pickIdlePersona(roster, nil, surface).Name)

	// No matching trait: fall back to least-active.
	cooling := analyzer.State{Intervention: analyzer.InterventionNeed{Needed: true, Reason: analyzer.ReasonCooling}}
	recent := []chat.Message{
		{SenderName: "Iris"}, {SenderName: "Iris"}, {SenderName: "Noor"},
	}
	assert.Equal(t, "Sam", pickIdlePersona(roster, recent, cooling).Name)
}

func TestLeastActivePrefersQuietPersona(t *testing.T) {
	roster := []chat.Persona{
		persona("p1", "Iris", balanced()),
		persona("p2", "Noor", balanced()),
	}
	recent := []chat.Message{
		{SenderName: "Iris"}, {SenderName: "Iris"}, {SenderName: "ana"},
	}
	assert.Equal(t, "Noor", leastActive(roster, recent).Name)
}

func TestParseMentions(t *testing.T) {
	tests := []struct {
		content string
		want    []string
	}{
		{"hello @Iris, how are you?", []string{"iris"}},
		{"@Iris @Noor ping", []string{"iris", "noor"}},
		{"@Iris @iris twice", []string{"iris"}},
		{"mail me at ana@example.com", []string{"example"}},
		{"@Чайка добрый день", []string{"чайка"}},
		{"@dev_bot-2 status?", []string{"dev_bot-2"}},
		{"no mentions here", nil},
		{"stray @ sign", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseMentions(tt.content), "content: %q", tt.content)
	}
}

func TestEligibleExcludesSender(t *testing.T) {
	roster := []chat.Persona{
		persona("p1", "Iris", balanced()),
		persona("p2", "Noor", balanced()),
	}

	got := eligible(roster, "iris", nil)
	require.Len(t, got, 1)
	assert.Equal(t, "Noor", got[0].Name)

	got = eligible(roster, "ana", []string{"noor"})
	require.Len(t, got, 1)
	assert.Equal(t, "Noor", got[0].Name)
}

func TestDropRoomTearsDownState(t *testing.T) {
	r := newRig(t, 300*time.Millisecond)
	r.addRoom("room-1", "coffee", persona("p1", "Iris", balanced()))

	require.NoError(t, r.orch.OnAutoChatRequest(context.Background(), "room-1", "p1"))
	require.Equal(t, 1, r.orch.ActiveCount("room-1"))

	r.orch.DropRoom("room-1")
	assert.Equal(t, 0, r.orch.ActiveCount("room-1"))

	time.Sleep(500 * time.Millisecond)
	assert.Empty(t, r.store.personaMessages("room-1"))
}
