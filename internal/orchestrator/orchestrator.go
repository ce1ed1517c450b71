// Package orchestrator coordinates persona responses for chat rooms. It
// turns inbound user messages and idle wake-ups into cancellable response
// tasks, one per eligible persona, and routes their output through the
// store and the event bus.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/normanking/salon/internal/analyzer"
	"github.com/normanking/salon/internal/bus"
	"github.com/normanking/salon/internal/chat"
	"github.com/normanking/salon/internal/config"
	"github.com/normanking/salon/internal/learning"
	"github.com/normanking/salon/internal/memstore"
	"github.com/normanking/salon/internal/response"
)

// Store is the persistence surface the orchestrator depends on.
type Store interface {
	GetRoom(ctx context.Context, id string) (*chat.Room, error)
	RoomPersonas(ctx context.Context, roomID string) ([]chat.Persona, error)
	RecentMessages(ctx context.Context, roomID string, limit int) ([]chat.Message, error)
	CreateMessage(ctx context.Context, m *chat.Message) error
}

// Broadcaster delivers room events to whoever is listening.
type Broadcaster interface {
	Publish(event bus.Event) error
}

const (
	// idleSkipFlowing and idleSkipEngaged are the minimum idle times
	// before a flowing or highly engaged room accepts an idle nudge.
	idleSkipFlowing = 2 * time.Minute
	idleSkipEngaged = 3 * time.Minute

	// memoryRetrieveLimit caps the memories injected into one reply.
	memoryRetrieveLimit = 5
)

// Orchestrator owns the per-room response machinery.
type Orchestrator struct {
	store       Store
	broadcaster Broadcaster
	generator   *response.Generator
	analyzer    *analyzer.Analyzer
	memories    *memstore.Store
	adapter     *learning.Adapter
	cfg         config.OrchestratorConfig

	mu    sync.Mutex
	rooms map[string]*roomState
	rng   *rand.Rand

	now    func() time.Time
	pacing func(analyzer.State) time.Duration

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// roomState is the keyed per-room state: the active response set, the
// cancellation scope for in-flight tasks, the single wake-up timer, and
// the cached conversation state.
type roomState struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	active map[string]string // persona ID -> display name
	timer  *time.Timer

	state   analyzer.State
	recent  []chat.Message
	stateAt time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock injects the wall clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRand seeds the thinking-delay randomness.
func WithRand(rng *rand.Rand) Option {
	return func(o *Orchestrator) { o.rng = rng }
}

// WithPacing overrides the pre-response pacing delay. The default paces
// tasks by the analyzer's suggested delay.
func WithPacing(fn func(analyzer.State) time.Duration) Option {
	return func(o *Orchestrator) { o.pacing = fn }
}

// New wires an Orchestrator from its collaborators.
func New(
	store Store,
	broadcaster Broadcaster,
	generator *response.Generator,
	an *analyzer.Analyzer,
	memories *memstore.Store,
	adapter *learning.Adapter,
	cfg config.OrchestratorConfig,
	opts ...Option,
) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		store:       store,
		broadcaster: broadcaster,
		generator:   generator,
		analyzer:    an,
		memories:    memories,
		adapter:     adapter,
		cfg:         cfg,
		rooms:       make(map[string]*roomState),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		now:         time.Now,
		baseCtx:     ctx,
		baseCancel:  cancel,
	}
	o.pacing = func(s analyzer.State) time.Duration { return s.SuggestedDelay }

	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OnUserMessage persists and broadcasts a user message, interrupts any
// in-flight persona tasks for the room, and launches a fresh task per
// eligible persona. Eligibility: the roster minus the sender, narrowed to
// the @-mentioned personas when the message mentions anyone.
func (o *Orchestrator) OnUserMessage(ctx context.Context, roomID, senderName, content string) (*chat.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("empty message content")
	}

	room, err := o.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("resolve room: %w", err)
	}

	// A new user message supersedes everything the personas were doing;
	// cancel before the message lands so no stale reply slips in after it.
	o.Interrupt(roomID)

	msg := &chat.Message{
		RoomID:     roomID,
		SenderKind: chat.SenderUser,
		SenderName: senderName,
		Content:    content,
		Timestamp:  o.now().UTC(),
	}
	if err := o.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	o.broadcaster.Publish(bus.NewMessageEvent(*msg))

	roster, err := o.store.RoomPersonas(ctx, roomID)
	if err != nil {
		return msg, fmt.Errorf("resolve roster: %w", err)
	}
	if len(roster) == 0 {
		return msg, nil
	}

	rs := o.room(roomID)
	o.invalidateState(rs)
	state, recent, err := o.conversationState(ctx, rs, roomID, roster)
	if err != nil {
		return msg, err
	}

	// Remember the user's message from every roster persona's viewpoint.
	memCtx := memstore.Context{Participants: []string{senderName}}
	for _, p := range roster {
		o.memories.Record(p.ID, *msg, memCtx)
	}

	mentions := ParseMentions(content)
	for _, p := range eligible(roster, senderName, mentions) {
		o.launch(rs, taskRequest{
			room:      room,
			persona:   p,
			trigger:   *msg,
			mentioned: mentionsInclude(mentions, p.Name),
			roster:    roster,
			recent:    recent,
			state:     state,
		})
	}

	o.scheduleWake(rs, roomID, state.SuggestedDelay)
	return msg, nil
}

// OnRoomIdle re-evaluates a quiet room and, unless the skip policy holds,
// nudges it with a single persona response.
func (o *Orchestrator) OnRoomIdle(ctx context.Context, roomID string) error {
	room, err := o.store.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("resolve room: %w", err)
	}
	roster, err := o.store.RoomPersonas(ctx, roomID)
	if err != nil {
		return fmt.Errorf("resolve roster: %w", err)
	}
	if len(roster) == 0 {
		return nil
	}

	rs := o.room(roomID)
	o.invalidateState(rs)
	state, recent, err := o.conversationState(ctx, rs, roomID, roster)
	if err != nil {
		return err
	}

	if (state.Phase == analyzer.PhaseFlowing && state.IdleFor < idleSkipFlowing) ||
		(state.Engagement == analyzer.EngagementHigh && state.IdleFor < idleSkipEngaged) {
		log.Debug().
			Str("room", roomID).
			Str("phase", string(state.Phase)).
			Dur("idle", state.IdleFor).
			Msg("idle nudge skipped, room is healthy")
		o.scheduleWake(rs, roomID, state.SuggestedDelay)
		return nil
	}

	persona := pickIdlePersona(roster, recent, state)
	o.launch(rs, taskRequest{
		room:    room,
		persona: persona,
		roster:  roster,
		recent:  recent,
		state:   state,
	})

	o.scheduleWake(rs, roomID, state.SuggestedDelay)
	return nil
}

// OnAutoChatRequest forces one persona to respond, through the same task
// machinery as every other trigger.
func (o *Orchestrator) OnAutoChatRequest(ctx context.Context, roomID, personaID string) error {
	room, err := o.store.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("resolve room: %w", err)
	}
	roster, err := o.store.RoomPersonas(ctx, roomID)
	if err != nil {
		return fmt.Errorf("resolve roster: %w", err)
	}

	var persona *chat.Persona
	for i := range roster {
		if roster[i].ID == personaID {
			persona = &roster[i]
			break
		}
	}
	if persona == nil {
		return fmt.Errorf("persona %s is not in room %s", personaID, roomID)
	}

	rs := o.room(roomID)
	state, recent, err := o.conversationState(ctx, rs, roomID, roster)
	if err != nil {
		return err
	}

	if !o.launch(rs, taskRequest{
		room:    room,
		persona: *persona,
		roster:  roster,
		recent:  recent,
		state:   state,
	}) {
		return fmt.Errorf("persona %s already has a response in flight", personaID)
	}
	return nil
}

// Interrupt cancels every in-flight response task for a room. The tasks
// themselves exit silently; the typing indicators they may have raised are
// cleared here.
func (o *Orchestrator) Interrupt(roomID string) {
	rs := o.room(roomID)

	rs.mu.Lock()
	cancelled := rs.active
	rs.active = make(map[string]string)
	cancel := rs.cancel
	rs.ctx, rs.cancel = context.WithCancel(o.baseCtx)
	rs.mu.Unlock()

	cancel()

	for _, name := range cancelled {
		o.broadcaster.Publish(bus.NewTypingEvent(roomID, name, false))
		o.broadcaster.Publish(bus.NewDroppedEvent(roomID, name, "interrupted"))
	}
	if len(cancelled) > 0 {
		log.Debug().Str("room", roomID).Int("tasks", len(cancelled)).Msg("interrupted in-flight responses")
	}
}

// ActiveCount returns the number of in-flight response tasks for a room.
func (o *Orchestrator) ActiveCount(roomID string) int {
	rs := o.room(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.active)
}

// Shutdown cancels all rooms and waits for in-flight tasks to drain.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for _, rs := range o.rooms {
		rs.mu.Lock()
		if rs.timer != nil {
			rs.timer.Stop()
			rs.timer = nil
		}
		rs.mu.Unlock()
	}
	o.mu.Unlock()

	o.baseCancel()
	o.wg.Wait()
}

// ─── Task machinery ──────────────────────────────────────────────────────────

type taskRequest struct {
	room      *chat.Room
	persona   chat.Persona
	trigger   chat.Message // zero for idle and auto-chat nudges
	mentioned bool
	roster    []chat.Persona
	recent    []chat.Message
	state     analyzer.State
}

// launch registers the persona in the room's active set and spawns its
// response task. Returns false when the persona already has a task in
// flight; the set never holds the same persona twice.
func (o *Orchestrator) launch(rs *roomState, req taskRequest) bool {
	rs.mu.Lock()
	if _, dup := rs.active[req.persona.ID]; dup {
		rs.mu.Unlock()
		return false
	}
	rs.active[req.persona.ID] = req.persona.Name
	ctx := rs.ctx
	rs.mu.Unlock()

	o.wg.Add(1)
	go o.runTask(ctx, rs, req)
	return true
}

// runTask is one persona's cancellable response. It re-checks membership
// in the active set around every suspension point and exits silently when
// evicted.
func (o *Orchestrator) runTask(ctx context.Context, rs *roomState, req taskRequest) {
	defer o.wg.Done()
	persona := req.persona
	defer o.finish(rs, persona.ID)

	// Pacing delay, so replies land at a conversational rhythm.
	if !o.pause(ctx, rs, persona.ID, o.pacing(req.state)) {
		return
	}
	// Thinking delay before the typing indicator appears.
	if !o.pause(ctx, rs, persona.ID, o.thinkingDelay()) {
		return
	}

	o.broadcaster.Publish(bus.NewTypingEvent(req.room.ID, persona.Name, true))

	topic := req.room.Topic
	memories := o.memories.Retrieve(persona.ID, memstore.Context{
		Topics:       analyzer.ExtractKeywords(req.trigger.Content),
		Participants: participantNames(req.recent),
	}, memoryRetrieveLimit)

	o.adapter.Initialize(persona)
	traits, _ := o.adapter.AdaptedFor(persona.ID, learning.Context{
		Phase: req.state.Phase,
		Topic: topic,
	})

	respCtx := response.Context{
		Persona:   persona,
		RoomTopic: topic,
		Mentioned: req.mentioned,
		Trigger:   req.trigger,
		Recent:    req.recent,
		Others:    otherNames(req.roster, req.recent, persona.Name),
		Language:  persona.Language,
	}
	strategy := response.SelectStrategy(respCtx, req.state)

	text, err := o.generator.Generate(ctx, &response.Request{
		Strategy: strategy,
		Context:  respCtx,
		Traits:   traits,
		State:    req.state,
		Memories: memories,
	})
	if err != nil {
		// Cancelled mid-generation; the interrupting call owns cleanup.
		return
	}

	if !o.stillActive(ctx, rs, persona.ID) {
		return
	}

	msg := &chat.Message{
		RoomID:     req.room.ID,
		SenderKind: chat.SenderPersona,
		SenderName: persona.Name,
		SenderRef:  persona.ID,
		Content:    text,
		ReplyTo:    req.trigger.ID,
		Timestamp:  o.now().UTC(),
	}
	if err := o.store.CreateMessage(ctx, msg); err != nil {
		log.Error().Err(err).
			Str("room", req.room.ID).
			Str("persona", persona.Name).
			Msg("failed to persist persona reply")
		o.broadcaster.Publish(bus.NewTypingEvent(req.room.ID, persona.Name, false))
		return
	}

	o.broadcaster.Publish(bus.NewMessageEvent(*msg))
	o.broadcaster.Publish(bus.NewTypingEvent(req.room.ID, persona.Name, false))

	o.memories.Record(persona.ID, *msg, memstore.Context{
		Topics:       analyzer.ExtractKeywords(text),
		Participants: participantNames(req.recent),
	})
	o.adapter.Adapt(persona.ID, learning.Signals{
		Emotion:       emotionSignal(req.state),
		Influence:     req.state.EmotionalTone.Intensity,
		AskedQuestion: strings.Contains(text, "?"),
		DetailedReply: len([]rune(text)) > 100,
		Success:       true,
		Topic:         topic,
	})

	o.invalidateState(rs)

	log.Info().
		Str("room", req.room.ID).
		Str("persona", persona.Name).
		Str("strategy", string(strategy)).
		Msg("persona replied")
}

// pause sleeps for d, honoring cancellation, and reports whether the task
// is still a member of the active set afterwards.
func (o *Orchestrator) pause(ctx context.Context, rs *roomState, personaID string, d time.Duration) bool {
	if !o.stillActive(ctx, rs, personaID) {
		return false
	}
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return false
		}
	}
	return o.stillActive(ctx, rs, personaID)
}

func (o *Orchestrator) stillActive(ctx context.Context, rs *roomState, personaID string) bool {
	if ctx.Err() != nil {
		return false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	_, ok := rs.active[personaID]
	return ok
}

func (o *Orchestrator) finish(rs *roomState, personaID string) {
	rs.mu.Lock()
	delete(rs.active, personaID)
	rs.mu.Unlock()
}

func (o *Orchestrator) thinkingDelay() time.Duration {
	lo, hi := o.cfg.ThinkingDelayMin, o.cfg.ThinkingDelayMax
	if hi <= lo {
		return lo
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return lo + time.Duration(o.rng.Int63n(int64(hi-lo)))
}

// ─── Room registry, timers, state cache ──────────────────────────────────────

func (o *Orchestrator) room(roomID string) *roomState {
	o.mu.Lock()
	defer o.mu.Unlock()

	rs, ok := o.rooms[roomID]
	if !ok {
		ctx, cancel := context.WithCancel(o.baseCtx)
		rs = &roomState{
			ctx:    ctx,
			cancel: cancel,
			active: make(map[string]string),
		}
		o.rooms[roomID] = rs
	}
	return rs
}

// DropRoom tears down a room's keyed state after the room is deleted.
func (o *Orchestrator) DropRoom(roomID string) {
	o.Interrupt(roomID)

	o.mu.Lock()
	rs, ok := o.rooms[roomID]
	if ok {
		delete(o.rooms, roomID)
	}
	o.mu.Unlock()

	if ok {
		rs.mu.Lock()
		if rs.timer != nil {
			rs.timer.Stop()
		}
		rs.mu.Unlock()
	}
}

// scheduleWake arms the room's single wake-up timer, superseding any
// previous one.
func (o *Orchestrator) scheduleWake(rs *roomState, roomID string, delay time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.timer != nil {
		rs.timer.Stop()
	}
	rs.timer = time.AfterFunc(delay, func() {
		if o.baseCtx.Err() != nil {
			return
		}
		if err := o.OnRoomIdle(o.baseCtx, roomID); err != nil {
			log.Warn().Err(err).Str("room", roomID).Msg("idle wake-up failed")
		}
	})
}

// conversationState returns the room's analysis snapshot, recomputing it
// when the cached copy is stale.
func (o *Orchestrator) conversationState(ctx context.Context, rs *roomState, roomID string, roster []chat.Persona) (analyzer.State, []chat.Message, error) {
	rs.mu.Lock()
	if !rs.stateAt.IsZero() && o.now().Sub(rs.stateAt) < o.cfg.StateCacheTTL {
		state, recent := rs.state, rs.recent
		rs.mu.Unlock()
		return state, recent, nil
	}
	rs.mu.Unlock()

	recent, err := o.store.RecentMessages(ctx, roomID, o.cfg.RecentWindow)
	if err != nil {
		return analyzer.State{}, nil, fmt.Errorf("load recent messages: %w", err)
	}
	state := o.analyzer.Analyze(recent, roster)

	rs.mu.Lock()
	rs.state, rs.recent, rs.stateAt = state, recent, o.now()
	rs.mu.Unlock()

	o.broadcaster.Publish(bus.NewStateEvent(roomID, map[string]any{
		"phase":      string(state.Phase),
		"engagement": string(state.Engagement),
		"momentum":   state.Momentum,
		"balance":    state.ParticipationBalance,
	}))

	return state, recent, nil
}

func (o *Orchestrator) invalidateState(rs *roomState) {
	rs.mu.Lock()
	rs.stateAt = time.Time{}
	rs.mu.Unlock()
}

// ─── Selection helpers ───────────────────────────────────────────────────────

// ParseMentions extracts the @-mention tokens of a message, lowercased and
// deduplicated. Mention names may contain letters, digits, underscores, and
// hyphens in any script.
func ParseMentions(content string) []string {
	var (
		mentions []string
		seen     = make(map[string]struct{})
	)

	runes := []rune(content)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '@' {
			continue
		}
		j := i + 1
		for j < len(runes) && mentionRune(runes[j]) {
			j++
		}
		if j > i+1 {
			name := strings.ToLower(string(runes[i+1 : j]))
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				mentions = append(mentions, name)
			}
		}
		i = j - 1
	}
	return mentions
}

func mentionRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-'
}

func mentionsInclude(mentions []string, name string) bool {
	for _, m := range mentions {
		if strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}

// eligible filters the roster to the personas that should respond: never
// the sender, and only the mentioned ones when mentions exist.
func eligible(roster []chat.Persona, senderName string, mentions []string) []chat.Persona {
	var out []chat.Persona
	for _, p := range roster {
		if strings.EqualFold(p.Name, senderName) {
			continue
		}
		if len(mentions) > 0 && !mentionsInclude(mentions, p.Name) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// pickIdlePersona chooses who breaks the silence: the trait best matched
// to the pending intervention when one exists, the least recently active
// persona otherwise.
func pickIdlePersona(roster []chat.Persona, recent []chat.Message, state analyzer.State) chat.Persona {
	if state.Intervention.Needed {
		var fits func(chat.Traits) bool
		switch state.Intervention.Reason {
		case analyzer.ReasonCooling:
			fits = func(t chat.Traits) bool { return t.Extraversion >= 4 }
		case analyzer.ReasonUnbalanced:
			fits = func(t chat.Traits) bool { return t.Agreeableness >= 4 }
		case analyzer.ReasonSurface:
			fits = func(t chat.Traits) bool { return t.Openness >= 4 }
		}
		if fits != nil {
			var matched []chat.Persona
			for _, p := range roster {
				if fits(p.Traits) {
					matched = append(matched, p)
				}
			}
			if len(matched) > 0 {
				return leastActive(matched, recent)
			}
		}
	}
	return leastActive(roster, recent)
}

// leastActive picks the candidate with the fewest messages in the window;
// roster order breaks ties.
func leastActive(candidates []chat.Persona, recent []chat.Message) chat.Persona {
	counts := make(map[string]int)
	for _, m := range recent {
		counts[strings.ToLower(m.SenderName)]++
	}

	best := candidates[0]
	bestCount := counts[strings.ToLower(best.Name)]
	for _, p := range candidates[1:] {
		if c := counts[strings.ToLower(p.Name)]; c < bestCount {
			best, bestCount = p, c
		}
	}
	return best
}

func participantNames(recent []chat.Message) []string {
	var (
		names []string
		seen  = make(map[string]struct{})
	)
	for _, m := range recent {
		if _, dup := seen[m.SenderName]; dup {
			continue
		}
		seen[m.SenderName] = struct{}{}
		names = append(names, m.SenderName)
	}
	return names
}

// otherNames lists everyone visible to a persona except itself: the rest
// of the roster plus any human senders in the window.
func otherNames(roster []chat.Persona, recent []chat.Message, self string) []string {
	var (
		names []string
		seen  = map[string]struct{}{strings.ToLower(self): {}}
	)
	add := func(name string) {
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup || name == "" {
			return
		}
		seen[key] = struct{}{}
		names = append(names, name)
	}

	for _, p := range roster {
		add(p.Name)
	}
	for _, m := range recent {
		if m.SenderKind == chat.SenderUser {
			add(m.SenderName)
		}
	}
	return names
}

// emotionSignal maps the room's dominant tone onto the learning vocabulary.
func emotionSignal(state analyzer.State) string {
	switch state.EmotionalTone.Dominant {
	case analyzer.ToneExcitement:
		return "excitement"
	case analyzer.TonePositive:
		return "joy"
	case analyzer.ToneNegative:
		return "sadness"
	case analyzer.ToneConcern:
		return "curiosity"
	default:
		return ""
	}
}
