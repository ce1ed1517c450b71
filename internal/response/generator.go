package response

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/salon/internal/analyzer"
	"github.com/normanking/salon/internal/chat"
	"github.com/normanking/salon/internal/learning"
	"github.com/normanking/salon/internal/llm"
	"github.com/normanking/salon/internal/memstore"
)

const (
	// minUsableLen is the shortest reply any stage may hand onward.
	minUsableLen = 8

	// uniquenessThreshold triggers the variation prefix when a candidate
	// overlaps this much with the persona's recent output.
	uniquenessThreshold = 0.7

	// recentOutputs is how many past replies are kept per persona for the
	// uniqueness check.
	recentOutputs = 5
)

// Request carries everything the generator needs for one reply.
type Request struct {
	Strategy Strategy
	Context  Context
	// Traits is the adapted trait vector; falls back to the persona's
	// base traits when zero.
	Traits learning.TraitVector
	State  analyzer.State
	// Memories retrieved for this exchange, most relevant first.
	Memories []memstore.Record
}

// Generator produces reply text through the degrade chain. It is safe for
// concurrent use.
type Generator struct {
	svc llm.CompletionService

	mu     sync.Mutex
	rng    *rand.Rand
	recent map[string][]string // persona ID -> recent reply texts
	now    func() time.Time
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithCompletionService wires the external completion stage. Without it the
// chain skips straight from templates to canned text.
func WithCompletionService(svc llm.CompletionService) GeneratorOption {
	return func(g *Generator) { g.svc = svc }
}

// WithRand seeds the stylistic randomness, for deterministic tests.
func WithRand(rng *rand.Rand) GeneratorOption {
	return func(g *Generator) { g.rng = rng }
}

// WithGeneratorClock injects the wall clock, for deterministic tests.
func WithGeneratorClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) { g.now = now }
}

// NewGenerator creates a Generator.
func NewGenerator(opts ...GeneratorOption) *Generator {
	g := &Generator{
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		recent: make(map[string][]string),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate runs the strict degrade chain: templates, completion service,
// canned text, static line. It always returns usable text; the error is
// non-nil only when the caller's context was cancelled.
func (g *Generator) Generate(ctx context.Context, req *Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	traits := req.Traits
	if traits == (learning.TraitVector{}) {
		traits = learning.FromTraits(req.Context.Persona.Traits)
	}
	style := StyleOf(traits)

	text := g.fromTemplate(req, style)

	if !usable(text) && g.svc != nil {
		text = g.fromCompletion(ctx, req, traits)
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}

	if !usable(text) {
		text = cannedReply(req.Context.Trigger.Content)
	}

	if !usable(text) {
		text = staticFallback
	}

	text = g.applyStyle(text, traits, style)
	text = g.ensureUnique(req.Context.Persona.ID, text)
	g.remember(req.Context.Persona.ID, text)

	return text, nil
}

// fromTemplate picks a style-compatible template and fills its variables.
// Returns "" when no template fits. The template vocabulary is English-only;
// other language preferences skip straight to the completion stage.
func (g *Generator) fromTemplate(req *Request, style Style) string {
	if lang := req.Context.Language; lang != "" && lang != "en" {
		return ""
	}
	candidates := templatesFor(req.Strategy, style)
	if len(candidates) == 0 {
		return ""
	}

	g.mu.Lock()
	pick := candidates[g.rng.Intn(len(candidates))]
	g.mu.Unlock()

	return fill(pick.text, g.vars(req))
}

// fromCompletion calls the external service with an enhanced system prompt.
// Failures are logged and degrade the chain, never the caller.
func (g *Generator) fromCompletion(ctx context.Context, req *Request, traits learning.TraitVector) string {
	system := BuildSystemPrompt(req.Context, traits, req.State, req.Memories)
	prompt := transcriptPrompt(req.Context.Recent, req.Strategy)

	text, err := g.svc.Complete(ctx, &llm.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: system,
	})
	if err != nil {
		log.Debug().
			Err(err).
			Str("persona", req.Context.Persona.Name).
			Str("kind", string(llm.KindOf(err))).
			Msg("completion stage failed, degrading")
		return ""
	}
	return strings.TrimSpace(text)
}

// vars resolves template variables from the local context.
func (g *Generator) vars(req *Request) map[string]string {
	other := ""
	if req.Context.Trigger.SenderName != "" && req.Context.Trigger.SenderName != req.Context.Persona.Name {
		other = req.Context.Trigger.SenderName
	} else if len(req.Context.Others) > 0 {
		other = req.Context.Others[0]
	}
	if other == "" {
		other = "everyone"
	}

	topic := req.Context.RoomTopic
	if topic == "" {
		topic = dominantTopic(req.Context.Recent)
	}
	if topic == "" {
		topic = "where this conversation is heading"
	}

	emotion := string(req.State.EmotionalTone.Dominant)
	if emotion == string(analyzer.ToneNeutral) || emotion == "" {
		emotion = "mood"
	}

	return map[string]string{
		"name":        other,
		"topic":       topic,
		"emotion":     emotion,
		"time_of_day": timeOfDay(g.now()),
	}
}

// applyStyle adds probabilistic trait-weighted touches. Each touch fires
// with probability proportional to its governing trait.
func (g *Generator) applyStyle(text string, traits learning.TraitVector, style Style) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	chance := func(trait float64) bool {
		return g.rng.Float64() < (trait-1)/4*0.6
	}

	if style.Emotive && chance(traits.Neuroticism) && !strings.HasSuffix(text, "!") {
		text = strings.TrimRight(text, ".") + "!"
	}
	if style.Verbose && chance(traits.Extraversion) {
		text += " But that's just me — curious where the rest of you land."
	}
	if style.Cooperative && chance(traits.Agreeableness) && !strings.Contains(text, "?") {
		text += " Does that track?"
	}
	return text
}

// ensureUnique prefixes a variation phrase when the candidate overlaps too
// heavily with the persona's recent replies.
func (g *Generator) ensureUnique(personaID, text string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	words := analyzer.ExtractKeywords(text)
	for _, prev := range g.recent[personaID] {
		if analyzer.Jaccard(words, analyzer.ExtractKeywords(prev)) > uniquenessThreshold {
			prefix := variationPhrases[g.rng.Intn(len(variationPhrases))]
			return prefix + lowerFirst(text)
		}
	}
	return text
}

func (g *Generator) remember(personaID, text string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	outputs := append(g.recent[personaID], text)
	if len(outputs) > recentOutputs {
		outputs = outputs[len(outputs)-recentOutputs:]
	}
	g.recent[personaID] = outputs
}

// transcriptPrompt renders the recent window for the completion call.
func transcriptPrompt(recent []chat.Message, strategy Strategy) string {
	var sb strings.Builder
	sb.WriteString("Recent conversation:\n")
	for _, m := range tail(recent, 10) {
		sb.WriteString(m.SenderName)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("\nWrite your next message (")
	sb.WriteString(strategyHint(strategy))
	sb.WriteString(").")
	return sb.String()
}

func strategyHint(s Strategy) string {
	switch s {
	case StrategyDirectReply:
		return "answer the message that addressed you"
	case StrategyRevive, StrategyIcebreak, StrategyKeepWarm:
		return "restart the stalled conversation"
	case StrategyInclude:
		return "draw a quiet participant in"
	case StrategyDeepen:
		return "push the discussion a level deeper"
	case StrategyAnswer:
		return "answer the open question"
	case StrategyDebate:
		return "offer a respectful counterargument"
	case StrategyStorytell:
		return "react to the story being told"
	case StrategyOfferInput:
		return "give your opinion, since it was requested"
	case StrategyBridge:
		return "connect the old topic to the new one"
	case StrategyCelebrate:
		return "share the excitement"
	case StrategySupport:
		return "offer support"
	default:
		return "add something useful"
	}
}

// dominantTopic picks the most frequent keyword across the window.
func dominantTopic(recent []chat.Message) string {
	counts := make(map[string]int)
	for _, m := range recent {
		for _, kw := range analyzer.ExtractKeywords(m.Content) {
			counts[kw]++
		}
	}
	best, bestN := "", 0
	for kw, n := range counts {
		if n > bestN || (n == bestN && kw < best) {
			best, bestN = kw, n
		}
	}
	return best
}

func timeOfDay(t time.Time) string {
	switch h := t.Hour(); {
	case h < 5:
		return "night"
	case h < 12:
		return "morning"
	case h < 18:
		return "afternoon"
	default:
		return "evening"
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	return strings.ToLower(string(r[0])) + string(r[1:])
}

// usable reports whether a stage produced text worth emitting.
func usable(text string) bool {
	return len([]rune(strings.TrimSpace(text))) >= minUsableLen
}

const staticFallback = "I'm still mulling that over — give me a moment and keep going."

// cannedReply maps trigger keywords to deterministic lines; the first match
// in declaration order wins.
func cannedReply(trigger string) string {
	lower := strings.ToLower(trigger)
	for _, c := range cannedReplies {
		for _, kw := range c.keywords {
			if strings.Contains(lower, kw) {
				return c.line
			}
		}
	}
	if strings.Contains(trigger, "?") {
		return "That's a fair question — let me think about it properly."
	}
	return ""
}

var cannedReplies = []struct {
	keywords []string
	line     string
}{
	{[]string{"hello", "hi ", "hey"}, "Hey! Good to see some life in here."},
	{[]string{"thanks", "thank you"}, "Anytime — that's what this room is for."},
	{[]string{"bye", "good night", "goodnight"}, "Catch you later — I'll keep the lights on here."},
	{[]string{"help", "stuck", "confused"}, "Let's untangle it together — where does it go wrong?"},
	{[]string{"agree", "exactly", "right"}, "Glad we're on the same page."},
}
