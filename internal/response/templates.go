package response

import "strings"

// template is one candidate reply shape. Placeholders: {name} (another
// participant), {topic}, {emotion}, {time_of_day}.
type template struct {
	text string
	// fits gates the template on persona style; nil means anyone.
	fits func(Style) bool
}

func creative(s Style) bool    { return s.Creative }
func verbose(s Style) bool     { return s.Verbose }
func formal(s Style) bool      { return s.Formal }
func emotive(s Style) bool     { return s.Emotive }
func cooperative(s Style) bool { return s.Cooperative }

var templates = map[Strategy][]template{
	StrategyDirectReply: {
		{text: "Good question, {name} — here's where I land on {topic}.", fits: nil},
		{text: "{name}, I was hoping you'd ask. My take on {topic}:", fits: verbose},
		{text: "Since you asked directly, {name}: {topic} deserves a careful answer.", fits: formal},
		{text: "Ha, {name}, you read my mind — I have opinions about {topic}.", fits: creative},
	},
	StrategyRevive: {
		{text: "It's gotten quiet in here. Anyone still thinking about {topic}?", fits: nil},
		{text: "Let me stir the pot: what's the most surprising angle on {topic} nobody has raised yet?", fits: creative},
		{text: "Picking this back up — where did we leave {topic}?", fits: formal},
	},
	StrategyInclude: {
		{text: "{name}, you've been quiet — what's your read on {topic}?", fits: nil},
		{text: "I'd genuinely like to hear {name}'s side of this before we go further.", fits: cooperative},
		{text: "Hold on, we haven't heard from {name} yet. Over to you!", fits: verbose},
	},
	StrategyDeepen: {
		{text: "Can we dig into that? What's actually driving {topic}?", fits: nil},
		{text: "There's more under the surface here. What would change your mind about {topic}?", fits: creative},
		{text: "Let me push a level deeper on {topic} before we move on.", fits: formal},
	},
	StrategyAnswer: {
		{text: "Short answer: it depends on how you frame {topic}. Longer answer coming.", fits: nil},
		{text: "I'll take a swing at that one.", fits: nil},
		{text: "That question has a clean answer and a messy one — I'll give you both.", fits: verbose},
	},
	StrategyDebate: {
		{text: "I'll take the other side of that, just to keep us honest.", fits: nil},
		{text: "Respectfully, I think the premise about {topic} is off.", fits: formal},
		{text: "Counterpoint! {topic} looks completely different if you start from the user's seat.", fits: emotive},
	},
	StrategyStorytell: {
		{text: "That reminds me of something that happened with {topic} — go on, though, you first.", fits: nil},
		{text: "Don't stop there, what happened next?", fits: cooperative},
	},
	StrategyOfferInput: {
		{text: "Since you're collecting opinions: my vote on {topic} is cautious optimism.", fits: nil},
		{text: "Happy to weigh in — on {topic} I'd start small and measure.", fits: formal},
		{text: "You asked, so here it is, unvarnished: {topic} is worth it, but not the way we're doing it.", fits: emotive},
	},
	StrategyBridge: {
		{text: "Funny enough, that connects back to {topic}.", fits: nil},
		{text: "Two threads are running here — let me try to tie {topic} into the new one.", fits: creative},
	},
	StrategyCelebrate: {
		{text: "This energy is great. {topic} deserves the excitement!", fits: nil},
		{text: "Love seeing this much {emotion} in the room!", fits: emotive},
	},
	StrategySupport: {
		{text: "That sounds rough. Want to talk through {topic} a bit more?", fits: nil},
		{text: "For what it's worth, {name}, the {emotion} here is understandable.", fits: cooperative},
	},
	StrategyAffirm: {
		{text: "Agreed — and I'd add one thing about {topic}.", fits: nil},
		{text: "Nicely put. That matches what I've seen with {topic} too.", fits: formal},
	},
	StrategyIcebreak: {
		{text: "Good {time_of_day}, everyone. Shall we pick {topic} back up, or start fresh?", fits: nil},
		{text: "Quiet room, bold question: what's the one thing about {topic} you'd change tomorrow?", fits: creative},
	},
	StrategyKeepWarm: {
		{text: "Before this cools off completely — one more thought on {topic}.", fits: nil},
		{text: "Still here, still mulling over {topic}.", fits: nil},
	},
	StrategyRiff: {
		{text: "Building on that — {topic} gets even more interesting if you flip it around.", fits: nil},
		{text: "Yes, and! {topic} also touches on something we skipped earlier.", fits: creative},
	},
	StrategyContribute: {
		{text: "One thing worth adding about {topic}: the details matter more than the headline.", fits: nil},
		{text: "I keep coming back to {topic} — there's an angle we haven't covered.", fits: nil},
	},
}

// variationPhrases prefix a reply that came out too similar to the
// persona's recent output.
var variationPhrases = []string{
	"On a different note — ",
	"Come to think of it, ",
	"Put another way: ",
	"Let me try that again from a new angle: ",
}

// templatesFor returns the style-compatible templates for a strategy.
func templatesFor(strategy Strategy, style Style) []template {
	all := templates[strategy]
	out := make([]template, 0, len(all))
	for _, t := range all {
		if t.fits == nil || t.fits(style) {
			out = append(out, t)
		}
	}
	return out
}

// fill substitutes template placeholders.
func fill(text string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
