package response

import (
	"fmt"
	"strings"

	"github.com/normanking/salon/internal/analyzer"
	"github.com/normanking/salon/internal/learning"
	"github.com/normanking/salon/internal/memstore"
)

// BuildSystemPrompt assembles the completion-service system prompt from the
// persona identity, its adapted traits, the conversation state, and any
// retrieved memories.
func BuildSystemPrompt(ctx Context, traits learning.TraitVector, state analyzer.State, memories []memstore.Record) string {
	var sb strings.Builder

	p := ctx.Persona
	fmt.Fprintf(&sb, "You are %s, a participant in a group chat.\n\n", p.Name)

	sb.WriteString("## Personality\n")
	sb.WriteString(describeTraits(traits))
	sb.WriteString("\n\n")

	if p.CustomInstructions != "" {
		sb.WriteString("## Instructions\n")
		sb.WriteString(p.CustomInstructions)
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Conversation\n")
	if ctx.RoomTopic != "" {
		fmt.Fprintf(&sb, "The room's topic is %q.\n", ctx.RoomTopic)
	}
	fmt.Fprintf(&sb, "The conversation is %s with %s engagement.\n", state.Phase, state.Engagement)
	if state.EmotionalTone.Dominant != analyzer.ToneNeutral {
		fmt.Fprintf(&sb, "The prevailing mood is %s.\n", state.EmotionalTone.Dominant)
	}
	if len(ctx.Others) > 0 {
		fmt.Fprintf(&sb, "Other participants: %s.\n", strings.Join(ctx.Others, ", "))
	}
	sb.WriteString("\n")

	if len(memories) > 0 {
		sb.WriteString("## Things you remember\n")
		for _, m := range memories {
			fmt.Fprintf(&sb, "- %s\n", m.Content)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Reply with a single short chat message. Stay in character. ")
	sb.WriteString("Do not narrate or prefix your name.")
	if ctx.Language != "" && ctx.Language != "en" {
		fmt.Fprintf(&sb, " Reply in %s.", ctx.Language)
	}

	return sb.String()
}

// describeTraits renders the adapted trait vector as plain instructions.
func describeTraits(v learning.TraitVector) string {
	var parts []string

	level := func(x float64, low, mid, high string) string {
		switch {
		case x >= 4:
			return high
		case x >= 2.5:
			return mid
		default:
			return low
		}
	}

	parts = append(parts,
		level(v.Extraversion, "You are reserved and brief.", "You speak when you have something to say.", "You are outgoing and talkative."),
		level(v.Agreeableness, "You are blunt and contrarian.", "You are fair but direct.", "You are warm and accommodating."),
		level(v.Conscientiousness, "You are casual and loose with details.", "You are reasonably organized.", "You are precise and structured."),
		level(v.Neuroticism, "You are calm and unflappable.", "You show feelings in moderation.", "You are expressive and easily moved."),
		level(v.Openness, "You prefer the familiar and concrete.", "You are open to new ideas.", "You chase novel ideas and odd angles."),
	)

	return strings.Join(parts, " ")
}
