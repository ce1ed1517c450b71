// Package response turns a selected strategy, a persona, and the local
// conversational context into reply text. Generation degrades through a
// strict chain: templates, then the completion service, then canned text,
// then a static line.
package response

import (
	"strings"

	"github.com/normanking/salon/internal/analyzer"
	"github.com/normanking/salon/internal/chat"
)

// Strategy tags the kind of reply a persona should produce.
type Strategy string

const (
	StrategyDirectReply Strategy = "direct_reply" // persona was mentioned
	StrategyRevive      Strategy = "revive"       // cooling intervention
	StrategyInclude     Strategy = "include"      // unbalanced participation
	StrategyDeepen      Strategy = "deepen"       // surface conversation
	StrategyAnswer      Strategy = "answer"       // questioning pattern
	StrategyDebate      Strategy = "debate"       // opposing viewpoints in play
	StrategyStorytell   Strategy = "storytell"    // narrative exchange
	StrategyOfferInput  Strategy = "offer_input"  // someone asked for opinions
	StrategyBridge      Strategy = "bridge"       // topic shift underway
	StrategyCelebrate   Strategy = "celebrate"    // dominant excitement
	StrategySupport     Strategy = "support"      // dominant negative/concern
	StrategyAffirm      Strategy = "affirm"       // dominant positive
	StrategyIcebreak    Strategy = "icebreak"     // dormant room
	StrategyKeepWarm    Strategy = "keep_warm"    // cooling default
	StrategyRiff        Strategy = "riff"         // flowing default
	StrategyContribute  Strategy = "contribute"   // active default
)

// Context is the local conversational context for one persona's reply.
type Context struct {
	Persona   chat.Persona
	RoomTopic string
	// Mentioned is true when the inbound message @-mentioned this persona.
	Mentioned bool
	// Trigger is the message being responded to; zero for idle nudges.
	Trigger chat.Message
	// Recent is the analyzer window, oldest first.
	Recent []chat.Message
	// Others lists the other participants' display names.
	Others []string
	// Language preference, BCP 47; only "en" vocabularies ship today.
	Language string
}

// SelectStrategy resolves the reply strategy by fixed priority:
// direct mention, then active intervention, then detected conversational
// pattern, then dominant emotion, then the phase default.
func SelectStrategy(ctx Context, state analyzer.State) Strategy {
	if ctx.Mentioned {
		return StrategyDirectReply
	}

	if state.Intervention.Needed {
		switch state.Intervention.Reason {
		case analyzer.ReasonCooling:
			return StrategyRevive
		case analyzer.ReasonUnbalanced:
			return StrategyInclude
		case analyzer.ReasonSurface:
			return StrategyDeepen
		}
	}

	if p := detectPattern(ctx.Recent, state); p != "" {
		return p
	}

	switch state.EmotionalTone.Dominant {
	case analyzer.ToneExcitement:
		return StrategyCelebrate
	case analyzer.ToneNegative, analyzer.ToneConcern:
		return StrategySupport
	case analyzer.TonePositive:
		return StrategyAffirm
	}

	switch state.Phase {
	case analyzer.PhaseDormant:
		return StrategyIcebreak
	case analyzer.PhaseCooling:
		return StrategyKeepWarm
	case analyzer.PhaseFlowing:
		return StrategyRiff
	default:
		return StrategyContribute
	}
}

// detectPattern inspects the tail of the window for recognizable
// conversational shapes. Order matters: questions win over debates.
func detectPattern(recent []chat.Message, state analyzer.State) Strategy {
	if len(recent) == 0 {
		return ""
	}
	last := recent[len(recent)-1]
	lower := strings.ToLower(last.Content)

	if asksForInput(lower) {
		return StrategyOfferInput
	}
	if strings.Contains(last.Content, "?") {
		return StrategyAnswer
	}
	if isDebate(recent) {
		return StrategyDebate
	}
	if isStorytelling(recent) {
		return StrategyStorytell
	}
	if state.TopicContinuity.Shifts >= 2 {
		return StrategyBridge
	}
	return ""
}

func asksForInput(lower string) bool {
	for _, cue := range []string{
		"what do you think", "any thoughts", "thoughts?", "any ideas",
		"what would you", "does anyone", "opinions", "suggestions",
	} {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}

// isDebate looks for disagreement markers across the last few messages.
func isDebate(recent []chat.Message) bool {
	markers := []string{"disagree", "actually,", "not true", "on the contrary", "i don't think", "wrong about"}
	hits := 0
	for _, m := range tail(recent, 5) {
		lower := strings.ToLower(m.Content)
		for _, marker := range markers {
			if strings.Contains(lower, marker) {
				hits++
				break
			}
		}
	}
	return hits >= 2
}

// isStorytelling treats a run of long narrative messages from one sender
// as a story in progress.
func isStorytelling(recent []chat.Message) bool {
	window := tail(recent, 3)
	if len(window) < 2 {
		return false
	}
	sender := window[len(window)-1].SenderName
	long := 0
	for _, m := range window {
		if m.SenderName == sender && len([]rune(m.Content)) > 120 {
			long++
		}
	}
	return long >= 2
}

func tail(msgs []chat.Message, n int) []chat.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
