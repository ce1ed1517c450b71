package analyzer

import "strings"

// Tone is an emotional bucket detected in message content.
type Tone string

const (
	TonePositive   Tone = "positive"
	ToneNegative   Tone = "negative"
	ToneExcitement Tone = "excitement"
	ToneConcern    Tone = "concern"
	ToneNeutral    Tone = "neutral"
)

// ToneScorer maps message content to per-bucket match counts. The default
// implementation is keyword/emoji based and therefore locale-specific;
// swapping in a different scorer (another language, or a model-based one)
// does not touch the orchestrator.
type ToneScorer interface {
	Score(content string) map[Tone]int
}

// KeywordToneScorer matches lowercase keywords and emoji against fixed
// per-bucket vocabularies.
type KeywordToneScorer struct {
	buckets map[Tone][]string
}

// NewKeywordToneScorer returns a scorer with the default English vocabulary.
func NewKeywordToneScorer() *KeywordToneScorer {
	return &KeywordToneScorer{
		buckets: map[Tone][]string{
			TonePositive: {
				"great", "good", "nice", "love", "awesome", "thanks", "thank you",
				"happy", "glad", "wonderful", "perfect", "agree", "yes!",
				"😊", "😄", "🙂", "❤️", "👍", "🎉", "😁",
			},
			ToneNegative: {
				"bad", "hate", "terrible", "awful", "wrong", "annoying", "angry",
				"sad", "disappointed", "no way", "disagree", "ugh",
				"😠", "😡", "😢", "😞", "👎", "💔",
			},
			ToneExcitement: {
				"wow", "amazing", "incredible", "can't wait", "so cool", "let's go",
				"unbelievable", "omg", "finally",
				"🔥", "🚀", "😍", "🤩", "‼️", "⚡",
			},
			ToneConcern: {
				"worried", "concerned", "afraid", "not sure", "problem", "issue",
				"careful", "risky", "hmm", "uncertain", "doubt",
				"😟", "😰", "😨", "🤔", "😕",
			},
		},
	}
}

// Score counts keyword and emoji matches per bucket. A content string with
// no matches scores one neutral point so intensity math never divides by zero.
func (s *KeywordToneScorer) Score(content string) map[Tone]int {
	lower := strings.ToLower(content)
	counts := make(map[Tone]int)

	for tone, words := range s.buckets {
		for _, w := range words {
			counts[tone] += strings.Count(lower, w)
		}
	}

	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		counts[ToneNeutral] = 1
	}

	return counts
}
