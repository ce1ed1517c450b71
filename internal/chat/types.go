// Package chat defines the shared domain types for the Salon persona
// chat-room service: messages, rooms, and personas with their Big Five
// trait vectors.
package chat

import (
	"fmt"
	"time"
)

// SenderKind identifies who authored a message.
type SenderKind string

const (
	SenderUser    SenderKind = "user"
	SenderPersona SenderKind = "persona"
	SenderSystem  SenderKind = "system"
)

// Message is a single chat message. Messages are immutable once created;
// they are owned by the Store and only read or appended by the orchestrator.
type Message struct {
	ID         string     `json:"id"`
	RoomID     string     `json:"room_id"`
	SenderKind SenderKind `json:"sender_kind"`
	SenderName string     `json:"sender_name"`
	SenderRef  string     `json:"sender_ref,omitempty"` // persona ID when SenderKind == SenderPersona
	Content    string     `json:"content"`
	ReplyTo    string     `json:"reply_to,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Room is a conversation space shared by a human and a set of personas.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Topic     string    `json:"topic,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Traits is a Big Five personality vector. Each trait is scored 1-5.
type Traits struct {
	Extraversion      int `json:"extraversion" yaml:"extraversion"`
	Agreeableness     int `json:"agreeableness" yaml:"agreeableness"`
	Conscientiousness int `json:"conscientiousness" yaml:"conscientiousness"`
	Neuroticism       int `json:"neuroticism" yaml:"neuroticism"`
	Openness          int `json:"openness" yaml:"openness"`
}

// Clamp returns a copy with every trait forced into the valid 1-5 range.
func (t Traits) Clamp() Traits {
	clamp := func(v int) int {
		if v < 1 {
			return 1
		}
		if v > 5 {
			return 5
		}
		return v
	}
	return Traits{
		Extraversion:      clamp(t.Extraversion),
		Agreeableness:     clamp(t.Agreeableness),
		Conscientiousness: clamp(t.Conscientiousness),
		Neuroticism:       clamp(t.Neuroticism),
		Openness:          clamp(t.Openness),
	}
}

// String returns a compact representation used in logs.
func (t Traits) String() string {
	return fmt.Sprintf("E%d A%d C%d N%d O%d",
		t.Extraversion, t.Agreeableness, t.Conscientiousness, t.Neuroticism, t.Openness)
}

// Persona is a configured synthetic participant. Identity fields are
// immutable after creation; the learning package maintains an adapted
// shadow copy of the trait vector.
type Persona struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Avatar             string `json:"avatar,omitempty"`
	Traits             Traits `json:"traits"`
	CustomInstructions string `json:"custom_instructions,omitempty"`
	Language           string `json:"language,omitempty"` // BCP 47 tag, e.g. "en", "de"
	Provider           string `json:"provider,omitempty"` // preferred completion provider
}
