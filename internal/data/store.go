package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/normanking/salon/internal/chat"
)

// ─── Rooms ───────────────────────────────────────────────────────────────────

// CreateRoom inserts a room, generating an ID when absent.
func (s *Store) CreateRoom(ctx context.Context, room *chat.Room) error {
	if room.ID == "" {
		room.ID = uuid.NewString()
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, name, topic, created_at) VALUES (?, ?, ?, ?)`,
		room.ID, room.Name, room.Topic, room.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

// GetRoom retrieves a room by ID.
func (s *Store) GetRoom(ctx context.Context, id string) (*chat.Room, error) {
	var room chat.Room
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, topic, created_at FROM rooms WHERE id = ?`, id,
	).Scan(&room.ID, &room.Name, &room.Topic, &room.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("room not found: %s", id)
		}
		return nil, fmt.Errorf("query room: %w", err)
	}
	return &room, nil
}

// ListRooms returns all rooms, newest first.
func (s *Store) ListRooms(ctx context.Context) ([]chat.Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, topic, created_at FROM rooms ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var rooms []chat.Room
	for rows.Next() {
		var room chat.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.Topic, &room.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// UpdateRoomTopic changes a room's topic.
func (s *Store) UpdateRoomTopic(ctx context.Context, roomID, topic string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET topic = ? WHERE id = ?`, topic, roomID,
	)
	if err != nil {
		return fmt.Errorf("update room topic: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("room not found: %s", roomID)
	}
	return nil
}

// DeleteRoom removes a room with its memberships and messages.
func (s *Store) DeleteRoom(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

// ─── Personas ────────────────────────────────────────────────────────────────

// CreatePersona inserts a persona, generating an ID when absent. Traits are
// clamped into the valid range before storage.
func (s *Store) CreatePersona(ctx context.Context, p *chat.Persona) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Traits = p.Traits.Clamp()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO personas (
			id, name, avatar,
			extraversion, agreeableness, conscientiousness, neuroticism, openness,
			custom_instructions, language, provider, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Avatar,
		p.Traits.Extraversion, p.Traits.Agreeableness, p.Traits.Conscientiousness,
		p.Traits.Neuroticism, p.Traits.Openness,
		p.CustomInstructions, p.Language, p.Provider, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert persona: %w", err)
	}
	return nil
}

const personaColumns = `
	id, name, avatar,
	extraversion, agreeableness, conscientiousness, neuroticism, openness,
	custom_instructions, language, provider`

func scanPersona(row interface{ Scan(...any) error }) (chat.Persona, error) {
	var p chat.Persona
	err := row.Scan(
		&p.ID, &p.Name, &p.Avatar,
		&p.Traits.Extraversion, &p.Traits.Agreeableness, &p.Traits.Conscientiousness,
		&p.Traits.Neuroticism, &p.Traits.Openness,
		&p.CustomInstructions, &p.Language, &p.Provider,
	)
	return p, err
}

// GetPersona retrieves a persona by ID.
func (s *Store) GetPersona(ctx context.Context, id string) (*chat.Persona, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+personaColumns+` FROM personas WHERE id = ?`, id,
	)
	p, err := scanPersona(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("persona not found: %s", id)
		}
		return nil, fmt.Errorf("query persona: %w", err)
	}
	return &p, nil
}

// ListPersonas returns all personas ordered by name.
func (s *Store) ListPersonas(ctx context.Context) ([]chat.Persona, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+personaColumns+` FROM personas ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("query personas: %w", err)
	}
	defer rows.Close()

	var personas []chat.Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, fmt.Errorf("scan persona: %w", err)
		}
		personas = append(personas, p)
	}
	return personas, rows.Err()
}

// UpdatePersonaTraits persists an adapted trait vector.
func (s *Store) UpdatePersonaTraits(ctx context.Context, id string, traits chat.Traits) error {
	traits = traits.Clamp()
	res, err := s.db.ExecContext(ctx, `
		UPDATE personas SET
			extraversion = ?, agreeableness = ?, conscientiousness = ?,
			neuroticism = ?, openness = ?
		WHERE id = ?`,
		traits.Extraversion, traits.Agreeableness, traits.Conscientiousness,
		traits.Neuroticism, traits.Openness, id,
	)
	if err != nil {
		return fmt.Errorf("update persona traits: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("persona not found: %s", id)
	}
	return nil
}

// DeletePersona removes a persona and its memberships.
func (s *Store) DeletePersona(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM personas WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete persona: %w", err)
	}
	return nil
}

// ─── Memberships ─────────────────────────────────────────────────────────────

// AddPersonaToRoom adds a persona to a room's roster. Adding an existing
// member is a no-op.
func (s *Store) AddPersonaToRoom(ctx context.Context, roomID, personaID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_members (room_id, persona_id, joined_at)
		VALUES (?, ?, ?)
		ON CONFLICT (room_id, persona_id) DO NOTHING`,
		roomID, personaID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("add room member: %w", err)
	}
	return nil
}

// RemovePersonaFromRoom drops a persona from a room's roster.
func (s *Store) RemovePersonaFromRoom(ctx context.Context, roomID, personaID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM room_members WHERE room_id = ? AND persona_id = ?`,
		roomID, personaID,
	)
	if err != nil {
		return fmt.Errorf("remove room member: %w", err)
	}
	return nil
}

// RoomPersonas returns the personas on a room's roster, ordered by name.
func (s *Store) RoomPersonas(ctx context.Context, roomID string) ([]chat.Persona, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+personaColumns+`
		FROM personas
		JOIN room_members ON room_members.persona_id = personas.id
		WHERE room_members.room_id = ?
		ORDER BY personas.name`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("query room personas: %w", err)
	}
	defer rows.Close()

	var personas []chat.Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room persona: %w", err)
		}
		personas = append(personas, p)
	}
	return personas, rows.Err()
}

// IsMember reports whether a persona is on a room's roster.
func (s *Store) IsMember(ctx context.Context, roomID, personaID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM room_members WHERE room_id = ? AND persona_id = ?`,
		roomID, personaID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query membership: %w", err)
	}
	return true, nil
}

// ─── Messages ────────────────────────────────────────────────────────────────

// CreateMessage persists a message, generating an ID and timestamp when
// absent.
func (s *Store) CreateMessage(ctx context.Context, m *chat.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, sender_kind, sender_name, sender_ref, content, reply_to, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.RoomID, string(m.SenderKind), m.SenderName, m.SenderRef, m.Content, m.ReplyTo, m.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// RecentMessages returns the last limit messages of a room, oldest first.
func (s *Store) RecentMessages(ctx context.Context, roomID string, limit int) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, sender_kind, sender_name, sender_ref, content, reply_to, created_at
		FROM (
			SELECT * FROM messages
			WHERE room_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, id ASC`,
		roomID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		var m chat.Message
		var kind string
		if err := rows.Scan(&m.ID, &m.RoomID, &kind, &m.SenderName, &m.SenderRef, &m.Content, &m.ReplyTo, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.SenderKind = chat.SenderKind(kind)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MessageCount returns the number of messages in a room.
func (s *Store) MessageCount(ctx context.Context, roomID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE room_id = ?`, roomID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// LastMessageAt returns the timestamp of a room's newest message, or the
// zero time when the room is empty.
func (s *Store) LastMessageAt(ctx context.Context, roomID string) (time.Time, error) {
	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM messages WHERE room_id = ?`, roomID,
	).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("query last message time: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}
