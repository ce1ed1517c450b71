package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/normanking/salon/internal/chat"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewDB(t.TempDir())
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	if err := store.Migrate(); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
	if err := store.Health(); err != nil {
		t.Fatalf("Health failed: %v", err)
	}
}

func TestRoomLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	room := &chat.Room{Name: "standup", Topic: "daily sync"}
	if err := store.CreateRoom(ctx, room); err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if room.ID == "" {
		t.Fatal("CreateRoom should generate an ID")
	}

	got, err := store.GetRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("GetRoom failed: %v", err)
	}
	if got.Name != "standup" || got.Topic != "daily sync" {
		t.Errorf("unexpected room: %+v", got)
	}

	if err := store.UpdateRoomTopic(ctx, room.ID, "retro"); err != nil {
		t.Fatalf("UpdateRoomTopic failed: %v", err)
	}
	got, _ = store.GetRoom(ctx, room.ID)
	if got.Topic != "retro" {
		t.Errorf("expected topic retro, got %q", got.Topic)
	}

	rooms, err := store.ListRooms(ctx)
	if err != nil {
		t.Fatalf("ListRooms failed: %v", err)
	}
	if len(rooms) != 1 {
		t.Errorf("expected 1 room, got %d", len(rooms))
	}

	if err := store.DeleteRoom(ctx, room.ID); err != nil {
		t.Fatalf("DeleteRoom failed: %v", err)
	}
	if _, err := store.GetRoom(ctx, room.ID); err == nil {
		t.Error("expected error for deleted room")
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	room := &chat.Room{Name: "draft", Topic: "original"}
	if err := store.CreateRoom(ctx, room); err != nil {
		t.Fatal(err)
	}

	errBoom := errors.New("boom")
	err := store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "UPDATE rooms SET topic = 'changed' WHERE id = ?", room.ID); err != nil {
			return err
		}
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected the callback error, got %v", err)
	}

	got, err := store.GetRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("GetRoom failed: %v", err)
	}
	if got.Topic != "original" {
		t.Errorf("rollback should discard the update, got topic %q", got.Topic)
	}
}

func TestGetRoomNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetRoom(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown room")
	}
}

func TestPersonaLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := &chat.Persona{
		Name:               "Iris",
		Traits:             chat.Traits{Extraversion: 9, Agreeableness: 4, Conscientiousness: 3, Neuroticism: 2, Openness: 0},
		CustomInstructions: "keep replies short",
		Language:           "en",
	}
	if err := store.CreatePersona(ctx, p); err != nil {
		t.Fatalf("CreatePersona failed: %v", err)
	}

	got, err := store.GetPersona(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPersona failed: %v", err)
	}
	if got.Traits.Extraversion != 5 || got.Traits.Openness != 1 {
		t.Errorf("traits should be clamped on insert, got %+v", got.Traits)
	}
	if got.CustomInstructions != "keep replies short" {
		t.Errorf("unexpected instructions: %q", got.CustomInstructions)
	}

	newTraits := chat.Traits{Extraversion: 4, Agreeableness: 4, Conscientiousness: 3, Neuroticism: 2, Openness: 5}
	if err := store.UpdatePersonaTraits(ctx, p.ID, newTraits); err != nil {
		t.Fatalf("UpdatePersonaTraits failed: %v", err)
	}
	got, _ = store.GetPersona(ctx, p.ID)
	if got.Traits != newTraits {
		t.Errorf("expected %+v, got %+v", newTraits, got.Traits)
	}

	if err := store.UpdatePersonaTraits(ctx, "missing", newTraits); err == nil {
		t.Error("expected error updating unknown persona")
	}

	if err := store.DeletePersona(ctx, p.ID); err != nil {
		t.Fatalf("DeletePersona failed: %v", err)
	}
	if _, err := store.GetPersona(ctx, p.ID); err == nil {
		t.Error("expected error for deleted persona")
	}
}

func TestMembership(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	room := &chat.Room{Name: "lounge"}
	if err := store.CreateRoom(ctx, room); err != nil {
		t.Fatal(err)
	}

	var ids []string
	for _, name := range []string{"Iris", "Noor", "Sam"} {
		p := &chat.Persona{Name: name}
		if err := store.CreatePersona(ctx, p); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, p.ID)
	}

	for _, id := range ids[:2] {
		if err := store.AddPersonaToRoom(ctx, room.ID, id); err != nil {
			t.Fatalf("AddPersonaToRoom failed: %v", err)
		}
	}
	// Re-adding an existing member is a no-op.
	if err := store.AddPersonaToRoom(ctx, room.ID, ids[0]); err != nil {
		t.Fatalf("duplicate add should not fail: %v", err)
	}

	roster, err := store.RoomPersonas(ctx, room.ID)
	if err != nil {
		t.Fatalf("RoomPersonas failed: %v", err)
	}
	if len(roster) != 2 {
		t.Fatalf("expected 2 members, got %d", len(roster))
	}
	if roster[0].Name != "Iris" || roster[1].Name != "Noor" {
		t.Errorf("expected name ordering, got %v", roster)
	}

	member, err := store.IsMember(ctx, room.ID, ids[0])
	if err != nil || !member {
		t.Errorf("expected membership for %s, got %v %v", ids[0], member, err)
	}
	member, err = store.IsMember(ctx, room.ID, ids[2])
	if err != nil || member {
		t.Errorf("expected no membership for %s, got %v %v", ids[2], member, err)
	}

	if err := store.RemovePersonaFromRoom(ctx, room.ID, ids[0]); err != nil {
		t.Fatalf("RemovePersonaFromRoom failed: %v", err)
	}
	roster, _ = store.RoomPersonas(ctx, room.ID)
	if len(roster) != 1 {
		t.Errorf("expected 1 member after removal, got %d", len(roster))
	}
}

func TestMessagesRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	room := &chat.Room{Name: "lounge"}
	if err := store.CreateRoom(ctx, room); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		m := &chat.Message{
			RoomID:     room.ID,
			SenderKind: chat.SenderUser,
			SenderName: "ana",
			Content:    fmt.Sprintf("message %d", i),
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.CreateMessage(ctx, m); err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
	}

	got, err := store.RecentMessages(ctx, room.ID, 3)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	// Oldest first within the tail.
	if got[0].Content != "message 2" || got[2].Content != "message 4" {
		t.Errorf("unexpected window: %q .. %q", got[0].Content, got[2].Content)
	}
	if got[0].SenderKind != chat.SenderUser {
		t.Errorf("expected sender kind user, got %s", got[0].SenderKind)
	}

	n, err := store.MessageCount(ctx, room.ID)
	if err != nil || n != 5 {
		t.Errorf("expected 5 messages, got %d (%v)", n, err)
	}

	last, err := store.LastMessageAt(ctx, room.ID)
	if err != nil {
		t.Fatalf("LastMessageAt failed: %v", err)
	}
	if !last.Equal(base.Add(4 * time.Minute)) {
		t.Errorf("unexpected last message time: %v", last)
	}
}

func TestLastMessageAtEmptyRoom(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	room := &chat.Room{Name: "empty"}
	if err := store.CreateRoom(ctx, room); err != nil {
		t.Fatal(err)
	}

	last, err := store.LastMessageAt(ctx, room.ID)
	if err != nil {
		t.Fatalf("LastMessageAt failed: %v", err)
	}
	if !last.IsZero() {
		t.Errorf("expected zero time for empty room, got %v", last)
	}
}

func TestDeleteRoomCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	room := &chat.Room{Name: "doomed"}
	if err := store.CreateRoom(ctx, room); err != nil {
		t.Fatal(err)
	}
	p := &chat.Persona{Name: "Iris"}
	if err := store.CreatePersona(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := store.AddPersonaToRoom(ctx, room.ID, p.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateMessage(ctx, &chat.Message{
		RoomID: room.ID, SenderKind: chat.SenderUser, SenderName: "ana", Content: "hello",
	}); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteRoom(ctx, room.ID); err != nil {
		t.Fatalf("DeleteRoom failed: %v", err)
	}

	n, err := store.MessageCount(ctx, room.ID)
	if err != nil || n != 0 {
		t.Errorf("expected messages cascade-deleted, got %d (%v)", n, err)
	}
	member, err := store.IsMember(ctx, room.ID, p.ID)
	if err != nil || member {
		t.Errorf("expected membership cascade-deleted, got %v (%v)", member, err)
	}
	// The persona itself survives.
	if _, err := store.GetPersona(ctx, p.ID); err != nil {
		t.Errorf("persona should survive room deletion: %v", err)
	}
}
