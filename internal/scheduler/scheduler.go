// Package scheduler periodically re-evaluates every room for idle nudges.
// The per-room skip policy lives in the orchestrator; the scheduler only
// provides the heartbeat.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/normanking/salon/internal/chat"
)

// defaultFanout bounds how many rooms are evaluated concurrently per tick.
const defaultFanout = 4

// RoomLister enumerates the rooms to evaluate.
type RoomLister interface {
	ListRooms(ctx context.Context) ([]chat.Room, error)
}

// IdleNudger re-evaluates one quiet room.
type IdleNudger interface {
	OnRoomIdle(ctx context.Context, roomID string) error
}

// Scheduler drives periodic idle evaluation.
type Scheduler struct {
	lister   RoomLister
	nudger   IdleNudger
	interval time.Duration
	fanout   int
}

// New creates a Scheduler ticking at the given interval.
func New(lister RoomLister, nudger IdleNudger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		lister:   lister,
		nudger:   nudger,
		interval: interval,
		fanout:   defaultFanout,
	}
}

// Run ticks until the context is cancelled, then returns the context's
// error. Failures on individual rooms are logged, never fatal.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("idle scheduler running")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("idle scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	rooms, err := s.lister.ListRooms(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("idle tick: listing rooms failed")
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanout)

	for _, room := range rooms {
		roomID := room.ID
		g.Go(func() error {
			if err := s.nudger.OnRoomIdle(ctx, roomID); err != nil {
				log.Warn().Err(err).Str("room", roomID).Msg("idle evaluation failed")
			}
			return nil
		})
	}
	g.Wait()
}
