// Package cleanup runs the periodic reconciliation sweep: bookkeeping a
// missed disconnect left behind, rooms that emptied out and aged past
// their TTL, and rate-limit windows nobody has touched. Every pass is
// idempotent, so overlapping concerns between the sweep and the normal
// disconnect cascade are harmless.
package cleanup

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"chatgate/internal/limits"
	"chatgate/internal/monitoring"
	"chatgate/internal/registry"
)

// Scheduler owns the sweep loop.
type Scheduler struct {
	interval time.Duration
	roomTTL  time.Duration

	conns    *registry.Connections
	rooms    *registry.Rooms
	limiters []*limits.FixedWindow

	// liveIDs snapshots the transport layer's actual set of open sockets
	// so the registry can be reconciled against reality.
	liveIDs func() map[string]bool

	logger zerolog.Logger
}

func NewScheduler(
	interval, roomTTL time.Duration,
	conns *registry.Connections,
	rooms *registry.Rooms,
	liveIDs func() map[string]bool,
	limiters []*limits.FixedWindow,
	logger zerolog.Logger,
) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		interval: interval,
		roomTTL:  roomTTL,
		conns:    conns,
		rooms:    rooms,
		liveIDs:  liveIDs,
		limiters: limiters,
		logger:   logger.With().Str("component", "cleanup").Logger(),
	}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("interval", s.interval).
		Dur("room_ttl", s.roomTTL).
		Msg("Cleanup scheduler started")

	for {
		select {
		case <-ticker.C:
			s.RunOnce()
		case <-ctx.Done():
			s.logger.Info().Msg("Cleanup scheduler stopped")
			return
		}
	}
}

// RunOnce executes a single sweep pass.
func (s *Scheduler) RunOnce() {
	start := time.Now()

	var orphans []string
	if s.liveIDs != nil {
		orphans = s.conns.Reconcile(s.liveIDs())
		if n := len(orphans); n > 0 {
			monitoring.OrphansReconciled.Add(float64(n))
		}
	}

	swept := s.rooms.SweepEmpty(s.roomTTL)
	if n := len(swept); n > 0 {
		monitoring.RoomsSwept.Add(float64(n))
	}
	monitoring.RoomsActive.Set(float64(s.rooms.Count()))

	purged := 0
	for _, l := range s.limiters {
		purged += l.Purge()
	}

	if len(orphans) > 0 || len(swept) > 0 || purged > 0 {
		s.logger.Info().
			Int("orphaned_connections", len(orphans)).
			Int("rooms_swept", len(swept)).
			Int("limiter_windows_purged", purged).
			Dur("elapsed", time.Since(start)).
			Msg("Cleanup sweep completed")
	}
}
