// Package scheduler runs the periodic background work of a GigNet process:
// housekeeping of the networking core, stats logging and daily ledger
// retention.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gignet/internal/config"
	"github.com/energizer-project/gignet/internal/db"
	"github.com/energizer-project/gignet/internal/server"
)

const (
	housekeepingInterval = 30 * time.Second
	statsInterval        = 5 * time.Minute
	defaultRetentionAt   = "04:00"

	// Connections must send their id request within this window.
	unidentifiedTimeout = 10 * time.Second
)

// Pruner drops idle state and reports how many entries it removed.
type Pruner func(now time.Time) int

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg    *config.Config
	game   *server.Server
	ledger *db.Ledger

	mu      sync.Mutex
	pruners map[string]Pruner

	// RetentionAt is the local "HH:MM" the daily ledger cleanup runs at.
	RetentionAt string
}

// NewScheduler creates a task scheduler. ledger may be nil.
func NewScheduler(cfg *config.Config, game *server.Server, ledger *db.Ledger) *Scheduler {
	s := &Scheduler{
		cfg:         cfg,
		game:        game,
		ledger:      ledger,
		pruners:     make(map[string]Pruner),
		RetentionAt: defaultRetentionAt,
	}

	s.AddPruner("ended_rooms", func(now time.Time) int {
		return game.Rooms().PruneEnded(now)
	})
	s.AddPruner("unidentified_connections", func(time.Time) int {
		return game.Connections().CleanUnidentified(unidentifiedTimeout)
	})
	s.AddPruner("accept_limiter", func(time.Time) int {
		return game.Limiter().Prune()
	})
	s.AddPruner("datagram_endpoints", func(time.Time) int {
		return game.PruneUDPEndpoints(2 * cfg.GetSession().HeartbeatTimeout())
	})
	return s
}

// AddPruner registers an extra housekeeping step under name.
func (s *Scheduler) AddPruner(name string, p Pruner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruners[name] = p
}

// Start runs all tasks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.every(ctx, housekeepingInterval, func() { s.Housekeep(time.Now()) })
	}()
	go func() {
		defer wg.Done()
		s.every(ctx, statsInterval, s.logStats)
	}()
	go func() {
		defer wg.Done()
		s.runRetentionLoop(ctx)
	}()

	wg.Wait()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) every(ctx context.Context, d time.Duration, fn func()) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Housekeep runs every registered pruner once and returns what each removed.
func (s *Scheduler) Housekeep(now time.Time) map[string]int {
	s.mu.Lock()
	pruners := make(map[string]Pruner, len(s.pruners))
	for name, p := range s.pruners {
		pruners[name] = p
	}
	s.mu.Unlock()

	removed := make(map[string]int, len(pruners))
	for name, p := range pruners {
		n := p(now)
		removed[name] = n
		if n > 0 {
			log.Debug().Str("task", name).Int("removed", n).Msg("housekeeping")
		}
	}
	return removed
}

func (s *Scheduler) logStats() {
	st := s.game.Stats()
	log.Info().
		Str("uptime", st.Uptime).
		Int("sessions", st.Sessions).
		Int("active_sessions", st.ActiveSessions).
		Int("connections", st.Connections).
		Int("rooms", st.Rooms.Rooms).
		Int("pooled_frames", st.PooledFrames).
		Int("udp_endpoints", st.UDPEndpoints).
		Msg("server stats")
}

func (s *Scheduler) runRetentionLoop(ctx context.Context) {
	if s.ledger == nil {
		return
	}
	for {
		next := nextRunAt(time.Now(), s.RetentionAt)
		log.Debug().Time("next_run", next).Msg("ledger retention scheduled")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunRetention()
		}
	}
}

// RunRetention removes ledger rooms and alerts older than the configured
// retention.
func (s *Scheduler) RunRetention() {
	if s.ledger == nil {
		return
	}
	days := s.cfg.GetDatabase().RetentionDays
	if days <= 0 {
		return
	}

	n, err := s.ledger.PruneEnded(days)
	if err != nil {
		log.Warn().Err(err).Msg("ledger retention failed")
		return
	}
	if err := s.ledger.CleanOldAlerts(days); err != nil {
		log.Warn().Err(err).Msg("alert cleanup failed")
	}
	log.Info().Int64("rooms_removed", n).Int("retention_days", days).Msg("ledger retention completed")
}

// nextRunAt returns the next moment after now matching the local "HH:MM".
// Unparseable values fall back to 04:00.
func nextRunAt(now time.Time, at string) time.Time {
	hour, minute := 4, 0
	if parts := strings.Split(at, ":"); len(parts) == 2 {
		var h, m int
		if _, err := fmt.Sscanf(parts[0]+" "+parts[1], "%d %d", &h, &m); err == nil &&
			h >= 0 && h < 24 && m >= 0 && m < 60 {
			hour, minute = h, m
		}
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
