package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gignet/internal/events"
)

const (
	// LagWarningThreshold is the number of slow ticks per hour before warning.
	LagWarningThreshold = 10
	// LagCriticalThreshold is the number of slow ticks per hour before the
	// lag event is raised.
	LagCriticalThreshold = 30

	lagHistoryLimit = 1000
)

// LagMonitor records ticks that ran longer than the tick interval. A slow
// tick delays RoomAssign, heartbeat eviction and agent callbacks alike.
type LagMonitor struct {
	mu       sync.RWMutex
	eventBus *events.EventBus
	budget   time.Duration

	data LagData

	warningThreshold  int
	criticalThreshold int
}

// LagData summarizes slow ticks.
type LagData struct {
	TotalTicks     uint64        `json:"total_ticks"`
	SlowTicks      int           `json:"slow_ticks"`
	EventsThisHour int           `json:"events_this_hour"`
	LastSlowTick   time.Time     `json:"last_slow_tick"`
	MaxDuration    time.Duration `json:"max_duration_ns"`
	AvgDuration    time.Duration `json:"avg_duration_ns"`
	History        []LagEvent    `json:"history"`
	HourlyBuckets  map[int]int   `json:"hourly_buckets"`
}

// LagEvent is one slow tick.
type LagEvent struct {
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration_ns"`
}

// NewLagMonitor creates a monitor that flags ticks longer than budget.
func NewLagMonitor(eventBus *events.EventBus, budget time.Duration) *LagMonitor {
	return &LagMonitor{
		eventBus: eventBus,
		budget:   budget,
		data: LagData{
			History:       make([]LagEvent, 0, 100),
			HourlyBuckets: make(map[int]int),
		},
		warningThreshold:  LagWarningThreshold,
		criticalThreshold: LagCriticalThreshold,
	}
}

// Record accounts for one tick that took d.
func (lm *LagMonitor) Record(d time.Duration) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.data.TotalTicks++
	if d <= lm.budget {
		return
	}

	now := time.Now()
	data := &lm.data
	data.SlowTicks++
	data.LastSlowTick = now
	data.History = append(data.History, LagEvent{Timestamp: now, Duration: d})

	if d > data.MaxDuration {
		data.MaxDuration = d
	}

	var total time.Duration
	for _, e := range data.History {
		total += e.Duration
	}
	data.AvgDuration = total / time.Duration(len(data.History))

	data.HourlyBuckets[now.Hour()]++

	oneHourAgo := now.Add(-time.Hour)
	recent := 0
	for _, e := range data.History {
		if e.Timestamp.After(oneHourAgo) {
			recent++
		}
	}
	data.EventsThisHour = recent

	if len(data.History) > lagHistoryLimit {
		data.History = data.History[len(data.History)-lagHistoryLimit:]
	}
}

// Data returns a copy of the collected lag data.
func (lm *LagMonitor) Data() LagData {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	out := lm.data
	out.History = append([]LagEvent(nil), lm.data.History...)
	out.HourlyBuckets = make(map[int]int, len(lm.data.HourlyBuckets))
	for k, v := range lm.data.HourlyBuckets {
		out.HourlyBuckets[k] = v
	}
	return out
}

// LagAlert is a threshold crossing.
type LagAlert struct {
	Level   string `json:"level"`
	Events  int    `json:"events"`
	Message string `json:"message"`
}

// CheckThresholds evaluates the last hour against the thresholds.
func (lm *LagMonitor) CheckThresholds() (LagAlert, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	n := lm.data.EventsThisHour
	msg := fmt.Sprintf("%d ticks over the %s budget in the last hour", n, lm.budget)
	switch {
	case n >= lm.criticalThreshold:
		return LagAlert{Level: "critical", Events: n, Message: msg}, true
	case n >= lm.warningThreshold:
		return LagAlert{Level: "warning", Events: n, Message: msg}, true
	}
	return LagAlert{}, false
}

// Start runs periodic threshold checks until ctx is cancelled.
func (lm *LagMonitor) Start(ctx context.Context, checkInterval time.Duration) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alert, ok := lm.CheckThresholds()
			if !ok {
				continue
			}
			log.Warn().
				Str("level", alert.Level).
				Int("events", alert.Events).
				Msg("tick lag threshold alert")

			if alert.Level == "critical" && lm.eventBus != nil {
				data := lm.Data()
				lm.eventBus.Emit(ctx, events.Event{
					Type:   events.EventTickLag,
					Source: "lag_monitor",
					Payload: events.TickLagPayload{
						Level:      alert.Level,
						SlowTicks:  alert.Events,
						MaxMs:      float64(data.MaxDuration) / float64(time.Millisecond),
						BudgetMs:   float64(lm.budget) / float64(time.Millisecond),
						WindowMins: 60,
					},
				})
			}
		}
	}
}
