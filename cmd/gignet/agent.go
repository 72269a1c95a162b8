package main

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gignet/internal/protocol"
	"github.com/energizer-project/gignet/internal/room"
)

// logAgent is the game module used when gignet runs standalone. It logs room
// lifecycle callbacks and, with a match length set, ends each filled room
// after that long.
type logAgent struct {
	matchLength time.Duration
	logger      zerolog.Logger

	mu     sync.Mutex
	remove func(int64)
	timers map[int64]*time.Timer
}

func newLogAgent(matchLength time.Duration) *logAgent {
	return &logAgent{
		matchLength: matchLength,
		logger:      log.With().Str("component", "agent").Logger(),
		timers:      make(map[int64]*time.Timer),
	}
}

func (a *logAgent) BindRemoveRoom(remove func(int64)) {
	a.mu.Lock()
	a.remove = remove
	a.mu.Unlock()
}

func (a *logAgent) CreateRoom(roomID int64, capacity, botCount int, botWins bool) {
	a.logger.Info().
		Int64("room_id", roomID).
		Int("capacity", capacity).
		Int("bot_count", botCount).
		Bool("bot_wins", botWins).
		Msg("game room created")
}

func (a *logAgent) OnFilledRoom(roomID int64, info room.Info) {
	a.logger.Info().Int64("room_id", roomID).Ints64("seats", info.Seats).Msg("game started")
	if a.matchLength <= 0 || info.Permanent {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.timers[roomID]; ok {
		t.Stop()
	}
	a.timers[roomID] = time.AfterFunc(a.matchLength, func() {
		a.mu.Lock()
		delete(a.timers, roomID)
		remove := a.remove
		a.mu.Unlock()
		if remove != nil {
			a.logger.Info().Int64("room_id", roomID).Msg("match over")
			remove(roomID)
		}
	})
}

func (a *logAgent) OnPlayerDisconnect(roomID int64, seat int) {
	a.logger.Info().Int64("room_id", roomID).Int("seat", seat).Msg("player dropped")
}

func (a *logAgent) OnPlayerReconnect(roomID int64, seat int) {
	a.logger.Info().Int64("room_id", roomID).Int("seat", seat).Msg("player back")
}

func (a *logAgent) OnNetEvent(roomID int64, eventID byte, args []byte) {
	a.logger.Debug().Int64("room_id", roomID).Uint8("event_id", eventID).Int("bytes", len(args)).Msg("net event")
}

func (a *logAgent) OnSpawn(s protocol.Spawn) {
	a.logger.Debug().Int32("object_id", s.ObjectID).Int64("owner", s.OwnerID).Str("name", s.Name).Msg("object spawned")
}

func (a *logAgent) OnDespawn(objectID int32, ownerID int64) {
	a.logger.Debug().Int32("object_id", objectID).Int64("owner", ownerID).Msg("object destroyed")
}
