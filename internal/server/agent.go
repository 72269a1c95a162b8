package server

import (
	"github.com/energizer-project/gignet/internal/protocol"
	"github.com/energizer-project/gignet/internal/room"
)

// Agent is the game module running on top of the networking core. Every
// method is called from the tick goroutine and must not block.
type Agent interface {
	// CreateRoom is called once when a room fills, before OnFilledRoom.
	CreateRoom(roomID int64, capacity, botCount int, botWins bool)
	// OnFilledRoom is called once per room after every seat got RoomFilled.
	OnFilledRoom(roomID int64, info room.Info)
	OnPlayerDisconnect(roomID int64, seat int)
	OnPlayerReconnect(roomID int64, seat int)
	// BindRemoveRoom hands the agent the callback that ends a room. The
	// callback is safe to call from any goroutine.
	BindRemoveRoom(remove func(roomID int64))
}

// EventHandler is implemented by agents that consume client NetEvents.
type EventHandler interface {
	OnNetEvent(roomID int64, eventID byte, args []byte)
}

// SpawnHandler is implemented by agents that track networked objects.
type SpawnHandler interface {
	OnSpawn(s protocol.Spawn)
	OnDespawn(objectID int32, ownerID int64)
}
