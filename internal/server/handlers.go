package server

import (
	"net"

	"github.com/energizer-project/gignet/internal/events"
	"github.com/energizer-project/gignet/internal/network"
	"github.com/energizer-project/gignet/internal/protocol"
	"github.com/energizer-project/gignet/internal/session"
)

// peer is the connection a frame arrived on.
type peer interface {
	session.Socket
	PlayerID() int64
	SetPlayerID(id int64)
}

// HandleFrame implements network.Handler.
func (s *Server) HandleFrame(c *network.Conn, payload []byte) {
	s.handlePayload(c, payload)
}

// HandleClose implements network.Handler.
func (s *Server) HandleClose(c *network.Conn, err error) {
	s.handleClose(c, err)
}

func (s *Server) handleClose(p peer, err error) {
	id := p.PlayerID()
	if id == protocol.NoID {
		return
	}
	if s.sessions.Disconnect(id, p, events.ReasonSocketClosed) && err != nil {
		s.logger.Debug().Err(err).Int64("player_id", id).Msg("read loop ended")
	}
}

func (s *Server) handlePayload(p peer, payload []byte) {
	tag, body, err := protocol.SplitTag(payload)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", p.RemoteAddr()).Msg("dropping frame without tag")
		return
	}

	switch tag {
	case protocol.PackRPC:
		s.router.Dispatch(payload)
	case protocol.PackIDAssignment:
		s.handleIDAssignment(p, body)
	case protocol.PackHeartbeat:
		s.handleHeartbeat(p, payload)
	case protocol.PackInstantiation:
		s.handleInstantiation(p, body)
	case protocol.PackDestroy:
		s.handleDestroy(p, body)
	case protocol.PackNetEvent:
		s.handleNetEvent(p, body)
	default:
		s.logger.Trace().Stringer("tag", tag).Int64("player_id", p.PlayerID()).Msg("ignoring frame")
	}
}

func (s *Server) reject(p peer, id int64, detail string) {
	s.logger.Warn().
		Int64("player_id", id).
		Str("remote", p.RemoteAddr()).
		Str("detail", detail).
		Msg("id assignment rejected")
	p.Close()
	s.emit(events.EventSessionRejected, events.SessionPayload{
		PlayerID: id,
		RoomID:   protocol.NoID,
		Seat:     -1,
		Remote:   p.RemoteAddr(),
		Detail:   detail,
	})
}

func (s *Server) handleIDAssignment(p peer, body []byte) {
	req, err := protocol.ParseIDRequest(body)
	if err != nil {
		s.reject(p, protocol.NoID, err.Error())
		return
	}
	if req.IsReconnect() {
		s.reconnect(p, req)
		return
	}
	s.join(p, req)
}

func (s *Server) reconnect(p peer, req protocol.IDRequest) {
	id := req.RequestedID
	if req.SessionToken != s.token {
		s.reject(p, id, "session token mismatch")
		return
	}

	target := req.RoomToJoin
	if target == protocol.AnyRoom {
		if held, _, ok := s.rooms.Locate(id); ok {
			target = held
		}
	}
	if target != protocol.AnyRoom {
		if err := s.rooms.Joinable(target); err != nil {
			s.reject(p, id, err.Error())
			return
		}
	}

	if _, ok := s.sessions.Reconnect(id, p); !ok {
		s.reject(p, id, "no session to reconnect")
		return
	}
	p.SetPlayerID(id)

	s.joins.push(joinRequest{id: id, room: target})
	s.reconnects.push(seatEvent{id: id})

	if err := p.Send(protocol.BuildIDReply(protocol.IDReply{ID: id, SessionToken: s.token})); err != nil {
		return
	}

	s.logger.Info().Int64("player_id", id).Int64("room_id", target).Str("remote", p.RemoteAddr()).Msg("session reconnected")
	s.emit(events.EventSessionReconnected, events.SessionPayload{
		PlayerID: id,
		RoomID:   target,
		Seat:     -1,
		Remote:   p.RemoteAddr(),
	})
}

func (s *Server) join(p peer, req protocol.IDRequest) {
	target := req.RoomToJoin
	if target != protocol.AnyRoom {
		if err := s.rooms.Joinable(target); err != nil {
			s.reject(p, req.RequestedID, err.Error())
			return
		}
	}

	id := req.RequestedID
	if id <= protocol.NoID {
		id = s.sessions.AllocateID()
	}

	existed := s.sessions.Join(id, p, protocol.NoID)
	p.SetPlayerID(id)

	s.joins.push(joinRequest{id: id, room: target})
	if existed {
		s.reconnects.push(seatEvent{id: id})
	}

	if err := p.Send(protocol.BuildIDReply(protocol.IDReply{ID: id, SessionToken: s.token})); err != nil {
		return
	}
	for _, frame := range s.pooledFrames() {
		if err := p.Send(frame); err != nil {
			return
		}
	}

	s.logger.Info().
		Int64("player_id", id).
		Int64("room_id", target).
		Bool("replaced", existed).
		Str("remote", p.RemoteAddr()).
		Msg("session joined")
	s.emit(events.EventSessionConnected, events.SessionPayload{
		PlayerID: id,
		RoomID:   target,
		Seat:     -1,
		Remote:   p.RemoteAddr(),
	})
}

func (s *Server) handleHeartbeat(p peer, payload []byte) {
	if id := p.PlayerID(); id != protocol.NoID {
		s.sessions.Heartbeat(id, p)
	}
	p.Send(protocol.Encode(payload))
}

func (s *Server) handleInstantiation(p peer, body []byte) {
	sp, err := protocol.ParseSpawnRequest(body)
	if err != nil {
		s.logger.Debug().Err(err).Int64("player_id", p.PlayerID()).Msg("dropping malformed spawn")
		return
	}
	sp = s.spawn(sp)
	s.spawned.push(sp)
}

func (s *Server) handleDestroy(p peer, body []byte) {
	d, err := protocol.ParseDestroy(body)
	if err != nil {
		s.logger.Debug().Err(err).Int64("player_id", p.PlayerID()).Msg("dropping malformed destroy")
		return
	}
	s.despawn(d)
	s.despawned.push(d)
}

func (s *Server) handleNetEvent(p peer, body []byte) {
	ev, err := protocol.ParseClientEvent(body)
	if err != nil {
		s.logger.Debug().Err(err).Int64("player_id", p.PlayerID()).Msg("dropping malformed net event")
		return
	}
	info, ok := s.sessions.Get(p.PlayerID())
	if !ok {
		return
	}
	ev.RoomID = info.Room
	s.netEvents.push(ev)
}

func (s *Server) handleDatagram(payload []byte, from *net.UDPAddr) {
	if err := s.router.Dispatch(payload); err != nil {
		s.logger.Debug().Err(err).Str("remote", from.String()).Msg("udp rpc dropped")
	}
}
