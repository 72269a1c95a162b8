package network

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ConnInfo is a read-only snapshot of one connection for monitoring.
type ConnInfo struct {
	ID           string    `json:"id"`
	Transport    Transport `json:"transport"`
	Remote       string    `json:"remote"`
	PlayerID     int64     `json:"player_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	BytesIn      uint64    `json:"bytes_in"`
	BytesOut     uint64    `json:"bytes_out"`
}

// Registry tracks every open stream connection across transports.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
	}
}

// Register adds a connection.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
	log.Debug().Str("conn_id", c.ID()).Str("transport", string(c.Transport())).Msg("connection registered")
}

// Unregister removes a connection without closing it.
func (r *Registry) Unregister(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID()]; ok {
		delete(r.conns, c.ID())
		log.Debug().Str("conn_id", c.ID()).Msg("connection unregistered")
	}
}

// Get returns the connection with the given id.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Count returns the number of open connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot lists the open connections, oldest first.
func (r *Registry) Snapshot() []ConnInfo {
	r.mu.RLock()
	out := make([]ConnInfo, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, ConnInfo{
			ID:           c.ID(),
			Transport:    c.Transport(),
			Remote:       c.RemoteAddr(),
			PlayerID:     c.PlayerID(),
			ConnectedAt:  c.ConnectedAt(),
			LastActivity: c.LastActivity(),
			BytesIn:      c.BytesIn(),
			BytesOut:     c.BytesOut(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// CloseAll closes every registered connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, c := range r.conns {
		c.Close()
		delete(r.conns, id)
	}

	log.Info().Msg("all connections closed")
}

// CleanUnidentified closes connections that have not bound a player id
// within timeout of being accepted. Identified connections are left to
// the heartbeat timer.
func (r *Registry) CleanUnidentified(timeout time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cleaned := 0
	cutoff := time.Now().Add(-timeout)

	for id, c := range r.conns {
		if c.PlayerID() >= 0 || !c.ConnectedAt().Before(cutoff) {
			continue
		}
		c.Close()
		delete(r.conns, id)
		cleaned++
		log.Warn().
			Str("conn_id", id).
			Str("remote", c.RemoteAddr()).
			Msg("closed connection that never identified")
	}

	return cleaned
}
