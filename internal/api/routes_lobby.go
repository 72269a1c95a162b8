package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gignet/internal/events"
	"github.com/energizer-project/gignet/internal/room"
)

const (
	maxLobbyBody     = 1 << 20
	provisionTimeout = 5 * time.Second
)

// flexInt accepts a JSON number or a numeric string.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(strings.TrimSpace(s))
		if len(data) == 0 {
			*f = 0
			return nil
		}
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		// Tolerate integral floats such as 2.0.
		fv, ferr := strconv.ParseFloat(string(data), 64)
		if ferr != nil || fv != float64(int64(fv)) {
			return fmt.Errorf("not an integer: %s", data)
		}
		n = int64(fv)
	}
	*f = flexInt(n)
	return nil
}

// flexBool accepts a JSON bool, "true"/"false", or 0/1.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	switch strings.ToLower(s) {
	case "", "null":
		return nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("not a boolean: %s", data)
	}
	*f = flexBool(v)
	return nil
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(data)
	return nil
}

type lobbyParticipant struct {
	ID       flexInt    `json:"id"`
	Name     string     `json:"name"`
	ActualID flexString `json:"actualId"`
	Avatar   string     `json:"avatar"`
}

// lobbyRequest is the body the external lobby service posts.
type lobbyRequest struct {
	LobbyID      *flexInt           `json:"lobbyId"`
	RealPlayers  flexInt            `json:"realPlayers"`
	BotCount     flexInt            `json:"botCount"`
	BotWins      flexBool           `json:"botWins"`
	Participants []lobbyParticipant `json:"participants"`
	TournamentID *flexString        `json:"tournamentId"`
}

func (r lobbyRequest) spec() (room.Spec, error) {
	if r.LobbyID == nil {
		return room.Spec{}, errors.New("lobbyId is required")
	}

	spec := room.Spec{
		ID:       int64(*r.LobbyID),
		Capacity: int(r.RealPlayers),
		BotCount: int(r.BotCount),
		BotWins:  bool(r.BotWins),
	}
	for _, p := range r.Participants {
		spec.Participants = append(spec.Participants, events.Participant{
			ID:       int64(p.ID),
			Name:     p.Name,
			ActualID: string(p.ActualID),
			Avatar:   p.Avatar,
		})
	}
	if r.TournamentID != nil && *r.TournamentID != "" {
		spec.Extras = map[string]string{"tournamentId": string(*r.TournamentID)}
	}
	return spec, nil
}

func provisionError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"status":  "error",
		"message": err.Error(),
	})
}

// handleProvision pre-creates a room with a known roster before any of its
// players connect.
func (s *Server) handleProvision(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		c.Header("Allow", http.MethodPost)
		c.JSON(http.StatusMethodNotAllowed, gin.H{
			"status":  "error",
			"message": "method not allowed",
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxLobbyBody))
	if err != nil {
		provisionError(c, fmt.Errorf("failed to read body: %w", err))
		return
	}

	var req lobbyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		log.Warn().Err(err).Str("client_ip", c.ClientIP()).Msg("API: malformed lobby request")
		provisionError(c, fmt.Errorf("invalid lobby request: %w", err))
		return
	}

	spec, err := req.spec()
	if err != nil {
		provisionError(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), provisionTimeout)
	defer cancel()

	info, err := s.game.Provision(ctx, spec)
	if err != nil {
		log.Warn().Err(err).Int64("room_id", spec.ID).Msg("API: provisioning failed")
		provisionError(c, err)
		return
	}

	log.Info().
		Int64("room_id", info.ID).
		Int("capacity", info.Capacity).
		Int("bots", info.BotCount).
		Int("participants", len(info.Participants)).
		Msg("API: room provisioned")

	c.JSON(http.StatusOK, gin.H{"ok": true})
}
