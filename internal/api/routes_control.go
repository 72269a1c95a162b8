package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gignet/internal/config"
	"github.com/energizer-project/gignet/internal/events"
	"github.com/energizer-project/gignet/internal/room"
)

// handleEndRoom tears a room down as if its game had ended.
func (s *Server) handleEndRoom(c *gin.Context) {
	id, err := parseRoomID(c)
	if err != nil {
		return
	}

	if err := s.game.EndRoom(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, room.ErrNoRoom) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error(), "room_id": id})
		return
	}

	log.Info().Int64("room_id", id).Str("client_ip", c.ClientIP()).Msg("API: room teardown requested")
	c.JSON(http.StatusOK, gin.H{
		"status":  "ending",
		"room_id": id,
	})
}

// handleAckAlert acknowledges one alert.
func (s *Server) handleAckAlert(c *gin.Context) {
	if s.ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "room ledger disabled"})
		return
	}
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert id"})
		return
	}
	if err := s.ledger.AcknowledgeAlert(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "acknowledged", "id": id})
}

// handleGetConfig returns the current configuration without secrets.
func (s *Server) handleGetConfig(c *gin.Context) {
	apiCfg := s.cfg.GetAPI()
	apiCfg.ControlToken = ""

	c.JSON(http.StatusOK, gin.H{
		"network":  s.cfg.GetNetwork(),
		"session":  s.cfg.GetSession(),
		"rooms":    s.cfg.GetRooms(),
		"client":   s.cfg.GetClient(),
		"api":      apiCfg,
		"mqtt":     s.cfg.GetMQTT(),
		"database": s.cfg.GetDatabase(),
		"logging":  s.cfg.GetLogging(),
	})
}

// handleUpdateConfig sets one field, validates the result and saves it.
// Listener changes take effect on restart.
func (s *Server) handleUpdateConfig(c *gin.Context) {
	var body struct {
		Section string      `json:"section" binding:"required"`
		Key     string      `json:"key" binding:"required"`
		Value   interface{} `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	candidate := s.cfg.Clone()
	if err := candidate.UpdateField(body.Section, body.Key, body.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result := config.Validate(candidate)
	if !result.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "configuration invalid", "details": result.Errors})
		return
	}

	if err := s.cfg.UpdateField(body.Section, body.Key, body.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	s.eventBus.Emit(c.Request.Context(), events.Event{
		Type:   events.EventConfigChanged,
		Source: "api",
		Payload: events.ConfigChangedPayload{
			Section: body.Section,
			Key:     body.Key,
			Value:   body.Value,
		},
	})

	log.Info().Str("section", body.Section).Str("key", body.Key).Msg("API: configuration updated")
	c.JSON(http.StatusOK, gin.H{
		"status":   "updated",
		"warnings": result.Warnings,
	})
}

// parseRoomID extracts the id parameter, answering 400 when it is invalid.
func parseRoomID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return 0, err
	}
	return id, nil
}
