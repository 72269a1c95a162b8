package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/gignet/internal/util"
)

// handleGetStats returns the aggregate server counters.
func (s *Server) handleGetStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.game.Stats())
}

// handleGetRooms lists live rooms and the recently ended ids.
func (s *Server) handleGetRooms(c *gin.Context) {
	rooms := s.game.Rooms().Snapshot()
	ended := s.game.Rooms().EndedIDs()

	c.JSON(http.StatusOK, gin.H{
		"rooms":          rooms,
		"total":          len(rooms),
		"recently_ended": ended,
	})
}

// handleGetRoom returns one room with its roster and id map.
func (s *Server) handleGetRoom(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}

	info, ok := s.game.Rooms().Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found", "room_id": id})
		return
	}
	roster, _ := s.game.Rooms().Roster(id)
	idMap, _ := s.game.IDMap(id)

	c.JSON(http.StatusOK, gin.H{
		"room":   info,
		"roster": roster,
		"id_map": idMap,
	})
}

// handleGetSessions lists the lobby.
func (s *Server) handleGetSessions(c *gin.Context) {
	sessions := s.game.Sessions().Snapshot()
	total, active := s.game.Sessions().Count()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    total,
		"active":   active,
	})
}

// handleGetConnections lists the open stream connections.
func (s *Server) handleGetConnections(c *gin.Context) {
	conns := s.game.Connections().Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"connections": conns,
		"total":       len(conns),
	})
}

// handleGetLag returns slow-tick data and the current alert, if any.
func (s *Server) handleGetLag(c *gin.Context) {
	alert, alerting := s.game.Lag().CheckThresholds()
	resp := gin.H{"lag": s.game.Lag().Data()}
	if alerting {
		resp["alert"] = alert
	}
	c.JSON(http.StatusOK, resp)
}

// handleGetHostLoad returns CPU and memory usage of the host.
func (s *Server) handleGetHostLoad(c *gin.Context) {
	load, err := util.SampleHostLoad()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, load)
}

// handleGetLedger returns the most recent room records.
func (s *Server) handleGetLedger(c *gin.Context) {
	if s.ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "room ledger disabled"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	rooms, err := s.ledger.RecentRooms(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	counts, err := s.ledger.CountByState()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rooms":  rooms,
		"counts": counts,
	})
}

// handleGetAlerts returns unacknowledged alerts.
func (s *Server) handleGetAlerts(c *gin.Context) {
	if s.ledger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "room ledger disabled"})
		return
	}
	alerts, err := s.ledger.GetUnacknowledgedAlerts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "total": len(alerts)})
}

// handleGetLogEntries returns recent log entries.
func (s *Server) handleGetLogEntries(c *gin.Context) {
	count, err := strconv.Atoi(c.DefaultQuery("count", "100"))
	if err != nil || count < 1 {
		count = 100
	}
	if count > 1000 {
		count = 1000
	}

	entries, err := readRecentLogEntries(s.cfg.GetLogging().Directory, count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// logEntry is a parsed log entry for the API response.
type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// readRecentLogEntries parses the last count JSON lines of the newest log
// file in logDir.
func readRecentLogEntries(logDir string, count int) ([]logEntry, error) {
	dirEntries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, err
	}

	var latestFile string
	for i := len(dirEntries) - 1; i >= 0; i-- {
		if !dirEntries[i].IsDir() && filepath.Ext(dirEntries[i].Name()) == ".log" {
			latestFile = filepath.Join(logDir, dirEntries[i].Name())
			break
		}
	}
	if latestFile == "" {
		return []logEntry{}, nil
	}

	data, err := os.ReadFile(latestFile)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(data), "\n")
	start := len(lines) - count
	if start < 0 {
		start = 0
	}

	knownKeys := map[string]bool{
		"level": true, "time": true, "message": true,
		"caller": true, "app": true,
	}

	result := make([]logEntry, 0, count)
	for _, line := range lines[start:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			result = append(result, logEntry{Message: line})
			continue
		}

		entry := logEntry{
			Level:   stringFromMap(raw, "level"),
			Message: stringFromMap(raw, "message"),
		}
		if t, ok := raw["time"]; ok {
			entry.Timestamp = fmt.Sprintf("%v", t)
		}

		extra := make(map[string]interface{})
		for k, v := range raw {
			if !knownKeys[k] {
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			entry.Fields = extra
		}

		result = append(result, entry)
	}

	return result, nil
}

// stringFromMap extracts a string value from a map, returning "" if missing.
func stringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
