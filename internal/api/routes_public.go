package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/gignet/internal/util"
)

// Version is reported by the public endpoints; main overrides it at build.
var Version = "1.0.0"

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "gignet",
		"version": Version,
	})
}

// handleGetServerInfo returns the listener endpoints and host facts.
func (s *Server) handleGetServerInfo(c *gin.Context) {
	netCfg := s.cfg.GetNetwork()
	sysInfo := util.GetSystemInfo()
	stats := s.game.Stats()

	c.JSON(http.StatusOK, gin.H{
		"version":       Version,
		"public_host":   netCfg.PublicHost,
		"tcp_port":      portIf(netCfg.TCPEnabled, netCfg.TCPPort),
		"ws_port":       portIf(netCfg.WSEnabled, netCfg.WSPort),
		"ws_path":       netCfg.WSPath,
		"udp_port":      portIf(netCfg.UDPEnabled, netCfg.UDPPort),
		"audio_port":    portIf(netCfg.AudioEnabled, netCfg.AudioPort),
		"session_token": stats.SessionToken,
		"uptime":        stats.Uptime,
		"rooms":         stats.Rooms.Rooms,
		"players":       stats.ActiveSessions,
		"system":        sysInfo,
	})
}

func portIf(enabled bool, port int) int {
	if !enabled {
		return 0
	}
	return port
}
