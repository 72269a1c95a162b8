package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	validateNetwork(&cfg.Network, result)
	validateSession(&cfg.Session, result)
	validateRooms(&cfg.Rooms, result)
	validateClient(&cfg.Client, result)
	validateServices(cfg, result)

	return result
}

func validateNetwork(n *NetworkConfig, result *ValidationResult) {
	if n.BindAddress != "" && net.ParseIP(n.BindAddress) == nil {
		result.AddError("network.bind_address", fmt.Sprintf("not an IP address: %s", n.BindAddress))
	}

	if !n.TCPEnabled && !n.WSEnabled {
		result.AddError("network", "at least one of tcp_enabled or ws_enabled must be set")
	}

	if n.TCPEnabled {
		validatePort(n.TCPPort, "network.tcp_port", result)
	}
	if n.WSEnabled {
		validatePort(n.WSPort, "network.ws_port", result)
		if !strings.HasPrefix(n.WSPath, "/") {
			result.AddError("network.ws_path", "path must start with /")
		}
	}
	if n.UDPEnabled {
		validatePort(n.UDPPort, "network.udp_port", result)
	}
	if n.AudioEnabled {
		validatePort(n.AudioPort, "network.audio_port", result)
	}

	// TCP and UDP may share a number; within a protocol every port must be unique.
	streamPorts := map[int]string{}
	addStream := func(enabled bool, port int, name string) {
		if !enabled {
			return
		}
		if other, ok := streamPorts[port]; ok {
			result.AddError("network.ports",
				fmt.Sprintf("port conflict detected: %s and %s both use %d", other, name, port))
			return
		}
		streamPorts[port] = name
	}
	addStream(n.TCPEnabled, n.TCPPort, "tcp")
	addStream(n.WSEnabled, n.WSPort, "ws")

	if n.UDPEnabled && n.AudioEnabled && n.UDPPort == n.AudioPort {
		result.AddError("network.ports",
			fmt.Sprintf("port conflict detected: udp and audio both use %d", n.UDPPort))
	}

	if n.MaxFrameSize < 64 {
		result.AddError("network.max_frame_size", "max frame size must be at least 64 bytes")
	}
	if n.SendQueueSize < 1 {
		result.AddError("network.send_queue_size", "send queue must hold at least one frame")
	}
	if n.FramesPerSec < 1 {
		result.AddWarning("network.frames_per_second",
			"frame rate limit is disabled (0), a single client may flood the server")
	} else if n.FrameBurst < n.FramesPerSec {
		result.AddWarning("network.frame_burst", "burst smaller than the rate will drop legitimate bursts")
	}
}

func validateSession(s *SessionConfig, result *ValidationResult) {
	if s.HeartbeatTimeoutMs < 1000 {
		result.AddError("session.heartbeat_timeout_ms", "heartbeat timeout must be at least 1000ms")
	}
	if s.TickIntervalMs < 1 {
		result.AddError("session.tick_interval_ms", "tick interval must be positive")
	} else if s.TickIntervalMs > s.HeartbeatTimeoutMs/2 {
		result.AddWarning("session.tick_interval_ms",
			"tick interval is coarse compared to the heartbeat timeout")
	}
	if s.RecentlyEndedTTLS < 0 {
		result.AddError("session.recently_ended_ttl_seconds", "ttl cannot be negative")
	}
}

func validateRooms(r *RoomsConfig, result *ValidationResult) {
	if len(r.SizePool) == 0 {
		result.AddError("rooms.size_pool", "size pool must contain at least one room size")
	}
	for i, size := range r.SizePool {
		if size < 1 {
			result.AddError(fmt.Sprintf("rooms.size_pool[%d]", i), fmt.Sprintf("invalid room size %d", size))
		}
	}

	seen := make(map[int64]bool)
	for i, p := range r.PermanentRooms {
		field := fmt.Sprintf("rooms.permanent_rooms[%d]", i)
		if p.ID < 0 {
			result.AddError(field+".id", "permanent room id cannot be negative")
		}
		if seen[p.ID] {
			result.AddError(field+".id", fmt.Sprintf("duplicate permanent room id %d", p.ID))
		}
		seen[p.ID] = true
		if p.Capacity < 1 {
			result.AddError(field+".capacity", "capacity must be at least 1")
		}
		if p.BotCount < 0 {
			result.AddError(field+".bot_count", "bot count cannot be negative")
		}
	}
}

func validateClient(c *ClientConfig, result *ValidationResult) {
	switch c.Transport {
	case "tcp", "ws":
	default:
		result.AddError("client.transport", fmt.Sprintf("unknown transport %q (want tcp or ws)", c.Transport))
	}
	if c.HeartbeatIntervalMs < 100 {
		result.AddError("client.heartbeat_interval_ms", "heartbeat interval must be at least 100ms")
	}
	if c.ForceQuitAfter <= c.TimeoutWarnAfter {
		result.AddError("client.force_quit_after", "force quit threshold must exceed the warning threshold")
	}
	if c.ReconnectDelayMs < 0 {
		result.AddError("client.reconnect_delay_ms", "reconnect delay cannot be negative")
	}
	if c.MatchmakingTimeoutSec < 1 {
		result.AddWarning("client.matchmaking_timeout_seconds", "matchmaking watchdog is disabled")
	}
}

func validateServices(cfg *Config, result *ValidationResult) {
	if cfg.API.Enabled {
		validatePort(cfg.API.Port, "api.port", result)
		if (cfg.Network.TCPEnabled && cfg.API.Port == cfg.Network.TCPPort) ||
			(cfg.Network.WSEnabled && cfg.API.Port == cfg.Network.WSPort) {
			result.AddError("api.port", "api port collides with a game listener")
		}
		if cfg.API.RateLimitRPS < 1 {
			result.AddWarning("api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
	}

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.Host) == "" {
			result.AddError("mqtt.host", "MQTT host is required when MQTT is enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			result.AddError("mqtt.port", "invalid MQTT port")
		}
	}

	if cfg.Database.Enabled {
		if strings.TrimSpace(cfg.Database.Path) == "" {
			result.AddError("database.path", "database path is required when the ledger is enabled")
		}
		if cfg.Database.RetentionDays < 1 {
			result.AddWarning("database.retention_days", "ledger rows will never be pruned")
		}
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a TCP port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
