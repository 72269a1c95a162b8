// Package config handles configuration loading, validation, and persistence
// for the GigNet server and client.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"

	DefaultTCPPort   = 7778
	DefaultUDPPort   = 7778
	DefaultAudioPort = 7779
	DefaultAPIPort   = 7780
	DefaultWSPort    = 7784

	DefaultPermanentRoomID = 12345
)

// Config is the root configuration structure for GigNet.
type Config struct {
	mu   sync.RWMutex
	path string

	Network  NetworkConfig  `json:"network"`
	Session  SessionConfig  `json:"session"`
	Rooms    RoomsConfig    `json:"rooms"`
	Client   ClientConfig   `json:"client"`
	API      APIConfig      `json:"api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
}

// NetworkConfig describes the server listeners and per-connection limits.
type NetworkConfig struct {
	BindAddress string `json:"bind_address"`
	PublicHost  string `json:"public_host"`

	TCPEnabled   bool   `json:"tcp_enabled"`
	TCPPort      int    `json:"tcp_port"`
	WSEnabled    bool   `json:"ws_enabled"`
	WSPort       int    `json:"ws_port"`
	WSPath       string `json:"ws_path"`
	UDPEnabled   bool   `json:"udp_enabled"`
	UDPPort      int    `json:"udp_port"`
	AudioEnabled bool   `json:"audio_enabled"`
	AudioPort    int    `json:"audio_port"`

	MaxFrameSize   int `json:"max_frame_size"`
	SendQueueSize  int `json:"send_queue_size"`
	FramesPerSec   int `json:"frames_per_second"`
	FrameBurst     int `json:"frame_burst"`
	AcceptPerIPSec int `json:"accept_per_ip_per_second"`
}

// SessionConfig controls the lobby and the tick loop.
type SessionConfig struct {
	HeartbeatTimeoutMs int `json:"heartbeat_timeout_ms"`
	TickIntervalMs     int `json:"tick_interval_ms"`
	RecentlyEndedTTLS  int `json:"recently_ended_ttl_seconds"`
}

// HeartbeatTimeout returns how long a connected session may stay silent.
func (s SessionConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(s.HeartbeatTimeoutMs) * time.Millisecond
}

// TickInterval returns the period of the server tick loop.
func (s SessionConfig) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalMs) * time.Millisecond
}

// RecentlyEndedTTL returns how long an ended room id stays unjoinable.
func (s SessionConfig) RecentlyEndedTTL() time.Duration {
	return time.Duration(s.RecentlyEndedTTLS) * time.Second
}

// PermanentRoom is a room that exists from startup and is reset instead
// of deleted when it ends.
type PermanentRoom struct {
	ID       int64 `json:"id"`
	Capacity int   `json:"capacity"`
	BotCount int   `json:"bot_count"`
	BotWins  bool  `json:"bot_wins"`
}

// RoomsConfig describes the auto-fill pool and the permanent rooms.
type RoomsConfig struct {
	SizePool       []int           `json:"size_pool"`
	PermanentRooms []PermanentRoom `json:"permanent_rooms"`
}

// ClientConfig holds the client orchestrator timings.
type ClientConfig struct {
	ServerHost            string `json:"server_host"`
	Transport             string `json:"transport"`
	HeartbeatIntervalMs   int    `json:"heartbeat_interval_ms"`
	TimeoutWarnAfter      int    `json:"timeout_warn_after"`
	ForceQuitAfter        int    `json:"force_quit_after"`
	ReconnectDelayMs      int    `json:"reconnect_delay_ms"`
	MatchmakingTimeoutSec int    `json:"matchmaking_timeout_seconds"`
}

// HeartbeatInterval returns the client heartbeat period.
func (c ClientConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// ReconnectDelay returns the wait between reconnect attempts.
func (c ClientConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

// MatchmakingTimeout returns how long the client waits for a filled room.
func (c ClientConfig) MatchmakingTimeout() time.Duration {
	return time.Duration(c.MatchmakingTimeoutSec) * time.Second
}

// APIConfig configures the HTTP provisioning endpoint.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	ControlToken   string   `json:"control_token"`
}

// MQTTConfig configures lifecycle telemetry publishing.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	TLS         bool   `json:"tls"`
	TopicPrefix string `json:"topic_prefix"`
	ClientID    string `json:"client_id"`
}

// DatabaseConfig configures the SQLite room ledger.
type DatabaseConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
}

// LoggingConfig mirrors util.LogConfig so it can live in config.json.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			BindAddress:    "0.0.0.0",
			PublicHost:     "127.0.0.1",
			TCPEnabled:     true,
			TCPPort:        DefaultTCPPort,
			WSEnabled:      true,
			WSPort:         DefaultWSPort,
			WSPath:         "/",
			UDPEnabled:     true,
			UDPPort:        DefaultUDPPort,
			AudioEnabled:   true,
			AudioPort:      DefaultAudioPort,
			MaxFrameSize:   1 << 20,
			SendQueueSize:  256,
			FramesPerSec:   200,
			FrameBurst:     400,
			AcceptPerIPSec: 10,
		},
		Session: SessionConfig{
			HeartbeatTimeoutMs: 5000,
			TickIntervalMs:     20,
			RecentlyEndedTTLS:  600,
		},
		Rooms: RoomsConfig{
			SizePool: []int{2},
			PermanentRooms: []PermanentRoom{
				{ID: DefaultPermanentRoomID, Capacity: 1, BotCount: 1, BotWins: true},
			},
		},
		Client: ClientConfig{
			ServerHost:            "127.0.0.1",
			Transport:             "tcp",
			HeartbeatIntervalMs:   1000,
			TimeoutWarnAfter:      5,
			ForceQuitAfter:        16,
			ReconnectDelayMs:      3000,
			MatchmakingTimeoutSec: 90,
		},
		API: APIConfig{
			Enabled:        true,
			Port:           DefaultAPIPort,
			AllowedOrigins: []string{"*"},
			RateLimitRPS:   20,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Host:        "localhost",
			Port:        1883,
			TopicPrefix: "gignet",
			ClientID:    "gignet-server",
		},
		Database: DatabaseConfig{
			Enabled:       true,
			Path:          "data/gignet.db",
			RetentionDays: 30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
			Console:    true,
		},
	}
}

// Load reads config.json from configDir, creating it with defaults when
// it does not exist.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist any fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config has no path")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetNetwork returns a copy of the network section.
func (c *Config) GetNetwork() NetworkConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Network
}

// GetSession returns a copy of the session section.
func (c *Config) GetSession() SessionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Session
}

// GetRooms returns a copy of the rooms section.
func (c *Config) GetRooms() RoomsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rooms := RoomsConfig{
		SizePool:       append([]int(nil), c.Rooms.SizePool...),
		PermanentRooms: append([]PermanentRoom(nil), c.Rooms.PermanentRooms...),
	}
	return rooms
}

// GetClient returns a copy of the client section.
func (c *Config) GetClient() ClientConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Client
}

// GetAPI returns a copy of the API section.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	api := c.API
	api.AllowedOrigins = append([]string(nil), c.API.AllowedOrigins...)
	return api
}

// GetMQTT returns a copy of the MQTT section.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetDatabase returns a copy of the database section.
func (c *Config) GetDatabase() DatabaseConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Database
}

// GetLogging returns a copy of the logging section.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// UpdateField sets one key of a section, e.g. ("session", "tick_interval_ms", 50).
func (c *Config) UpdateField(section, key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var target interface{}
	switch section {
	case "network":
		target = &c.Network
	case "session":
		target = &c.Session
	case "rooms":
		target = &c.Rooms
	case "client":
		target = &c.Client
	case "api":
		target = &c.API
	case "mqtt":
		target = &c.MQTT
	case "database":
		target = &c.Database
	case "logging":
		target = &c.Logging
	default:
		return fmt.Errorf("unknown config section %q", section)
	}

	data, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("failed to marshal section %s: %w", section, err)
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to decode section %s: %w", section, err)
	}
	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown field %s.%s", section, key)
	}

	m[key] = value

	updated, _ := json.Marshal(m)
	if err := json.Unmarshal(updated, target); err != nil {
		return fmt.Errorf("failed to update field %s.%s: %w", section, key, err)
	}

	return nil
}

// Clone returns a deep copy that shares nothing with c.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	data, err := json.Marshal(c)
	path := c.path
	c.mu.RUnlock()

	out := DefaultConfig()
	if err == nil {
		json.Unmarshal(data, out)
	}
	out.path = path
	return out
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
