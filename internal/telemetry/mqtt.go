// Package telemetry publishes room and session lifecycle events to an MQTT
// broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gignet/internal/config"
	"github.com/energizer-project/gignet/internal/events"
	"github.com/energizer-project/gignet/internal/util"
)

// Topic suffixes, appended to the configured prefix.
const (
	TopicStatus   = "status"
	TopicRooms    = "rooms"
	TopicSessions = "sessions"
	TopicLag      = "lag"
	TopicAdmin    = "admin"
)

const statusInterval = 30 * time.Second

// StatsFunc returns the snapshot published on the status topic.
type StatsFunc func() interface{}

// publisher is the subset of mqtt.Client the handler uses.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTHandler forwards bus events to the broker as JSON messages.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	pub      publisher
	stats    StatsFunc

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates the handler. stats may be nil, in which case no
// periodic status is published.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus, stats StatsFunc) (*MQTTHandler, error) {
	mqttCfg := cfg.GetMQTT()
	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	h := &MQTTHandler{
		cfg:      mqttCfg,
		eventBus: eventBus,
		stats:    stats,
		metadata: map[string]interface{}{
			"hostname":  sysInfo.Hostname,
			"os":        sysInfo.OS,
			"cpu_cores": sysInfo.CPUCores,
			"memory_mb": sysInfo.TotalMemory,
		},
	}

	scheme := "tcp"
	if mqttCfg.TLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.Host, mqttCfg.Port))
	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("gignet-%s", sysInfo.Hostname))
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)
	if mqttCfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	h.pub = h.client
	return h, nil
}

// Start connects to the broker, forwards events until ctx is cancelled and
// then disconnects.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("host", h.cfg.Host).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.PublishShutdown()
			h.client.Disconnect(5000)
			log.Info().Msg("MQTT disconnected")
			return nil
		case <-ticker.C:
			h.publishStatus()
		}
	}
}

func (h *MQTTHandler) subscribeEvents() {
	rooms := h.forward(TopicRooms)
	h.eventBus.Subscribe(events.EventRoomProvisioned, "mqtt.roomProvisioned", rooms)
	h.eventBus.Subscribe(events.EventRoomCreated, "mqtt.roomCreated", rooms)
	h.eventBus.Subscribe(events.EventRoomFilled, "mqtt.roomFilled", rooms)
	h.eventBus.Subscribe(events.EventRoomRemoved, "mqtt.roomRemoved", rooms)

	sessions := h.forward(TopicSessions)
	h.eventBus.Subscribe(events.EventSessionConnected, "mqtt.sessionConnected", sessions)
	h.eventBus.Subscribe(events.EventSessionReconnected, "mqtt.sessionReconnected", sessions)
	h.eventBus.Subscribe(events.EventSessionDisconnected, "mqtt.sessionDisconnected", sessions)

	h.eventBus.Subscribe(events.EventTickLag, "mqtt.tickLag", h.forward(TopicLag))
}

// forward returns a bus handler publishing the event on topic.
func (h *MQTTHandler) forward(topic string) events.HandlerFunc {
	return func(_ context.Context, e events.Event) error {
		h.publish(topic, map[string]interface{}{
			"event":   string(e.Type),
			"source":  e.Source,
			"payload": e.Payload,
		}, e.Time)
		return nil
	}
}

func (h *MQTTHandler) publishStatus() {
	if h.stats == nil {
		return
	}
	payload := map[string]interface{}{"stats": h.stats()}
	if load, err := util.SampleHostLoad(); err == nil {
		payload["host"] = load
	}
	h.publish(TopicStatus, payload, time.Now())
}

// PublishShutdown announces that this server is going away.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicAdmin, map[string]interface{}{"event": "shutdown"}, time.Now())
}

func (h *MQTTHandler) topic(suffix string) string {
	if h.cfg.TopicPrefix == "" {
		return suffix
	}
	return h.cfg.TopicPrefix + "/" + suffix
}

func (h *MQTTHandler) publish(suffix string, payload interface{}, at time.Time) {
	if !h.pub.IsConnected() {
		return
	}

	topic := h.topic(suffix)
	data, err := json.Marshal(h.buildMessage(payload, at))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.pub.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}, at time.Time) map[string]interface{} {
	if at.IsZero() {
		at = time.Now()
	}
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = at.UTC().Format(time.RFC3339Nano)
	return msg
}
