// Package mqtt publishes periodic cache statistics snapshots to an MQTT
// broker for fleet telemetry. Disabled by default.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/wanderstory/storycache/pkg/cache"
	"github.com/wanderstory/storycache/pkg/logx"
)

// Config holds MQTT publisher configuration
type Config struct {
	Broker          string `json:"broker"`
	Port            int    `json:"port"`
	ClientID        string `json:"client_id"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	TopicPrefix     string `json:"topic_prefix"`
	QoS             int    `json:"qos"`
	Retain          bool   `json:"retain"`
	Enabled         bool   `json:"enabled"`
	IntervalSeconds int    `json:"interval_seconds"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:          "localhost",
		Port:            1883,
		ClientID:        "storycached",
		TopicPrefix:     "storycache",
		QoS:             1,
		Retain:          false,
		Enabled:         false,
		IntervalSeconds: 300,
	}
}

// StatsSource supplies the snapshots to publish; satisfied by *cache.Cache
type StatsSource interface {
	Stats() cache.CacheStats
}

// Publisher pushes stats snapshots to the broker
type Publisher struct {
	client    MQTT.Client
	config    *Config
	logger    *logx.Logger
	connected bool
}

// NewPublisher creates an MQTT stats publisher
func NewPublisher(config *Config, logger *logx.Logger) *Publisher {
	if config == nil {
		config = DefaultConfig()
	}
	return &Publisher{config: config, logger: logger}
}

// Connect establishes the broker connection. No-op when disabled.
func (p *Publisher) Connect() error {
	if !p.config.Enabled {
		p.logger.Debug("mqtt_publisher_disabled")
		return nil
	}

	opts := MQTT.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)).
		SetClientID(p.config.ClientID).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	p.client = MQTT.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect timed out after 10s")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect failed: %w", err)
	}

	p.connected = true
	p.logger.Info("mqtt_connected", "broker", p.config.Broker, "port", p.config.Port)
	return nil
}

// Disconnect closes the broker connection
func (p *Publisher) Disconnect() {
	if p.connected && p.client != nil {
		p.client.Disconnect(250)
		p.connected = false
	}
}

// PublishStats sends one stats snapshot to <prefix>/stats
func (p *Publisher) PublishStats(stats cache.CacheStats) error {
	if !p.connected {
		return nil
	}

	payload, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	topic := p.config.TopicPrefix + "/stats"
	token := p.client.Publish(topic, byte(p.config.QoS), p.config.Retain, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt publish timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish failed: %w", err)
	}

	p.logger.Debug("stats_published", "topic", topic, "entries", stats.TotalEntries)
	return nil
}

// Run publishes stats on the configured interval until the context is
// cancelled. Returns immediately when the publisher is disabled.
func (p *Publisher) Run(ctx context.Context, source StatsSource) {
	if !p.config.Enabled {
		return
	}

	interval := time.Duration(p.config.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PublishStats(source.Stats()); err != nil {
				p.logger.Warn("stats_publish_failed", "error", err.Error())
			}
		}
	}
}
