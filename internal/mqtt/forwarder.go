package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/oleksandr-g-rock/ai-runner-coach/internal/config"
	"github.com/oleksandr-g-rock/ai-runner-coach/internal/events"
)

// busBuffer is the subscription depth. Events beyond it are dropped by
// the bus rather than blocking the agent.
const busBuffer = 256

// Publisher is the subset of [autopaho.ConnectionManager] the forwarder
// needs.
type Publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Forwarder relays bus events to an MQTT broker.
type Forwarder struct {
	cfg    config.MQTTConfig
	bus    *events.Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Forwarder but does not connect. Call [Forwarder.Start]
// to connect and begin forwarding.
func New(cfg config.MQTTConfig, bus *events.Bus, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		cfg:    cfg,
		bus:    bus,
		logger: logger.With("component", "mqtt"),
	}
}

// Topic returns the topic an event is published to.
func Topic(prefix string, e events.Event) string {
	return prefix + "/events/" + e.Source + "/" + e.Kind
}

func (f *Forwarder) availabilityTopic() string {
	return f.cfg.TopicPrefix + "/availability"
}

// Start connects to the broker and forwards events until ctx is
// cancelled. Connection failures after the initial URL parse are
// retried in the background by autopaho.
func (f *Forwarder) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(f.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: f.cfg.Username,
		ConnectPassword: []byte(f.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   f.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			f.logger.Info("mqtt connected to broker", "broker", f.cfg.Broker)
			f.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			f.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: f.cfg.ClientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	f.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		f.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	f.Forward(ctx, cm)
	return nil
}

// Forward subscribes to the bus and publishes every event through p
// until ctx is cancelled.
func (f *Forwarder) Forward(ctx context.Context, p Publisher) {
	ch := f.bus.Subscribe(busBuffer)
	defer f.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			f.forward(ctx, p, e)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, p Publisher, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		f.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	topic := Topic(f.cfg.TopicPrefix, e)
	if _, err := p.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		f.logger.Warn("mqtt event publish failed", "topic", topic, "error", err)
		return
	}
	f.logger.Log(ctx, config.LevelTrace, "mqtt event published", "topic", topic)
}

// Stop publishes "offline" and disconnects. The provided context bounds
// how long that takes.
func (f *Forwarder) Stop(ctx context.Context) error {
	if f.cm == nil {
		return nil
	}
	f.publishAvailability(ctx, f.cm, "offline")
	return f.cm.Disconnect(ctx)
}

func (f *Forwarder) publishAvailability(ctx context.Context, p Publisher, status string) {
	if _, err := p.Publish(ctx, &paho.Publish{
		Topic:   f.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		f.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	f.logger.Info("mqtt availability published", "status", status)
}
