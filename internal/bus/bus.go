// Package bus owns the MQTT connection: it subscribes the full home/
// topic set, decodes inbound messages into the state store, and drains
// a bounded outbound queue of command publishes.
package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/corvids-nest/iris/internal/codec"
	"github.com/corvids-nest/iris/internal/config"
	"github.com/corvids-nest/iris/internal/state"
)

// ErrNotConnected is returned by Publish before the bus has started.
var ErrNotConnected = errors.New("bus: not connected")

// presenceTopic is where the server announces itself when presence is
// enabled. The broker's will publishes "offline" here if the session
// dies.
const presenceTopic = "home/system/iris/health"

// Bus is the broker adapter. Create with New, run with Start.
type Bus struct {
	cfg      config.BusConfig
	registry *codec.Registry
	states   *state.Store
	logger   *slog.Logger

	cm       *autopaho.ConnectionManager
	outbound chan codec.Command

	decodeErrors atomic.Int64
	droppedOut   atomic.Int64
}

// New creates a Bus but does not connect.
func New(cfg config.BusConfig, registry *codec.Registry, states *state.Store, logger *slog.Logger) *Bus {
	buf := cfg.OutboundBuffer
	if buf <= 0 {
		buf = 1024
	}
	return &Bus{
		cfg:      cfg,
		registry: registry,
		states:   states,
		logger:   logger,
		outbound: make(chan codec.Command, buf),
	}
}

// Start connects to the broker and blocks until ctx is cancelled.
// Reconnects, resubscribes and backoff are handled by the connection
// manager; a broker outage never takes the process down.
func (b *Bus) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("bus connected", "broker", b.cfg.Broker)
			b.subscribeAll(ctx, cm)
			if b.cfg.PublishPresence {
				b.publishPresence(ctx, cm, "online")
			}
		},
		OnConnectError: func(err error) {
			b.logger.Warn("bus connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.clientID(),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}
	if b.cfg.PublishPresence {
		pahoCfg.WillMessage = &paho.WillMessage{
			Topic:   presenceTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		}
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("bus connect: %w", err)
	}
	b.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("bus initial connection timed out, retrying in background", "error", err)
	}

	b.drainOutbound(ctx)
	return nil
}

// Stop publishes an offline presence message and disconnects.
func (b *Bus) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	if b.cfg.PublishPresence {
		b.publishPresence(ctx, b.cm, "offline")
	}
	return b.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (b *Bus) AwaitConnection(ctx context.Context) error {
	if b.cm == nil {
		return ErrNotConnected
	}
	return b.cm.AwaitConnection(ctx)
}

// Publish enqueues a command for delivery. The queue is bounded; when
// the broker is unreachable long enough to fill it, the oldest queued
// command is dropped and counted.
func (b *Bus) Publish(cmd codec.Command) error {
	if b.cm == nil {
		return ErrNotConnected
	}
	select {
	case b.outbound <- cmd:
		return nil
	default:
	}
	select {
	case old := <-b.outbound:
		b.droppedOut.Add(1)
		b.logger.Warn("outbound queue full, dropping oldest command", "topic", old.Topic)
	default:
	}
	select {
	case b.outbound <- cmd:
		return nil
	default:
		b.droppedOut.Add(1)
		return fmt.Errorf("bus: outbound queue full, command to %s dropped", cmd.Topic)
	}
}

// DecodeErrors returns the count of malformed inbound messages.
func (b *Bus) DecodeErrors() int64 { return b.decodeErrors.Load() }

// DroppedOutbound returns the count of shed outbound commands.
func (b *Bus) DroppedOutbound() int64 { return b.droppedOut.Load() }

func (b *Bus) clientID() string {
	if b.cfg.ClientID != "" {
		return b.cfg.ClientID
	}
	return "iris-server"
}

func (b *Bus) subscribeAll(ctx context.Context, cm *autopaho.ConnectionManager) {
	patterns := b.registry.Patterns()
	subs := make([]paho.SubscribeOptions, len(patterns))
	for i, p := range patterns {
		subs[i] = paho.SubscribeOptions{Topic: p, QoS: 1}
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		b.logger.Error("bus subscribe failed", "patterns", len(patterns), "error", err)
		return
	}
	b.logger.Info("bus subscribed", "patterns", len(patterns))
}

// handleMessage decodes one inbound message and folds it into the
// state store. Malformed payloads are logged and counted, never fatal.
func (b *Bus) handleMessage(topic string, payload []byte) {
	ev, err := b.registry.Decode(topic, payload, time.Now())
	if err != nil {
		b.decodeErrors.Add(1)
		b.logger.Debug("bus message rejected", "topic", topic, "error", err)
		return
	}
	if ev == nil {
		return
	}
	b.states.Apply(ev)
}

func (b *Bus) drainOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-b.outbound:
			pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, err := b.cm.Publish(pubCtx, &paho.Publish{
				Topic:   cmd.Topic,
				Payload: cmd.Payload,
				QoS:     1,
			})
			cancel()
			if err != nil {
				b.logger.Warn("bus publish failed", "topic", cmd.Topic, "error", err)
				continue
			}
			b.logger.Debug("bus published", "topic", cmd.Topic, "bytes", len(cmd.Payload))
		}
	}
}

func (b *Bus) publishPresence(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   presenceTopic,
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("bus presence publish failed", "status", status, "error", err)
	}
}
