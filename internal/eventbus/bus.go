// Package eventbus publishes plugin lifecycle and data notifications on an
// embedded, in-process NATS server.
package eventbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/nova-desk/nova/internal/plugin"
)

// Subjects
const (
	SubjectLifecyclePrefix = "nova.plugins.lifecycle."
	SubjectDataPrefix      = "nova.plugins.data."

	SubjectLifecycleAll = SubjectLifecyclePrefix + "*"
	SubjectDataAll      = SubjectDataPrefix + "*"
)

// LifecycleEvent is the payload published for every plugin lifecycle change
type LifecycleEvent struct {
	PluginID     string    `json:"plugin_id"`
	Type         string    `json:"type"`
	Message      string    `json:"message,omitempty"`
	RestartCount int       `json:"restart_count"`
	ExitCode     int       `json:"exit_code,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// DataEvent is the payload published for every relayed data message
type DataEvent struct {
	PluginID string          `json:"plugin_id"`
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
}

// Config configures the bus
type Config struct {
	// ReadyTimeout bounds the wait for the embedded server (default 2s)
	ReadyTimeout time.Duration
}

// Bus is an embedded NATS server with one in-process client connection.
// It never opens a network port.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subs   []*nats.Subscription
	subsMu sync.Mutex
}

// New starts the embedded server and connects to it in-process
func New(cfg Config, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 2 * time.Second
	}

	opts := &server.Options{
		DontListen: true,
		NoSigs:     true,
		NoLog:      true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(cfg.ReadyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after %v", cfg.ReadyTimeout)
	}

	nc, err := nats.Connect("", nats.InProcessServer(ns), nats.Name("nova-host"))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	b := &Bus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "eventbus"),
	}
	b.logger.Info("Event bus started")
	return b, nil
}

// Conn returns the NATS connection for direct use
func (b *Bus) Conn() *nats.Conn {
	return b.conn
}

// Publish publishes v as JSON on subject
func (b *Bus) Publish(subject string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return b.conn.Publish(subject, payload)
}

// Subscribe subscribes to a subject. The subscription is removed on Close.
func (b *Bus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.subsMu.Lock()
	b.subs = append(b.subs, sub)
	b.subsMu.Unlock()
	return sub, nil
}

// SubscribeLifecycle delivers every lifecycle event
func (b *Bus) SubscribeLifecycle(fn func(LifecycleEvent)) (*nats.Subscription, error) {
	return b.Subscribe(SubjectLifecycleAll, func(msg *nats.Msg) {
		var e LifecycleEvent
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			b.logger.Error("Failed to unmarshal message", "subject", msg.Subject, "error", err)
			return
		}
		fn(e)
	})
}

// SubscribeData delivers every relayed data message
func (b *Bus) SubscribeData(fn func(DataEvent)) (*nats.Subscription, error) {
	return b.Subscribe(SubjectDataAll, func(msg *nats.Msg) {
		var e DataEvent
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			b.logger.Error("Failed to unmarshal message", "subject", msg.Subject, "error", err)
			return
		}
		fn(e)
	})
}

// Flush waits until the server has processed everything published so far
func (b *Bus) Flush() error {
	return b.conn.Flush()
}

// PluginEvent publishes a lifecycle event on nova.plugins.lifecycle.<type>
func (b *Bus) PluginEvent(e plugin.Event) {
	payload := LifecycleEvent{
		PluginID:     e.PluginID,
		Type:         string(e.Type),
		Message:      e.Message,
		RestartCount: e.RestartCount,
		ExitCode:     e.ExitCode,
		Timestamp:    e.Time,
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}
	if err := b.Publish(SubjectLifecyclePrefix+string(e.Type), payload); err != nil {
		b.logger.Warn("Failed to publish lifecycle event", "id", e.PluginID, "type", e.Type, "error", err)
	}
}

// PluginData publishes a relayed data message on nova.plugins.data.<id>
func (b *Bus) PluginData(pluginID, key string, value json.RawMessage) {
	if err := b.Publish(DataSubject(pluginID), DataEvent{PluginID: pluginID, Key: key, Value: value}); err != nil {
		b.logger.Warn("Failed to publish data", "id", pluginID, "key", key, "error", err)
	}
}

// DataSubject returns the data subject for one plugin
func DataSubject(pluginID string) string {
	return SubjectDataPrefix + pluginID
}

// Close drains the connection and shuts the server down
func (b *Bus) Close() {
	b.subsMu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.subsMu.Unlock()

	_ = b.conn.Drain()
	b.server.Shutdown()
	b.logger.Info("Event bus stopped")
}

var _ plugin.Notifier = (*Bus)(nil)
