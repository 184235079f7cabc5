// Package core provides the messaging backbone: an embedded NATS server
// that carries engine events and snapshots to other processes.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects published by the engine
const (
	SubjectEventPrefix    = "parking.events."
	SubjectEvents         = "parking.events.>"
	SubjectSnapshot       = "parking.snapshot"
	SubjectSnapshotGet    = "parking.snapshot.get"
	SubjectConfigChanged  = "parking.config.changed"
	SubjectSystemShutdown = "parking.system.shutdown"
)

// EventBus provides pub/sub messaging using embedded NATS
type EventBus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	// Subscription tracking
	subs   map[string][]*nats.Subscription
	subsMu sync.RWMutex
}

// EventBusConfig configures the event bus
type EventBusConfig struct {
	// Host for the NATS server (default: 127.0.0.1)
	Host string
	// Port for external clients; 0 keeps the server in-process only
	Port int
}

// NewEventBus starts an embedded NATS server and connects to it
func NewEventBus(cfg EventBusConfig, logger *slog.Logger) (*EventBus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoSigs: true,
		NoLog:  true,
	}
	if cfg.Port == 0 {
		opts.DontListen = true
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after 2 seconds (port %d)", cfg.Port)
	}

	var nc *nats.Conn
	if cfg.Port == 0 {
		nc, err = nats.Connect(nats.DefaultURL, nats.InProcessServer(ns))
	} else {
		nc, err = nats.Connect(ns.ClientURL())
	}
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	eb := &EventBus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "eventbus"),
		subs:   make(map[string][]*nats.Subscription),
	}

	eb.logger.Info("Event bus started", "in_process", cfg.Port == 0, "port", cfg.Port)
	return eb, nil
}

// Conn returns the NATS connection for direct use
func (eb *EventBus) Conn() *nats.Conn {
	return eb.conn
}

// ClientURL returns the NATS client URL, empty when in-process only
func (eb *EventBus) ClientURL() string {
	if eb.server.Addr() == nil {
		return ""
	}
	return eb.server.ClientURL()
}

// Publish publishes a JSON message to a subject
func (eb *EventBus) Publish(subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return eb.conn.Publish(subject, payload)
}

// Subscribe subscribes to a subject
func (eb *EventBus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := eb.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}

	eb.subsMu.Lock()
	eb.subs[subject] = append(eb.subs[subject], sub)
	eb.subsMu.Unlock()

	return sub, nil
}

// Request sends a request and waits for a response
func (eb *EventBus) Request(subject string, data interface{}, timeout time.Duration) (*nats.Msg, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}
	return eb.conn.Request(subject, payload, timeout)
}

// Unsubscribe removes all subscriptions for a subject
func (eb *EventBus) Unsubscribe(subject string) {
	eb.subsMu.Lock()
	defer eb.subsMu.Unlock()

	if subs, ok := eb.subs[subject]; ok {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		delete(eb.subs, subject)
	}
}

// Flush waits until published messages reach the server
func (eb *EventBus) Flush() error {
	return eb.conn.Flush()
}

// Stop shuts down the event bus
func (eb *EventBus) Stop() {
	_ = eb.conn.Drain()
	eb.server.Shutdown()
	eb.logger.Info("Event bus stopped")
}

// HealthCheck verifies the connection to the embedded server
func (eb *EventBus) HealthCheck(ctx context.Context) error {
	if !eb.conn.IsConnected() {
		return fmt.Errorf("NATS connection not active")
	}

	_, err := eb.conn.RequestWithContext(ctx, "_health", []byte("ping"))
	if err == nats.ErrNoResponders {
		// No responders is OK, just means no one is listening
		return nil
	}
	return err
}
