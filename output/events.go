package output

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Event types published on connection lifecycle changes.
const (
	EventServiceStart = "service_start"
	EventServiceStop  = "service_stop"
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventReadError    = "read_error"
	EventReconnect    = "reconnect"
	EventBoardReset   = "board_reset"
)

// Event is the flat structure published to NATS for easy querying.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Type      string         `json:"type"`
	Port      string         `json:"port,omitempty"`
	Message   string         `json:"msg,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// EventPublisher publishes lifecycle events to NATS. It is optional: a nil
// publisher silently drops everything, so callers never need to guard.
type EventPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewEventPublisher creates an EventPublisher. Returns nil if conn is nil
// (disabled mode).
func NewEventPublisher(conn *nats.Conn, subject string, logger *slog.Logger) *EventPublisher {
	if conn == nil {
		return nil
	}
	return &EventPublisher{conn: conn, subject: subject, logger: logger}
}

// Publish sends an event. Safe to call on a nil receiver.
func (e *EventPublisher) Publish(event Event) {
	if e == nil || e.conn == nil || !e.conn.IsConnected() {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("Failed to marshal event", "error", err, "type", event.Type)
		return
	}

	if err := e.conn.Publish(e.subject, data); err != nil {
		e.logger.Warn("Failed to publish event", "error", err, "type", event.Type)
		return
	}

	e.logger.Debug("Published event", "type", event.Type, "port", event.Port)
}

// Connect establishes a NATS connection with reconnect logging, the same
// handler wiring used for any publisher in this process.
func Connect(url string, maxReconnects int, logger *slog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", "error", err)
			}
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	logger.Info("Connected to NATS", "url", url)
	return conn, nil
}
