package output

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"gopkg.in/natefinch/lumberjack.v2"

	"boardbridge/buffer"
)

// Mirror copies buffer entries out of process: each entry is appended to a
// rotating per-port log file and, when NATS is configured, published to
// {subject_prefix}.{port}. The in-memory buffer stays the source of truth;
// mirroring is best-effort and never blocks ingestion on failure.
//
// A nil Mirror is valid and does nothing, so callers never need to guard.
type Mirror struct {
	basePath      string
	maxSizeMB     int
	maxBackups    int
	compress      bool
	natsConn      *nats.Conn
	subjectPrefix string
	logger        *slog.Logger

	mu      sync.Mutex
	writers map[string]*lumberjack.Logger // keyed by port device path
}

// MirrorConfig contains configuration for Mirror.
type MirrorConfig struct {
	BasePath      string // directory for per-port traffic files
	MaxSizeMB     int
	MaxBackups    int
	Compress      bool
	NATSConn      *nats.Conn // nil disables publishing
	SubjectPrefix string
	Logger        *slog.Logger
}

// NewMirror creates a traffic mirror. Returns nil when no base path and no
// NATS connection are configured (disabled mode).
func NewMirror(cfg *MirrorConfig) *Mirror {
	if cfg == nil || (cfg.BasePath == "" && cfg.NATSConn == nil) {
		return nil
	}
	return &Mirror{
		basePath:      cfg.BasePath,
		maxSizeMB:     cfg.MaxSizeMB,
		maxBackups:    cfg.MaxBackups,
		compress:      cfg.Compress,
		natsConn:      cfg.NATSConn,
		subjectPrefix: cfg.SubjectPrefix,
		logger:        cfg.Logger,
		writers:       make(map[string]*lumberjack.Logger),
	}
}

// Record mirrors one entry. Safe to call on a nil receiver.
func (m *Mirror) Record(entry buffer.Entry) {
	if m == nil {
		return
	}

	if m.basePath != "" {
		line := fmt.Sprintf("[%s] %s: %s\n",
			entry.Timestamp.Format(time.RFC3339Nano), entry.Type, entry.Data)
		if _, err := m.writerFor(entry.Port).Write([]byte(line)); err != nil {
			m.logger.Warn("Failed to write traffic log", "port", entry.Port, "error", err)
		}
	}

	if m.natsConn != nil && m.natsConn.IsConnected() {
		data, err := json.Marshal(entry)
		if err != nil {
			m.logger.Error("Failed to marshal entry", "error", err)
			return
		}
		subject := m.subjectPrefix + "." + portToken(entry.Port)
		if err := m.natsConn.Publish(subject, data); err != nil {
			m.logger.Warn("Failed to publish entry", "subject", subject, "error", err)
		}
	}
}

// Close closes all per-port writers.
func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr error
	for port, w := range m.writers {
		if err := w.Close(); err != nil {
			lastErr = err
		}
		delete(m.writers, port)
	}
	return lastErr
}

// writerFor returns the rotating writer for a port, creating it on first use.
func (m *Mirror) writerFor(port string) *lumberjack.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.writers[port]; ok {
		return w
	}

	w := &lumberjack.Logger{
		Filename:   filepath.Join(m.basePath, portToken(port)+".log"),
		MaxSize:    m.maxSizeMB,
		MaxBackups: m.maxBackups,
		Compress:   m.compress,
	}
	m.writers[port] = w
	return w
}

// portToken turns a device path into a token usable in file names and NATS
// subjects: /dev/ttyUSB0 -> ttyUSB0, COM3 -> COM3.
func portToken(port string) string {
	token := filepath.Base(port)
	return strings.ReplaceAll(token, ".", "_")
}
