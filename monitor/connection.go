package monitor

import (
	"sync"
	"time"

	"boardbridge/serial"
)

// ConnState represents the lifecycle state of one port connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// connection holds the live state of one open serial device: the port
// handle, its read-loop lifecycle and its statistics. The manager owns the
// map of connections; the connection's own mutex covers everything else so
// the read loop never touches the manager lock.
type connection struct {
	device string
	params serial.LineParams

	mu           sync.RWMutex
	port         serial.Port
	state        ConnState
	lastActivity time.Time
	lastError    string
	linesRead    int64
	bytesRead    int64
	reconnects   int64
	stopping     bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ConnectionInfo is the externally visible snapshot of a connection.
type ConnectionInfo struct {
	Port         string            `json:"port"`
	State        string            `json:"state"`
	Params       serial.LineParams `json:"params"`
	LastActivity time.Time         `json:"last_activity,omitzero"`
	LastError    string            `json:"last_error,omitempty"`
	LinesRead    int64             `json:"lines_read"`
	BytesRead    int64             `json:"bytes_read"`
	Reconnects   int64             `json:"reconnects"`
}

func (c *connection) setState(state ConnState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *connection) getState() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *connection) setError(msg string) {
	c.mu.Lock()
	c.state = StateError
	c.lastError = msg
	c.mu.Unlock()
}

func (c *connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now().UTC()
	c.mu.Unlock()
}

func (c *connection) addRead(bytes int, lines int) {
	c.mu.Lock()
	c.bytesRead += int64(bytes)
	c.linesRead += int64(lines)
	c.lastActivity = time.Now().UTC()
	c.mu.Unlock()
}

// swapPort replaces the port handle, returning the previous one for closing.
func (c *connection) swapPort(port serial.Port) serial.Port {
	c.mu.Lock()
	old := c.port
	c.port = port
	c.mu.Unlock()
	return old
}

func (c *connection) getPort() serial.Port {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.port
}

func (c *connection) isStopping() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopping
}

func (c *connection) info() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConnectionInfo{
		Port:         c.device,
		State:        c.state.String(),
		Params:       c.params,
		LastActivity: c.lastActivity,
		LastError:    c.lastError,
		LinesRead:    c.linesRead,
		BytesRead:    c.bytesRead,
		Reconnects:   c.reconnects,
	}
}
