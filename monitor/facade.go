package monitor

import (
	"fmt"
	"log/slog"
	"time"

	"boardbridge/buffer"
	"boardbridge/serial"
)

// Monitor is the facade the external surface talks to: it composes the
// shared buffer and the connection manager into the operation set exposed
// over the API, keeping request defaulting and validation in one place.
type Monitor struct {
	buf     *buffer.Buffer
	manager *Manager
	logger  *slog.Logger
	started time.Time
}

// NewMonitor wires the facade over an existing buffer and manager.
func NewMonitor(buf *buffer.Buffer, manager *Manager, logger *slog.Logger) *Monitor {
	return &Monitor{
		buf:     buf,
		manager: manager,
		logger:  logger,
		started: time.Now().UTC(),
	}
}

// ConnectRequest describes a connect call. Zero-value params fall back to
// 115200 8-N-1; AutoMonitor defaults to true.
type ConnectRequest struct {
	Port        string  `json:"port"`
	BaudRate    int     `json:"baud_rate,omitempty"`
	DataBits    int     `json:"data_bits,omitempty"`
	Parity      string  `json:"parity,omitempty"`
	StopBits    float64 `json:"stop_bits,omitempty"`
	AutoMonitor *bool   `json:"auto_monitor,omitempty"`
	Exclusive   bool    `json:"exclusive,omitempty"`
}

// Connect opens a port and starts monitoring it.
func (m *Monitor) Connect(req ConnectRequest) (ConnectionInfo, error) {
	if req.Port == "" {
		return ConnectionInfo{}, fmt.Errorf("%w: port is required", ErrValidation)
	}

	params := serial.DefaultLineParams(req.BaudRate)
	if req.DataBits != 0 {
		params.DataBits = req.DataBits
	}
	if req.Parity != "" {
		params.Parity = req.Parity
	}
	if req.StopBits != 0 {
		params.StopBits = req.StopBits
	}

	autoMonitor := true
	if req.AutoMonitor != nil {
		autoMonitor = *req.AutoMonitor
	}

	return m.manager.Connect(req.Port, params, autoMonitor, req.Exclusive)
}

// Disconnect releases a port. Always succeeds, even for unknown ports.
func (m *Monitor) Disconnect(port string) error {
	if port == "" {
		return fmt.Errorf("%w: port is required", ErrValidation)
	}
	return m.manager.Disconnect(port)
}

// SendRequest describes a send call. AddNewline defaults to true; TimeoutMS
// bounds the response wait and defaults to 5000.
type SendRequest struct {
	Port         string `json:"port"`
	Data         string `json:"data"`
	AddNewline   *bool  `json:"add_newline,omitempty"`
	WaitResponse bool   `json:"wait_response,omitempty"`
	TimeoutMS    int    `json:"timeout_ms,omitempty"`
}

// Send writes data to a connected port, optionally waiting for the next
// received line on it.
func (m *Monitor) Send(req SendRequest) (SendResult, error) {
	if req.Port == "" {
		return SendResult{}, fmt.Errorf("%w: port is required", ErrValidation)
	}

	addNewline := true
	if req.AddNewline != nil {
		addNewline = *req.AddNewline
	}

	return m.manager.Send(req.Port, req.Data, addNewline, req.WaitResponse,
		time.Duration(req.TimeoutMS)*time.Millisecond)
}

// ResetBoard resets a connected board. Method defaults to dtr.
func (m *Monitor) ResetBoard(port, method string) error {
	if port == "" {
		return fmt.Errorf("%w: port is required", ErrValidation)
	}
	return m.manager.ResetBoard(port, method)
}

// ListPorts enumerates serial devices.
func (m *Monitor) ListPorts(arduinoOnly bool) ([]serial.PortInfo, error) {
	return m.manager.ListPorts(arduinoOnly)
}

// ReadRequest describes a buffered read. With a CursorID the read continues
// from that cursor; with CreateCursor set a new cursor is registered first;
// with neither, the newest Limit entries are returned without tracking.
type ReadRequest struct {
	CursorID     string `json:"cursor_id,omitempty"`
	CreateCursor bool   `json:"create_cursor,omitempty"`
	StartFrom    string `json:"start_from,omitempty"`
	Port         string `json:"port,omitempty"`
	TypeFilter   string `json:"type_filter,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	AutoRecover  *bool  `json:"auto_recover,omitempty"`
}

// Read serves the three read shapes: cursor continuation, cursor creation
// plus first read, and the cursor-less latest-N fallback.
func (m *Monitor) Read(req ReadRequest) (buffer.ReadResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = buffer.DefaultReadLimit
	}

	typeFilter := buffer.EntryType(req.TypeFilter)
	if typeFilter != "" && !typeFilter.Valid() {
		return buffer.ReadResult{}, fmt.Errorf("%w: unknown type filter %q", buffer.ErrValidation, req.TypeFilter)
	}

	autoRecover := true
	if req.AutoRecover != nil {
		autoRecover = *req.AutoRecover
	}

	cursorID := req.CursorID
	if cursorID == "" && req.CreateCursor {
		id, err := m.buf.CreateCursor(buffer.StartFrom(req.StartFrom), req.Port)
		if err != nil {
			return buffer.ReadResult{}, err
		}
		m.logger.Debug("Created cursor", "cursor_id", id, "start_from", req.StartFrom, "port", req.Port)
		cursorID = id
	}

	if cursorID == "" {
		entries := m.buf.Latest(req.Port, limit)
		if typeFilter != "" {
			kept := entries[:0]
			for _, e := range entries {
				if e.Type == typeFilter {
					kept = append(kept, e)
				}
			}
			entries = kept
		}
		return buffer.ReadResult{Entries: entries}, nil
	}

	return m.buf.ReadFromCursor(cursorID, limit, req.Port, typeFilter, autoRecover)
}

// CursorInfo returns the snapshot of one cursor.
func (m *Monitor) CursorInfo(cursorID string) (buffer.CursorInfo, error) {
	return m.buf.CursorInfo(cursorID)
}

// ListCursors returns every registered cursor.
func (m *Monitor) ListCursors() []buffer.CursorInfo {
	return m.buf.ListCursors()
}

// DeleteCursor removes a cursor.
func (m *Monitor) DeleteCursor(cursorID string) error {
	return m.buf.DeleteCursor(cursorID)
}

// CleanupCursors removes every invalidated cursor, returning the count.
func (m *Monitor) CleanupCursors() int {
	return m.buf.CleanupInvalidCursors()
}

// BufferStats returns buffer statistics.
func (m *Monitor) BufferStats() buffer.Stats {
	return m.buf.Statistics()
}

// ResizeBuffer changes buffer capacity within the allowed bounds.
func (m *Monitor) ResizeBuffer(newCapacity int) (buffer.ResizeResult, error) {
	result, err := m.buf.Resize(newCapacity)
	if err == nil {
		m.logger.Info("Buffer resized",
			"old_size", result.OldCapacity, "new_size", result.NewCapacity,
			"dropped", result.EntriesDropped)
	}
	return result, err
}

// ClearBuffer removes entries, all of them or only one port's, returning the
// number removed. Indexes keep counting from where they were.
func (m *Monitor) ClearBuffer(port string) int {
	removed := m.buf.Clear(port)
	m.logger.Info("Buffer cleared", "port", port, "removed", removed)
	return removed
}

// State is the aggregate service snapshot.
type State struct {
	Uptime         string                    `json:"uptime"`
	ConnectedPorts []string                  `json:"connected_ports"`
	Connections    map[string]ConnectionInfo `json:"connections"`
	Buffer         buffer.Stats              `json:"buffer"`
}

// State reports connected ports, per-connection detail and buffer stats.
func (m *Monitor) State() State {
	return State{
		Uptime:         time.Since(m.started).Round(time.Second).String(),
		ConnectedPorts: m.manager.ConnectedPorts(),
		Connections:    m.manager.Connections(),
		Buffer:         m.buf.Statistics(),
	}
}
