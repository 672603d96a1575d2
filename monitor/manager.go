package monitor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"boardbridge/buffer"
	"boardbridge/output"
	"boardbridge/serial"
)

// Read-loop tuning. The read buffer is sized for bursty 115200-baud traffic;
// the reset pulse and 1200bps settle times follow the conventional Arduino
// reset sequences.
const (
	readBufferSize       = 4096
	resetPulseDuration   = 100 * time.Millisecond
	touchSettleDuration  = 500 * time.Millisecond
	defaultSendTimeout   = 5 * time.Second
	defaultReconnectWait = 2 * time.Second
)

// Manager owns one read loop per open serial device. Every received, sent,
// system and error event funnels into the single shared buffer; nothing else
// in the process touches raw device I/O.
type Manager struct {
	buf    *buffer.Buffer
	open   serial.Opener
	list   serial.Lister
	mirror *output.Mirror
	events *output.EventPublisher
	logger *slog.Logger

	autoReconnect     bool
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	ctx context.Context

	mu    sync.Mutex
	conns map[string]*connection

	waitersMu sync.Mutex
	waiters   map[string][]chan string
}

// ManagerConfig contains configuration for Manager. Opener and Lister
// default to the real serial implementations; Mirror and Events may be nil.
type ManagerConfig struct {
	Buffer            *buffer.Buffer
	Opener            serial.Opener
	Lister            serial.Lister
	Mirror            *output.Mirror
	Events            *output.EventPublisher
	Logger            *slog.Logger
	AutoReconnect     bool
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// NewManager creates a connection manager around the shared buffer.
func NewManager(cfg *ManagerConfig) *Manager {
	m := &Manager{
		buf:               cfg.Buffer,
		open:              cfg.Opener,
		list:              cfg.Lister,
		mirror:            cfg.Mirror,
		events:            cfg.Events,
		logger:            cfg.Logger,
		autoReconnect:     cfg.AutoReconnect,
		reconnectDelay:    cfg.ReconnectDelay,
		maxReconnectDelay: cfg.MaxReconnectDelay,
		ctx:               context.Background(),
		conns:             make(map[string]*connection),
		waiters:           make(map[string][]chan string),
	}
	if m.open == nil {
		m.open = serial.Open
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.list == nil {
		m.list = serial.ListPorts
	}
	if m.reconnectDelay <= 0 {
		m.reconnectDelay = defaultReconnectWait
	}
	if m.maxReconnectDelay < m.reconnectDelay {
		m.maxReconnectDelay = m.reconnectDelay
	}
	return m
}

// Start stores the context that bounds all read loops.
func (m *Manager) Start(ctx context.Context) {
	m.ctx = ctx
}

// Stop disconnects every open port.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for device := range m.conns {
		m.disconnectLocked(device)
	}
}

// Connect opens a device and, when autoMonitor is set, starts its read loop.
// Connecting to an already-connected port is a no-op returning the existing
// connection; exclusive connects disconnect every other port first. Failed
// opens leave the connection in the error state, from which a retry is
// accepted.
func (m *Manager) Connect(device string, params serial.LineParams, autoMonitor, exclusive bool) (ConnectionInfo, error) {
	if _, err := params.Mode(); err != nil {
		return ConnectionInfo{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if exclusive {
		for other := range m.conns {
			if other != device {
				m.disconnectLocked(other)
			}
		}
	}

	if existing, ok := m.conns[device]; ok {
		if existing.getState() == StateConnected {
			return existing.info(), nil
		}
		// Stale error-state connection: tear it down before retrying.
		m.disconnectLocked(device)
	}

	c := &connection{
		device: device,
		params: params,
		state:  StateConnecting,
		stopCh: make(chan struct{}),
	}
	m.conns[device] = c

	port, err := m.open(device, params)
	if err != nil {
		c.setError(err.Error())
		m.record(buffer.TypeError, "connect failed: "+err.Error(), device)
		m.logger.Warn("Connect failed", "port", device, "error", err)
		return c.info(), err
	}

	c.swapPort(port)
	c.setState(StateConnected)
	c.touch()

	m.record(buffer.TypeSystem, fmt.Sprintf("connected at %d baud", params.BaudRate), device)
	m.events.Publish(output.Event{
		Type:    output.EventConnected,
		Port:    device,
		Message: fmt.Sprintf("connected at %d baud", params.BaudRate),
	})
	m.logger.Info("Connected", "port", device, "baud", params.BaudRate)

	if autoMonitor {
		c.wg.Add(1)
		go m.readLoop(c)
	}

	return c.info(), nil
}

// Disconnect stops the port's read loop and releases the device. It is
// idempotent: disconnecting an unknown or already-disconnected port succeeds
// without side effects.
func (m *Manager) Disconnect(device string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked(device)
	return nil
}

// disconnectLocked cancels the read loop, waits for it to fully stop, then
// records the disconnect entry. The ordering matters: the system entry must
// come after the last entry the loop could have appended.
func (m *Manager) disconnectLocked(device string) bool {
	c, ok := m.conns[device]
	if !ok {
		return false
	}

	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()
	close(c.stopCh)

	if port := c.getPort(); port != nil {
		port.Close()
	}
	c.wg.Wait()

	c.setState(StateDisconnected)
	delete(m.conns, device)

	m.record(buffer.TypeSystem, "disconnected", device)
	m.events.Publish(output.Event{Type: output.EventDisconnected, Port: device})
	m.logger.Info("Disconnected", "port", device)
	return true
}

// SendResult reports the outcome of a Send.
type SendResult struct {
	Success  bool   `json:"success"`
	Response string `json:"response,omitempty"`
}

// Send writes data to a connected port, recording a sent entry. With
// waitResponse set it blocks the calling goroutine (never the read loop)
// until the next received entry for that port or the timeout; the sent entry
// stays recorded even when the wait times out.
func (m *Manager) Send(device, data string, addNewline, waitResponse bool, timeout time.Duration) (SendResult, error) {
	m.mu.Lock()
	c, ok := m.conns[device]
	m.mu.Unlock()
	if !ok || c.getState() != StateConnected {
		return SendResult{}, fmt.Errorf("%w: %s", ErrNotConnected, device)
	}

	// Register before writing so a fast response cannot slip between the
	// write and the wait.
	var waiter chan string
	if waitResponse {
		waiter = m.registerWaiter(device)
	}

	payload := data
	if addNewline && !strings.HasSuffix(payload, "\n") {
		payload += "\n"
	}

	port := c.getPort()
	if _, err := port.Write([]byte(payload)); err != nil {
		if waiter != nil {
			m.removeWaiter(device, waiter)
		}
		c.setError(err.Error())
		m.record(buffer.TypeError, "write error: "+err.Error(), device)
		return SendResult{}, fmt.Errorf("write to %s failed: %w", device, err)
	}

	m.record(buffer.TypeSent, data, device)
	c.touch()

	if !waitResponse {
		return SendResult{Success: true}, nil
	}

	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	start := time.Now()
	select {
	case response := <-waiter:
		return SendResult{Success: true, Response: response}, nil
	case <-time.After(timeout):
		m.removeWaiter(device, waiter)
		return SendResult{}, &TimeoutError{Port: device, Waited: time.Since(start).Round(time.Millisecond)}
	}
}

// ResetBoard triggers a board reset on a connected port. dtr and rts pulse
// the respective control line low; 1200bps performs the touch sequence used
// by native-USB boards (close, open at 1200 baud, close, reopen).
func (m *Manager) ResetBoard(device, method string) error {
	switch method {
	case "dtr", "rts", "1200bps":
	case "":
		method = "dtr"
	default:
		return fmt.Errorf("%w: unknown reset method %q", ErrValidation, method)
	}

	m.mu.Lock()
	c, ok := m.conns[device]
	m.mu.Unlock()
	if !ok || c.getState() != StateConnected {
		return fmt.Errorf("%w: %s", ErrNotConnected, device)
	}

	var err error
	switch method {
	case "dtr", "rts":
		err = m.pulseLine(c, method)
	case "1200bps":
		err = m.touch1200(c)
	}
	if err != nil {
		m.record(buffer.TypeError, "board reset failed: "+err.Error(), device)
		return err
	}

	m.record(buffer.TypeSystem, fmt.Sprintf("board reset using %s method", method), device)
	m.events.Publish(output.Event{
		Type:    output.EventBoardReset,
		Port:    device,
		Message: method,
	})
	return nil
}

// pulseLine drops DTR or RTS for the reset pulse duration, then raises it.
func (m *Manager) pulseLine(c *connection, method string) error {
	port := c.getPort()

	set := port.SetDTR
	if method == "rts" {
		set = port.SetRTS
	}

	if err := set(false); err != nil {
		return fmt.Errorf("failed to lower %s on %s: %w", strings.ToUpper(method), c.device, err)
	}
	time.Sleep(resetPulseDuration)
	if err := set(true); err != nil {
		return fmt.Errorf("failed to raise %s on %s: %w", strings.ToUpper(method), c.device, err)
	}
	return nil
}

// touch1200 performs the 1200-bps touch: release the device, open and close
// it at 1200 baud, let the bootloader settle, then restore the original
// connection.
func (m *Manager) touch1200(c *connection) error {
	device, params := c.device, c.params

	m.mu.Lock()
	m.disconnectLocked(device)
	m.mu.Unlock()

	touch, err := m.open(device, serial.LineParams{BaudRate: 1200, DataBits: 8, Parity: "none", StopBits: 1})
	if err != nil {
		return fmt.Errorf("1200bps touch on %s failed: %w", device, err)
	}
	touch.Close()
	time.Sleep(touchSettleDuration)

	if _, err := m.Connect(device, params, true, false); err != nil {
		return fmt.Errorf("reconnect after 1200bps touch failed: %w", err)
	}
	return nil
}

// ListPorts enumerates serial devices, optionally only Arduino-compatible
// ones.
func (m *Manager) ListPorts(arduinoOnly bool) ([]serial.PortInfo, error) {
	return m.list(arduinoOnly)
}

// ConnectedPorts returns the devices currently in the connected state.
func (m *Manager) ConnectedPorts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ports := make([]string, 0, len(m.conns))
	for device, c := range m.conns {
		if c.getState() == StateConnected {
			ports = append(ports, device)
		}
	}
	sort.Strings(ports)
	return ports
}

// Connections returns snapshots of every tracked connection, keyed by port.
func (m *Manager) Connections() map[string]ConnectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make(map[string]ConnectionInfo, len(m.conns))
	for device, c := range m.conns {
		infos[device] = c.info()
	}
	return infos
}

// record appends one entry to the shared buffer, mirrors it, and resolves
// pending response waiters for received data. This is the single funnel
// between device I/O and the buffer.
func (m *Manager) record(entryType buffer.EntryType, data, device string) buffer.Entry {
	entry := m.buf.Append(entryType, data, device)
	m.mirror.Record(entry)
	if entryType == buffer.TypeReceived {
		m.resolveWaiters(device, data)
	}
	return entry
}

// readLoop continuously reads the device, frames complete lines and records
// them as received entries. It checks cancellation on every iteration and
// never touches the manager lock, so disconnect can hold it while waiting
// for the loop to stop.
func (m *Manager) readLoop(c *connection) {
	defer c.wg.Done()

	buf := make([]byte, readBufferSize)
	var pending []byte

	for {
		select {
		case <-c.stopCh:
			return
		case <-m.ctx.Done():
			return
		default:
		}

		port := c.getPort()
		n, err := port.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			lines := 0
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				line := strings.TrimRight(string(pending[:i]), "\r")
				pending = pending[i+1:]
				m.record(buffer.TypeReceived, line, c.device)
				lines++
			}
			c.addRead(n, lines)
		}

		if err != nil {
			if c.isStopping() {
				return
			}

			c.setError(err.Error())
			m.record(buffer.TypeError, "read error: "+err.Error(), c.device)
			m.events.Publish(output.Event{
				Type:    output.EventReadError,
				Port:    c.device,
				Message: err.Error(),
			})
			m.logger.Warn("Read error", "port", c.device, "error", err)

			if !m.autoReconnect {
				return
			}
			if !m.reconnect(c) {
				return
			}
			pending = pending[:0]
		}
	}
}

// reconnect retries opening the device with exponential backoff until it
// succeeds or the connection is stopped. Returns true when reading can
// resume.
func (m *Manager) reconnect(c *connection) bool {
	delay := m.reconnectDelay
	attempt := 0

	for {
		attempt++
		c.mu.Lock()
		c.reconnects++
		c.mu.Unlock()

		m.logger.Info("Waiting before reconnect attempt",
			"port", c.device, "attempt", attempt, "delay", delay)

		select {
		case <-c.stopCh:
			return false
		case <-m.ctx.Done():
			return false
		case <-time.After(delay):
		}

		port, err := m.open(c.device, c.params)
		if err == nil {
			if old := c.swapPort(port); old != nil {
				old.Close()
			}
			c.setState(StateConnected)
			c.touch()
			m.record(buffer.TypeSystem, fmt.Sprintf("reconnected after %d attempts", attempt), c.device)
			m.events.Publish(output.Event{
				Type:    output.EventReconnect,
				Port:    c.device,
				Details: map[string]any{"attempts": attempt},
			})
			m.logger.Info("Reconnected", "port", c.device, "attempts", attempt)
			return true
		}

		m.logger.Warn("Reconnect attempt failed", "port", c.device, "attempt", attempt, "error", err)

		delay *= 2
		if delay > m.maxReconnectDelay {
			delay = m.maxReconnectDelay
		}
	}
}

// registerWaiter adds a response waiter for a port. The channel is buffered
// so the read loop never blocks resolving it.
func (m *Manager) registerWaiter(device string) chan string {
	ch := make(chan string, 1)
	m.waitersMu.Lock()
	m.waiters[device] = append(m.waiters[device], ch)
	m.waitersMu.Unlock()
	return ch
}

// resolveWaiters delivers received data to every waiter registered for the
// port and clears the registry for it.
func (m *Manager) resolveWaiters(device, data string) {
	m.waitersMu.Lock()
	waiting := m.waiters[device]
	delete(m.waiters, device)
	m.waitersMu.Unlock()

	for _, ch := range waiting {
		ch <- data
	}
}

// removeWaiter drops one abandoned waiter (timed out or failed write).
func (m *Manager) removeWaiter(device string, target chan string) {
	m.waitersMu.Lock()
	defer m.waitersMu.Unlock()

	waiting := m.waiters[device]
	for i, ch := range waiting {
		if ch == target {
			m.waiters[device] = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(m.waiters[device]) == 0 {
		delete(m.waiters, device)
	}
}
