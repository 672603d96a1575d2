package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"boardbridge/buffer"
	"boardbridge/monitor"
	"boardbridge/serial"
)

// stubPort accepts writes and times out reads, enough for API round trips.
type stubPort struct {
	mu      sync.Mutex
	written []byte
	closed  chan struct{}
	once    sync.Once
}

func newStubPort() *stubPort {
	return &stubPort{closed: make(chan struct{})}
}

func (p *stubPort) Read(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, io.EOF
	case <-time.After(5 * time.Millisecond):
		return 0, nil
	}
}

func (p *stubPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.written = append(p.written, b...)
	p.mu.Unlock()
	return len(b), nil
}

func (p *stubPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *stubPort) SetDTR(bool) error                  { return nil }
func (p *stubPort) SetRTS(bool) error                  { return nil }
func (p *stubPort) SetReadTimeout(time.Duration) error { return nil }

func newTestServer(t *testing.T, capacity int) (*Server, *buffer.Buffer) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	buf := buffer.New(capacity)

	opener := func(device string, params serial.LineParams) (serial.Port, error) {
		return newStubPort(), nil
	}
	lister := func(arduinoOnly bool) ([]serial.PortInfo, error) {
		ports := []serial.PortInfo{
			{Device: "/dev/ttyACM0", IsUSB: true, VendorID: "2341", IsArduino: true},
			{Device: "/dev/ttyS0"},
		}
		if arduinoOnly {
			return ports[:1], nil
		}
		return ports, nil
	}

	manager := monitor.NewManager(&monitor.ManagerConfig{
		Buffer: buf,
		Opener: opener,
		Lister: lister,
		Logger: logger,
	})
	t.Cleanup(manager.Stop)

	mon := monitor.NewMonitor(buf, manager, logger)
	return NewServer(&Config{Addr: "127.0.0.1:0"}, mon, logger), buf
}

func doJSON(t *testing.T, s *Server, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("response %q is not JSON: %v", rec.Body.String(), err)
	}
	return rec, payload
}

func TestPortsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, 1000)

	rec, payload := doJSON(t, s, http.MethodGet, "/api/ports", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if payload["count"].(float64) != 2 {
		t.Errorf("count = %v, want 2", payload["count"])
	}

	_, payload = doJSON(t, s, http.MethodGet, "/api/ports?arduino_only=true", nil)
	if payload["count"].(float64) != 1 {
		t.Errorf("arduino_only count = %v, want 1", payload["count"])
	}
}

func TestReadEndpointCursorFlow(t *testing.T) {
	s, buf := newTestServer(t, 1000)
	for i := 0; i < 5; i++ {
		buf.Append(buffer.TypeReceived, "line", "/dev/ttyACM0")
	}

	rec, payload := doJSON(t, s, http.MethodPost, "/api/read",
		map[string]any{"create_cursor": true, "limit": 2})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %v", rec.Code, payload)
	}
	if payload["count"].(float64) != 2 || payload["has_more"] != true {
		t.Fatalf("payload = %v, want 2 entries with more", payload)
	}
	cursorID := payload["cursor_state"].(map[string]any)["cursor_id"].(string)
	if cursorID == "" {
		t.Fatal("missing cursor id")
	}

	_, payload = doJSON(t, s, http.MethodPost, "/api/read",
		map[string]any{"cursor_id": cursorID, "limit": 10})
	if payload["count"].(float64) != 3 || payload["has_more"] != false {
		t.Errorf("continuation payload = %v, want remaining 3", payload)
	}
}

func TestReadEndpointUnknownCursor(t *testing.T) {
	s, _ := newTestServer(t, 1000)

	rec, payload := doJSON(t, s, http.MethodPost, "/api/read",
		map[string]any{"cursor_id": "00000000-0000-0000-0000-000000000000"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if payload["success"] != false {
		t.Error("success must be false")
	}
}

func TestReadEndpointInvalidCursorGone(t *testing.T) {
	s, buf := newTestServer(t, 100)
	for i := 0; i < 150; i++ {
		buf.Append(buffer.TypeReceived, "x", "/dev/ttyACM0")
	}

	// Position 0 was evicted 50 entries ago.
	_, payload := doJSON(t, s, http.MethodPost, "/api/read",
		map[string]any{"create_cursor": true, "start_from": "beginning", "auto_recover": false})
	if payload["success"] != false {
		t.Fatalf("payload = %v, want invalid cursor failure", payload)
	}
	if payload["oldest_index"].(float64) != 50 || payload["next_index"].(float64) != 150 {
		t.Errorf("bounds = %v/%v, want 50/150", payload["oldest_index"], payload["next_index"])
	}

	rec, _ := doJSON(t, s, http.MethodPost, "/api/read",
		map[string]any{"create_cursor": true, "start_from": "beginning", "auto_recover": false})
	if rec.Code != http.StatusGone {
		t.Errorf("status = %d, want 410", rec.Code)
	}
}

func TestCursorEndpoints(t *testing.T) {
	s, buf := newTestServer(t, 1000)
	buf.Append(buffer.TypeReceived, "x", "/dev/ttyACM0")

	_, payload := doJSON(t, s, http.MethodPost, "/api/read", map[string]any{"create_cursor": true})
	cursorID := payload["cursor_state"].(map[string]any)["cursor_id"].(string)

	_, payload = doJSON(t, s, http.MethodGet, "/api/cursors", nil)
	if payload["count"].(float64) != 1 {
		t.Errorf("cursor count = %v, want 1", payload["count"])
	}

	rec, payload := doJSON(t, s, http.MethodGet, "/api/cursors/"+cursorID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	cursor := payload["cursor"].(map[string]any)
	if cursor["is_valid"] != true {
		t.Errorf("cursor = %v, want valid", cursor)
	}

	rec, _ = doJSON(t, s, http.MethodDelete, "/api/cursors/"+cursorID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec, _ = doJSON(t, s, http.MethodGet, "/api/cursors/"+cursorID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status after delete = %d, want 404", rec.Code)
	}
}

func TestBufferEndpoints(t *testing.T) {
	s, buf := newTestServer(t, 1000)
	for i := 0; i < 10; i++ {
		buf.Append(buffer.TypeReceived, "x", "/dev/ttyACM0")
	}

	_, payload := doJSON(t, s, http.MethodGet, "/api/buffer/stats", nil)
	stats := payload["stats"].(map[string]any)
	if stats["buffer_size"].(float64) != 10 {
		t.Errorf("buffer_size = %v, want 10", stats["buffer_size"])
	}

	rec, _ := doJSON(t, s, http.MethodPost, "/api/buffer/resize", map[string]any{"size": 50})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("resize below minimum status = %d, want 400", rec.Code)
	}
	rec, payload = doJSON(t, s, http.MethodPost, "/api/buffer/resize", map[string]any{"size": 500})
	if rec.Code != http.StatusOK {
		t.Fatalf("resize status = %d: %v", rec.Code, payload)
	}

	_, payload = doJSON(t, s, http.MethodPost, "/api/buffer/clear", map[string]any{})
	if payload["removed"].(float64) != 10 {
		t.Errorf("removed = %v, want 10", payload["removed"])
	}
}

func TestConnectSendDisconnectFlow(t *testing.T) {
	s, _ := newTestServer(t, 1000)

	rec, payload := doJSON(t, s, http.MethodPost, "/api/connect",
		map[string]any{"port": "/dev/ttyACM0", "baud_rate": 9600})
	if rec.Code != http.StatusOK {
		t.Fatalf("connect status = %d: %v", rec.Code, payload)
	}
	conn := payload["connection"].(map[string]any)
	if conn["state"] != "connected" {
		t.Errorf("state = %v, want connected", conn["state"])
	}

	_, payload = doJSON(t, s, http.MethodGet, "/api/state", nil)
	state := payload["state"].(map[string]any)
	ports := state["connected_ports"].([]any)
	if len(ports) != 1 || ports[0] != "/dev/ttyACM0" {
		t.Errorf("connected_ports = %v", ports)
	}

	rec, payload = doJSON(t, s, http.MethodPost, "/api/send",
		map[string]any{"port": "/dev/ttyACM0", "data": "hello"})
	if rec.Code != http.StatusOK || payload["success"] != true {
		t.Fatalf("send status = %d: %v", rec.Code, payload)
	}

	rec, _ = doJSON(t, s, http.MethodPost, "/api/disconnect",
		map[string]any{"port": "/dev/ttyACM0"})
	if rec.Code != http.StatusOK {
		t.Fatalf("disconnect status = %d", rec.Code)
	}
}

func TestSendNotConnectedConflict(t *testing.T) {
	s, _ := newTestServer(t, 1000)

	rec, payload := doJSON(t, s, http.MethodPost, "/api/send",
		map[string]any{"port": "/dev/ttyUSB9", "data": "x"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %v", rec.Code, payload)
	}
}

func TestMalformedBody(t *testing.T) {
	s, _ := newTestServer(t, 1000)

	req := httptest.NewRequest(http.MethodPost, "/api/connect", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
