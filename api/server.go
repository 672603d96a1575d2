package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"boardbridge/buffer"
	"boardbridge/monitor"
	"boardbridge/serial"
)

// Server exposes the monitor facade over a JSON HTTP API.
type Server struct {
	monitor *monitor.Monitor
	logger  *slog.Logger
	server  *http.Server
}

// Config contains configuration for Server.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewServer creates the API server around a monitor facade.
func NewServer(cfg *Config, mon *monitor.Monitor, logger *slog.Logger) *Server {
	s := &Server{
		monitor: mon,
		logger:  logger,
	}
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the route table, exported for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("API server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/ports", s.handlePorts)
	mux.HandleFunc("POST /api/connect", s.handleConnect)
	mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /api/send", s.handleSend)
	mux.HandleFunc("POST /api/read", s.handleRead)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("GET /api/buffer/stats", s.handleBufferStats)
	mux.HandleFunc("POST /api/buffer/resize", s.handleBufferResize)
	mux.HandleFunc("POST /api/buffer/clear", s.handleBufferClear)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/cursors", s.handleListCursors)
	mux.HandleFunc("GET /api/cursors/{id}", s.handleCursorInfo)
	mux.HandleFunc("DELETE /api/cursors/{id}", s.handleDeleteCursor)
	mux.HandleFunc("POST /api/cursors/cleanup", s.handleCleanupCursors)

	return mux
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	arduinoOnly := r.URL.Query().Get("arduino_only") == "true"

	ports, err := s.monitor.ListPorts(arduinoOnly)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"ports":   ports,
		"count":   len(ports),
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req monitor.ConnectRequest
	if !s.decode(w, r, &req) {
		return
	}

	info, err := s.monitor.Connect(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"connection": info,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port string `json:"port"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.monitor.Disconnect(req.Port); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"port":    req.Port,
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req monitor.SendRequest
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.monitor.Send(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	var req monitor.ReadRequest
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.monitor.Read(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"entries":      result.Entries,
		"count":        len(result.Entries),
		"has_more":     result.HasMore,
		"cursor_state": result.Cursor,
		"warning":      result.Warning,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port   string `json:"port"`
		Method string `json:"method"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.monitor.ResetBoard(req.Port, req.Method); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"port":    req.Port,
	})
}

func (s *Server) handleBufferStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats":   s.monitor.BufferStats(),
	})
}

func (s *Server) handleBufferResize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Size int `json:"size"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.monitor.ResizeBuffer(req.Size)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"resize":  result,
	})
}

func (s *Server) handleBufferClear(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port string `json:"port"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	removed := s.monitor.ClearBuffer(req.Port)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"removed": removed,
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"state":   s.monitor.State(),
	})
}

func (s *Server) handleListCursors(w http.ResponseWriter, r *http.Request) {
	cursors := s.monitor.ListCursors()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"cursors": cursors,
		"count":   len(cursors),
	})
}

func (s *Server) handleCursorInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.monitor.CursorInfo(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"cursor":  info,
	})
}

func (s *Server) handleDeleteCursor(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.DeleteCursor(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleCleanupCursors(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"removed": s.monitor.CleanupCursors(),
	})
}

// decode parses the JSON request body, replying 400 on malformed input.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "malformed request body: " + err.Error(),
		})
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError maps domain errors onto HTTP statuses and a structured JSON
// payload. Invalid-cursor failures include the current buffer bounds so the
// client can recover.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	payload := map[string]any{
		"success": false,
		"error":   err.Error(),
	}

	var cursorErr *buffer.InvalidCursorError
	if errors.As(err, &cursorErr) {
		payload["cursor_id"] = cursorErr.CursorID
		payload["position"] = cursorErr.Position
		payload["oldest_index"] = cursorErr.OldestIndex
		payload["next_index"] = cursorErr.NextIndex
	}
	var timeoutErr *monitor.TimeoutError
	if errors.As(err, &timeoutErr) {
		payload["port"] = timeoutErr.Port
		payload["waited"] = timeoutErr.Waited.String()
	}

	s.writeJSON(w, statusFor(err), payload)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, buffer.ErrValidation),
		errors.Is(err, monitor.ErrValidation),
		errors.Is(err, serial.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, buffer.ErrCursorNotFound),
		errors.Is(err, serial.ErrPortNotFound):
		return http.StatusNotFound
	case errors.Is(err, buffer.ErrCursorInvalid):
		return http.StatusGone
	case errors.Is(err, monitor.ErrNotConnected),
		errors.Is(err, serial.ErrPortBusy):
		return http.StatusConflict
	case errors.Is(err, serial.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, monitor.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
