// Package server exposes an agent over HTTP.
//
// POST /run executes a task and blocks until the run finishes, returning a
// JSON summary. POST /run/stream does the same but streams progress as
// Server-Sent Events. A run that pauses for human input is parked keyed by
// its session id; the next request carrying the same session_id resumes it.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	kestrel "github.com/kestrelai/kestrel"
)

const maxRequestBodyBytes = 1 << 20 // 1MB

// Server routes HTTP run requests to an agent.
type Server struct {
	agent  kestrel.StreamingAgent
	logger *slog.Logger

	mu     sync.Mutex
	paused map[string]*kestrel.ErrSuspended // keyed by session id
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger. If not set, output is discarded.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server that executes runs on agent.
func New(agent kestrel.StreamingAgent, opts ...Option) *Server {
	s := &Server{
		agent:  agent,
		paused: make(map[string]*kestrel.ErrSuspended),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = nopLogger
	}
	return s
}

// Handler returns the HTTP handler for the run surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleRun(w, r)
	})
	mux.HandleFunc("/run/stream", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleRunStream(w, r)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	return mux
}

// runRequest is the parsed body of POST /run and POST /run/stream.
type runRequest struct {
	Input     string `json:"input"`
	SessionID string `json:"session_id"`
	OwnerID   string `json:"owner_id"`
	// Values answers a pending input request, keyed by field name. When
	// omitted on a resume, Input is delivered as the answer.
	Values map[string]string `json:"values,omitempty"`
}

// runResponse is the JSON body returned by POST /run.
type runResponse struct {
	Success       bool                  `json:"success"`
	Message       string                `json:"message"`
	Steps         int                   `json:"steps"`
	Logs          string                `json:"logs,omitempty"`
	RunID         string                `json:"run_id,omitempty"`
	SessionID     string                `json:"session_id"`
	RequiresInput bool                  `json:"requires_input,omitempty"`
	InputRequest  *kestrel.InputRequest `json:"input_request,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	req, ok := s.parseRequest(w, r)
	if !ok {
		return
	}

	result, err := s.execute(r.Context(), req)

	var suspended *kestrel.ErrSuspended
	if errors.As(err, &suspended) {
		s.park(req.SessionID, suspended)
		writeJSON(w, http.StatusOK, runResponse{
			Message:       "waiting for user input",
			Steps:         result.Steps,
			Logs:          result.LogPath,
			RunID:         result.RunID,
			SessionID:     req.SessionID,
			RequiresInput: true,
			InputRequest:  result.InputRequest,
		})
		return
	}
	if err != nil {
		s.logger.Error("run failed", "session_id", req.SessionID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, runResponse{
		Success:   result.Success,
		Message:   result.Output,
		Steps:     result.Steps,
		Logs:      result.LogPath,
		RunID:     result.RunID,
		SessionID: req.SessionID,
	})
}

func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.parseRequest(w, r)
	if !ok {
		return
	}

	// A resume re-enters the loop without streaming; emit the terminal
	// event over SSE so both endpoints behave the same for clients.
	if suspended := s.unpark(req.SessionID); suspended != nil {
		result, err := suspended.Resume(r.Context(), s.resumeValues(req, suspended))
		var again *kestrel.ErrSuspended
		switch {
		case errors.As(err, &again):
			s.park(req.SessionID, again)
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			_ = kestrel.WriteSSEEvent(w, string(kestrel.EventInputRequired), result)
		case err != nil:
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			_ = kestrel.WriteSSEEvent(w, string(kestrel.EventError), map[string]string{"error": err.Error()})
		default:
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			_ = kestrel.WriteSSEEvent(w, string(kestrel.EventDone), result)
		}
		return
	}

	task := kestrel.AgentTask{Input: req.Input, SessionID: req.SessionID, OwnerID: req.OwnerID}
	_, err := kestrel.ServeSSE(r.Context(), w, s.agent, task)

	var suspended *kestrel.ErrSuspended
	if errors.As(err, &suspended) {
		s.park(req.SessionID, suspended)
		return
	}
	if err != nil {
		s.logger.Error("stream run failed", "session_id", req.SessionID, "error", err)
	}
}

// execute runs a fresh task, or resumes the parked run for the session.
func (s *Server) execute(ctx context.Context, req runRequest) (kestrel.AgentResult, error) {
	if suspended := s.unpark(req.SessionID); suspended != nil {
		s.logger.Info("resuming paused run", "session_id", req.SessionID, "run_id", suspended.RunID)
		return suspended.Resume(ctx, s.resumeValues(req, suspended))
	}
	task := kestrel.AgentTask{Input: req.Input, SessionID: req.SessionID, OwnerID: req.OwnerID}
	return s.agent.Execute(ctx, task)
}

// resumeValues maps the follow-up request onto the pending input fields.
// Explicit values win; a bare message answers a single-field request
// directly, otherwise it is delivered under "input".
func (s *Server) resumeValues(req runRequest, suspended *kestrel.ErrSuspended) map[string]string {
	if len(req.Values) > 0 {
		return req.Values
	}
	if fields := suspended.Request.Fields; len(fields) == 1 {
		return map[string]string{fields[0].Name: req.Input}
	}
	return map[string]string{"input": req.Input}
}

func (s *Server) parseRequest(w http.ResponseWriter, r *http.Request) (runRequest, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return runRequest{}, false
	}
	var req runRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return runRequest{}, false
	}
	if req.Input == "" && len(req.Values) == 0 {
		writeError(w, http.StatusBadRequest, "input is required")
		return runRequest{}, false
	}
	if req.SessionID == "" {
		req.SessionID = kestrel.NewID()
	}
	return req, true
}

func (s *Server) park(sessionID string, suspended *kestrel.ErrSuspended) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[sessionID] = suspended
	s.logger.Info("run paused for user input", "session_id", sessionID, "run_id", suspended.RunID)
}

func (s *Server) unpark(sessionID string) *kestrel.ErrSuspended {
	s.mu.Lock()
	defer s.mu.Unlock()
	suspended, ok := s.paused[sessionID]
	if !ok {
		return nil
	}
	delete(s.paused, sessionID)
	return suspended
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// nopLogger discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
