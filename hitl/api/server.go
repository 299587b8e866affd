// Package api exposes the conversation engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/hitl-chat/hitl/engine"
	"github.com/rs/zerolog"
)

const maxRequestBodyBytes = 1 << 20

// Conversations is the part of the engine the API drives.
type Conversations interface {
	SubmitMessage(ctx context.Context, threadID, text string) (*engine.Result, error)
	ResolveApproval(ctx context.Context, decision engine.ApprovalDecision) (*engine.Result, error)
	History(ctx context.Context, threadID string) ([]engine.TurnView, error)
	ClearHistory(ctx context.Context, threadID string) error
	State(ctx context.Context, threadID string) (engine.State, error)
}

// Server wraps the HTTP handlers for the chat API.
type Server struct {
	conversations Conversations
	logger        zerolog.Logger
}

// New creates a new Server instance.
func New(conversations Conversations, logger zerolog.Logger) *Server {
	return &Server{conversations: conversations, logger: logger}
}

// Handler returns the routed API with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return requestLogging(s.logger, mux)
}

// Register wires the API routes onto the supplied mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /approve", s.handleApprove)
	mux.HandleFunc("GET /history/{thread_id}", s.handleGetHistory)
	mux.HandleFunc("DELETE /history/{thread_id}", s.handleClearHistory)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

type chatRequest struct {
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
}

type approveRequest struct {
	ThreadID string `json:"thread_id"`
	Approved *bool  `json:"approved"`
}

type historyResponse struct {
	ThreadID string            `json:"thread_id"`
	State    engine.State      `json:"state"`
	Turns    []engine.TurnView `json:"turns"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErrorString(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	res, err := s.conversations.SubmitMessage(r.Context(), strings.TrimSpace(req.ThreadID), req.Message)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErrorString(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if req.Approved == nil {
		writeErrorString(w, http.StatusBadRequest, "invalid_input", "approved is required")
		return
	}

	res, err := s.conversations.ResolveApproval(r.Context(), engine.ApprovalDecision{
		ThreadID: strings.TrimSpace(req.ThreadID),
		Approved: *req.Approved,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	turns, err := s.conversations.History(r.Context(), threadID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	state, err := s.conversations.State(r.Context(), threadID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{ThreadID: threadID, State: state, Turns: turns})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.conversations.ClearHistory(r.Context(), r.PathValue("thread_id")); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeEngineError maps the engine error taxonomy onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, engine.ErrInvalidInput), errors.Is(err, engine.ErrInvalidTurn):
		status, code = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, engine.ErrInvalidState):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, engine.ErrModelInvocation):
		status, code = http.StatusBadGateway, "model_invocation_failed"
	case errors.Is(err, engine.ErrPersistence):
		status, code = http.StatusInternalServerError, "persistence_failed"
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", status).Msg("Request failed")
	}
	writeErrorString(w, status, code, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeErrorString(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func requestLogging(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusCapturingWriter{ResponseWriter: w}

		next.ServeHTTP(sw, r)

		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.statusCode()).
			Int("bytes", sw.bytes).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

type statusCapturingWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusCapturingWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusCapturingWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *statusCapturingWriter) statusCode() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}
