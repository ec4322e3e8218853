// Package api serves the chat pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/fabfab/legal-agent/chat"
	"github.com/fabfab/legal-agent/history"
	"github.com/fabfab/legal-agent/metrics"
	"github.com/fabfab/legal-agent/retrieval"
)

// ChatService is the part of chat.Service the HTTP layer needs.
type ChatService interface {
	Chat(ctx context.Context, req chat.Request) (chat.StructuredAnswer, error)
	History(ctx context.Context, sessionID string) ([]history.Turn, error)
	Partitions() []string
}

var _ ChatService = (*chat.Service)(nil)

type Options struct {
	// CORSOrigins lists allowed browser origins; "*" allows any.
	CORSOrigins []string
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

type Server struct {
	chat    ChatService
	metrics *metrics.Metrics
	logger  *zap.Logger
	handler http.Handler
}

type messageResponse struct {
	Message    string   `json:"message"`
	Partitions []string `json:"partitions,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type chatRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id"`
}

type historyResponse struct {
	SessionID string        `json:"session_id,omitempty"`
	Turns     []turnPayload `json:"turns"`
}

type turnPayload struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at,omitempty"`
}

// New constructs a Server around svc.
func New(svc ChatService, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{chat: svc, metrics: opts.Metrics, logger: logger}
	s.handler = withRequestLogging(logger, withCORS(opts.CORSOrigins, s.routes()))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/openapi.yaml", s.handleOpenAPI)
	mux.HandleFunc("/chat", s.handleChat)
	mux.HandleFunc("/history", s.handleHistory)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok", Partitions: s.chat.Partitions()})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	w.Header().Set("Content-Type", "text/yaml; charset=utf-8")
	w.Header().Set("Content-Disposition", "inline; filename=\"openapi.yaml\"")
	_, _ = w.Write(openAPISpecYAML)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.metrics.ObserveRequest(metrics.OutcomeBadRequest)
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	answer, err := s.chat.Chat(r.Context(), chat.Request{
		SessionID: strings.TrimSpace(req.SessionID),
		Question:  req.Question,
	})
	if err != nil {
		s.writeError(w, chatErrorStatus(err), err)
		return
	}

	s.writeJSON(w, http.StatusOK, answer)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	turns, err := s.chat.History(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("load history: %w", err))
		return
	}

	resp := historyResponse{SessionID: sessionID, Turns: make([]turnPayload, len(turns))}
	for i, turn := range turns {
		resp.Turns[i] = turnPayload{Role: string(turn.Role), Content: turn.Content}
		if !turn.CreatedAt.IsZero() {
			resp.Turns[i].CreatedAt = turn.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00")
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// chatErrorStatus maps pipeline failures onto HTTP status codes.
func chatErrorStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrEmptyQuestion):
		return http.StatusBadRequest
	case errors.Is(err, retrieval.ErrAllPartitionsFailed),
		errors.Is(err, retrieval.ErrTooFewPartitions),
		errors.Is(err, retrieval.ErrNoPartitions):
		return http.StatusBadGateway
	case errors.Is(err, chat.ErrGenerationTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed, use %s", allowed))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("api error", zap.Int("status", status), zap.Error(err))
	} else {
		s.logger.Info("api error", zap.Int("status", status), zap.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}
