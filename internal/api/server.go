// Package api implements the HTTP API in front of the chat service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/placefinder/internal/agent"
	"github.com/nugget/placefinder/internal/buildinfo"
	"github.com/nugget/placefinder/internal/chat"
	"github.com/nugget/placefinder/internal/metrics"
	"github.com/nugget/placefinder/internal/places"
	"github.com/nugget/placefinder/internal/validation"
)

// UserIDHeader carries the caller's identity on every user-scoped route.
const UserIDHeader = "X-User-ID"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// ChatService is the subset of chat.Service the API needs.
type ChatService interface {
	SendMessage(ctx context.Context, msg chat.Message) (agent.Response, error)
	ResetSession(ctx context.Context, userID string) error
	RecordInteraction(ctx context.Context, in chat.Interaction) (*places.Profile, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	chat    ChatService
	health  Pinger
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server. health may be nil.
func NewServer(address string, port int, svc ChatService, health Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		chat:    svc,
		health:  health,
		logger:  logger.With("component", "api"),
	}
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/send_message", s.handleSendMessage)
	mux.HandleFunc("DELETE /v1/session", s.handleSessionReset)
	mux.HandleFunc("POST /v1/interaction", s.handleInteraction)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // a turn may take up to the agent budget
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		} else if _, p, ok := strings.Cut(path, " "); ok {
			path = p
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Get(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			writeJSON(w, map[string]string{"status": "unhealthy"}, s.logger)
			return
		}
	}
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

// SendMessageRequest is the body of POST /v1/send_message.
type SendMessageRequest struct {
	Message   string   `json:"message"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// SendMessageResponse wraps one turn's reply.
type SendMessageResponse struct {
	OK       bool           `json:"ok"`
	Response agent.Response `json:"response"`
	UserID   string         `json:"user_id"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	var req SendMessageRequest
	if !s.decode(w, r, &req) {
		return
	}

	resp, err := s.chat.SendMessage(r.Context(), chat.Message{
		UserID:    userID,
		Text:      strings.TrimSpace(req.Message),
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, SendMessageResponse{OK: true, Response: resp, UserID: userID}, s.logger)
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if err := s.chat.ResetSession(r.Context(), userID); err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"ok": true, "user_id": userID}, s.logger)
}

// InteractionRequest is the body of POST /v1/interaction.
type InteractionRequest struct {
	PlaceID int64  `json:"place_id"`
	Kind    string `json:"interaction_type"`
}

func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	var req InteractionRequest
	if !s.decode(w, r, &req) {
		return
	}

	profile, err := s.chat.RecordInteraction(r.Context(), chat.Interaction{
		UserID:  userID,
		PlaceID: req.PlaceID,
		Kind:    req.Kind,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"ok": true, "user_id": userID, "profile": profile}, s.logger)
}

func userIDFrom(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserIDHeader))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeError maps service errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		s.errorResponse(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, chat.ErrTurnInProgress):
		s.errorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, places.ErrPlaceNotFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"ok": false,
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
