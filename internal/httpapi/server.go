package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"birbstream/native/internal/domain"
)

const maxOfferBytes = 1 << 20

// Sessions is the part of the signaling service exposed over HTTP.
type Sessions interface {
	HandleOffer(ctx context.Context, req domain.OfferRequest) (domain.SDPPayload, error)
	Close(id string) error
	SessionIDs() []string
	Diagnostics() map[string]domain.Diagnostics
}

// Config wires the HTTP surface. Chat and Metrics are optional.
type Config struct {
	Sessions Sessions
	Chat     http.Handler
	Metrics  http.Handler
}

// Server exposes the broker's HTTP API.
type Server struct {
	sessions Sessions
	chat     http.Handler
	metrics  http.Handler
}

func New(cfg Config) *Server {
	return &Server{
		sessions: cfg.Sessions,
		chat:     cfg.Chat,
		metrics:  cfg.Metrics,
	}
}

// RegisterRoutes adds the API routes to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webrtc/offer", s.handleOffer)
	mux.HandleFunc("GET /webrtc/getpeers", s.handleGetPeers)
	mux.HandleFunc("DELETE /webrtc/peers/{id}", s.handleHangUp)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	if s.chat != nil {
		mux.Handle("GET /ws/chat", s.chat)
	}
}

// Handler returns the routes wrapped in logging and CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return logRequests(allowCORS(mux))
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOfferBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_message", err.Error())
		return
	}

	var req domain.OfferRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_message", fmt.Sprintf("invalid offer request: %v", err))
		return
	}

	answer, err := s.sessions.HandleOffer(r.Context(), req)
	if err != nil {
		status, code := classify(err)
		writeJSONError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (s *Server) handleGetPeers(w http.ResponseWriter, r *http.Request) {
	verbose := false
	if v := r.URL.Query().Get("verbose"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad_message", fmt.Sprintf("invalid verbose flag %q", v))
			return
		}
		verbose = b
	}

	if verbose {
		writeJSON(w, http.StatusOK, s.sessions.Diagnostics())
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.SessionIDs())
}

func (s *Server) handleHangUp(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Close(r.PathValue("id")); err != nil {
		status, code := classify(err)
		writeJSONError(w, status, code, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// classify maps service errors to an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrDuplicateSession):
		return http.StatusConflict, "duplicate_session"
	case errors.Is(err, domain.ErrNegotiation):
		return http.StatusBadRequest, "negotiation_failed"
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "negotiation_timeout"
	case errors.Is(err, domain.ErrRelayAttach):
		return http.StatusInternalServerError, "relay_attach_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[http] encode response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is needed by the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.status = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("[http] %s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}
