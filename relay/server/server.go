// Package server exposes the chat pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/chat-relay/relay/config"
	"github.com/ZanzyTHEbar/chat-relay/relay/pipeline"
	"github.com/ZanzyTHEbar/chat-relay/relay/pipeline/adapters"
)

// RequestIDHeader carries the per-request identifier on every response.
const RequestIDHeader = "X-Request-ID"

type ctxKey struct{}

// Server routes HTTP requests into the orchestrator.
type Server struct {
	cfg          *config.Config
	orchestrator *pipeline.Orchestrator
	guard        *pipeline.AccessGuard
	limiter      *adapters.SlidingWindow
	router       *mux.Router
	logger       zerolog.Logger
}

// New creates a server over wired pipeline components.
func New(cfg *config.Config, c *pipeline.Components, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:          cfg,
		orchestrator: c.Orchestrator,
		guard:        c.Guard,
		limiter:      c.Limiter,
		router:       mux.NewRouter(),
		logger:       logger.With().Str("component", "server").Logger(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.withRequestID, s.withLogging, s.withCORS)

	s.router.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)
	s.router.HandleFunc("/chat", s.handlePreflight).Methods(http.MethodOptions)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down within the configured
// deadline. In-flight requests are allowed to finish.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("error during server shutdown: %w", err)
	}
	s.logger.Info().Msg("Server gracefully stopped")
	return nil
}

type chatResponse struct {
	Reply string `json:"reply"`
}

type errorResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

type healthResponse struct {
	Status              string `json:"status"`
	APIKeyConfigured    bool   `json:"api_key_configured"`
	AccessKeyConfigured bool   `json:"access_key_configured"`
	Model               string `json:"model"`
	TrackedClients      int    `json:"tracked_clients"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	id := RequestID(r.Context())
	origin := r.Header.Get("Origin")
	authorization := r.Header.Get("Authorization")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes))
	if err != nil {
		// Callers that fail the access checks learn nothing about the body.
		if aerr := s.guard.Authorize(origin, authorization); aerr != nil {
			s.writeError(w, id, aerr)
			return
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, id, pipeline.ValidationError(fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)))
			return
		}
		s.writeError(w, id, pipeline.ValidationError(fmt.Errorf("request body could not be read: %w", err)))
		return
	}

	reply, err := s.orchestrator.Handle(r.Context(), pipeline.Request{
		ID:            id,
		Origin:        origin,
		Authorization: authorization,
		ClientKey:     ClientKey(r, s.cfg.RateLimit.TrustForwardedHeaders),
		Body:          body,
	})
	if err != nil {
		s.writeError(w, id, err)
		return
	}

	s.logger.Debug().
		Str("request_id", id).
		Str("method", string(reply.Method)).
		Bool("low_confidence", reply.LowConfidence).
		Int("attempts", reply.Attempts).
		Msg("Reply sent")
	writeJSON(w, http.StatusOK, chatResponse{Reply: reply.Text})
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:              "healthy",
		APIKeyConfigured:    s.cfg.Provider.APIKey != "",
		AccessKeyConfigured: s.guard.SecretConfigured(),
		Model:               s.cfg.Provider.Model,
		TrackedClients:      s.limiter.Len(),
	})
}

func (s *Server) writeError(w http.ResponseWriter, requestID string, err error) {
	e := pipeline.AsError(err)
	resp := errorResponse{Error: e.Message}

	if e.Status == http.StatusTooManyRequests {
		resp.RetryAfter = retryAfterSeconds(e.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfter))
	}

	ev := s.logger.Info()
	if e.Status >= http.StatusInternalServerError {
		ev = s.logger.Error()
	}
	ev.Str("request_id", requestID).
		Str("kind", string(e.Kind)).
		Str("state", string(e.State)).
		Int("status", e.Status).
		Err(errors.Unwrap(e)).
		Msg("Request failed")

	writeJSON(w, e.Status, resp)
}

// retryAfterSeconds rounds d up to whole seconds, never below one.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ClientKey identifies the caller for rate limiting: the first forwarded
// address when proxies are trusted, otherwise the peer host.
func ClientKey(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RequestID returns the identifier assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// statusRecorder captures the status code for access logs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.Info().
			Str("request_id", RequestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// withCORS echoes allowed origins back to browsers. Disallowed origins get no
// CORS headers; /chat still rejects them with 403.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.guard.OriginAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			h.Add("Vary", "Origin")
		}
		next.ServeHTTP(w, r)
	})
}
