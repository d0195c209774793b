package api

import (
	"bufio"
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/config"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/metrics"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/policy/ratelimit"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/progress"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/warden"
)

// maxBodyBytes caps request bodies read by the API key check and handlers.
const maxBodyBytes = 1 << 20

// Service is the set of cache operations exposed over HTTP.
type Service interface {
	PurgeAll(ctx context.Context, t warden.Trigger) warden.Outcome
	PurgeURL(ctx context.Context, t warden.Trigger, rawURL string) warden.Outcome
	Preload(ctx context.Context, t warden.Trigger) warden.Outcome
	PreloadURL(ctx context.Context, t warden.Trigger, rawURL string) warden.Outcome
	Progress(ctx context.Context) (progress.Snapshot, error)
	Cached(ctx context.Context) (warden.CachedList, error)
	Status(ctx context.Context) (warden.Status, error)
}

// Server wires HTTP handlers to the warden service.
type Server struct {
	router  chi.Router
	svc     Service
	limiter *ratelimit.Limiter
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc: svc,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:   cfg.RateLimit.RPS,
			Burst: cfg.RateLimit.Burst,
		}),
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware)
			r.Post("/purge", s.purgeAll)
			r.Post("/purge/url", s.purgeURL)
			r.Post("/preload", s.preload)
			r.Post("/preload/url", s.preloadURL)
		})
		r.Get("/preload/progress", s.progress)
		r.Get("/status", s.status)
		r.Get("/cached", s.cached)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.svc.Status(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type urlRequest struct {
	URL string `json:"url"`
}

func (s *Server) purgeAll(w http.ResponseWriter, r *http.Request) {
	writeOutcome(w, s.svc.PurgeAll(r.Context(), warden.TriggerREST))
}

func (s *Server) purgeURL(w http.ResponseWriter, r *http.Request) {
	target, ok := decodeURL(w, r)
	if !ok {
		return
	}
	writeOutcome(w, s.svc.PurgeURL(r.Context(), warden.TriggerREST, target))
}

func (s *Server) preload(w http.ResponseWriter, r *http.Request) {
	writeOutcome(w, s.svc.Preload(r.Context(), warden.TriggerREST))
}

func (s *Server) preloadURL(w http.ResponseWriter, r *http.Request) {
	target, ok := decodeURL(w, r)
	if !ok {
		return
	}
	writeOutcome(w, s.svc.PreloadURL(r.Context(), warden.TriggerREST, target))
}

func (s *Server) progress(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Progress(r.Context())
	if err != nil {
		s.logger.Error("progress snapshot failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "progress unavailable")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context())
	if err != nil {
		s.logger.Error("status failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) cached(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Cached(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, warden.ErrDirectoryNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func decodeURL(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req urlRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return "", false
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return "", false
	}
	return req.URL, true
}

func writeOutcome(w http.ResponseWriter, out warden.Outcome) {
	writeJSON(w, out.HTTPStatus(), out)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request ID stored by the server middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", RequestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

// apiKeyMiddleware accepts the key from the X-API-Key header, a bearer
// token, the api_key query parameter, or an api_key field in a JSON body.
// An unset expected key rejects every request.
func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := presentedKey(r)
			if expected == "" || key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "Invalid API Key.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func presentedKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key
	}
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil || len(body) == 0 {
		return ""
	}
	var payload struct {
		APIKey string `json:"api_key"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return ""
	}
	return strings.TrimSpace(payload.APIKey)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
