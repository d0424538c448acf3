// Package server exposes the gateway's HTTP surface: the voice-turn endpoint,
// the settings endpoints, health probes, and Prometheus metrics. It owns the
// CORS gate, the rate-limit gate, and the mapping from the error taxonomy to
// HTTP status codes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/lensgate/internal/config"
	"github.com/MrWong99/lensgate/internal/health"
	"github.com/MrWong99/lensgate/internal/observe"
	"github.com/MrWong99/lensgate/internal/ratelimit"
	"github.com/MrWong99/lensgate/internal/turn"
	"github.com/MrWong99/lensgate/pkg/provider/stt"
	"github.com/MrWong99/lensgate/pkg/types"
)

// maxSettingsBody bounds the JSON patch body on POST /api/settings.
const maxSettingsBody = 1 << 20

// TurnRunner runs one voice turn. *turn.Orchestrator satisfies it.
type TurnRunner interface {
	Run(ctx context.Context, audio stt.Audio) (*turn.Reply, error)
}

// Server is the HTTP transport of the gateway.
type Server struct {
	store   *config.Store
	turns   TurnRunner
	limiter *ratelimit.Limiter
	checks  *health.Handler
	metrics *observe.Metrics
	log     *slog.Logger

	// draining flips when Shutdown begins; new turns are refused with
	// NOT_READY while in-flight ones finish.
	draining atomic.Bool

	httpSrv *http.Server
}

// Option customises a [Server].
type Option func(*Server)

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// New assembles the HTTP transport. checks may be nil, in which case the
// health routes report liveness only.
func New(store *config.Store, turns TurnRunner, limiter *ratelimit.Limiter, checks *health.Handler, opts ...Option) *Server {
	s := &Server{
		store:   store,
		turns:   turns,
		limiter: limiter,
		checks:  checks,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.checks == nil {
		s.checks = health.New()
	}
	return s
}

// Handler builds the full route table wrapped in the CORS gate and the
// observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/voice/turn", s.handleTurn)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/settings", s.handlePostSettings)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.checks.Register(mux)

	var h http.Handler = mux
	h = s.corsGate(h)
	h = observe.Middleware(s.metrics)(h)
	return h
}

// ListenAndServe binds the configured host/port and serves until Shutdown.
// The returned error is nil on clean shutdown.
func (s *Server) ListenAndServe() error {
	cfg := s.store.Get()
	s.httpSrv = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting new turns, then drains the HTTP server within the
// ctx deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ── Handlers ─────────────────────────────────────────────────────────────────

// handleTurn accepts raw audio and runs the full voice-turn pipeline.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		s.writeError(w, r, types.UserErr(types.CodeNotReady, "gateway is shutting down"))
		return
	}
	if !s.allow(r) {
		s.metrics.RateLimited.Add(r.Context(), 1)
		s.writeError(w, r, types.UserErr(types.CodeRateLimited, "too many requests"))
		return
	}

	maxBytes := s.store.Get().Server.MaxAudioBytes
	body, err := readBody(w, r, maxBytes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	audio := stt.Audio{
		Data:         body,
		ContentType:  r.Header.Get("Content-Type"),
		LanguageHint: r.URL.Query().Get("language"),
	}
	if v := r.URL.Query().Get("sampleRate"); v != "" {
		if rate, convErr := strconv.Atoi(v); convErr == nil && rate > 0 {
			audio.SampleRate = rate
		}
	}

	reply, err := s.turns.Run(r.Context(), audio)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// handleGetSettings returns the masked config snapshot.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.GetSafe())
}

// handlePostSettings validates and applies a JSON settings patch, then
// returns the masked post-merge snapshot.
func (s *Server) handlePostSettings(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r) {
		s.metrics.RateLimited.Add(r.Context(), 1)
		s.writeError(w, r, types.UserErr(types.CodeRateLimited, "too many requests"))
		return
	}

	var raw map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSettingsBody))
	if err := dec.Decode(&raw); err != nil {
		s.writeError(w, r, types.UserErr(types.CodeInvalidConfig, "request body is not a JSON object"))
		return
	}

	patch, err := config.ValidatePatch(raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	next := s.store.Update(patch)
	s.metrics.ConfigUpdates.Add(r.Context(), 1)
	observe.Logger(r.Context()).Info("settings updated")
	writeJSON(w, http.StatusOK, next.Safe())
}

// ── Gates ────────────────────────────────────────────────────────────────────

// allow applies the per-caller rate limit. Limits key on the remote IP so one
// chatty client cannot starve the rest.
func (s *Server) allow(r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return s.limiter.Allow(host)
}

// corsGate rejects cross-origin requests whose Origin is not allowlisted.
// Same-origin requests (or requests without an Origin header) always pass.
func (s *Server) corsGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || sameOrigin(origin, r.Host) {
			next.ServeHTTP(w, r)
			return
		}

		if !s.originAllowed(origin) {
			s.writeError(w, r, types.UserErr(types.CodeCORSRejected, "origin not allowed"))
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed checks origin against the allowlist of the current config
// snapshot, so rate-of-change follows settings updates without a restart.
func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.store.Get().Server.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// sameOrigin reports whether origin points at the host serving the request.
func sameOrigin(origin, host string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == host
}

// ── Responses ────────────────────────────────────────────────────────────────

// errorBody is the JSON error envelope: a user-safe message plus the stable
// taxonomy code.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError maps err through the taxonomy to an HTTP status and writes the
// error envelope. Operator detail never reaches the response body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("request failed", "code", types.CodeOf(err), "error", err)
	}
	writeJSON(w, status, errorBody{
		Error: types.UserMessage(err),
		Code:  string(types.CodeOf(err)),
	})
}

// statusFor maps taxonomy errors to HTTP status codes. User-kind errors are
// client faults (400 family); operator-kind errors are gateway faults (500).
func statusFor(err error) int {
	switch types.CodeOf(err) {
	case types.CodeAudioTooLarge:
		return http.StatusRequestEntityTooLarge
	case types.CodeRateLimited:
		return http.StatusTooManyRequests
	case types.CodeCORSRejected:
		return http.StatusForbidden
	case types.CodeNotReady:
		return http.StatusServiceUnavailable
	}
	if types.KindOf(err) == types.KindUser {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// readBody drains the request body under the size cap. Exceeding the cap is
// reported as AUDIO_TOO_LARGE before unbounded buffering can happen.
func readBody(w http.ResponseWriter, r *http.Request, maxBytes int64) ([]byte, error) {
	reader := http.MaxBytesReader(w, r.Body, maxBytes)
	defer reader.Close()

	body, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, types.UserErr(types.CodeAudioTooLarge,
				fmt.Sprintf("audio payload exceeds %d bytes", maxBytes))
		}
		return nil, types.UserErr(types.CodeInvalidAudio, "failed to read audio payload")
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
