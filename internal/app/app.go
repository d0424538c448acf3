// Package app wires all lensgate subsystems into a running gateway.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems and registers the config rebuilders, Run serves HTTP until the
// context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithAgentFactory,
// WithProviderFactory). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/lensgate/internal/config"
	"github.com/MrWong99/lensgate/internal/health"
	"github.com/MrWong99/lensgate/internal/observe"
	"github.com/MrWong99/lensgate/internal/ratelimit"
	"github.com/MrWong99/lensgate/internal/resilience"
	"github.com/MrWong99/lensgate/internal/server"
	"github.com/MrWong99/lensgate/internal/turn"
	"github.com/MrWong99/lensgate/pkg/claw"
	"github.com/MrWong99/lensgate/pkg/provider/stt"
	"github.com/MrWong99/lensgate/pkg/provider/stt/custom"
	"github.com/MrWong99/lensgate/pkg/provider/stt/openai"
	"github.com/MrWong99/lensgate/pkg/provider/stt/whisperx"
	"github.com/MrWong99/lensgate/pkg/types"
)

// shutdownTimeout bounds the drain window after a termination signal.
const shutdownTimeout = 10 * time.Second

// AgentFactory builds an agent-runtime client for the given endpoint. The
// default builds a *claw.Client.
type AgentFactory func(url, token string) turn.AgentClient

// ProviderFactory builds the STT provider identified by id from a config
// snapshot.
type ProviderFactory func(cfg *config.GatewayConfig, id types.ProviderID) (stt.Provider, error)

// App owns all subsystem lifetimes.
type App struct {
	store     *config.Store
	log       *slog.Logger
	metrics   *observe.Metrics
	limiter   *ratelimit.Limiter
	providers *turn.ProviderSet
	agent     *turn.Holder
	orch      *turn.Orchestrator
	srv       *server.Server

	newAgent    AgentFactory
	newProvider ProviderFactory

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithAgentFactory injects the agent-runtime client constructor.
func WithAgentFactory(f AgentFactory) Option {
	return func(a *App) { a.newAgent = f }
}

// WithProviderFactory injects the STT provider constructor.
func WithProviderFactory(f ProviderFactory) Option {
	return func(a *App) { a.newProvider = f }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New wires the gateway around a validated config. The initial STT provider
// and agent client are built synchronously; connection to the agent runtime
// itself is lazy (first send dials).
func New(cfg *config.GatewayConfig, opts ...Option) (*App, error) {
	a := &App{}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.newAgent == nil {
		a.newAgent = func(url, token string) turn.AgentClient {
			return claw.New(url, token, claw.WithLogger(a.log))
		}
	}
	if a.newProvider == nil {
		a.newProvider = buildProvider
	}

	a.store = config.NewStore(cfg, a.log)

	// ── 1. STT provider ─────────────────────────────────────────────────
	a.providers = turn.NewProviderSet()
	p, err := a.newProvider(cfg, cfg.STTProvider)
	if err != nil {
		return nil, fmt.Errorf("app: build stt provider %s: %w", cfg.STTProvider, err)
	}
	a.providers.Set(p)

	// ── 2. Agent client ─────────────────────────────────────────────────
	a.agent = turn.NewHolder(a.newAgent(cfg.AgentGatewayURL, cfg.AgentGatewayToken))

	// ── 3. Rate limiter (reads the limit through the store) ─────────────
	a.limiter = ratelimit.New(func() int {
		return a.store.Get().Server.RateLimitPerMinute
	})

	// ── 4. Orchestrator + HTTP transport ────────────────────────────────
	a.orch = turn.NewOrchestrator(a.store, a.providers, a.agent,
		turn.WithMetrics(a.metrics))
	a.srv = server.New(a.store, a.orch, a.limiter, a.healthChecks(),
		server.WithMetrics(a.metrics), server.WithLogger(a.log))

	// ── 5. Rebuilders ───────────────────────────────────────────────────
	a.store.OnChange(a.rebuildProviders)
	a.store.OnChange(a.rebuildAgent)

	return a, nil
}

// Store exposes the config store, e.g. for tests driving settings updates.
func (a *App) Store() *config.Store {
	return a.store
}

// Agent exposes the agent-client holder. Shutdown reads through it so the
// client disconnected is always the one currently in use.
func (a *App) Agent() *turn.Holder {
	return a.agent
}

// Providers exposes the live STT provider set.
func (a *App) Providers() *turn.ProviderSet {
	return a.providers
}

// ─── Rebuilders ──────────────────────────────────────────────────────────────

// rebuildProviders replaces every STT provider whose config section the patch
// touched. Unrelated patches are no-ops; a failed rebuild keeps the previous
// instance so the gateway stays serviceable.
func (a *App) rebuildProviders(patch *config.Patch, cfg *config.GatewayConfig) error {
	var errs []error
	for _, id := range []types.ProviderID{types.ProviderWhisperX, types.ProviderOpenAI, types.ProviderCustom} {
		if !patch.TouchesProvider(id) {
			continue
		}
		p, err := a.newProvider(cfg, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("rebuild provider %s: %w", id, err))
			continue
		}
		a.providers.Set(p)
		a.log.Info("stt provider rebuilt", "provider", id)
	}
	return errors.Join(errs...)
}

// rebuildAgent swaps in a fresh agent client when the endpoint or token
// changed. Publish before drain: a turn starting mid-swap must land on the
// new client.
func (a *App) rebuildAgent(patch *config.Patch, cfg *config.GatewayConfig) error {
	if !patch.TouchesAgent() {
		return nil
	}
	next := a.newAgent(cfg.AgentGatewayURL, cfg.AgentGatewayToken)
	prev := a.agent.Swap(next)
	if prev != nil {
		prev.Disconnect()
	}
	a.log.Info("agent client rebuilt", "url", cfg.AgentGatewayURL)
	return nil
}

// ─── Health ──────────────────────────────────────────────────────────────────

// healthChecks aggregates STT backend health and agent connectivity for
// /readyz.
func (a *App) healthChecks() *health.Handler {
	return health.New(
		health.Checker{Name: "stt", Check: func(ctx context.Context) error {
			id := a.store.Get().STTProvider
			p, ok := a.providers.Get(id)
			if !ok {
				return fmt.Errorf("no provider registered for %s", id)
			}
			h := p.HealthCheck(ctx)
			if !h.Healthy {
				return errors.New(h.Message)
			}
			return nil
		}},
		health.Checker{Name: "agent", Check: func(context.Context) error {
			client := a.agent.Get()
			if client == nil {
				return errors.New("agent client not configured")
			}
			if !client.Ready() {
				return errors.New("agent connection not established")
			}
			return nil
		}},
	)
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled, then drains within
// [shutdownTimeout]. Run returns the serve error, or nil on clean shutdown.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.srv.ListenAndServe()
	}()

	a.log.Info("gateway running",
		"provider", a.store.Get().STTProvider,
		"addr", fmt.Sprintf("%s:%d", a.store.Get().Server.Host, a.store.Get().Server.Port))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Shutdown stops accepting turns, disconnects the current agent client (read
// through the holder, so a hot-reloaded client is the one torn down), and
// stops the rate limiter. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")
		err = a.srv.Shutdown(ctx)
		if client := a.agent.Get(); client != nil {
			client.Disconnect()
		}
		a.limiter.Destroy()
		a.log.Info("shutdown complete")
	})
	return err
}

// ─── Provider construction ───────────────────────────────────────────────────

// buildProvider constructs the real STT provider for id from cfg, wrapped in
// a circuit breaker so a dead backend fails turns fast instead of burning the
// full timeout on every request.
func buildProvider(cfg *config.GatewayConfig, id types.ProviderID) (stt.Provider, error) {
	p, err := newRealProvider(cfg, id)
	if err != nil {
		return nil, err
	}
	return resilience.NewGuard(p, resilience.CircuitBreakerConfig{}), nil
}

func newRealProvider(cfg *config.GatewayConfig, id types.ProviderID) (stt.Provider, error) {
	switch id {
	case types.ProviderWhisperX:
		return whisperx.New(cfg.WhisperX.BaseURL,
			whisperx.WithModel(cfg.WhisperX.Model),
			whisperx.WithLanguage(cfg.WhisperX.Language),
			whisperx.WithPollInterval(cfg.WhisperX.PollInterval()),
			whisperx.WithTimeout(cfg.WhisperX.Timeout()),
		)

	case types.ProviderOpenAI:
		opts := []openai.Option{
			openai.WithLanguage(cfg.OpenAI.Language),
			openai.WithTimeout(time.Duration(cfg.OpenAI.TimeoutMs) * time.Millisecond),
		}
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		return openai.New(cfg.OpenAI.APIKey, cfg.OpenAI.Model, opts...)

	case types.ProviderCustom:
		return custom.New(cfg.Custom.URL,
			custom.WithAuthHeader(cfg.Custom.AuthHeader),
			custom.WithModel(cfg.Custom.Model),
			custom.WithLanguage(cfg.Custom.Language),
			custom.WithTimeout(time.Duration(cfg.Custom.TimeoutMs)*time.Millisecond),
			custom.WithFieldMap(custom.FieldMap{
				Text:        cfg.Custom.FieldMap.Text,
				Segments:    cfg.Custom.FieldMap.Segments,
				SegmentText: cfg.Custom.FieldMap.SegmentText,
				Language:    cfg.Custom.FieldMap.Language,
			}),
		)

	default:
		return nil, types.OperatorErr(types.CodeInvalidConfig,
			"configuration is invalid", fmt.Sprintf("unknown stt provider %q", id))
	}
}
