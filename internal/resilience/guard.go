package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/lensgate/pkg/provider/stt"
	"github.com/MrWong99/lensgate/pkg/types"
)

// Guard wraps an STT provider with a circuit breaker. While the breaker is
// open, Transcribe fails fast with STT_UNAVAILABLE instead of dialing a
// backend that has been failing every request.
//
// Client faults (invalid audio, empty transcript) never trip the breaker;
// only operator-kind failures and backend timeouts count.
type Guard struct {
	inner stt.Provider
	cb    *CircuitBreaker
}

var _ stt.Provider = (*Guard)(nil)

// NewGuard wraps p. Zero-value cfg fields get the breaker defaults; the
// failure classifier is always the taxonomy-based one.
func NewGuard(p stt.Provider, cfg CircuitBreakerConfig) *Guard {
	if cfg.Name == "" {
		cfg.Name = "stt-" + string(p.ID())
	}
	cfg.ShouldTrip = tripsBreaker
	return &Guard{inner: p, cb: NewCircuitBreaker(cfg)}
}

// tripsBreaker reports whether err indicates a broken backend rather than a
// bad request. STT_TIMEOUT is user-kind in the taxonomy but still means the
// backend is not answering, so it counts.
func tripsBreaker(err error) bool {
	if types.KindOf(err) == types.KindOperator {
		return true
	}
	return types.CodeOf(err) == types.CodeSTTTimeout
}

func (g *Guard) ID() types.ProviderID { return g.inner.ID() }

func (g *Guard) Name() string { return g.inner.Name() }

// Transcribe forwards to the wrapped provider through the breaker.
func (g *Guard) Transcribe(ctx context.Context, audio stt.Audio, turnID types.TurnID) (*stt.Result, error) {
	var res *stt.Result
	err := g.cb.Execute(func() error {
		var callErr error
		res, callErr = g.inner.Transcribe(ctx, audio, turnID)
		return callErr
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, types.OperatorErr(types.CodeSTTUnavailable,
			"speech-to-text backend unavailable",
			"circuit breaker open for "+g.inner.Name())
	}
	return res, err
}

// HealthCheck reports unhealthy while the breaker is open, without touching
// the backend; otherwise it forwards the probe.
func (g *Guard) HealthCheck(ctx context.Context) stt.Health {
	if g.cb.State() == StateOpen {
		return stt.Health{Healthy: false, Message: "circuit breaker open"}
	}
	return g.inner.HealthCheck(ctx)
}
