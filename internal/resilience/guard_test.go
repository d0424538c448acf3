package resilience_test

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/lensgate/internal/resilience"
	"github.com/MrWong99/lensgate/pkg/provider/stt"
	"github.com/MrWong99/lensgate/pkg/provider/stt/mock"
	"github.com/MrWong99/lensgate/pkg/types"
)

func guardedMock(p *mock.Provider, maxFailures int) *resilience.Guard {
	return resilience.NewGuard(p, resilience.CircuitBreakerConfig{
		MaxFailures:  maxFailures,
		ResetTimeout: time.Hour,
	})
}

func TestGuardPassesThrough(t *testing.T) {
	t.Parallel()
	inner := &mock.Provider{Result: &stt.Result{Text: "hello", Provider: types.ProviderWhisperX}}
	g := guardedMock(inner, 3)

	res, err := g.Transcribe(context.Background(), stt.Audio{Data: []byte{1}, ContentType: "audio/ogg"}, types.NewTurnID())
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "hello" {
		t.Errorf("Text = %q, want %q", res.Text, "hello")
	}
	if g.ID() != inner.ID() || g.Name() != inner.Name() {
		t.Error("guard must delegate ID and Name to the wrapped provider")
	}
}

func TestGuardOpensOnOperatorFailures(t *testing.T) {
	t.Parallel()
	inner := &mock.Provider{
		TranscribeErr: types.OperatorErr(types.CodeSTTUnavailable, "speech-to-text backend unavailable", "connect: connection refused"),
	}
	g := guardedMock(inner, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := g.Transcribe(ctx, stt.Audio{}, types.NewTurnID()); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}

	// Breaker is open now: the backend must not be dialed again.
	_, err := g.Transcribe(ctx, stt.Audio{}, types.NewTurnID())
	if types.CodeOf(err) != types.CodeSTTUnavailable {
		t.Fatalf("err = %v, want STT_UNAVAILABLE", err)
	}
	if got := len(inner.Calls()); got != 2 {
		t.Errorf("backend dialed %d times, want 2", got)
	}

	if h := g.HealthCheck(ctx); h.Healthy {
		t.Error("health must report unhealthy while the breaker is open")
	}
}

func TestGuardIgnoresClientFaults(t *testing.T) {
	t.Parallel()
	inner := &mock.Provider{
		TranscribeErr: types.UserErr(types.CodeSTTTranscriptionFailed, "no speech detected in audio"),
	}
	g := guardedMock(inner, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = g.Transcribe(ctx, stt.Audio{}, types.NewTurnID())
	}

	// Every call reached the backend: client faults never trip the breaker.
	if got := len(inner.Calls()); got != 5 {
		t.Errorf("backend dialed %d times, want 5", got)
	}
}

func TestGuardTripsOnTimeout(t *testing.T) {
	t.Parallel()
	inner := &mock.Provider{
		TranscribeErr: types.UserErr(types.CodeSTTTimeout, "transcription timed out"),
	}
	g := guardedMock(inner, 2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = g.Transcribe(ctx, stt.Audio{}, types.NewTurnID())
	}

	if got := len(inner.Calls()); got != 2 {
		t.Errorf("backend dialed %d times after trip, want 2", got)
	}
}

func TestGuardForwardsHealthWhenClosed(t *testing.T) {
	t.Parallel()
	inner := &mock.Provider{HealthResult: stt.Health{Healthy: true, Message: "ok"}}
	g := guardedMock(inner, 3)

	if h := g.HealthCheck(context.Background()); !h.Healthy || h.Message != "ok" {
		t.Errorf("HealthCheck = %+v, want the wrapped provider's result", h)
	}
}
