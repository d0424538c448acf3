// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to script transcription results or failures and to inspect
// which audio payloads were delivered.
//
// Example:
//
//	p := &mock.Provider{
//	    Result: &stt.Result{Text: "turn on the lights", Provider: types.ProviderWhisperX},
//	}
//	res, err := p.Transcribe(ctx, audio, turnID)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lensgate/pkg/provider/stt"
	"github.com/MrWong99/lensgate/pkg/types"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Audio is the audio payload passed to Transcribe.
	Audio stt.Audio
	// TurnID is the turn identifier passed to Transcribe.
	TurnID types.TurnID
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderID is returned from ID. Defaults to types.ProviderWhisperX.
	ProviderID types.ProviderID

	// ProviderName is returned from Name. Defaults to "Mock".
	ProviderName string

	// Result is returned from Transcribe when TranscribeErr is nil. If both
	// are nil, Transcribe returns a default result with Text "mock transcript".
	Result *stt.Result

	// TranscribeErr, if non-nil, is returned as the error from Transcribe.
	TranscribeErr error

	// TranscribeFn, if non-nil, overrides the scripted Result/TranscribeErr
	// pair entirely.
	TranscribeFn func(ctx context.Context, audio stt.Audio, turnID types.TurnID) (*stt.Result, error)

	// HealthResult is returned from HealthCheck. The zero value reports
	// unhealthy with an empty message, so tests that care set it explicitly.
	HealthResult stt.Health

	// TranscribeCalls records every call to Transcribe.
	TranscribeCalls []TranscribeCall
}

// ID returns ProviderID, defaulting to types.ProviderWhisperX.
func (p *Provider) ID() types.ProviderID {
	if p.ProviderID != "" {
		return p.ProviderID
	}
	return types.ProviderWhisperX
}

// Name returns ProviderName, defaulting to "Mock".
func (p *Provider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "Mock"
}

// Transcribe records the call and returns the scripted result.
func (p *Provider) Transcribe(ctx context.Context, audio stt.Audio, turnID types.TurnID) (*stt.Result, error) {
	p.mu.Lock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, Audio: audio, TurnID: turnID})
	fn := p.TranscribeFn
	res, err := p.Result, p.TranscribeErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, audio, turnID)
	}
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return &stt.Result{Text: "mock transcript", Provider: p.ID()}, nil
}

// HealthCheck returns HealthResult.
func (p *Provider) HealthCheck(ctx context.Context) stt.Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.HealthResult
}

// Calls returns a copy of the recorded Transcribe calls. Thread-safe.
func (p *Provider) Calls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TranscribeCall, len(p.TranscribeCalls))
	copy(out, p.TranscribeCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}
