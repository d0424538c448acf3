// Package stt defines the Provider interface for speech-to-text backends.
//
// An STT provider wraps a transcription service (a WhisperX job server, the
// OpenAI audio API, or a custom single-POST endpoint) behind a uniform batch
// contract: one audio blob in, one transcript out. Providers are constructed
// from configuration by the rebuilder and swapped at runtime, so every
// implementation must be safe for concurrent use and must not cache state
// across calls.
//
// All providers apply the same normalization law to backend responses, see
// [JoinTranscript]: segmented output wins over the top-level text field, and
// an empty result is an error, never an empty transcript.
package stt

import (
	"context"

	"github.com/MrWong99/lensgate/pkg/types"
)

// Provider is the abstraction over any STT backend.
//
// Implementations must honour ctx cancellation promptly on every network
// suspension and classify failures with the taxonomy codes: STT_TIMEOUT on
// deadline, STT_UNAVAILABLE on network failure, STT_TRANSCRIPTION_FAILED on
// backend or empty-text failure, MISSING_CONFIG on absent credentials.
type Provider interface {
	// ID returns the provider's stable identifier.
	ID() types.ProviderID

	// Name returns a human-readable provider name for logs and health output.
	Name() string

	// Transcribe converts audio into a transcript. The returned Result always
	// carries non-empty Text; providers raise STT_TRANSCRIPTION_FAILED instead
	// of returning an empty transcript.
	Transcribe(ctx context.Context, audio Audio, turnID types.TurnID) (*Result, error)

	// HealthCheck probes the backend and reports reachability and latency.
	HealthCheck(ctx context.Context) Health
}
