package stt

import (
	"strings"
	"time"

	"github.com/MrWong99/lensgate/pkg/types"
)

// allowedContentTypes is the media-type allowlist for uploaded audio.
var allowedContentTypes = map[string]struct{}{
	"audio/wav":   {},
	"audio/x-wav": {},
	"audio/pcm":   {},
	"audio/ogg":   {},
	"audio/mpeg":  {},
	"audio/webm":  {},
}

// ContentTypeAllowed reports whether ct names an accepted audio media type.
// Parameters such as "; codecs=opus" are ignored.
func ContentTypeAllowed(ct string) bool {
	base, _, _ := strings.Cut(ct, ";")
	_, ok := allowedContentTypes[strings.ToLower(strings.TrimSpace(base))]
	return ok
}

// Audio is one uploaded audio blob plus its recognition hints.
type Audio struct {
	// Data is the raw audio payload as received from the client.
	Data []byte

	// ContentType is the declared media type (must pass [ContentTypeAllowed]).
	ContentType string

	// SampleRate in Hz. Zero when the client did not declare one.
	SampleRate int

	// LanguageHint is an optional BCP-47 tag forwarded to the backend.
	LanguageHint string
}

// Result is a completed transcription.
type Result struct {
	// Text is the transcript. Never empty inside the pipeline.
	Text string

	// Language is the language reported by the backend (or the configured
	// one when the backend stays silent).
	Language string

	// Confidence is the backend's confidence score, nil when not reported.
	Confidence *float64

	// Provider identifies which adapter produced this result.
	Provider types.ProviderID

	// Model is the model name from provider configuration; empty when unknown.
	Model string

	// Duration is the wall time the transcription took.
	Duration time.Duration
}

// Health is the outcome of a provider health probe.
type Health struct {
	Healthy bool
	Message string
	Latency time.Duration
}

// JoinTranscript applies the backend normalization law shared by all
// providers: when the backend returned segmented output, the segment texts
// joined by single spaces win; otherwise the top-level text field is used;
// when both are empty the transcription failed from the caller's point of
// view and a user-kind STT_TRANSCRIPTION_FAILED is raised.
func JoinTranscript(text string, segments []string) (string, error) {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, " "), nil
	}
	if t := strings.TrimSpace(text); t != "" {
		return t, nil
	}
	return "", types.UserErr(types.CodeSTTTranscriptionFailed, "transcription produced no text")
}
