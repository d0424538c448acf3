// Package types defines the shared identifier and error types used across all
// lensgate packages.
//
// These types form the lingua franca between the HTTP surface, the STT
// providers, the agent-runtime client, and the orchestrator. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import (
	"fmt"

	"github.com/google/uuid"
)

// TurnID identifies one end-to-end voice turn. A fresh TurnID is minted per
// HTTP request and threaded through logs, STT calls, and the agent dispatch
// for correlation.
type TurnID string

// NewTurnID mints a fresh random TurnID.
func NewTurnID() TurnID {
	return TurnID(uuid.NewString())
}

// ParseTurnID validates s as a TurnID. Empty input is rejected with
// [CodeInvalidConfig].
func ParseTurnID(s string) (TurnID, error) {
	if s == "" {
		return "", OperatorErr(CodeInvalidConfig, "turn id must not be empty", "")
	}
	return TurnID(s), nil
}

// String returns the id as a plain string.
func (t TurnID) String() string { return string(t) }

// SessionKey identifies an agent-runtime session. All turns sharing a
// SessionKey land in the same conversation on the runtime side.
type SessionKey string

// ParseSessionKey validates s as a SessionKey. Empty input is rejected with
// [CodeInvalidConfig].
func ParseSessionKey(s string) (SessionKey, error) {
	if s == "" {
		return "", OperatorErr(CodeInvalidConfig, "session key must not be empty", "")
	}
	return SessionKey(s), nil
}

// String returns the key as a plain string.
func (k SessionKey) String() string { return string(k) }

// ProviderID names a speech-to-text provider implementation.
type ProviderID string

const (
	ProviderWhisperX ProviderID = "whisperx"
	ProviderOpenAI   ProviderID = "openai"
	ProviderCustom   ProviderID = "custom"
)

// IsValid reports whether p is a recognised provider id.
func (p ProviderID) IsValid() bool {
	switch p {
	case ProviderWhisperX, ProviderOpenAI, ProviderCustom:
		return true
	}
	return false
}

// ParseProviderID validates s as a ProviderID. Unknown or empty input is
// rejected with [CodeInvalidConfig].
func ParseProviderID(s string) (ProviderID, error) {
	p := ProviderID(s)
	if !p.IsValid() {
		return "", OperatorErr(CodeInvalidConfig,
			fmt.Sprintf("unknown stt provider %q", s),
			"valid providers: whisperx, openai, custom")
	}
	return p, nil
}

// String returns the id as a plain string.
func (p ProviderID) String() string { return string(p) }
