package types

import (
	"errors"
	"fmt"
)

// Kind classifies an [Error] by who may see its message.
type Kind string

const (
	// KindUser marks errors whose message is safe to return to callers.
	KindUser Kind = "user"

	// KindOperator marks errors carrying backend detail that must never be
	// surfaced to callers. Handlers serialize only the code and a generic
	// message; the detail goes to the structured log.
	KindOperator Kind = "operator"
)

// Code is a stable string identifier for an error condition. Codes appear
// verbatim in HTTP error bodies and must not be renamed.
type Code string

const (
	// User-kind codes.
	CodeInvalidAudio       Code = "INVALID_AUDIO"
	CodeAudioTooLarge      Code = "AUDIO_TOO_LARGE"
	CodeInvalidContentType Code = "INVALID_CONTENT_TYPE"
	CodeSTTTimeout         Code = "STT_TIMEOUT"
	CodeOpenClawTimeout    Code = "OPENCLAW_TIMEOUT"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeCORSRejected       Code = "CORS_REJECTED"
	CodeNotReady           Code = "NOT_READY"

	// STT_TRANSCRIPTION_FAILED is raised in two flavours: user-kind when the
	// backend produced no text, operator-kind when the backend itself failed.
	CodeSTTTranscriptionFailed Code = "STT_TRANSCRIPTION_FAILED"

	// Operator-kind codes.
	CodeSTTUnavailable       Code = "STT_UNAVAILABLE"
	CodeOpenClawUnavailable  Code = "OPENCLAW_UNAVAILABLE"
	CodeOpenClawSessionError Code = "OPENCLAW_SESSION_ERROR"
	CodeMissingConfig        Code = "MISSING_CONFIG"
	CodeInvalidConfig        Code = "INVALID_CONFIG"
	CodeInternal             Code = "INTERNAL_ERROR"
)

// Error is the taxonomy error carried through the whole pipeline. Message is
// user-safe; Detail is operator-only and is logged but never serialized into
// responses.
type Error struct {
	Code    Code
	Kind    Kind
	Message string
	Detail  string
	Err     error
}

// Error implements the error interface. The string form includes the detail
// because it is only ever consumed by logs and wrapped errors, never by the
// HTTP error envelope.
func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Detail != "" {
		s += " (" + e.Detail + ")"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// UserErr builds a user-kind Error. The message will be shown to callers.
func UserErr(code Code, message string) *Error {
	return &Error{Code: code, Kind: KindUser, Message: message}
}

// OperatorErr builds an operator-kind Error. detail is kept out of responses.
func OperatorErr(code Code, message, detail string) *Error {
	return &Error{Code: code, Kind: KindOperator, Message: message, Detail: detail}
}

// WrapOperator builds an operator-kind Error around a cause.
func WrapOperator(code Code, message string, err error) *Error {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return &Error{Code: code, Kind: KindOperator, Message: message, Detail: detail, Err: err}
}

// As extracts a taxonomy *Error from err, or nil when err is not one.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// CodeOf returns the taxonomy code of err, or [CodeInternal] for foreign errors.
func CodeOf(err error) Code {
	if e := As(err); e != nil {
		return e.Code
	}
	return CodeInternal
}

// KindOf returns the taxonomy kind of err, or [KindOperator] for foreign
// errors: anything unclassified is assumed unsafe to expose.
func KindOf(err error) Kind {
	if e := As(err); e != nil {
		return e.Kind
	}
	return KindOperator
}

// UserMessage returns a message safe to serialize to callers: the error's own
// message for user-kind errors, a fixed generic message otherwise.
func UserMessage(err error) string {
	if e := As(err); e != nil && e.Kind == KindUser {
		return e.Message
	}
	return "internal error"
}
