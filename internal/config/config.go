// Package config provides the gateway configuration schema, loader, snapshot
// store, and settings-patch validation.
//
// A [GatewayConfig] is immutable once published: readers obtain the current
// snapshot from the [Store] and never mutate it. Updates arrive as validated
// patches (see [ValidatePatch]) that deep-merge into a fresh snapshot, which
// then atomically replaces the old one.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/MrWong99/lensgate/pkg/types"
)

// MaskedSecret is the fixed literal replacing every secret in a SafeConfig
// view and in logs.
const MaskedSecret = "********"

// LogLevel controls log verbosity for the lensgate server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to the corresponding slog level. Unknown levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GatewayConfig is the root configuration. Field names double as the JSON
// keys of the settings API and the YAML keys of the bootstrap file.
type GatewayConfig struct {
	// AgentGatewayURL is the WebSocket URL of the agent runtime.
	AgentGatewayURL string `json:"agentGatewayUrl" yaml:"agentGatewayUrl"`

	// AgentGatewayToken authenticates the connect handshake. Secret.
	AgentGatewayToken string `json:"agentGatewayToken" yaml:"agentGatewayToken"`

	// AgentSessionKey is the runtime session every turn lands in.
	AgentSessionKey string `json:"agentSessionKey" yaml:"agentSessionKey"`

	// STTProvider selects the active speech-to-text adapter.
	STTProvider types.ProviderID `json:"sttProvider" yaml:"sttProvider"`

	WhisperX WhisperXConfig `json:"whisperx" yaml:"whisperx"`
	OpenAI   OpenAIConfig   `json:"openai" yaml:"openai"`
	Custom   CustomConfig   `json:"custom" yaml:"custom"`
	Server   ServerConfig   `json:"server" yaml:"server"`
}

// WhisperXConfig configures the WhisperX job-server adapter.
type WhisperXConfig struct {
	BaseURL        string `json:"baseUrl" yaml:"baseUrl"`
	Model          string `json:"model" yaml:"model"`
	Language       string `json:"language" yaml:"language"`
	PollIntervalMs int    `json:"pollIntervalMs" yaml:"pollIntervalMs"`
	TimeoutMs      int    `json:"timeoutMs" yaml:"timeoutMs"`
}

// PollInterval returns the poll interval as a duration.
func (c WhisperXConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Timeout returns the transcription deadline as a duration.
func (c WhisperXConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// OpenAIConfig configures the OpenAI transcription adapter.
type OpenAIConfig struct {
	BaseURL   string `json:"baseUrl" yaml:"baseUrl"`
	APIKey    string `json:"apiKey" yaml:"apiKey"`
	Model     string `json:"model" yaml:"model"`
	Language  string `json:"language" yaml:"language"`
	TimeoutMs int    `json:"timeoutMs" yaml:"timeoutMs"`
}

// Timeout returns the transcription deadline as a duration.
func (c OpenAIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// CustomConfig configures the generic single-POST adapter.
type CustomConfig struct {
	URL        string         `json:"url" yaml:"url"`
	AuthHeader string         `json:"authHeader" yaml:"authHeader"`
	Model      string         `json:"model" yaml:"model"`
	Language   string         `json:"language" yaml:"language"`
	TimeoutMs  int            `json:"timeoutMs" yaml:"timeoutMs"`
	FieldMap   FieldMapConfig `json:"fieldMap" yaml:"fieldMap"`
}

// Timeout returns the transcription deadline as a duration.
func (c CustomConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// FieldMapConfig names the JSON fields read from a custom endpoint response.
// Empty fields fall back to the adapter defaults.
type FieldMapConfig struct {
	Text        string `json:"text" yaml:"text"`
	Segments    string `json:"segments" yaml:"segments"`
	SegmentText string `json:"segmentText" yaml:"segmentText"`
	Language    string `json:"language" yaml:"language"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	// Port the HTTP server listens on. 0 picks an ephemeral port (tests).
	Port int `json:"port" yaml:"port"`

	// Host is the bind address; empty means all interfaces.
	Host string `json:"host" yaml:"host"`

	// CORSOrigins is the Origin allowlist. Empty means same-origin only:
	// cross-origin requests carrying an Origin header are rejected.
	CORSOrigins []string `json:"corsOrigins" yaml:"corsOrigins"`

	// MaxAudioBytes caps the uploaded audio size.
	MaxAudioBytes int64 `json:"maxAudioBytes" yaml:"maxAudioBytes"`

	// RateLimitPerMinute caps requests per client address per minute.
	RateLimitPerMinute int `json:"rateLimitPerMinute" yaml:"rateLimitPerMinute"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `json:"logLevel" yaml:"logLevel"`
}

// Default returns the built-in configuration. Environment variables and the
// bootstrap file overlay it.
func Default() *GatewayConfig {
	return &GatewayConfig{
		STTProvider: types.ProviderWhisperX,
		WhisperX: WhisperXConfig{
			Model:          "medium",
			PollIntervalMs: 250,
			TimeoutMs:      30_000,
		},
		OpenAI: OpenAIConfig{
			Model:     "whisper-1",
			TimeoutMs: 30_000,
		},
		Custom: CustomConfig{
			TimeoutMs: 30_000,
		},
		Server: ServerConfig{
			Port:               8080,
			MaxAudioBytes:      10 << 20,
			RateLimitPerMinute: 60,
			LogLevel:           LogInfo,
		},
	}
}

// Clone returns a deep copy of c.
func (c *GatewayConfig) Clone() *GatewayConfig {
	next := *c
	next.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	return &next
}

// Safe returns a copy of c with every secret replaced by [MaskedSecret].
// Empty secrets stay empty so the view still shows what is unconfigured.
func (c *GatewayConfig) Safe() *GatewayConfig {
	next := c.Clone()
	if next.AgentGatewayToken != "" {
		next.AgentGatewayToken = MaskedSecret
	}
	if next.OpenAI.APIKey != "" {
		next.OpenAI.APIKey = MaskedSecret
	}
	if next.Custom.AuthHeader != "" {
		next.Custom.AuthHeader = MaskedSecret
	}
	return next
}

// SessionKey returns the configured agent session key as a branded type.
func (c *GatewayConfig) SessionKey() types.SessionKey {
	return types.SessionKey(c.AgentSessionKey)
}

// Validate checks the full configuration for startup. All problems are
// reported at once via errors.Join.
func (c *GatewayConfig) Validate() error {
	var errs []error

	if c.AgentGatewayURL == "" {
		errs = append(errs, errors.New("agentGatewayUrl must be set"))
	} else if err := validateURL(c.AgentGatewayURL); err != nil {
		errs = append(errs, fmt.Errorf("agentGatewayUrl: %w", err))
	}
	if c.AgentSessionKey == "" {
		errs = append(errs, errors.New("agentSessionKey must be set"))
	}
	if !c.STTProvider.IsValid() {
		errs = append(errs, fmt.Errorf("sttProvider %q is not one of whisperx, openai, custom", c.STTProvider))
	}
	if c.WhisperX.PollIntervalMs <= 0 {
		errs = append(errs, errors.New("whisperx.pollIntervalMs must be positive"))
	}
	if c.WhisperX.TimeoutMs <= 0 {
		errs = append(errs, errors.New("whisperx.timeoutMs must be positive"))
	}
	if c.OpenAI.TimeoutMs <= 0 {
		errs = append(errs, errors.New("openai.timeoutMs must be positive"))
	}
	if c.Custom.TimeoutMs <= 0 {
		errs = append(errs, errors.New("custom.timeoutMs must be positive"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxAudioBytes <= 0 {
		errs = append(errs, errors.New("server.maxAudioBytes must be positive"))
	}
	if c.Server.RateLimitPerMinute <= 0 {
		errs = append(errs, errors.New("server.rateLimitPerMinute must be positive"))
	}
	if c.Server.LogLevel != "" && !c.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.logLevel %q is not one of debug, info, warn, error", c.Server.LogLevel))
	}

	if err := errors.Join(errs...); err != nil {
		return types.WrapOperator(types.CodeInvalidConfig, "configuration is invalid", err)
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%q is not an absolute URL", raw)
	}
	return nil
}
