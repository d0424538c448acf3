package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/lensgate/pkg/types"
)

// LookupFunc resolves an environment variable, os.LookupEnv shaped.
type LookupFunc func(key string) (string, bool)

// Load builds the startup configuration: defaults, overlaid by the optional
// YAML bootstrap file at path (skipped when path is empty), overlaid by
// LENSGATE_* environment variables, then validated.
func Load(path string) (*GatewayConfig, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup LookupFunc) (*GatewayConfig, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %s: %w", path, err)
		}
		defer f.Close()
		if err := decodeYAML(f, cfg); err != nil {
			return nil, err
		}
	}

	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML bootstrap config over the defaults without
// applying the environment. Unknown YAML keys are rejected.
func LoadFromReader(r io.Reader) (*GatewayConfig, error) {
	cfg := Default()
	if err := decodeYAML(r, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *GatewayConfig) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return types.WrapOperator(types.CodeInvalidConfig, "configuration is invalid",
			fmt.Errorf("config: parse yaml: %w", err))
	}
	return nil
}

// ApplyEnv overlays LENSGATE_* environment variables onto cfg. Parsing is
// strict: a non-numeric value for a numeric variable is INVALID_CONFIG.
func ApplyEnv(cfg *GatewayConfig, lookup LookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("LENSGATE_AGENT_GATEWAY_URL", &cfg.AgentGatewayURL)
	e.str("LENSGATE_AGENT_GATEWAY_TOKEN", &cfg.AgentGatewayToken)
	e.str("LENSGATE_AGENT_SESSION_KEY", &cfg.AgentSessionKey)
	if v, ok := lookup("LENSGATE_STT_PROVIDER"); ok {
		p, err := types.ParseProviderID(v)
		if err != nil {
			return err
		}
		cfg.STTProvider = p
	}

	e.str("LENSGATE_WHISPERX_BASE_URL", &cfg.WhisperX.BaseURL)
	e.str("LENSGATE_WHISPERX_MODEL", &cfg.WhisperX.Model)
	e.str("LENSGATE_WHISPERX_LANGUAGE", &cfg.WhisperX.Language)
	e.num("LENSGATE_WHISPERX_POLL_INTERVAL_MS", &cfg.WhisperX.PollIntervalMs)
	e.num("LENSGATE_WHISPERX_TIMEOUT_MS", &cfg.WhisperX.TimeoutMs)

	e.str("LENSGATE_OPENAI_BASE_URL", &cfg.OpenAI.BaseURL)
	e.str("LENSGATE_OPENAI_API_KEY", &cfg.OpenAI.APIKey)
	e.str("LENSGATE_OPENAI_MODEL", &cfg.OpenAI.Model)
	e.str("LENSGATE_OPENAI_LANGUAGE", &cfg.OpenAI.Language)
	e.num("LENSGATE_OPENAI_TIMEOUT_MS", &cfg.OpenAI.TimeoutMs)

	e.str("LENSGATE_CUSTOM_URL", &cfg.Custom.URL)
	e.str("LENSGATE_CUSTOM_AUTH_HEADER", &cfg.Custom.AuthHeader)
	e.str("LENSGATE_CUSTOM_MODEL", &cfg.Custom.Model)
	e.str("LENSGATE_CUSTOM_LANGUAGE", &cfg.Custom.Language)
	e.num("LENSGATE_CUSTOM_TIMEOUT_MS", &cfg.Custom.TimeoutMs)

	e.num("LENSGATE_SERVER_PORT", &cfg.Server.Port)
	e.str("LENSGATE_SERVER_HOST", &cfg.Server.Host)
	if v, ok := lookup("LENSGATE_SERVER_CORS_ORIGINS"); ok {
		cfg.Server.CORSOrigins = splitOrigins(v)
	}
	e.num64("LENSGATE_SERVER_MAX_AUDIO_BYTES", &cfg.Server.MaxAudioBytes)
	e.num("LENSGATE_SERVER_RATE_LIMIT_PER_MINUTE", &cfg.Server.RateLimitPerMinute)
	if v, ok := lookup("LENSGATE_SERVER_LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}

	return e.err
}

// envReader collects the first parse failure while letting string overlays
// proceed unconditionally.
type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) num(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok || e.err != nil {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.err = types.OperatorErr(types.CodeInvalidConfig, "configuration is invalid",
			fmt.Sprintf("%s=%q is not an integer", key, v))
		return
	}
	*dst = n
}

func (e *envReader) num64(key string, dst *int64) {
	v, ok := e.lookup(key)
	if !ok || e.err != nil {
		return
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		e.err = types.OperatorErr(types.CodeInvalidConfig, "configuration is invalid",
			fmt.Sprintf("%s=%q is not an integer", key, v))
		return
	}
	*dst = n
}

func splitOrigins(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
