package config

import (
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/lensgate/pkg/types"
)

// Patch is a validated settings update. Nil fields were absent from the
// input; section pointers are non-nil when at least one of their keys was
// present. Unknown keys never make it into a Patch.
type Patch struct {
	AgentGatewayURL   *string
	AgentGatewayToken *string
	AgentSessionKey   *string
	STTProvider       *types.ProviderID

	WhisperX *WhisperXPatch
	OpenAI   *OpenAIPatch
	Custom   *CustomPatch
	Server   *ServerPatch
}

// WhisperXPatch is the whisperx section of a Patch.
type WhisperXPatch struct {
	BaseURL        *string
	Model          *string
	Language       *string
	PollIntervalMs *int
	TimeoutMs      *int
}

// OpenAIPatch is the openai section of a Patch.
type OpenAIPatch struct {
	BaseURL   *string
	APIKey    *string
	Model     *string
	Language  *string
	TimeoutMs *int
}

// CustomPatch is the custom section of a Patch.
type CustomPatch struct {
	URL        *string
	AuthHeader *string
	Model      *string
	Language   *string
	TimeoutMs  *int
	FieldMap   *FieldMapConfig
}

// ServerPatch is the server section of a Patch.
type ServerPatch struct {
	Port               *int
	Host               *string
	CORSOrigins        []string
	MaxAudioBytes      *int64
	RateLimitPerMinute *int
	LogLevel           *LogLevel
}

// TouchesAgent reports whether applying p replaces the agent client identity.
func (p *Patch) TouchesAgent() bool {
	return p.AgentGatewayURL != nil || p.AgentGatewayToken != nil
}

// TouchesProvider reports whether applying p requires rebuilding the STT
// provider for id.
func (p *Patch) TouchesProvider(id types.ProviderID) bool {
	if p.STTProvider != nil && *p.STTProvider == id {
		return true
	}
	switch id {
	case types.ProviderWhisperX:
		return p.WhisperX != nil
	case types.ProviderOpenAI:
		return p.OpenAI != nil
	case types.ProviderCustom:
		return p.Custom != nil
	}
	return false
}

// ApplyTo deep-merges p into cur and returns the next snapshot. cur is not
// modified. The merge is deep only for the whisperx, openai, custom, and
// server sections; top-level scalars replace wholesale.
func (p *Patch) ApplyTo(cur *GatewayConfig) *GatewayConfig {
	next := cur.Clone()

	setIf(&next.AgentGatewayURL, p.AgentGatewayURL)
	setIf(&next.AgentGatewayToken, p.AgentGatewayToken)
	setIf(&next.AgentSessionKey, p.AgentSessionKey)
	setIf(&next.STTProvider, p.STTProvider)

	if w := p.WhisperX; w != nil {
		setIf(&next.WhisperX.BaseURL, w.BaseURL)
		setIf(&next.WhisperX.Model, w.Model)
		setIf(&next.WhisperX.Language, w.Language)
		setIf(&next.WhisperX.PollIntervalMs, w.PollIntervalMs)
		setIf(&next.WhisperX.TimeoutMs, w.TimeoutMs)
	}
	if o := p.OpenAI; o != nil {
		setIf(&next.OpenAI.BaseURL, o.BaseURL)
		setIf(&next.OpenAI.APIKey, o.APIKey)
		setIf(&next.OpenAI.Model, o.Model)
		setIf(&next.OpenAI.Language, o.Language)
		setIf(&next.OpenAI.TimeoutMs, o.TimeoutMs)
	}
	if c := p.Custom; c != nil {
		setIf(&next.Custom.URL, c.URL)
		setIf(&next.Custom.AuthHeader, c.AuthHeader)
		setIf(&next.Custom.Model, c.Model)
		setIf(&next.Custom.Language, c.Language)
		setIf(&next.Custom.TimeoutMs, c.TimeoutMs)
		if c.FieldMap != nil {
			next.Custom.FieldMap = *c.FieldMap
		}
	}
	if s := p.Server; s != nil {
		setIf(&next.Server.Port, s.Port)
		setIf(&next.Server.Host, s.Host)
		if s.CORSOrigins != nil {
			next.Server.CORSOrigins = append([]string(nil), s.CORSOrigins...)
		}
		setIf(&next.Server.MaxAudioBytes, s.MaxAudioBytes)
		setIf(&next.Server.RateLimitPerMinute, s.RateLimitPerMinute)
		setIf(&next.Server.LogLevel, s.LogLevel)
	}

	return next
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// ValidatePatch turns a raw settings map into a typed [Patch]. Recognized
// keys are validated by their contract; unknown keys are silently dropped.
// All violations are reported together as a user-safe INVALID_CONFIG error.
func ValidatePatch(raw map[string]any) (*Patch, error) {
	if raw == nil {
		return nil, patchErr("settings patch must be a JSON object")
	}

	var (
		p    Patch
		errs []error
	)
	v := validator{errs: &errs}

	for key, val := range raw {
		switch key {
		case "agentGatewayUrl":
			p.AgentGatewayURL = v.urlVal(key, val)
		case "agentGatewayToken":
			p.AgentGatewayToken = v.nonEmpty(key, val)
		case "agentSessionKey":
			p.AgentSessionKey = v.nonEmpty(key, val)
		case "sttProvider":
			if s := v.nonEmpty(key, val); s != nil {
				id, err := types.ParseProviderID(*s)
				if err != nil {
					v.add("sttProvider %q is not one of whisperx, openai, custom", *s)
				} else {
					p.STTProvider = &id
				}
			}
		case "whisperx":
			p.WhisperX = v.whisperx(val)
		case "openai":
			p.OpenAI = v.openai(val)
		case "custom":
			p.Custom = v.custom(val)
		case "server":
			p.Server = v.server(val)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, &types.Error{
			Code:    types.CodeInvalidConfig,
			Kind:    types.KindUser,
			Message: "invalid settings patch: " + err.Error(),
			Err:     err,
		}
	}
	return &p, nil
}

func patchErr(format string, args ...any) error {
	return &types.Error{
		Code:    types.CodeInvalidConfig,
		Kind:    types.KindUser,
		Message: fmt.Sprintf(format, args...),
	}
}

// validator accumulates violations while extracting typed values.
type validator struct {
	errs *[]error
}

func (v *validator) add(format string, args ...any) {
	*v.errs = append(*v.errs, fmt.Errorf(format, args...))
}

func (v *validator) nonEmpty(key string, val any) *string {
	s, ok := val.(string)
	if !ok || s == "" {
		v.add("%s must be a non-empty string", key)
		return nil
	}
	return &s
}

func (v *validator) strVal(key string, val any) *string {
	s, ok := val.(string)
	if !ok {
		v.add("%s must be a string", key)
		return nil
	}
	return &s
}

func (v *validator) urlVal(key string, val any) *string {
	s := v.nonEmpty(key, val)
	if s == nil {
		return nil
	}
	if err := validateURL(*s); err != nil {
		v.add("%s: %v", key, err)
		return nil
	}
	return s
}

// positiveInt accepts JSON numbers that are integral and strictly positive.
func (v *validator) positiveInt(key string, val any) *int {
	f, ok := val.(float64)
	if !ok || f != math.Trunc(f) || f <= 0 || f > math.MaxInt32 {
		v.add("%s must be a strictly positive integer", key)
		return nil
	}
	n := int(f)
	return &n
}

// port accepts 0 (ephemeral, used by tests) through 65535.
func (v *validator) port(key string, val any) *int {
	f, ok := val.(float64)
	if !ok || f != math.Trunc(f) || f < 0 || f > 65535 {
		v.add("%s must be an integer between 0 and 65535", key)
		return nil
	}
	n := int(f)
	return &n
}

func (v *validator) section(key string, val any) map[string]any {
	m, ok := val.(map[string]any)
	if !ok {
		v.add("%s must be an object", key)
		return nil
	}
	return m
}

func (v *validator) whisperx(val any) *WhisperXPatch {
	m := v.section("whisperx", val)
	if m == nil {
		return nil
	}
	var p WhisperXPatch
	for key, sub := range m {
		switch key {
		case "baseUrl":
			p.BaseURL = v.urlVal("whisperx.baseUrl", sub)
		case "model":
			p.Model = v.strVal("whisperx.model", sub)
		case "language":
			p.Language = v.strVal("whisperx.language", sub)
		case "pollIntervalMs":
			p.PollIntervalMs = v.positiveInt("whisperx.pollIntervalMs", sub)
		case "timeoutMs":
			p.TimeoutMs = v.positiveInt("whisperx.timeoutMs", sub)
		}
	}
	return &p
}

func (v *validator) openai(val any) *OpenAIPatch {
	m := v.section("openai", val)
	if m == nil {
		return nil
	}
	var p OpenAIPatch
	for key, sub := range m {
		switch key {
		case "baseUrl":
			p.BaseURL = v.urlVal("openai.baseUrl", sub)
		case "apiKey":
			p.APIKey = v.nonEmpty("openai.apiKey", sub)
		case "model":
			p.Model = v.strVal("openai.model", sub)
		case "language":
			p.Language = v.strVal("openai.language", sub)
		case "timeoutMs":
			p.TimeoutMs = v.positiveInt("openai.timeoutMs", sub)
		}
	}
	return &p
}

func (v *validator) custom(val any) *CustomPatch {
	m := v.section("custom", val)
	if m == nil {
		return nil
	}
	var p CustomPatch
	for key, sub := range m {
		switch key {
		case "url":
			p.URL = v.urlVal("custom.url", sub)
		case "authHeader":
			p.AuthHeader = v.nonEmpty("custom.authHeader", sub)
		case "model":
			p.Model = v.strVal("custom.model", sub)
		case "language":
			p.Language = v.strVal("custom.language", sub)
		case "timeoutMs":
			p.TimeoutMs = v.positiveInt("custom.timeoutMs", sub)
		case "fieldMap":
			if fm := v.section("custom.fieldMap", sub); fm != nil {
				var cfg FieldMapConfig
				for fk, fv := range fm {
					switch fk {
					case "text":
						if s := v.strVal("custom.fieldMap.text", fv); s != nil {
							cfg.Text = *s
						}
					case "segments":
						if s := v.strVal("custom.fieldMap.segments", fv); s != nil {
							cfg.Segments = *s
						}
					case "segmentText":
						if s := v.strVal("custom.fieldMap.segmentText", fv); s != nil {
							cfg.SegmentText = *s
						}
					case "language":
						if s := v.strVal("custom.fieldMap.language", fv); s != nil {
							cfg.Language = *s
						}
					}
				}
				p.FieldMap = &cfg
			}
		}
	}
	return &p
}

func (v *validator) server(val any) *ServerPatch {
	m := v.section("server", val)
	if m == nil {
		return nil
	}
	var p ServerPatch
	for key, sub := range m {
		switch key {
		case "port":
			p.Port = v.port("server.port", sub)
		case "host":
			p.Host = v.strVal("server.host", sub)
		case "corsOrigins":
			list, ok := sub.([]any)
			if !ok {
				v.add("server.corsOrigins must be an array of strings")
				continue
			}
			origins := make([]string, 0, len(list))
			for _, entry := range list {
				s, ok := entry.(string)
				if !ok {
					v.add("server.corsOrigins must be an array of strings")
					origins = nil
					break
				}
				origins = append(origins, s)
			}
			if origins != nil {
				p.CORSOrigins = origins
			}
		case "maxAudioBytes":
			if n := v.positiveInt("server.maxAudioBytes", sub); n != nil {
				b := int64(*n)
				p.MaxAudioBytes = &b
			}
		case "rateLimitPerMinute":
			p.RateLimitPerMinute = v.positiveInt("server.rateLimitPerMinute", sub)
		case "logLevel":
			if s := v.strVal("server.logLevel", sub); s != nil {
				lvl := LogLevel(*s)
				if !lvl.IsValid() {
					v.add("server.logLevel %q is not one of debug, info, warn, error", *s)
				} else {
					p.LogLevel = &lvl
				}
			}
		}
	}
	return &p
}
