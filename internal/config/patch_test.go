package config_test

import (
	"encoding/json"
	"testing"

	"github.com/MrWong99/lensgate/internal/config"
	"github.com/MrWong99/lensgate/pkg/types"
)

func decodePatch(t *testing.T, body string) map[string]any {
	t.Helper()
	var raw map[string]any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		t.Fatalf("test input not valid JSON: %v", err)
	}
	return raw
}

func TestValidatePatchAcceptsKnownKeys(t *testing.T) {
	t.Parallel()
	raw := decodePatch(t, `{
		"agentGatewayUrl": "ws://new-runtime:4242",
		"sttProvider": "custom",
		"whisperx": {"pollIntervalMs": 100, "model": "small"},
		"server": {"rateLimitPerMinute": 5, "port": 0}
	}`)

	p, err := config.ValidatePatch(raw)
	if err != nil {
		t.Fatalf("ValidatePatch: %v", err)
	}
	if p.AgentGatewayURL == nil || *p.AgentGatewayURL != "ws://new-runtime:4242" {
		t.Errorf("AgentGatewayURL = %v", p.AgentGatewayURL)
	}
	if p.STTProvider == nil || *p.STTProvider != types.ProviderCustom {
		t.Errorf("STTProvider = %v", p.STTProvider)
	}
	if p.WhisperX == nil || p.WhisperX.PollIntervalMs == nil || *p.WhisperX.PollIntervalMs != 100 {
		t.Errorf("WhisperX = %+v", p.WhisperX)
	}
	if p.Server == nil || p.Server.Port == nil || *p.Server.Port != 0 {
		t.Errorf("Server = %+v", p.Server)
	}
}

func TestValidatePatchDropsUnknownKeys(t *testing.T) {
	t.Parallel()
	raw := decodePatch(t, `{
		"bogus": true,
		"whisperx": {"model": "small", "nonsense": 42}
	}`)

	p, err := config.ValidatePatch(raw)
	if err != nil {
		t.Fatalf("unknown keys must be dropped, not rejected: %v", err)
	}
	if p.WhisperX == nil || p.WhisperX.Model == nil || *p.WhisperX.Model != "small" {
		t.Errorf("WhisperX = %+v", p.WhisperX)
	}
}

func TestValidatePatchRejections(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		body string
	}{
		{"bad url", `{"agentGatewayUrl": "::::"}`},
		{"empty token", `{"agentGatewayToken": ""}`},
		{"unknown provider", `{"sttProvider": "deepgram"}`},
		{"zero interval", `{"whisperx": {"pollIntervalMs": 0}}`},
		{"negative timeout", `{"openai": {"timeoutMs": -5}}`},
		{"fractional limit", `{"server": {"rateLimitPerMinute": 1.5}}`},
		{"port out of range", `{"server": {"port": 70000}}`},
		{"bad log level", `{"server": {"logLevel": "verbose"}}`},
		{"section not object", `{"custom": "nope"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.ValidatePatch(decodePatch(t, tc.body))
			if types.CodeOf(err) != types.CodeInvalidConfig {
				t.Fatalf("want INVALID_CONFIG, got %v", err)
			}
			if types.KindOf(err) != types.KindUser {
				t.Errorf("patch rejection must be user-kind, got %q", types.KindOf(err))
			}
		})
	}

	if _, err := config.ValidatePatch(nil); types.CodeOf(err) != types.CodeInvalidConfig {
		t.Errorf("nil patch: want INVALID_CONFIG, got %v", err)
	}
}

func TestApplyToDeepMergesSections(t *testing.T) {
	t.Parallel()
	cur := validConfig()
	cur.WhisperX.BaseURL = "http://old-whisperx:9000"
	cur.WhisperX.Model = "medium"

	raw := decodePatch(t, `{
		"whisperx": {"model": "large-v3"},
		"agentGatewayToken": "fresh-token"
	}`)
	p, err := config.ValidatePatch(raw)
	if err != nil {
		t.Fatalf("ValidatePatch: %v", err)
	}

	next := p.ApplyTo(cur)

	// Patched fields take the new value; siblings survive the deep merge.
	if next.WhisperX.Model != "large-v3" {
		t.Errorf("whisperx.model = %q", next.WhisperX.Model)
	}
	if next.WhisperX.BaseURL != "http://old-whisperx:9000" {
		t.Errorf("whisperx.baseUrl lost: %q", next.WhisperX.BaseURL)
	}
	if next.WhisperX.PollIntervalMs != cur.WhisperX.PollIntervalMs {
		t.Errorf("whisperx.pollIntervalMs lost: %d", next.WhisperX.PollIntervalMs)
	}
	if next.AgentGatewayToken != "fresh-token" {
		t.Errorf("agentGatewayToken = %q", next.AgentGatewayToken)
	}
	// The prior snapshot is untouched.
	if cur.WhisperX.Model != "medium" || cur.AgentGatewayToken != "tok-secret" {
		t.Error("ApplyTo mutated the current snapshot")
	}
}

func TestPatchTouches(t *testing.T) {
	t.Parallel()
	p, err := config.ValidatePatch(decodePatch(t, `{"agentGatewayUrl": "ws://x:1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !p.TouchesAgent() {
		t.Error("agentGatewayUrl patch must touch the agent client")
	}

	p, err = config.ValidatePatch(decodePatch(t, `{"openai": {"model": "whisper-1"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if p.TouchesAgent() {
		t.Error("openai patch must not touch the agent client")
	}
	if !p.TouchesProvider(types.ProviderOpenAI) || p.TouchesProvider(types.ProviderWhisperX) {
		t.Error("TouchesProvider wrong for openai section patch")
	}

	p, err = config.ValidatePatch(decodePatch(t, `{"sttProvider": "custom"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !p.TouchesProvider(types.ProviderCustom) {
		t.Error("selecting a provider must touch it")
	}
}
