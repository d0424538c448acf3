// Package custom provides an STT provider for self-hosted transcription
// endpoints that accept a single raw-audio POST.
//
// The endpoint contract is deliberately loose: the audio bytes go up with
// their original Content-Type, and the JSON response is read through a
// configurable field map, so most home-grown whisper wrappers work without
// a dedicated adapter.
package custom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/lensgate/pkg/provider/stt"
	"github.com/MrWong99/lensgate/pkg/types"
)

const defaultTimeout = 30 * time.Second

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// FieldMap names the response fields the adapter reads. Zero-value fields
// fall back to [DefaultFieldMap].
type FieldMap struct {
	// Text is the top-level transcript field.
	Text string `json:"text" yaml:"text"`

	// Segments is the top-level array of segment objects.
	Segments string `json:"segments" yaml:"segments"`

	// SegmentText is the transcript field inside each segment object.
	SegmentText string `json:"segmentText" yaml:"segmentText"`

	// Language is the top-level detected-language field.
	Language string `json:"language" yaml:"language"`
}

// DefaultFieldMap matches the whisper.cpp server and most wrappers around it.
var DefaultFieldMap = FieldMap{
	Text:        "text",
	Segments:    "segments",
	SegmentText: "text",
	Language:    "language",
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithAuthHeader sets a raw Authorization header value sent with every
// request, e.g. "Bearer abc123".
func WithAuthHeader(value string) Option {
	return func(p *Provider) { p.authHeader = value }
}

// WithModel sets the model name reported in results. The endpoint itself
// decides which model it runs; this is metadata only.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the language query parameter sent with each request.
// A per-turn language hint on the audio payload overrides it.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout sets the overall per-transcription deadline. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithFieldMap overrides how the response JSON is read.
func WithFieldMap(fm FieldMap) Option {
	return func(p *Provider) {
		if fm.Text != "" {
			p.fields.Text = fm.Text
		}
		if fm.Segments != "" {
			p.fields.Segments = fm.Segments
		}
		if fm.SegmentText != "" {
			p.fields.SegmentText = fm.SegmentText
		}
		if fm.Language != "" {
			p.fields.Language = fm.Language
		}
	}
}

// WithHTTPClient replaces the HTTP client. Primarily used in tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// Provider implements stt.Provider against a single-POST endpoint.
type Provider struct {
	url        string
	authHeader string
	model      string
	language   string
	timeout    time.Duration
	fields     FieldMap
	httpClient *http.Client
}

// New creates a Provider posting to url. An empty url is a configuration
// error (MISSING_CONFIG).
func New(url string, opts ...Option) (*Provider, error) {
	if url == "" {
		return nil, types.OperatorErr(types.CodeMissingConfig,
			"custom stt is not configured", "custom.url is empty")
	}
	p := &Provider{
		url:        url,
		timeout:    defaultTimeout,
		fields:     DefaultFieldMap,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ID implements stt.Provider.
func (p *Provider) ID() types.ProviderID { return types.ProviderCustom }

// Name implements stt.Provider.
func (p *Provider) Name() string { return "Custom" }

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, audio stt.Audio, turnID types.TurnID) (*stt.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()

	url := p.url
	lang := audio.LanguageHint
	if lang == "" {
		lang = p.language
	}
	if lang != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "language=" + lang
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(audio.Data))
	if err != nil {
		return nil, types.WrapOperator(types.CodeSTTTranscriptionFailed, "transcription failed", err)
	}
	req.Header.Set("Content-Type", audio.ContentType)
	req.Header.Set("X-Turn-Id", turnID.String())
	if p.authHeader != "" {
		req.Header.Set("Authorization", p.authHeader)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, types.UserErr(types.CodeSTTTimeout, "transcription timed out")
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, types.WrapOperator(types.CodeSTTUnavailable, "stt backend unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.OperatorErr(types.CodeSTTTranscriptionFailed, "transcription failed",
			fmt.Sprintf("custom endpoint returned HTTP %d", resp.StatusCode))
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, types.WrapOperator(types.CodeSTTTranscriptionFailed, "transcription failed", err)
	}

	text, err := stt.JoinTranscript(p.readText(payload), p.readSegments(payload))
	if err != nil {
		return nil, err
	}

	respLang, _ := payload[p.fields.Language].(string)
	if respLang == "" {
		respLang = lang
	}

	return &stt.Result{
		Text:     text,
		Language: respLang,
		Provider: types.ProviderCustom,
		Model:    p.model,
		Duration: time.Since(start),
	}, nil
}

func (p *Provider) readText(payload map[string]any) string {
	s, _ := payload[p.fields.Text].(string)
	return s
}

func (p *Provider) readSegments(payload map[string]any) []string {
	raw, ok := payload[p.fields.Segments].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		obj, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if s, ok := obj[p.fields.SegmentText].(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// HealthCheck sends a HEAD request to the endpoint. Any response, including
// 405, proves the endpoint is reachable; only transport failures count as
// unhealthy.
func (p *Provider) HealthCheck(ctx context.Context) stt.Health {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return stt.Health{Healthy: false, Message: err.Error()}
	}
	if p.authHeader != "" {
		req.Header.Set("Authorization", p.authHeader)
	}
	resp, err := p.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return stt.Health{Healthy: false, Message: err.Error(), Latency: latency}
	}
	resp.Body.Close()
	return stt.Health{Healthy: true, Message: "ok", Latency: latency}
}
