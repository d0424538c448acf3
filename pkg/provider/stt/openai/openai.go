// Package openai provides an STT provider backed by the OpenAI audio
// transcription API.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/lensgate/pkg/provider/stt"
	"github.com/MrWong99/lensgate/pkg/types"
)

const defaultTimeout = 30 * time.Second

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using the OpenAI API.
type Provider struct {
	client   oai.Client
	model    string
	language string
	timeout  time.Duration
}

// config holds optional configuration for the provider.
type config struct {
	baseURL  string
	language string
	timeout  time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Used for
// API-compatible proxies and for tests.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithLanguage sets the default language code sent with each transcription.
// A per-turn language hint on the audio payload overrides it.
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithTimeout sets the overall per-transcription deadline. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New constructs a new OpenAI STT Provider. A missing API key is a
// configuration error (MISSING_CONFIG).
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, types.OperatorErr(types.CodeMissingConfig,
			"openai is not configured", "openai.apiKey is empty")
	}
	if model == "" {
		model = string(oai.AudioModelWhisper1)
	}

	cfg := &config{timeout: defaultTimeout}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		language: cfg.language,
		timeout:  cfg.timeout,
	}, nil
}

// ID implements stt.Provider.
func (p *Provider) ID() types.ProviderID { return types.ProviderOpenAI }

// Name implements stt.Provider.
func (p *Provider) Name() string { return "OpenAI" }

// Transcribe implements stt.Provider. The OpenAI transcription endpoint
// returns plain text only, so the segment-join path never applies here.
func (p *Provider) Transcribe(ctx context.Context, audio stt.Audio, turnID types.TurnID) (*stt.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(audio.Data), fileName(audio.ContentType), audio.ContentType),
		Model: oai.AudioModel(p.model),
	}
	lang := audio.LanguageHint
	if lang == "" {
		lang = p.language
	}
	if lang != "" {
		params.Language = oai.String(lang)
	}

	tr, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, classifyError(err)
	}

	text, err := stt.JoinTranscript(tr.Text, nil)
	if err != nil {
		return nil, err
	}

	return &stt.Result{
		Text:     text,
		Language: lang,
		Provider: types.ProviderOpenAI,
		Model:    p.model,
		Duration: time.Since(start),
	}, nil
}

// HealthCheck probes the API by listing models, the cheapest authenticated
// round trip the API offers.
func (p *Provider) HealthCheck(ctx context.Context) stt.Health {
	start := time.Now()
	_, err := p.client.Models.List(ctx)
	latency := time.Since(start)
	if err != nil {
		return stt.Health{Healthy: false, Message: err.Error(), Latency: latency}
	}
	return stt.Health{Healthy: true, Message: "ok", Latency: latency}
}

// fileName derives an upload filename from the content type; the API sniffs
// the container format from the extension.
func fileName(contentType string) string {
	switch {
	case contentType == "audio/wav" || contentType == "audio/x-wav":
		return "audio.wav"
	case contentType == "audio/mpeg":
		return "audio.mp3"
	case contentType == "audio/webm":
		return "audio.webm"
	case contentType == "audio/ogg":
		return "audio.ogg"
	default:
		return "audio.bin"
	}
}

// classifyError maps SDK failures onto the taxonomy. API-level errors (the
// request reached OpenAI and was rejected) are backend failures; transport
// errors mean the API is unreachable.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.UserErr(types.CodeSTTTimeout, "transcription timed out")
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return types.OperatorErr(types.CodeSTTTranscriptionFailed, "transcription failed",
			fmt.Sprintf("openai returned HTTP %d: %s", apiErr.StatusCode, apiErr.Message))
	}
	return types.WrapOperator(types.CodeSTTUnavailable, "stt backend unreachable", err)
}
