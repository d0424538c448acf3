// Package whisperx provides an STT provider backed by a WhisperX job server.
//
// WhisperX exposes an asynchronous REST API: an audio upload creates a job,
// and the client polls the job until it completes. The provider hides the
// polling loop behind the batch Transcribe call, honouring the configured
// poll interval and overall timeout.
//
// Usage:
//
//	p, err := whisperx.New("http://localhost:9000",
//	    whisperx.WithModel("medium"),
//	    whisperx.WithLanguage("en"),
//	)
//	res, err := p.Transcribe(ctx, audio, turnID)
package whisperx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/MrWong99/lensgate/pkg/provider/stt"
	"github.com/MrWong99/lensgate/pkg/types"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultTimeout      = 30 * time.Second
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the WhisperX server
// (e.g., "medium", "large-v3"). When empty the server uses whichever model it
// was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default language code sent with each job. A per-turn
// language hint on the audio payload overrides it.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithPollInterval sets how often a submitted job is polled. Defaults to 250 ms.
func WithPollInterval(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithTimeout sets the overall per-transcription deadline. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.timeout = d
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

// Provider implements stt.Provider against a WhisperX job server.
type Provider struct {
	baseURL      string
	model        string
	language     string
	pollInterval time.Duration
	timeout      time.Duration
	httpClient   *http.Client
}

// New creates a Provider for the WhisperX server at baseURL. An empty baseURL
// is a configuration error (MISSING_CONFIG).
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, types.OperatorErr(types.CodeMissingConfig,
			"whisperx is not configured", "whisperx.baseUrl is empty")
	}
	p := &Provider{
		baseURL:      baseURL,
		pollInterval: defaultPollInterval,
		timeout:      defaultTimeout,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ID implements stt.Provider.
func (p *Provider) ID() types.ProviderID { return types.ProviderWhisperX }

// Name implements stt.Provider.
func (p *Provider) Name() string { return "WhisperX" }

// jobStatus is the poll response from GET /jobs/{id}.
type jobStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Result *struct {
		Text     string `json:"text"`
		Language string `json:"language"`
		Segments []struct {
			Text string `json:"text"`
		} `json:"segments"`
	} `json:"result,omitempty"`
}

// Transcribe submits audio as a WhisperX job and polls until the job reaches
// a terminal state or the deadline expires.
func (p *Provider) Transcribe(ctx context.Context, audio stt.Audio, turnID types.TurnID) (*stt.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()

	jobID, err := p.submit(ctx, audio, turnID)
	if err != nil {
		return nil, err
	}

	status, err := p.awaitJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	segments := make([]string, 0, len(status.Result.Segments))
	for _, s := range status.Result.Segments {
		segments = append(segments, s.Text)
	}
	text, err := stt.JoinTranscript(status.Result.Text, segments)
	if err != nil {
		return nil, err
	}

	lang := status.Result.Language
	if lang == "" {
		lang = p.language
	}

	return &stt.Result{
		Text:     text,
		Language: lang,
		Provider: types.ProviderWhisperX,
		Model:    p.model,
		Duration: time.Since(start),
	}, nil
}

// submit uploads the audio as multipart/form-data and returns the job id.
func (p *Provider) submit(ctx context.Context, audio stt.Audio, turnID types.TurnID) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio")
	if err != nil {
		return "", types.WrapOperator(types.CodeSTTTranscriptionFailed, "transcription failed", err)
	}
	if _, err := fw.Write(audio.Data); err != nil {
		return "", types.WrapOperator(types.CodeSTTTranscriptionFailed, "transcription failed", err)
	}

	lang := audio.LanguageHint
	if lang == "" {
		lang = p.language
	}
	if lang != "" {
		if err := mw.WriteField("language", lang); err != nil {
			return "", types.WrapOperator(types.CodeSTTTranscriptionFailed, "transcription failed", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return "", types.WrapOperator(types.CodeSTTTranscriptionFailed, "transcription failed", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", types.WrapOperator(types.CodeSTTTranscriptionFailed, "transcription failed", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/jobs", &body)
	if err != nil {
		return "", types.WrapOperator(types.CodeSTTTranscriptionFailed, "transcription failed", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Turn-Id", turnID.String())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", types.OperatorErr(types.CodeSTTTranscriptionFailed, "transcription failed",
			fmt.Sprintf("whisperx job submit returned HTTP %d", resp.StatusCode))
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil || created.ID == "" {
		return "", types.OperatorErr(types.CodeSTTTranscriptionFailed, "transcription failed",
			"whisperx job submit returned no job id")
	}
	return created.ID, nil
}

// awaitJob polls the job until it completes or fails.
func (p *Provider) awaitJob(ctx context.Context, jobID string) (*jobStatus, error) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		status, err := p.pollOnce(ctx, jobID)
		if err != nil {
			return nil, err
		}

		switch status.Status {
		case "completed":
			if status.Result == nil {
				return nil, types.OperatorErr(types.CodeSTTTranscriptionFailed,
					"transcription failed", "whisperx job completed without a result")
			}
			return status, nil
		case "failed":
			return nil, types.OperatorErr(types.CodeSTTTranscriptionFailed,
				"transcription failed", "whisperx job failed: "+status.Error)
		}

		select {
		case <-ctx.Done():
			return nil, classifyContextError(ctx.Err())
		case <-ticker.C:
		}
	}
}

func (p *Provider) pollOnce(ctx context.Context, jobID string) (*jobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/jobs/"+jobID, nil)
	if err != nil {
		return nil, types.WrapOperator(types.CodeSTTTranscriptionFailed, "transcription failed", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.OperatorErr(types.CodeSTTTranscriptionFailed, "transcription failed",
			fmt.Sprintf("whisperx job poll returned HTTP %d", resp.StatusCode))
	}

	var status jobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, types.WrapOperator(types.CodeSTTTranscriptionFailed, "transcription failed", err)
	}
	return &status, nil
}

// HealthCheck probes GET /health on the server.
func (p *Provider) HealthCheck(ctx context.Context) stt.Health {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return stt.Health{Healthy: false, Message: err.Error()}
	}
	resp, err := p.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return stt.Health{Healthy: false, Message: err.Error(), Latency: latency}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return stt.Health{
			Healthy: false,
			Message: fmt.Sprintf("whisperx health returned HTTP %d", resp.StatusCode),
			Latency: latency,
		}
	}
	return stt.Health{Healthy: true, Message: "ok", Latency: latency}
}

// classifyTransportError maps HTTP client failures onto the taxonomy:
// deadline hits become user-kind timeouts, everything else is an unreachable
// backend.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.UserErr(types.CodeSTTTimeout, "transcription timed out")
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return types.WrapOperator(types.CodeSTTUnavailable, "stt backend unreachable", err)
}

func classifyContextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.UserErr(types.CodeSTTTimeout, "transcription timed out")
	}
	return err
}
