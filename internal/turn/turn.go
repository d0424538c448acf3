// Package turn orchestrates a single voice turn: audio validation,
// speech-to-text, agent dispatch, and response shaping. It also owns the two
// swap points the config rebuilder operates on: the [ProviderSet] of live STT
// providers and the [Holder] of the current agent-runtime client.
package turn

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/lensgate/internal/config"
	"github.com/MrWong99/lensgate/internal/observe"
	"github.com/MrWong99/lensgate/pkg/provider/stt"
	"github.com/MrWong99/lensgate/pkg/shape"
	"github.com/MrWong99/lensgate/pkg/types"
)

// defaultAgentTimeout bounds the chat.send round trip when no option
// overrides it.
const defaultAgentTimeout = 30 * time.Second

// Timing carries per-stage latencies of one turn in milliseconds.
type Timing struct {
	SttMs   int64 `json:"sttMs"`
	AgentMs int64 `json:"agentMs"`
	TotalMs int64 `json:"totalMs"`
}

// Meta identifies the STT provider and model that served the turn. Model is
// null when neither the pinned config nor the provider reported one.
type Meta struct {
	Provider types.ProviderID `json:"provider"`
	Model    *string          `json:"model"`
}

// Reply is the response envelope of a completed voice turn.
type Reply struct {
	TurnID     types.TurnID     `json:"turnId"`
	SessionKey types.SessionKey `json:"sessionKey"`
	Assistant  shape.Result     `json:"assistant"`
	Timing     Timing           `json:"timing"`
	Meta       Meta             `json:"meta"`
}

// Orchestrator runs the voice-turn pipeline. Safe for concurrent use.
type Orchestrator struct {
	store     *config.Store
	providers *ProviderSet
	agent     *Holder

	metrics      *observe.Metrics
	limits       shape.Limits
	agentTimeout time.Duration
}

// Option customises an [Orchestrator].
type Option func(*Orchestrator)

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithShapeLimits overrides the display shaping limits.
func WithShapeLimits(lim shape.Limits) Option {
	return func(o *Orchestrator) { o.limits = lim }
}

// WithAgentTimeout overrides the per-turn agent dispatch timeout.
func WithAgentTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.agentTimeout = d }
}

// NewOrchestrator wires the pipeline around the given config store, provider
// set, and agent-client holder.
func NewOrchestrator(store *config.Store, providers *ProviderSet, agent *Holder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		providers:    providers,
		agent:        agent,
		limits:       shape.DefaultLimits,
		agentTimeout: defaultAgentTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// Run executes one voice turn. The config snapshot is pinned at entry so a
// concurrent settings update cannot produce a reply whose meta disagrees with
// the provider that actually transcribed the audio.
func (o *Orchestrator) Run(ctx context.Context, audio stt.Audio) (*Reply, error) {
	turnID := types.NewTurnID()
	start := time.Now()
	cfg := o.store.Get()
	log := observe.Logger(ctx).With("turn_id", turnID)

	o.metrics.ActiveTurns.Add(ctx, 1)
	defer o.metrics.ActiveTurns.Add(ctx, -1)

	if err := validateAudio(audio, cfg.Server.MaxAudioBytes); err != nil {
		return nil, o.finish(ctx, log, cfg.STTProvider, err)
	}

	provider, ok := o.providers.Get(cfg.STTProvider)
	if !ok {
		err := types.OperatorErr(types.CodeMissingConfig, "speech-to-text backend not configured",
			"no provider registered for "+string(cfg.STTProvider))
		return nil, o.finish(ctx, log, cfg.STTProvider, err)
	}

	sttStart := time.Now()
	res, err := provider.Transcribe(ctx, audio, turnID)
	sttDur := time.Since(sttStart)
	o.metrics.STTDuration.Record(ctx, sttDur.Seconds())
	if err != nil {
		return nil, o.finish(ctx, log, cfg.STTProvider, err)
	}
	log.Debug("transcription complete",
		"provider", res.Provider, "language", res.Language, "chars", len(res.Text))

	client := o.agent.Get()
	if client == nil {
		err := types.OperatorErr(types.CodeMissingConfig, "agent runtime not configured",
			"no agent client installed")
		return nil, o.finish(ctx, log, cfg.STTProvider, err)
	}

	agentStart := time.Now()
	answer, err := client.Send(ctx, cfg.SessionKey(), res.Text, o.agentTimeout)
	agentDur := time.Since(agentStart)
	o.metrics.AgentDuration.Record(ctx, agentDur.Seconds())
	if err != nil {
		return nil, o.finish(ctx, log, cfg.STTProvider, err)
	}

	shaped := shape.Shape(answer, o.limits)
	total := time.Since(start)
	o.metrics.TurnDuration.Record(ctx, total.Seconds())
	o.metrics.RecordTurn(ctx, string(cfg.STTProvider), "ok")
	log.Info("turn complete",
		"stt_ms", sttDur.Milliseconds(),
		"agent_ms", agentDur.Milliseconds(),
		"total_ms", total.Milliseconds(),
		"truncated", shaped.Truncated)

	return &Reply{
		TurnID:     turnID,
		SessionKey: cfg.SessionKey(),
		Assistant:  shaped,
		Timing: Timing{
			SttMs:   sttDur.Milliseconds(),
			AgentMs: agentDur.Milliseconds(),
			TotalMs: total.Milliseconds(),
		},
		Meta: Meta{
			Provider: cfg.STTProvider,
			Model:    turnModel(cfg, res),
		},
	}, nil
}

// turnModel resolves meta.model from the config pinned at turn entry,
// falling back to whatever the provider reported.
func turnModel(cfg *config.GatewayConfig, res *stt.Result) *string {
	model := ""
	switch cfg.STTProvider {
	case types.ProviderWhisperX:
		model = cfg.WhisperX.Model
	case types.ProviderOpenAI:
		model = cfg.OpenAI.Model
	case types.ProviderCustom:
		model = cfg.Custom.Model
	}
	if model == "" {
		model = res.Model
	}
	if model == "" {
		return nil
	}
	return &model
}

// validateAudio enforces the content-type allowlist and the configured size
// cap before any bytes reach a backend.
func validateAudio(audio stt.Audio, maxBytes int64) error {
	if len(audio.Data) == 0 {
		return types.UserErr(types.CodeInvalidAudio, "audio payload is empty")
	}
	if !stt.ContentTypeAllowed(audio.ContentType) {
		return types.UserErr(types.CodeInvalidContentType,
			"unsupported audio content type "+audio.ContentType)
	}
	if maxBytes > 0 && int64(len(audio.Data)) > maxBytes {
		return types.UserErr(types.CodeAudioTooLarge, "audio payload exceeds the size limit")
	}
	return nil
}

// finish records metrics and logs for a failed turn and returns err for the
// transport layer to map. Caller-driven cancellation is not an operator
// incident and is logged at debug only.
func (o *Orchestrator) finish(ctx context.Context, log *slog.Logger, providerID types.ProviderID, err error) error {
	code := string(types.CodeOf(err))
	o.metrics.RecordTurn(ctx, string(providerID), code)

	switch {
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		log.Debug("turn aborted by caller", "error", err)
	case types.KindOf(err) == types.KindOperator:
		o.metrics.RecordProviderError(ctx, string(providerID), code)
		log.Error("turn failed", "code", code, "error", err)
	default:
		log.Info("turn rejected", "code", code, "error", err)
	}
	return err
}
