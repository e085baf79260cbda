package pipeline

import (
	"fmt"

	"github.com/rs/zerolog"

	relay "github.com/ZanzyTHEbar/chat-relay/relay"
	"github.com/ZanzyTHEbar/chat-relay/relay/config"
	"github.com/ZanzyTHEbar/chat-relay/relay/pipeline/adapters"
	ports "github.com/ZanzyTHEbar/chat-relay/relay/pipeline/ports"
)

// Factory creates and wires pipeline components from configuration.
type Factory struct {
	cfg    *config.Config
	logger zerolog.Logger
}

// NewFactory creates a new pipeline factory.
func NewFactory(cfg *config.Config, logger zerolog.Logger) *Factory {
	return &Factory{
		cfg:    cfg,
		logger: logger,
	}
}

// Components are the wired pieces the server and CLI need to reach.
type Components struct {
	Orchestrator *Orchestrator
	Limiter      *adapters.SlidingWindow
	Guard        *AccessGuard
	Extractor    *ResponseExtractor
}

// Build wires an orchestrator. A nil upstream means the configured provider.
func (f *Factory) Build(upstream ports.Upstream) (*Components, error) {
	validator, err := NewMessageValidator(f.cfg.Limits.MinMessageLength, f.cfg.Limits.MaxMessageLength)
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	if upstream == nil {
		upstream = f.CreateUpstream()
	}

	limiter := f.CreateRateLimiter()
	guard := f.CreateAccessGuard()
	extractor := f.CreateExtractor()

	orchestrator := NewOrchestrator(
		guard,
		limiter,
		validator,
		NewPromptBuilder(f.cfg.Extraction.SystemInstruction),
		upstream,
		extractor,
		NewOutputGuard(),
		f.CreateTracer(),
		f.logger.With().Str("component", "orchestrator").Logger(),
	)

	return &Components{
		Orchestrator: orchestrator,
		Limiter:      limiter,
		Guard:        guard,
		Extractor:    extractor,
	}, nil
}

// CreateRateLimiter creates the per-client sliding window.
func (f *Factory) CreateRateLimiter() *adapters.SlidingWindow {
	return adapters.NewSlidingWindow(f.cfg.RateLimit.MaxRequests, f.cfg.RateLimit.Window)
}

// CreateTracer creates a tracer adapter from config.
func (f *Factory) CreateTracer() ports.Tracer {
	if !f.cfg.Tracing.Enabled {
		return adapters.NoopTracer{}
	}
	return adapters.NewZerologTracer(f.logger)
}

// CreateUpstream creates the provider client, clamping the retry budget.
func (f *Factory) CreateUpstream(opts ...adapters.OpenAIOption) *adapters.OpenAIClient {
	p := f.cfg.Provider
	retries := f.cfg.Retry.MaxRetries
	if retries > relay.MaxRetryCeiling {
		f.logger.Warn().Int("max_retries", retries).Msg("MaxRetries clamped to maximum of 10")
		retries = relay.MaxRetryCeiling
	}
	if p.APIKey == "" {
		f.logger.Warn().Msg("Provider API key is not configured; upstream calls will be rejected")
	}

	return adapters.NewOpenAIClient(adapters.OpenAIConfig{
		BaseURL:     p.BaseURL,
		APIKey:      p.APIKey,
		Model:       p.Model,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		Timeout:     p.Timeout,
		MaxRetries:  retries,
		BaseDelay:   f.cfg.Retry.BaseDelay,
		MaxDelay:    f.cfg.Retry.MaxDelay,
		Referer:     p.Referer,
		Title:       p.Title,
	}, f.logger, opts...)
}

// CreateAccessGuard creates the origin and token checks.
func (f *Factory) CreateAccessGuard() *AccessGuard {
	a := f.cfg.Access
	if a.Key == "" {
		f.logger.Warn().Msg("Access key is not configured; every chat request will be rejected")
	}
	return NewAccessGuard(a.AllowedOrigins, a.AllowMissingOrigin, a.Key)
}

// CreateExtractor creates the final-answer extractor.
func (f *Factory) CreateExtractor() *ResponseExtractor {
	x := f.cfg.Extraction
	return NewResponseExtractor(x.OpenMarker, x.CloseMarker, x.InlineMarker, x.MinResponseLength, x.ReasoningPrefixes)
}
