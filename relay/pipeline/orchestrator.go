package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	ports "github.com/ZanzyTHEbar/chat-relay/relay/pipeline/ports"
)

// State is a step of the per-request machine. Requests move strictly forward
// through the states below; any step may jump to StateResponded on failure.
type State string

const (
	StateReceived        State = "received"
	StateOriginChecked   State = "origin_checked"
	StateAuthChecked     State = "auth_checked"
	StateRateLimited     State = "rate_limited"
	StateValidated       State = "validated"
	StateUpstreamInvoked State = "upstream_invoked"
	StateExtracted       State = "extracted"
	StateResponded       State = "responded"
)

var stateOrder = []State{
	StateReceived,
	StateOriginChecked,
	StateAuthChecked,
	StateRateLimited,
	StateValidated,
	StateUpstreamInvoked,
	StateExtracted,
	StateResponded,
}

// Request is one inbound chat call.
type Request struct {
	ID            string
	Origin        string
	Authorization string
	ClientKey     string
	Body          []byte
}

// Reply is a successful answer.
type Reply struct {
	Text          string
	Method        Method
	LowConfidence bool
	Attempts      int     // upstream attempts, retries included
	States        []State // path taken through the machine
}

// Orchestrator runs the chat pipeline for each request.
type Orchestrator struct {
	guard     *AccessGuard
	limiter   ports.RateLimiter
	validator *MessageValidator
	builder   *PromptBuilder
	upstream  ports.Upstream
	extractor *ResponseExtractor
	output    *OutputGuard
	tracer    ports.Tracer
	logger    zerolog.Logger
}

// NewOrchestrator creates an orchestrator with its collaborators.
func NewOrchestrator(
	guard *AccessGuard,
	limiter ports.RateLimiter,
	validator *MessageValidator,
	builder *PromptBuilder,
	upstream ports.Upstream,
	extractor *ResponseExtractor,
	output *OutputGuard,
	tracer ports.Tracer,
	logger zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		guard:     guard,
		limiter:   limiter,
		validator: validator,
		builder:   builder,
		upstream:  upstream,
		extractor: extractor,
		output:    output,
		tracer:    tracer,
		logger:    logger,
	}
}

// machine tracks one request's progress.
type machine struct {
	ctx    context.Context
	tracer ports.Tracer
	states []State
}

func (m *machine) current() State { return m.states[len(m.states)-1] }

// advance moves to the next state. Skipping or revisiting a state is a bug.
func (m *machine) advance(next State) {
	cur := m.current()
	for i, s := range stateOrder {
		if s == cur {
			if i+1 >= len(stateOrder) || stateOrder[i+1] != next {
				panic(fmt.Sprintf("pipeline: illegal transition %s -> %s", cur, next))
			}
			break
		}
	}
	m.states = append(m.states, next)
	m.tracer.Event(m.ctx, "state", map[string]any{"state": string(next)})
}

// fail ends the machine with err and records where it stopped.
func (m *machine) fail(err *Error) *Error {
	err.State = m.current()
	m.states = append(m.states, StateResponded)
	return err
}

// Handle runs a request to completion. The returned error is always *Error.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (reply Reply, err error) {
	ctx, finish := o.tracer.StartSpan(ctx, "chat", map[string]any{
		"request_id": req.ID,
		"client":     req.ClientKey,
	})
	defer func() { finish(err) }()

	m := &machine{ctx: ctx, tracer: o.tracer, states: []State{StateReceived}}

	if !o.guard.OriginAllowed(req.Origin) {
		o.logger.Warn().Str("request_id", req.ID).Str("origin", req.Origin).Msg("Origin not allowed")
		return Reply{}, m.fail(newError(KindOrigin, ErrOriginNotAllowed))
	}
	m.advance(StateOriginChecked)

	if !o.guard.TokenValid(req.Authorization) {
		o.logger.Warn().Str("request_id", req.ID).Str("client", req.ClientKey).Msg("Unauthorized access attempt")
		return Reply{}, m.fail(newError(KindAuth, ErrUnauthorized))
	}
	m.advance(StateAuthChecked)

	if d := o.limiter.Admit(req.ClientKey); !d.Allowed {
		e := newError(KindRateLimited, ErrRateLimited)
		e.RetryAfter = d.RetryAfter
		o.logger.Info().Str("request_id", req.ID).Str("client", req.ClientKey).Dur("retry_after", d.RetryAfter).Msg("Client rate limited")
		return Reply{}, m.fail(e)
	}
	m.advance(StateRateLimited)

	history, verr := o.validator.Decode(req.Body)
	if verr != nil {
		return Reply{}, m.fail(ValidationError(verr))
	}
	m.advance(StateValidated)

	out := o.upstream.Call(ctx, o.builder.Augment(history))
	if e := o.classify(req.ID, out); e != nil {
		return Reply{}, m.fail(e)
	}
	m.advance(StateUpstreamInvoked)

	ex := o.extractor.Extract(out.Text)
	if !ex.OK {
		o.logger.Warn().Str("request_id", req.ID).Str("method", string(ex.Method)).Int("raw_length", len(out.Text)).Msg("No usable final answer")
		return Reply{}, m.fail(newError(KindExtraction, ErrNoFinalAnswer))
	}
	if ex.LowConfidence {
		o.logger.Warn().Str("request_id", req.ID).Msg("Answer taken from fallback line, may contain reasoning")
	}
	m.advance(StateExtracted)

	reply = Reply{
		Text:          o.output.Sanitize(ex.Text),
		Method:        ex.Method,
		LowConfidence: ex.LowConfidence,
		Attempts:      out.Attempts,
	}
	m.advance(StateResponded)
	reply.States = m.states

	return reply, nil
}

// classify maps a non-success upstream outcome to a caller-facing error.
func (o *Orchestrator) classify(requestID string, out ports.Outcome) *Error {
	log := o.logger.With().Str("request_id", requestID).Int("attempts", out.Attempts).Int("status", out.Status).Logger()

	switch out.Kind {
	case ports.OutcomeSuccess:
		return nil

	case ports.OutcomeRetryable:
		if out.Status == 429 {
			e := newError(KindUpstreamThrottled, out.Err)
			e.RetryAfter = max(out.RetryAfter, time.Second)
			log.Warn().Err(out.Err).Msg("Provider still throttling after retries")
			return e
		}
		log.Error().Err(out.Err).Msg("Provider unreachable after retries")
		return newError(KindUpstreamUnavailable, out.Err)

	case ports.OutcomeFatal:
		var kind ErrorKind
		switch out.Fatal {
		case ports.FatalProtocol:
			kind = KindUpstreamProtocol
		case ports.FatalAuth:
			kind = KindUpstreamAuth
		case ports.FatalOutage:
			kind = KindUpstreamOutage
		default:
			kind = KindInternal
		}
		log.Error().Err(out.Err).Str("fatal", out.Fatal.String()).Msg("Provider call failed")
		return newError(kind, out.Err)
	}

	return newError(KindInternal, fmt.Errorf("unknown upstream outcome %v", out.Kind))
}
