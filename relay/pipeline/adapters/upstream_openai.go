package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	ports "github.com/ZanzyTHEbar/chat-relay/relay/pipeline/ports"
)

// maxResponseBytes caps how much of a provider response is read.
const maxResponseBytes = 4 << 20

// defaultMaxDelay applies when OpenAIConfig.MaxDelay is unset.
const defaultMaxDelay = 30 * time.Second

// OpenAIConfig configures an OpenAI-compatible chat-completions client.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration // per attempt
	MaxRetries  int           // retries after the first attempt
	BaseDelay   time.Duration // delay before the first retry, doubled each time
	MaxDelay    time.Duration // longest single wait; larger provider hints end the retries
	Referer     string
	Title       string
}

// OpenAIClient calls a chat-completions endpoint and retries throttling and
// network failures with exponential backoff.
type OpenAIClient struct {
	cfg        OpenAIConfig
	httpClient *http.Client
	logger     zerolog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// OpenAIOption customizes an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithHTTPClient swaps the transport client.
func WithHTTPClient(hc *http.Client) OpenAIOption {
	return func(c *OpenAIClient) { c.httpClient = hc }
}

// WithSleeper replaces the context-aware sleep used between attempts.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) OpenAIOption {
	return func(c *OpenAIClient) { c.sleep = sleep }
}

// NewOpenAIClient creates an upstream client.
func NewOpenAIClient(cfg OpenAIConfig, logger zerolog.Logger, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		cfg:        cfg,
		httpClient: &http.Client{},
		logger:     logger.With().Str("component", "upstream").Logger(),
		sleep:      sleepContext,
	}
	if c.cfg.MaxDelay <= 0 {
		c.cfg.MaxDelay = defaultMaxDelay
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type completionResponse struct {
	Choices []struct {
		Message *struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Call sends messages upstream. The same payload is re-sent on every attempt.
// Once the retry budget is spent the last outcome is returned unchanged.
func (c *OpenAIClient) Call(ctx context.Context, messages []ports.ChatMessage) ports.Outcome {
	payload, err := c.buildPayload(messages)
	if err != nil {
		return ports.Outcome{Kind: ports.OutcomeFatal, Err: err}
	}

	schedule := c.newSchedule()

	var out ports.Outcome
	for attempt := 0; ; attempt++ {
		out = c.attempt(ctx, payload)
		out.Attempts = attempt + 1

		if out.Kind != ports.OutcomeRetryable || attempt >= c.cfg.MaxRetries {
			return out
		}

		if out.RetryAfter > c.cfg.MaxDelay {
			// Waiting would outlive the caller; hand the hint back instead.
			c.logger.Warn().
				Int("attempt", out.Attempts).
				Dur("retry_after", out.RetryAfter).
				Dur("max_delay", c.cfg.MaxDelay).
				Msg("Provider asked for a longer wait than allowed, giving up")
			out.Err = fmt.Errorf("provider retry hint %s exceeds max delay %s: %w", out.RetryAfter, c.cfg.MaxDelay, out.Err)
			return out
		}

		delay := schedule.NextBackOff()
		if out.RetryAfter > delay {
			delay = out.RetryAfter
		}

		c.logger.Warn().
			Err(out.Err).
			Int("attempt", out.Attempts).
			Int("status", out.Status).
			Dur("delay", delay).
			Msg("Provider call failed, retrying")

		if err := c.sleep(ctx, delay); err != nil {
			out.Err = fmt.Errorf("retry aborted after %d attempts: %w", out.Attempts, errors.Join(out.Err, err))
			return out
		}
	}
}

// newSchedule yields base, 2*base, 4*base, ... without jitter, capped at MaxDelay.
func (c *OpenAIClient) newSchedule() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.BaseDelay
	expo.RandomizationFactor = 0
	expo.Multiplier = 2
	expo.MaxInterval = c.cfg.MaxDelay
	expo.MaxElapsedTime = 0
	expo.Reset()
	return expo
}

func (c *OpenAIClient) buildPayload(messages []ports.ChatMessage) ([]byte, error) {
	msgs := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		msgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	payload, err := json.Marshal(openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    msgs,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal provider request: %w", err)
	}
	return payload, nil
}

// attempt performs one HTTP exchange and classifies it.
func (c *OpenAIClient) attempt(ctx context.Context, payload []byte) ports.Outcome {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return ports.Outcome{Kind: ports.OutcomeFatal, Err: fmt.Errorf("failed to create provider request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if c.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		req.Header.Set("X-Title", c.cfg.Title)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ports.Outcome{Kind: ports.OutcomeRetryable, Err: fmt.Errorf("provider request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return ports.Outcome{Kind: ports.OutcomeRetryable, Status: resp.StatusCode, Err: fmt.Errorf("failed reading provider response: %w", err)}
	}

	status := resp.StatusCode
	switch {
	case status == http.StatusTooManyRequests:
		return ports.Outcome{
			Kind:       ports.OutcomeRetryable,
			Status:     status,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Err:        fmt.Errorf("provider throttled: status=%d", status),
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fatal(ports.FatalAuth, status, body)
	case status >= 500:
		return fatal(ports.FatalOutage, status, body)
	case status < 200 || status >= 300:
		return fatal(ports.FatalRejected, status, body)
	}

	var parsed completionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ports.Outcome{
			Kind:   ports.OutcomeFatal,
			Fatal:  ports.FatalProtocol,
			Status: status,
			Err:    fmt.Errorf("failed to parse provider response: %w (body=%s)", err, truncate(string(body), 400)),
		}
	}
	if len(parsed.Choices) == 0 {
		return ports.Outcome{Kind: ports.OutcomeFatal, Fatal: ports.FatalProtocol, Status: status, Err: errors.New("provider response has no choices")}
	}
	if parsed.Choices[0].Message == nil {
		return ports.Outcome{Kind: ports.OutcomeFatal, Fatal: ports.FatalProtocol, Status: status, Err: errors.New("provider choice has no message")}
	}

	return ports.Outcome{Kind: ports.OutcomeSuccess, Status: status, Text: parsed.Choices[0].Message.Content}
}

func fatal(kind ports.FatalKind, status int, body []byte) ports.Outcome {
	return ports.Outcome{
		Kind:   ports.OutcomeFatal,
		Fatal:  kind,
		Status: status,
		Err:    fmt.Errorf("provider non-success status=%d body=%s", status, truncate(string(body), 400)),
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}

// Ensure OpenAIClient implements the Upstream interface.
var _ ports.Upstream = (*OpenAIClient)(nil)
