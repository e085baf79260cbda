package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relay "github.com/ZanzyTHEbar/chat-relay/relay"
	"github.com/ZanzyTHEbar/chat-relay/relay/config"
	"github.com/ZanzyTHEbar/chat-relay/relay/pipeline"
	ports "github.com/ZanzyTHEbar/chat-relay/relay/pipeline/ports"
)

const (
	testOrigin = "https://app.example"
	testSecret = "shared-secret"
	helloBody  = `{"history":[{"role":"user","content":"Hello"}]}`
)

// upstreamFunc adapts a function to ports.Upstream.
type upstreamFunc func(ctx context.Context, messages []ports.ChatMessage) ports.Outcome

func (f upstreamFunc) Call(ctx context.Context, messages []ports.ChatMessage) ports.Outcome {
	return f(ctx, messages)
}

func replying(text string) upstreamFunc {
	return func(ctx context.Context, messages []ports.ChatMessage) ports.Outcome {
		return ports.Outcome{Kind: ports.OutcomeSuccess, Text: text, Attempts: 1}
	}
}

func testConfig(providerURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Addr:            "127.0.0.1:0",
			ShutdownTimeout: time.Second,
			MaxBodyBytes:    1024,
		},
		Provider: config.ProviderConfig{
			BaseURL: providerURL,
			APIKey:  "provider-key",
			Model:   "test/model",
			Timeout: 2 * time.Second,
		},
		Access: config.AccessConfig{
			Key:                testSecret,
			AllowedOrigins:     []string{testOrigin},
			AllowMissingOrigin: true,
		},
		RateLimit: config.RateLimitConfig{
			MaxRequests:           10,
			Window:                time.Minute,
			TrustForwardedHeaders: true,
		},
		Retry:  config.RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond},
		Limits: config.LimitsConfig{MinMessageLength: 1, MaxMessageLength: 100},
		Extraction: config.ExtractionConfig{
			OpenMarker:        relay.DefaultOpenMarker,
			CloseMarker:       relay.DefaultCloseMarker,
			InlineMarker:      relay.DefaultInlineMarker,
			MinResponseLength: 1,
			ReasoningPrefixes: relay.DefaultReasoningPrefixes,
			SystemInstruction: relay.DefaultSystemInstruction,
		},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, upstream ports.Upstream) *Server {
	t.Helper()
	c, err := pipeline.NewFactory(cfg, zerolog.Nop()).Build(upstream)
	require.NoError(t, err)
	return New(cfg, c, zerolog.Nop())
}

func chatRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", testOrigin)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// TestChat_EndToEnd drives a real provider client against a mock provider.
func TestChat_EndToEnd(t *testing.T) {
	var calls atomic.Int32
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "Bearer provider-key", r.Header.Get("Authorization"))

		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		var payload map[string]any
		assert.NoError(t, json.Unmarshal(raw, &payload))
		assert.Equal(t, "test/model", payload["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"thinking...<final>Hi there!</final>"}}]}`)
	}))
	defer provider.Close()

	s := newTestServer(t, testConfig(provider.URL), nil)

	rec := serve(s, chatRequest(helloBody))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reply":"Hi there!"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	assert.Equal(t, testOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, int32(1), calls.Load())
}

// TestChat_ProviderThrottling tests that persistent 429s surface as 429.
func TestChat_ProviderThrottling(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer provider.Close()

	cfg := testConfig(provider.URL)
	cfg.Retry.MaxRetries = 0
	s := newTestServer(t, cfg, nil)

	rec := serve(s, chatRequest(helloBody))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
	body := decodeBody(t, rec)
	assert.Equal(t, float64(3), body["retry_after"])
}

// TestChat_AccessFailures tests origin and token rejection.
func TestChat_AccessFailures(t *testing.T) {
	s := newTestServer(t, testConfig("http://unused"), replying("<final>x</final>"))

	req := chatRequest(helloBody)
	req.Header.Set("Authorization", "Bearer nope")
	rec := serve(s, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeBody(t, rec)["error"])

	req = chatRequest(helloBody)
	req.Header.Del("Authorization")
	assert.Equal(t, http.StatusUnauthorized, serve(s, req).Code)

	req = chatRequest(helloBody)
	req.Header.Set("Origin", "https://evil.example")
	rec = serve(s, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

// TestChat_InvalidBodies tests 400 responses.
func TestChat_InvalidBodies(t *testing.T) {
	s := newTestServer(t, testConfig("http://unused"), replying("<final>x</final>"))

	tests := map[string]string{
		"malformed json": `{"history":[`,
		"unknown role":   `{"history":[{"role":"narrator","content":"x"}]}`,
		"empty history":  `{"history":[]}`,
		"too long":       `{"history":[{"role":"user","content":"` + strings.Repeat("a", 101) + `"}]}`,
		"over body cap":  `{"history":[{"role":"user","content":"` + strings.Repeat("a", 2000) + `"}]}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rec := serve(s, chatRequest(body))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, decodeBody(t, rec)["error"])
		})
	}
}

// TestChat_OversizedBodyStillRequiresAuth tests check ordering on large bodies.
func TestChat_OversizedBodyStillRequiresAuth(t *testing.T) {
	s := newTestServer(t, testConfig("http://unused"), replying("<final>x</final>"))

	req := chatRequest(strings.Repeat("x", 4096))
	req.Header.Set("Authorization", "Bearer nope")

	assert.Equal(t, http.StatusUnauthorized, serve(s, req).Code)
}

// TestChat_RateLimit tests the per-client limit and its headers.
func TestChat_RateLimit(t *testing.T) {
	cfg := testConfig("http://unused")
	cfg.RateLimit.MaxRequests = 2
	s := newTestServer(t, cfg, replying("<final>ok</final>"))

	send := func(ip string) *httptest.ResponseRecorder {
		req := chatRequest(helloBody)
		req.Header.Set("X-Forwarded-For", ip+", 10.9.9.9")
		return serve(s, req)
	}

	assert.Equal(t, http.StatusOK, send("1.1.1.1").Code)
	assert.Equal(t, http.StatusOK, send("1.1.1.1").Code)

	rec := send("1.1.1.1")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	retryAfter := decodeBody(t, rec)["retry_after"]
	assert.GreaterOrEqual(t, retryAfter, float64(1))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Another client is unaffected.
	assert.Equal(t, http.StatusOK, send("2.2.2.2").Code)
}

// TestChat_UpstreamErrorsAreSanitized tests that provider detail never leaks.
func TestChat_UpstreamErrorsAreSanitized(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "upstream secret diagnostics")
	}))
	defer provider.Close()

	s := newTestServer(t, testConfig(provider.URL), nil)
	rec := serve(s, chatRequest(helloBody))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "diagnostics")
}

// TestChat_ExtractionFailure tests the 502 on reasoning-only output.
func TestChat_ExtractionFailure(t *testing.T) {
	s := newTestServer(t, testConfig("http://unused"), replying("We need to think.\nLet me think."))

	rec := serve(s, chatRequest(helloBody))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "think")
}

// TestPreflight tests the CORS handshake.
func TestPreflight(t *testing.T) {
	s := newTestServer(t, testConfig("http://unused"), replying("<final>x</final>"))

	req := httptest.NewRequest(http.MethodOptions, "/chat", nil)
	req.Header.Set("Origin", testOrigin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := serve(s, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, testOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

// TestHealth tests the health report.
func TestHealth(t *testing.T) {
	cfg := testConfig("http://unused")
	s := newTestServer(t, cfg, replying("<final>ok</final>"))

	require.Equal(t, http.StatusOK, serve(s, chatRequest(helloBody)).Code)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"status": "healthy",
		"api_key_configured": true,
		"access_key_configured": true,
		"model": "test/model",
		"tracked_clients": 1
	}`, rec.Body.String())
}

// TestMethodNotAllowed tests that GET /chat is refused.
func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, testConfig("http://unused"), replying("<final>x</final>"))

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/chat", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/chat", nil)
	req.RemoteAddr = "192.0.2.7:5555"

	assert.Equal(t, "192.0.2.7", ClientKey(req, true))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", ClientKey(req, true))

	req.Header.Set("X-Forwarded-For", " 203.0.113.5 , 10.0.0.1")
	assert.Equal(t, "203.0.113.5", ClientKey(req, true))
	assert.Equal(t, "192.0.2.7", ClientKey(req, false))
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, retryAfterSeconds(0))
	assert.Equal(t, 1, retryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, 2, retryAfterSeconds(1100*time.Millisecond))
	assert.Equal(t, 60, retryAfterSeconds(time.Minute))
}

// TestRun_ShutsDownOnCancel tests graceful shutdown.
func TestRun_ShutsDownOnCancel(t *testing.T) {
	s := newTestServer(t, testConfig("http://unused"), replying("<final>x</final>"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
