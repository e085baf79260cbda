// Package relay holds process-wide defaults shared by the relay packages.
package relay

import "time"

const (
	DefaultAppName    = "chat-relay"
	DefaultConfigPath = "/etc/chat-relay"
	DefaultEnvPrefix  = "RELAY"

	DefaultProviderURL   = "https://openrouter.ai/api/v1/chat/completions"
	DefaultProviderModel = "openai/gpt-oss-20b:free"
	DefaultAllowedOrigin = "https://deboaacao.vercel.app"

	DefaultOpenMarker   = "<final>"
	DefaultCloseMarker  = "</final>"
	DefaultInlineMarker = "assistantfinal"

	DefaultMaxBodyBytes = 1 << 20

	DefaultRateLimitWindow  = time.Minute
	DefaultProviderTimeout  = 30 * time.Second
	DefaultRetryBaseDelay   = time.Second
	DefaultRetryMaxDelay    = 10 * time.Second
	DefaultSweepInterval    = 5 * time.Minute
	DefaultShutdownDeadline = 5 * time.Second

	// MaxRetryCeiling bounds retry.max_retries.
	MaxRetryCeiling = 10
)

// DefaultSystemInstruction is prepended to every conversation so the model wraps
// the user-facing answer in the final-answer markers.
const DefaultSystemInstruction = "Think through the request privately. " +
	"Write the answer meant for the user between " + DefaultOpenMarker + " and " + DefaultCloseMarker +
	" and write nothing after the closing tag."

// DefaultReasoningPrefixes are line openings that usually belong to leaked
// reasoning rather than to an answer.
var DefaultReasoningPrefixes = []string{
	"analysis",
	"we need to",
	"we should",
	"let me think",
	"let's think",
	"the user wants",
	"the user is asking",
	"the user asks",
	"i need to",
	"i should",
	"thinking:",
	"reasoning:",
}
