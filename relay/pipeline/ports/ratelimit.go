package relayports

import "time"

// Decision is the result of a rate-limit admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // zero when allowed
	Remaining  int           // admissions left in the current window
}

// RateLimiter admits or rejects requests per client key.
type RateLimiter interface {
	Admit(key string) Decision
}
