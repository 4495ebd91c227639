package ratelimit

import "time"

// Config is the quota of one logical operation.
type Config struct {
	Window      time.Duration
	MaxRequests int
	KeyPrefix   string
}

const (
	OpAIChat       = "ai_chat"
	OpAIPrioritize = "ai_prioritize"
	OpJobRunner    = "job_runner"
	OpAPIRead      = "api_read"
	OpAPIWrite     = "api_write"
	OpStreamOpen   = "stream_open"
)

// DefaultConfigs returns the compiled-in quotas. They are deliberately not
// configurable from the environment.
func DefaultConfigs() map[string]Config {
	return map[string]Config{
		OpAIChat:       {Window: time.Minute, MaxRequests: 30, KeyPrefix: "ai_chat"},
		OpAIPrioritize: {Window: time.Minute, MaxRequests: 10, KeyPrefix: "ai_prio"},
		OpJobRunner:    {Window: time.Minute, MaxRequests: 5, KeyPrefix: "jobs"},
		OpAPIRead:      {Window: time.Minute, MaxRequests: 120, KeyPrefix: "read"},
		OpAPIWrite:     {Window: time.Minute, MaxRequests: 60, KeyPrefix: "write"},
		OpStreamOpen:   {Window: time.Minute, MaxRequests: 10, KeyPrefix: "stream"},
	}
}

// Reasons attached to a Result.
const (
	ReasonLimited          = "limit_exceeded"
	ReasonUnknownOperation = "unknown_operation"
)

type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Reason    string
	// Degraded is set when the answer came from the in-process fallback.
	Degraded bool
}

// Enforced reports whether the result carries a real quota. Results for
// unknown operations do not.
func (r Result) Enforced() bool { return r.Reason != ReasonUnknownOperation }

// RetryAfter rounds the time until reset up to whole seconds, minimum 1.
func (r Result) RetryAfter(now time.Time) int {
	d := r.ResetAt.Sub(now)
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

type Status struct {
	Remaining int
	ResetAt   time.Time
	Blocked   bool
	Degraded  bool
}
