package policy

import "time"

// Decision sources for logging/metrics.
const (
	sourceCached = "cached-program"
	sourceFresh  = "fresh-compile"
)

// Deny causes. Only logged and counted; callers observe allow/deny alone.
const (
	causePolicy      = "policy"       // expression evaluated to false
	causeUnknownRule = "unknown_rule" // rule name never registered
	causeCompile     = "compile"      // expression failed to compile
	causeEval        = "eval"         // runtime error (missing attribute, type mismatch)
	causeTimeout     = "timeout"      // evaluation deadline exceeded
)

// AccessDecision is the transient record of one evaluation. It is never
// persisted; it feeds logs and metrics only.
type AccessDecision struct {
	RuleName string
	Allowed  bool
	Latency  time.Duration
	Source   string
	Cause    string

	err error
}
