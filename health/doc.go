// Package health reports whether the process can currently validate
// tokens and obtain delegated tokens.
//
// Checkers for the key ring and the agent credential are combined in an
// Aggregator and exposed as liveness (/healthz), readiness (/readyz) and
// detailed (/health) endpoints. A key ring serving a stale set inside its
// grace window reports Degraded, which keeps the instance ready.
package health
