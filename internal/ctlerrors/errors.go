// Package ctlerrors defines the stable error taxonomy shared by every
// component (spec.md §7). Callers compare with errors.Is; components wrap
// these sentinels with fmt.Errorf("...: %w", ...) for context.
package ctlerrors

import "errors"

var (
	// ErrTransportUnavailable: the bus (or fallback transport) is down.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrMalformedFrame: decode failed; the envelope is discarded, not fatal.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrConflictingState: a supervisor command targets a mid-transition process.
	ErrConflictingState = errors.New("conflicting state")
	// ErrTimeout: an RPC or probe deadline elapsed.
	ErrTimeout = errors.New("timeout")
	// ErrCancelled: cooperative cancellation; terminal, never retried.
	ErrCancelled = errors.New("cancelled")
	// ErrResourceExhausted: the outbound queue was full; surfaced as a stat, not a failure.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrChildProcessFailure: spawn failed or the child exited unexpectedly.
	ErrChildProcessFailure = errors.New("child process failure")
)
