package quote

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the failure modes callers branch on with errors.Is.
var (
	// ErrAdapterTimeout marks a single adapter call that exceeded its deadline.
	ErrAdapterTimeout = errors.New("adapter timeout")

	// ErrCacheUnavailable marks a cache tier outage. It degrades silently:
	// reads fall through, writes are skipped, a query never fails on it.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrNoCandidates means no registered adapter supports the query's
	// asset type and market.
	ErrNoCandidates = errors.New("no candidate adapters")
)

// RejectedError is an adapter-level rejection with a provider-supplied reason
// (bad status, malformed payload, explicit refusal).
type RejectedError struct {
	Adapter string
	Reason  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("adapter %s rejected: %s", e.Adapter, e.Reason)
}

// AllFailedError aggregates per-adapter failures when every candidate for a
// query was exhausted. It is the per-symbol error, never a batch failure.
type AllFailedError struct {
	Errs map[string]error // adapter id -> failure
}

func (e *AllFailedError) Error() string {
	parts := make([]string, 0, len(e.Errs))
	for id, err := range e.Errs {
		parts = append(parts, id+": "+err.Error())
	}
	return "all adapters failed: " + strings.Join(parts, "; ")
}

// ValidationError explains why the pipeline dropped a record. It is logged,
// never returned as a query failure.
type ValidationError struct {
	Symbol string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("record %s invalid: %s", e.Symbol, e.Reason)
}

// PersistenceError wraps a failed durable write. The fetch result it refers
// to is still valid; the error surfaces as a batch warning only.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string { return "persistence write failed: " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }
