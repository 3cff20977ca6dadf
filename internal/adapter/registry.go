package adapter

import (
	"sort"
	"sync"

	"quotefeed/internal/quote"
)

// failurePenalty is added to an adapter's effective priority per consecutive
// failure, capped so a flaky adapter sinks in the ordering without ever
// leaving the candidate set.
const (
	failurePenalty   = 10
	maxPenaltyFactor = 5
)

// Candidate pairs a registered adapter with its descriptor, ordered for one
// selection pass.
type Candidate struct {
	Descriptor Descriptor
	Adapter    Adapter
}

// Registry holds all known adapters indexed by capability. Registration
// happens at startup; CandidatesFor and the health feedback methods are safe
// for concurrent use afterwards.
type Registry struct {
	mu       sync.RWMutex
	entries  []Candidate
	failures map[string]int // adapter id -> consecutive failures
}

func NewRegistry() *Registry {
	return &Registry{failures: make(map[string]int)}
}

func (r *Registry) Register(d Descriptor, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Candidate{Descriptor: d, Adapter: a})
}

// CandidatesFor returns the adapters whose capability set covers the query,
// ordered by effective priority ascending. Effective priority is the declared
// rank plus a penalty for consecutive recent failures.
func (r *Registry) CandidatesFor(q quote.Query) []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Candidate, 0, len(r.entries))
	for _, c := range r.entries {
		if c.Descriptor.Supports(q) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return r.effectivePriority(out[i].Descriptor) < r.effectivePriority(out[j].Descriptor)
	})
	return out
}

// caller must hold at least the read lock.
func (r *Registry) effectivePriority(d Descriptor) int {
	n := r.failures[d.ID]
	if n > maxPenaltyFactor {
		n = maxPenaltyFactor
	}
	return d.Priority + n*failurePenalty
}

// ReportFailure demotes the adapter's effective priority for subsequent
// selections. It never removes the adapter from the candidate set.
func (r *Registry) ReportFailure(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[id]++
}

// ReportSuccess clears the failure streak.
func (r *Registry) ReportSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, id)
}

// Rank returns the declared priority rank for id, used as the deterministic
// tie-break when two race responses are judged simultaneously.
func (r *Registry) Rank(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.entries {
		if c.Descriptor.ID == id {
			return c.Descriptor.Priority
		}
	}
	return int(^uint(0) >> 1)
}
