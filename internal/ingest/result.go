package ingest

import (
	"time"

	"github.com/mschirtzinger/dirwatch/internal/backend"
)

// Outcome is what happened to one leaf in a packet.
type Outcome string

const (
	// OutcomeWritten means samples or intervals were written and the cursor
	// advanced.
	OutcomeWritten Outcome = "written"
	// OutcomeSkipped means the leaf is sealed and nothing was touched.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeEmpty means no record survived validation and the cursor filter.
	OutcomeEmpty Outcome = "empty"
	// OutcomeFailed means the leaf was abandoned. Err says why.
	OutcomeFailed Outcome = "failed"
)

// LeafResult reports one leaf's outcome.
type LeafResult struct {
	Path    string
	ID      string
	Kind    backend.LeafKind
	Outcome Outcome

	// Written counts samples or intervals sent to the backend.
	Written int

	// Dropped counts records skipped as malformed, null or already cached.
	Dropped int

	// Cursor is the leaf's cursor after processing.
	Cursor Cursor

	Err error
}

// Result reports the outcome of one packet.
//
// A packet is not a transaction: leaves written before a failure stay
// written. OK is false if any leaf failed or the packet was aborted.
type Result struct {
	Filename string
	Leaves   []LeafResult

	// Err is set when the whole packet was aborted: a structural upsert
	// failed, or a malformed sample hit a fail-fast policy.
	Err error

	Duration time.Duration
}

// OK reports whether every leaf succeeded or was deliberately skipped.
func (r *Result) OK() bool {
	if r.Err != nil {
		return false
	}
	for _, l := range r.Leaves {
		if l.Outcome == OutcomeFailed {
			return false
		}
	}
	return true
}

// Count returns how many leaves had outcome o.
func (r *Result) Count(o Outcome) int {
	n := 0
	for _, l := range r.Leaves {
		if l.Outcome == o {
			n++
		}
	}
	return n
}

// Written returns the total number of samples and intervals written.
func (r *Result) Written() int {
	n := 0
	for _, l := range r.Leaves {
		n += l.Written
	}
	return n
}

// Leaf returns the result for path, if present.
func (r *Result) Leaf(path string) (LeafResult, bool) {
	for _, l := range r.Leaves {
		if l.Path == path {
			return l, true
		}
	}
	return LeafResult{}, false
}
