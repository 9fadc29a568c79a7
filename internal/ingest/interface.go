package ingest

import "context"

// Ingester turns extracted records into backend writes.
//
// The ingester is resilient: a failing leaf degrades the packet's result but
// every other leaf is still attempted. Only structural failures (hierarchy
// upserts) and fail-fast sample policies abort a packet early.
type Ingester interface {
	// Ingest writes one packet and reports per-leaf outcomes.
	//
	// The returned Result is never nil. Callers decide from Result.Err and
	// Result.OK() whether the source file counts as imported.
	//
	// Example:
	//   res := ing.Ingest(ctx, ingest.Packet{Filename: "a.csv", Records: recs})
	//   if res.Err != nil { ... }
	Ingest(ctx context.Context, pkt Packet) *Result

	// EnsureRoot creates the hierarchy root node once per connection.
	// Packets assume it already exists.
	EnsureRoot(ctx context.Context, name string) error
}
