package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mschirtzinger/dirwatch/internal/backend"
)

// Cursor property names stored on every leaf.
const (
	PropFirstCached = "FirstCachedTimestamp"
	PropLastCached  = "LastCachedTimestamp"
	PropStatus      = "DatastoreStatus"
)

// Status is a leaf's DatastoreStatus.
type Status string

const (
	// StatusActive accepts new data past the cursor.
	StatusActive Status = "Active"
	// StatusSealed accepts nothing.
	StatusSealed Status = "Sealed"
	// StatusReset re-admits all pending data once, as if no cursor existed.
	StatusReset Status = "Reset"
)

// ParseStatus parses a DatastoreStatus value, ignoring case.
func ParseStatus(s string) (Status, error) {
	for _, st := range []Status{StatusActive, StatusSealed, StatusReset} {
		if strings.EqualFold(strings.TrimSpace(s), string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown datastore status %q", s)
}

// Sentinels for an unset cursor. An unset span is empty: FarFuture comes
// after FarPast, so every timestamp lies outside it.
var (
	FarFuture = time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)
	FarPast   = time.Date(1970, 1, 2, 0, 0, 0, 0, time.UTC)
)

// Cursor is a leaf's incremental-sync state.
type Cursor struct {
	First  time.Time
	Last   time.Time
	Status Status
}

// DefaultCursor returns the cursor of a leaf that has never been written.
func DefaultCursor() Cursor {
	return Cursor{First: FarFuture, Last: FarPast, Status: StatusActive}
}

// reset returns c with both timestamps unset.
func (c Cursor) reset() Cursor {
	c.First = FarFuture
	c.Last = FarPast
	return c
}

// covers reports whether t lies inside the span already ingested.
func (c Cursor) covers(t time.Time) bool {
	return !t.Before(c.First) && !t.After(c.Last)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ReadCursor reads a leaf's cursor. Missing properties take their defaults.
func ReadCursor(ctx context.Context, b backend.Backend, leafID string) (Cursor, error) {
	cur := DefaultCursor()

	readTime := func(name string, dst *time.Time) error {
		v, ok, err := b.GetProperty(ctx, leafID, name)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return fmt.Errorf("property %s: %w", name, err)
		}
		*dst = t
		return nil
	}

	if err := readTime(PropFirstCached, &cur.First); err != nil {
		return Cursor{}, err
	}
	if err := readTime(PropLastCached, &cur.Last); err != nil {
		return Cursor{}, err
	}

	v, ok, err := b.GetProperty(ctx, leafID, PropStatus)
	if err != nil {
		return Cursor{}, err
	}
	if ok {
		if cur.Status, err = ParseStatus(v); err != nil {
			return Cursor{}, fmt.Errorf("property %s: %w", PropStatus, err)
		}
	}
	return cur, nil
}

// SetStatus writes a leaf's DatastoreStatus. Operators use it to seal or
// reset a leaf.
func SetStatus(ctx context.Context, b backend.Backend, leafID string, status Status) error {
	return b.SetProperty(ctx, leafID, PropStatus, string(status))
}

// LeafID returns the backend ID the pipeline keys p's cursor under. The
// error wraps backend.ErrNotFound when the leaf has never been ingested.
func LeafID(ctx context.Context, b backend.Backend, p Path) (string, error) {
	ref, err := b.ResolveLeaf(ctx, p.ID())
	if err != nil {
		return "", err
	}
	if ref.ID == "" {
		return ref.DataID, nil
	}
	return ref.ID, nil
}
