// Package backend defines the batched upsert API the ingestion pipeline
// talks to.
//
// Two implementations live in subpackages: sqlite, an embedded store that
// keeps everything in a local database file, and rest, a client for a remote
// time-series service speaking the same operations over HTTP.
//
// All batched calls accept at most PageSize items. Callers page larger sets.
package backend

import (
	"context"
	"errors"
	"time"
)

// DefaultPageSize is the largest batch any upsert or write call accepts.
const DefaultPageSize = 1000

// ErrPageTooLarge is returned when a batched call receives more than the
// backend's page size.
var ErrPageTooLarge = errors.New("batch exceeds page size")

// ErrNotFound is returned for operations on an item the backend does not
// know.
var ErrNotFound = errors.New("item not found")

// LeafKind distinguishes scalar series from interval conditions.
type LeafKind string

const (
	// KindSeries is a scalar time series.
	KindSeries LeafKind = "series"
	// KindCondition is an interval time series.
	KindCondition LeafKind = "condition"
)

// Node is a hierarchy node addressed by its content-derived DataID.
type Node struct {
	DataID string `json:"data_id"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	Root   bool   `json:"root,omitempty"`
}

// Leaf is a series or condition definition.
type Leaf struct {
	DataID      string   `json:"data_id"`
	Kind        LeafKind `json:"kind"`
	Name        string   `json:"name"`
	Path        string   `json:"path"`
	Description string   `json:"description,omitempty"`

	// Series only.
	UnitOfMeasure        string        `json:"unit_of_measure,omitempty"`
	InterpolationMethod  string        `json:"interpolation_method,omitempty"`
	MaximumInterpolation time.Duration `json:"maximum_interpolation,omitempty"`

	// Condition only.
	MaximumDuration time.Duration `json:"maximum_duration,omitempty"`
}

// Relationship links a parent node to a child node or leaf by DataID.
type Relationship struct {
	ParentDataID string `json:"parent_data_id"`
	ChildDataID  string `json:"child_data_id"`
}

// Ref maps a DataID to the identifier the backend assigned to it.
type Ref struct {
	DataID string `json:"data_id"`
	ID     string `json:"id"`
}

// Sample is one series value. Value is nil for an explicit null, a float64
// for numeric series, or a string for text series.
type Sample struct {
	Key   time.Time   `json:"key"`
	Value interface{} `json:"value"`
}

// Interval is one condition capsule.
type Interval struct {
	Start      time.Time         `json:"start"`
	End        time.Time         `json:"end"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Backend is the remote store the ingestion pipeline writes to.
//
// Implementations must be safe for concurrent use: monitors for different
// root directories call into the same backend in parallel.
type Backend interface {
	// UpsertNodes creates or updates hierarchy nodes.
	UpsertNodes(ctx context.Context, nodes []Node) ([]Ref, error)

	// UpsertLeaves creates or updates series and condition definitions.
	UpsertLeaves(ctx context.Context, leaves []Leaf) ([]Ref, error)

	// ResolveLeaf returns the Ref of a previously upserted leaf. The error
	// wraps ErrNotFound when the backend does not know dataID.
	ResolveLeaf(ctx context.Context, dataID string) (Ref, error)

	// UpsertRelationships links parents to children. Existing links are kept.
	UpsertRelationships(ctx context.Context, rels []Relationship) error

	// GetProperty reads a named property of an item. ok is false when the
	// property has never been set.
	GetProperty(ctx context.Context, id, name string) (value string, ok bool, err error)

	// SetProperty writes a named property of an item.
	SetProperty(ctx context.Context, id, name, value string) error

	// WriteSamples appends samples to a series. A sample at an existing key
	// replaces it.
	WriteSamples(ctx context.Context, id string, samples []Sample) error

	// WriteIntervals appends capsules to a condition.
	WriteIntervals(ctx context.Context, id string, intervals []Interval) error
}
