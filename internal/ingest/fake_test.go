package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mschirtzinger/dirwatch/internal/backend"
	"github.com/mschirtzinger/dirwatch/internal/errkind"
)

// fakeBackend records every call and lets tests inject failures.
type fakeBackend struct {
	mu sync.Mutex

	nodes     map[string]backend.Node
	leaves    map[string]backend.Leaf
	rels      map[backend.Relationship]bool
	props     map[string]map[string]string
	samples   map[string][]backend.Sample
	intervals map[string][]backend.Interval

	calls    map[string]int
	maxBatch map[string]int

	failNodes  error
	failWrites map[string]int
	writeErr   error
	pageSize   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		nodes:      make(map[string]backend.Node),
		leaves:     make(map[string]backend.Leaf),
		rels:       make(map[backend.Relationship]bool),
		props:      make(map[string]map[string]string),
		samples:    make(map[string][]backend.Sample),
		intervals:  make(map[string][]backend.Interval),
		calls:      make(map[string]int),
		maxBatch:   make(map[string]int),
		failWrites: make(map[string]int),
		writeErr:   errkind.New(errkind.Transient, "write", "", errors.New("backend unavailable")),
		pageSize:   backend.DefaultPageSize,
	}
}

// backendID is the ID the fake assigns to a DataID.
func backendID(dataID string) string {
	return "id-" + dataID
}

func (f *fakeBackend) record(op string, n int) error {
	f.calls[op]++
	if n > f.maxBatch[op] {
		f.maxBatch[op] = n
	}
	if n > f.pageSize {
		return fmt.Errorf("%s: %w", op, backend.ErrPageTooLarge)
	}
	return nil
}

func (f *fakeBackend) UpsertNodes(ctx context.Context, nodes []backend.Node) ([]backend.Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpsertNodes", len(nodes)); err != nil {
		return nil, err
	}
	if f.failNodes != nil {
		return nil, f.failNodes
	}
	refs := make([]backend.Ref, len(nodes))
	for i, n := range nodes {
		f.nodes[n.DataID] = n
		refs[i] = backend.Ref{DataID: n.DataID, ID: backendID(n.DataID)}
	}
	return refs, nil
}

func (f *fakeBackend) UpsertLeaves(ctx context.Context, leaves []backend.Leaf) ([]backend.Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpsertLeaves", len(leaves)); err != nil {
		return nil, err
	}
	refs := make([]backend.Ref, len(leaves))
	for i, l := range leaves {
		f.leaves[l.DataID] = l
		refs[i] = backend.Ref{DataID: l.DataID, ID: backendID(l.DataID)}
	}
	return refs, nil
}

func (f *fakeBackend) ResolveLeaf(ctx context.Context, dataID string) (backend.Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ResolveLeaf"]++
	if _, ok := f.leaves[dataID]; !ok {
		return backend.Ref{}, fmt.Errorf("leaf %s: %w", dataID, backend.ErrNotFound)
	}
	return backend.Ref{DataID: dataID, ID: backendID(dataID)}, nil
}

func (f *fakeBackend) UpsertRelationships(ctx context.Context, rels []backend.Relationship) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpsertRelationships", len(rels)); err != nil {
		return err
	}
	for _, r := range rels {
		f.rels[r] = true
	}
	return nil
}

func (f *fakeBackend) GetProperty(ctx context.Context, id, name string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetProperty"]++
	v, ok := f.props[id][name]
	return v, ok, nil
}

func (f *fakeBackend) SetProperty(ctx context.Context, id, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["SetProperty"]++
	if f.props[id] == nil {
		f.props[id] = make(map[string]string)
	}
	f.props[id][name] = value
	return nil
}

func (f *fakeBackend) WriteSamples(ctx context.Context, id string, samples []backend.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("WriteSamples", len(samples)); err != nil {
		return err
	}
	if f.failWrites[id] > 0 {
		f.failWrites[id]--
		return f.writeErr
	}
	f.samples[id] = append(f.samples[id], samples...)
	return nil
}

func (f *fakeBackend) WriteIntervals(ctx context.Context, id string, intervals []backend.Interval) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("WriteIntervals", len(intervals)); err != nil {
		return err
	}
	if f.failWrites[id] > 0 {
		f.failWrites[id]--
		return f.writeErr
	}
	f.intervals[id] = append(f.intervals[id], intervals...)
	return nil
}

// prop returns a stored property of the leaf at path.
func (f *fakeBackend) prop(path, name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.props[backendID(ContentID(path))][name]
	return v, ok
}

// samplesFor returns the samples written to the leaf at path.
func (f *fakeBackend) samplesFor(path string) []backend.Sample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.samples[backendID(ContentID(path))]
}

func (f *fakeBackend) setStatus(path string, status Status) {
	_ = f.SetProperty(context.Background(), backendID(ContentID(path)), PropStatus, string(status))
}
