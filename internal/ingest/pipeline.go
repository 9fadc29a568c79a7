package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/mschirtzinger/dirwatch/internal/backend"
	"github.com/mschirtzinger/dirwatch/internal/errkind"
)

// DefaultSeparator splits record paths when none is configured.
const DefaultSeparator = "/"

var (
	// ErrMixedValueTypes is returned for a leaf whose pending values are
	// partly numeric and partly text.
	ErrMixedValueTypes = errors.New("leaf mixes numeric and text values")

	// ErrMixedRecordKinds is returned for a path that receives both samples
	// and intervals.
	ErrMixedRecordKinds = errors.New("leaf mixes samples and intervals")
)

// Options holds pipeline configuration.
type Options struct {
	// Separator splits record paths (default: "/")
	Separator string

	// PageSize bounds every batched backend call (default: 1000)
	PageSize int

	// WriteAttempts is how many times a sample or interval page is tried
	// before the leaf fails (default: 3). Only errkind.Transient failures
	// are retried.
	WriteAttempts int

	// RetryBackoff is the pause between write attempts (default: 200ms)
	RetryBackoff time.Duration

	// NoTree writes leaves only: no hierarchy nodes or relationships
	NoTree bool

	// SkipBadSamples drops malformed samples. When false a malformed sample
	// aborts the packet.
	SkipBadSamples bool

	// PostInvalidInsteadOfSkip writes a malformed value with a valid
	// timestamp as an explicit null
	PostInvalidInsteadOfSkip bool

	// SkipNullValues drops null samples instead of writing them
	SkipNullValues bool

	// IgnoreUnspecifiedProperties accepts interval properties the catalog
	// does not list
	IgnoreUnspecifiedProperties bool

	// Catalog supplies leaf definitions (default: empty)
	Catalog *Catalog

	// Logger for pipeline activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		Separator:                   DefaultSeparator,
		PageSize:                    backend.DefaultPageSize,
		WriteAttempts:               3,
		RetryBackoff:                200 * time.Millisecond,
		SkipBadSamples:              true,
		IgnoreUnspecifiedProperties: true,
		Logger:                      log.New(os.Stderr, "[ingest] ", log.LstdFlags),
	}
}

// Pipeline implements Ingester against a backend.
type Pipeline struct {
	backend backend.Backend
	opts    Options
	logger  *log.Logger
}

// Ensure Pipeline implements Ingester.
var _ Ingester = (*Pipeline)(nil)

// New creates a pipeline writing to b.
//
// Zero-valued numeric options take their defaults. If opts is nil,
// DefaultOptions() is used.
//
// Example:
//
//	store, err := sqlite.Open("/var/lib/dirwatch/store.db")
//	if err != nil {
//	    return err
//	}
//	p := ingest.New(store, nil)
func New(b backend.Backend, opts *Options) *Pipeline {
	defaults := DefaultOptions()
	if opts == nil {
		opts = defaults
	}
	o := *opts
	if o.Separator == "" {
		o.Separator = defaults.Separator
	}
	if o.PageSize <= 0 {
		o.PageSize = defaults.PageSize
	}
	if o.WriteAttempts <= 0 {
		o.WriteAttempts = defaults.WriteAttempts
	}
	if o.RetryBackoff < 0 {
		o.RetryBackoff = 0
	}
	if o.Logger == nil {
		o.Logger = defaults.Logger
	}

	return &Pipeline{
		backend: b,
		opts:    o,
		logger:  o.Logger,
	}
}

// EnsureRoot implements Ingester.EnsureRoot.
func (p *Pipeline) EnsureRoot(ctx context.Context, name string) error {
	if name == "" || strings.Contains(name, p.opts.Separator) {
		return errkind.Newf(errkind.Config, "ensure root", name, "root name must be one non-empty segment")
	}
	root := backend.Node{DataID: ContentID(name), Name: name, Path: name, Root: true}
	if _, err := p.backend.UpsertNodes(ctx, []backend.Node{root}); err != nil {
		return errkind.New(errkind.Structural, "ensure root", name, err)
	}
	return nil
}

// target is one distinct leaf path in a packet with its pending records.
type target struct {
	raw     string
	path    Path
	kind    backend.LeafKind
	records []Record
	err     error
}

// Ingest implements Ingester.Ingest.
func (p *Pipeline) Ingest(ctx context.Context, pkt Packet) *Result {
	start := time.Now()
	res := &Result{Filename: pkt.Filename}
	defer func() { res.Duration = time.Since(start) }()

	// Group records by path and validate each path
	var valid []*target
	for _, t := range p.group(pkt) {
		if t.err != nil {
			p.logger.Printf("Rejecting %q in %s: %v", t.raw, pkt.Filename, t.err)
			res.Leaves = append(res.Leaves, LeafResult{
				Path:    t.raw,
				Outcome: OutcomeFailed,
				Err:     errkind.New(errkind.Leaf, "validate path", t.raw, t.err),
			})
			continue
		}
		valid = append(valid, t)
	}
	if len(valid) == 0 {
		return res
	}

	// Nodes, leaves and relationships must exist before any sample write
	ids, err := p.submitHierarchy(ctx, valid, p.opts.Catalog.withFileSeries(pkt.Series))
	if err != nil {
		p.logger.Printf("Aborting %s: %v", pkt.Filename, err)
		res.Err = errkind.New(errkind.Structural, "submit hierarchy", pkt.Filename, err)
		return res
	}

	for _, t := range valid {
		lr, fatal := p.ingestLeaf(ctx, t, ids[t.path.ID()], pkt.Filename)
		res.Leaves = append(res.Leaves, lr)
		if fatal != nil {
			p.logger.Printf("Aborting %s: %v", pkt.Filename, fatal)
			res.Err = fatal
			return res
		}
	}

	p.logger.Printf("Ingested %s: written=%d skipped=%d empty=%d failed=%d",
		pkt.Filename, res.Count(OutcomeWritten), res.Count(OutcomeSkipped),
		res.Count(OutcomeEmpty), res.Count(OutcomeFailed))
	return res
}

// group collects records per distinct path in first-seen order.
func (p *Pipeline) group(pkt Packet) []*target {
	sep := pkt.Separator
	if sep == "" {
		sep = p.opts.Separator
	}

	byPath := make(map[string]*target)
	var order []*target
	for _, rec := range pkt.Records {
		t, ok := byPath[rec.Path]
		if !ok {
			t = &target{raw: rec.Path}
			byPath[rec.Path] = t
			order = append(order, t)
		}
		t.records = append(t.records, rec)
	}

	// Leaves renamed by the catalog may collide with a path already present
	merged := order[:0]
	byLeaf := make(map[string]*target)
	for _, t := range order {
		t.path, t.err = SplitPath(t.raw, sep)
		if t.err == nil {
			t.path = p.opts.Catalog.rename(t.path)
			if first, ok := byLeaf[t.path.String()]; ok {
				first.records = append(first.records, t.records...)
				continue
			}
			byLeaf[t.path.String()] = t
		}
		merged = append(merged, t)
	}
	order = merged

	for _, t := range order {
		if t.err != nil {
			continue
		}
		if !p.opts.NoTree && t.path.Len() < 2 {
			t.err = ErrNoRoot
			continue
		}

		var values, intervals int
		for _, rec := range t.records {
			if rec.IsInterval() {
				intervals++
			} else {
				values++
			}
		}
		switch {
		case values > 0 && intervals > 0:
			t.err = ErrMixedRecordKinds
		case intervals > 0:
			t.kind = backend.KindCondition
		default:
			t.kind = backend.KindSeries
		}
	}
	return order
}

// submitHierarchy upserts nodes, then leaves, then relationships, in pages.
// It returns the backend ID of every leaf keyed by DataID.
func (p *Pipeline) submitHierarchy(ctx context.Context, targets []*target, cat *Catalog) (map[string]string, error) {
	var (
		nodes    []backend.Node
		leaves   []backend.Leaf
		rels     []backend.Relationship
		seenNode = make(map[string]bool)
		seenRel  = make(map[backend.Relationship]bool)
	)

	for _, t := range targets {
		leaves = append(leaves, cat.leafRequest(t.path, t.kind))
		if p.opts.NoTree {
			continue
		}

		n := t.path.Len()
		// Prefix 1 is the root, which already exists. Prefix n is the leaf.
		for i := 2; i < n; i++ {
			id := ContentID(t.path.Prefix(i))
			if seenNode[id] {
				continue
			}
			seenNode[id] = true
			nodes = append(nodes, backend.Node{DataID: id, Name: t.path.Segment(i - 1), Path: t.path.Prefix(i)})
		}
		for i := 1; i < n; i++ {
			rel := backend.Relationship{
				ParentDataID: ContentID(t.path.Prefix(i)),
				ChildDataID:  ContentID(t.path.Prefix(i + 1)),
			}
			if seenRel[rel] {
				continue
			}
			seenRel[rel] = true
			rels = append(rels, rel)
		}
	}

	ids := make(map[string]string, len(leaves))
	for _, l := range leaves {
		ids[l.DataID] = l.DataID
	}

	err := pages(nodes, p.opts.PageSize, func(batch []backend.Node) error {
		_, err := p.backend.UpsertNodes(ctx, batch)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("upsert nodes: %w", err)
	}

	err = pages(leaves, p.opts.PageSize, func(batch []backend.Leaf) error {
		refs, err := p.backend.UpsertLeaves(ctx, batch)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if ref.ID != "" {
				ids[ref.DataID] = ref.ID
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("upsert leaves: %w", err)
	}

	err = pages(rels, p.opts.PageSize, func(batch []backend.Relationship) error {
		return p.backend.UpsertRelationships(ctx, batch)
	})
	if err != nil {
		return nil, fmt.Errorf("upsert relationships: %w", err)
	}

	return ids, nil
}

// pages calls fn with consecutive slices of at most size items.
func pages[T any](items []T, size int, fn func([]T) error) error {
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		if err := fn(items[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// pending is what survived validation for one leaf.
type pending struct {
	samples   []backend.Sample
	intervals []backend.Interval
	min, max  time.Time
	accepted  int
	dropped   int
}

func (b *pending) observe(lo, hi time.Time) {
	if b.accepted == 0 || lo.Before(b.min) {
		b.min = lo
	}
	if b.accepted == 0 || hi.After(b.max) {
		b.max = hi
	}
	b.accepted++
}

// ingestLeaf reconciles one leaf's cursor and writes its records.
// A non-nil error aborts the packet; leaf failures are reported in the
// LeafResult only.
func (p *Pipeline) ingestLeaf(ctx context.Context, t *target, id, filename string) (LeafResult, error) {
	lr := LeafResult{Path: t.path.String(), ID: id, Kind: t.kind}
	fail := func(op string, err error) (LeafResult, error) {
		lr.Outcome = OutcomeFailed
		lr.Err = errkind.New(errkind.Leaf, op, lr.Path, err)
		p.logger.Printf("Leaf %s in %s failed: %v", lr.Path, filename, err)
		return lr, nil
	}

	cur, err := ReadCursor(ctx, p.backend, id)
	if err != nil {
		return fail("read cursor", err)
	}
	lr.Cursor = cur

	if cur.Status == StatusSealed {
		p.logger.Printf("Skipping sealed leaf %s in %s", lr.Path, filename)
		lr.Outcome = OutcomeSkipped
		lr.Dropped = len(t.records)
		return lr, nil
	}

	window := cur
	if cur.Status == StatusReset {
		window = cur.reset()
	}

	var batch pending
	if t.kind == backend.KindCondition {
		batch, err = p.collectIntervals(t, window, filename)
	} else {
		batch, err = p.collectSamples(t, window, filename)
	}
	lr.Dropped = batch.dropped
	if errkind.Is(err, errkind.File) {
		lr.Outcome = OutcomeFailed
		lr.Err = err
		return lr, err
	}
	if err != nil {
		return fail("validate", err)
	}

	if batch.accepted == 0 {
		lr.Outcome = OutcomeEmpty
		return lr, nil
	}

	// Write with bounded retry, page by page
	if t.kind == backend.KindCondition {
		err = pages(batch.intervals, p.opts.PageSize, func(page []backend.Interval) error {
			return p.retry(ctx, func() error { return p.backend.WriteIntervals(ctx, id, page) })
		})
	} else {
		err = pages(batch.samples, p.opts.PageSize, func(page []backend.Sample) error {
			return p.retry(ctx, func() error { return p.backend.WriteSamples(ctx, id, page) })
		})
	}
	if err != nil {
		return fail("write", err)
	}
	lr.Written = batch.accepted

	// Advance the cursor
	next := window
	if batch.min.Before(next.First) {
		next.First = batch.min
		if err := p.backend.SetProperty(ctx, id, PropFirstCached, formatTime(next.First)); err != nil {
			return fail("write cursor", err)
		}
	}
	if batch.max.After(next.Last) {
		next.Last = batch.max
	}
	if err := p.backend.SetProperty(ctx, id, PropLastCached, formatTime(next.Last)); err != nil {
		return fail("write cursor", err)
	}
	if err := p.backend.SetProperty(ctx, id, PropStatus, string(cur.Status)); err != nil {
		return fail("write cursor", err)
	}

	lr.Cursor = next
	lr.Outcome = OutcomeWritten
	return lr, nil
}

// collectSamples validates series records against the pipeline's sample
// policy and the cursor window.
func (p *Pipeline) collectSamples(t *target, window Cursor, filename string) (pending, error) {
	var (
		batch           pending
		sawNum, sawText bool
		path            = t.path.String()
	)

	for _, rec := range t.records {
		v := rec.Value
		ts, terr := time.Parse(time.RFC3339Nano, strings.TrimSpace(rec.Timestamp))

		if terr != nil || v.Kind == KindInvalid {
			reason := fmt.Sprintf("invalid value %q", v.Text)
			if terr != nil {
				reason = "invalid timestamp"
			}
			switch {
			case p.opts.PostInvalidInsteadOfSkip && terr == nil:
				v = Null()
			case p.opts.SkipBadSamples:
				p.logger.Printf("Skipping sample for %s at %q in %s: %s", path, rec.Timestamp, filename, reason)
				batch.dropped++
				continue
			default:
				return batch, errkind.Newf(errkind.File, "validate sample", filename,
					"%s at %q: %s", path, rec.Timestamp, reason)
			}
		}

		switch v.Kind {
		case KindNumber:
			sawNum = true
		case KindText:
			sawText = true
		case KindNull:
			if p.opts.SkipNullValues {
				batch.dropped++
				continue
			}
		}
		if sawNum && sawText {
			return pending{dropped: batch.dropped}, ErrMixedValueTypes
		}

		if window.covers(ts) {
			batch.dropped++
			continue
		}

		s := backend.Sample{Key: ts.UTC()}
		switch v.Kind {
		case KindNumber:
			s.Value = v.Number
		case KindText:
			s.Value = v.Text
		}
		batch.samples = append(batch.samples, s)
		batch.observe(ts, ts)
	}
	return batch, nil
}

// collectIntervals validates condition records against the catalog, the
// sample policy and the cursor window.
func (p *Pipeline) collectIntervals(t *target, window Cursor, filename string) (pending, error) {
	var (
		batch pending
		path  = t.path.String()
		def   = p.opts.Catalog.condition(t.path.Leaf())
	)

	known := make(map[string]bool, len(def.Properties))
	for _, prop := range def.Properties {
		known[prop.Name] = true
	}

	for _, rec := range t.records {
		iv := rec.Interval
		start, serr := time.Parse(time.RFC3339Nano, strings.TrimSpace(iv.Start))
		end, eerr := time.Parse(time.RFC3339Nano, strings.TrimSpace(iv.End))

		if serr != nil || eerr != nil || end.Before(start) {
			if !p.opts.SkipBadSamples {
				return batch, errkind.Newf(errkind.File, "validate interval", filename,
					"%s [%q, %q]: invalid bounds", path, iv.Start, iv.End)
			}
			p.logger.Printf("Skipping interval for %s [%q, %q] in %s: invalid bounds", path, iv.Start, iv.End, filename)
			batch.dropped++
			continue
		}

		for _, prop := range def.Properties {
			if _, ok := iv.Properties[prop.Name]; prop.Required && !ok {
				return pending{dropped: batch.dropped}, fmt.Errorf("interval at %s is missing required property %q", iv.Start, prop.Name)
			}
		}
		if !p.opts.IgnoreUnspecifiedProperties {
			for name := range iv.Properties {
				if !known[name] {
					return pending{dropped: batch.dropped}, fmt.Errorf("interval at %s has unspecified property %q", iv.Start, name)
				}
			}
		}

		if window.covers(start) {
			batch.dropped++
			continue
		}

		var props map[string]string
		if len(iv.Properties) > 0 {
			props = make(map[string]string, len(iv.Properties))
			for k, v := range iv.Properties {
				props[k] = v
			}
		}
		batch.intervals = append(batch.intervals, backend.Interval{Start: start.UTC(), End: end.UTC(), Properties: props})
		batch.observe(start, end)
	}
	return batch, nil
}

// retry runs op up to WriteAttempts times. Only transient failures are
// tried again.
func (p *Pipeline) retry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; attempt <= p.opts.WriteAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if !errkind.IsRetryable(err) {
			return err
		}
		if attempt == p.opts.WriteAttempts {
			break
		}
		p.logger.Printf("Write attempt %d/%d failed: %v", attempt, p.opts.WriteAttempts, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.opts.RetryBackoff):
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", p.opts.WriteAttempts, err)
}
