package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mschirtzinger/dirwatch/internal/backend"
)

// Stats counts the rows held by the store.
type Stats struct {
	Nodes         int `json:"nodes"`
	Leaves        int `json:"leaves"`
	Relationships int `json:"relationships"`
	Samples       int `json:"samples"`
	Intervals     int `json:"intervals"`
}

// Stats returns row counts for every table.
func (db *DB) Stats() (Stats, error) {
	return db.StatsContext(context.Background())
}

// StatsContext returns row counts with context support.
func (db *DB) StatsContext(ctx context.Context) (Stats, error) {
	var s Stats
	counts := []struct {
		table string
		dst   *int
	}{
		{"nodes", &s.Nodes},
		{"leaves", &s.Leaves},
		{"relationships", &s.Relationships},
		{"samples", &s.Samples},
		{"intervals", &s.Intervals},
	}
	for _, c := range counts {
		if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dst); err != nil {
			return Stats{}, fmt.Errorf("failed to count %s: %w", c.table, err)
		}
	}
	return s, nil
}

// Leaf returns the leaf stored under id.
func (db *DB) Leaf(id string) (*backend.Leaf, error) {
	return db.LeafContext(context.Background(), id)
}

// LeafContext returns the leaf stored under id with context support.
// Returns backend.ErrNotFound if there is none.
func (db *DB) LeafContext(ctx context.Context, id string) (*backend.Leaf, error) {
	query := `
	SELECT data_id, kind, name, path, description, unit_of_measure,
	       interpolation_method, maximum_interpolation_ns, maximum_duration_ns
	FROM leaves WHERE data_id = ?
	`

	var (
		l             backend.Leaf
		kind          string
		desc, uom, im sql.NullString
		maxInterp     int64
		maxDuration   int64
	)
	err := db.conn.QueryRowContext(ctx, query, id).Scan(
		&l.DataID, &kind, &l.Name, &l.Path, &desc, &uom, &im, &maxInterp, &maxDuration,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("leaf %s: %w", id, backend.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get leaf %s: %w", id, err)
	}

	l.Kind = backend.LeafKind(kind)
	l.Description = desc.String
	l.UnitOfMeasure = uom.String
	l.InterpolationMethod = im.String
	l.MaximumInterpolation = time.Duration(maxInterp)
	l.MaximumDuration = time.Duration(maxDuration)
	return &l, nil
}

// Samples returns every sample of a series ordered by key.
func (db *DB) Samples(id string) ([]backend.Sample, error) {
	return db.SamplesContext(context.Background(), id)
}

// SamplesContext returns every sample of a series with context support.
func (db *DB) SamplesContext(ctx context.Context, id string) ([]backend.Sample, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT key_ns, value_kind, num, txt FROM samples WHERE leaf_id = ? ORDER BY key_ns`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var samples []backend.Sample
	for rows.Next() {
		var (
			key  int64
			kind string
			num  sql.NullFloat64
			txt  sql.NullString
		)
		if err := rows.Scan(&key, &kind, &num, &txt); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}

		s := backend.Sample{Key: time.Unix(0, key).UTC()}
		switch kind {
		case "number":
			s.Value = num.Float64
		case "text":
			s.Value = txt.String
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// Intervals returns every capsule of a condition ordered by start.
func (db *DB) Intervals(id string) ([]backend.Interval, error) {
	return db.IntervalsContext(context.Background(), id)
}

// IntervalsContext returns every capsule of a condition with context support.
func (db *DB) IntervalsContext(ctx context.Context, id string) ([]backend.Interval, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT start_ns, end_ns, properties FROM intervals WHERE leaf_id = ? ORDER BY start_ns, end_ns`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query intervals: %w", err)
	}
	defer rows.Close()

	var intervals []backend.Interval
	for rows.Next() {
		var (
			start, end int64
			props      sql.NullString
		)
		if err := rows.Scan(&start, &end, &props); err != nil {
			return nil, fmt.Errorf("failed to scan interval: %w", err)
		}

		iv := backend.Interval{
			Start: time.Unix(0, start).UTC(),
			End:   time.Unix(0, end).UTC(),
		}
		if props.Valid && props.String != "" && props.String != "null" {
			if err := json.Unmarshal([]byte(props.String), &iv.Properties); err != nil {
				return nil, fmt.Errorf("failed to unmarshal properties: %w", err)
			}
		}
		intervals = append(intervals, iv)
	}
	return intervals, rows.Err()
}

// Children returns the DataIDs linked under parentID, sorted.
func (db *DB) Children(ctx context.Context, parentID string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT child_id FROM relationships WHERE parent_id = ? ORDER BY child_id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query children: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan child: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
