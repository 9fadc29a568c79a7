package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/mschirtzinger/dirwatch/internal/errkind"
	"github.com/mschirtzinger/dirwatch/internal/ingest"
)

// WideConfig configures the wide reader.
type WideConfig struct {
	CSVConfig `mapstructure:",squash"`

	// Signals restricts the columns read. Empty means every column other
	// than the timestamp columns.
	Signals []string `mapstructure:"Signals"`

	// AssetHeaders name columns whose values, joined with PathSeparator,
	// place each row's leaves under an asset path. A row with every asset
	// column blank is placed directly under PathPrefix.
	AssetHeaders []string `mapstructure:"AssetHeaders"`

	// Metadata rows sit between HeaderRow and FirstDataRow and hold one
	// value per signal column. Zero means the file has no such row.
	UnitRow                 int `mapstructure:"UnitRow"`
	DescriptionRow          int `mapstructure:"DescriptionRow"`
	InterpolationRow        int `mapstructure:"InterpolationRow"`
	MaximumInterpolationRow int `mapstructure:"MaximumInterpolationRow"`
}

func (c *WideConfig) normalize() error {
	if err := c.CSVConfig.normalize(); err != nil {
		return err
	}
	headers := c.AssetHeaders[:0]
	for _, h := range c.AssetHeaders {
		if h = strings.TrimSpace(h); h != "" {
			headers = append(headers, h)
		}
	}
	c.AssetHeaders = headers

	for name, row := range map[string]int{
		"UnitRow":                 c.UnitRow,
		"DescriptionRow":          c.DescriptionRow,
		"InterpolationRow":        c.InterpolationRow,
		"MaximumInterpolationRow": c.MaximumInterpolationRow,
	} {
		if row == 0 {
			continue
		}
		if row < 0 || row >= c.FirstDataRow || row == c.HeaderRow {
			return fmt.Errorf("%s (%d) must come before FirstDataRow (%d) and differ from HeaderRow (%d)",
				name, row, c.FirstDataRow, c.HeaderRow)
		}
	}
	return nil
}

func (c *WideConfig) hasMetadata() bool {
	return c.UnitRow > 0 || c.DescriptionRow > 0 || c.InterpolationRow > 0 || c.MaximumInterpolationRow > 0
}

// Wide reads files with one timestamp column and one column per signal.
type Wide struct {
	cfg    WideConfig
	logger *log.Logger
}

// NewWide creates a wide reader.
func NewWide(cfg WideConfig) (*Wide, error) {
	if err := cfg.normalize(); err != nil {
		return nil, errkind.New(errkind.Config, "wide reader", "", err)
	}
	return &Wide{
		cfg:    cfg,
		logger: cfg.logger(KindWide),
	}, nil
}

// Name implements Reader.Name.
func (w *Wide) Name() string { return string(KindWide) }

// column is one signal column of a wide file.
type column struct {
	index int
	name  string
	path  string
}

// columns resolves the signal columns of t.
func (w *Wide) columns(t *table, tsIdx, assetIdx []int) ([]column, error) {
	if len(w.cfg.Signals) > 0 {
		cols := make([]column, 0, len(w.cfg.Signals))
		for _, name := range w.cfg.Signals {
			name = strings.TrimSpace(name)
			i, err := t.index(name)
			if err != nil {
				return nil, err
			}
			cols = append(cols, column{index: i, name: name, path: w.cfg.path(name)})
		}
		return cols, nil
	}

	skip := make(map[int]bool, len(tsIdx)+len(assetIdx))
	for _, i := range tsIdx {
		skip[i] = true
	}
	for _, i := range assetIdx {
		skip[i] = true
	}
	var cols []column
	for i, h := range t.headers {
		if skip[i] || h == "" {
			continue
		}
		cols = append(cols, column{index: i, name: h, path: w.cfg.path(h)})
	}
	return cols, nil
}

// metadata builds a definition per column from the metadata rows of t.
func (w *Wide) metadata(t *table, cols []column, filename string) []ingest.SeriesDef {
	if !w.cfg.hasMetadata() {
		return nil
	}
	units := t.row(w.cfg.UnitRow)
	descriptions := t.row(w.cfg.DescriptionRow)
	interpolations := t.row(w.cfg.InterpolationRow)
	maxima := t.row(w.cfg.MaximumInterpolationRow)

	defs := make([]ingest.SeriesDef, 0, len(cols))
	for _, col := range cols {
		def := ingest.SeriesDef{
			Name:          col.name,
			UnitOfMeasure: strings.TrimSpace(cell(units, col.index)),
			Description:   strings.TrimSpace(cell(descriptions, col.index)),
		}
		switch m := strings.ToLower(strings.TrimSpace(cell(interpolations, col.index))); m {
		case "":
		case "linear", "step":
			def.InterpolationMethod = m
		default:
			w.logger.Printf("Ignoring interpolation method %q of %s in %s", m, col.name, filename)
		}
		if raw := strings.TrimSpace(cell(maxima, col.index)); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				w.logger.Printf("Ignoring maximum interpolation %q of %s in %s", raw, col.name, filename)
			} else {
				def.MaximumInterpolation = d
			}
		}
		defs = append(defs, def)
	}
	return defs
}

// rowPath returns col's leaf path for a row under the given asset path.
func (w *Wide) rowPath(col column, asset string) string {
	if asset == "" {
		return col.path
	}
	return w.cfg.path(asset + w.cfg.PathSeparator + col.name)
}

// asset joins the non-blank asset cells of row.
func (w *Wide) asset(row []string, assetIdx []int) string {
	var parts []string
	for _, i := range assetIdx {
		if v := strings.TrimSpace(cell(row, i)); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, w.cfg.PathSeparator)
}

// Read implements Reader.Read.
func (w *Wide) Read(ctx context.Context, f File, emit Emit) error {
	filename := filepath.Base(f.OriginalPath)
	t, err := openTable(f.ClaimedPath, &w.cfg.CSVConfig)
	if err != nil {
		return err
	}
	defer t.Close()

	tsIdx, err := t.indices(w.cfg.TimestampHeaders)
	if err != nil {
		return errkind.New(errkind.File, "read header", f.OriginalPath, err)
	}
	if err := w.cfg.requireColumns(t); err != nil {
		return errkind.New(errkind.File, "read header", f.OriginalPath, err)
	}
	assetIdx, err := t.indices(w.cfg.AssetHeaders)
	if err != nil {
		return errkind.New(errkind.File, "read header", f.OriginalPath, err)
	}
	cols, err := w.columns(t, tsIdx, assetIdx)
	if err != nil {
		return errkind.New(errkind.File, "read header", f.OriginalPath, err)
	}
	if len(cols) == 0 {
		return errkind.Newf(errkind.File, "read header", f.OriginalPath, "no signal columns")
	}

	b := newBatcher(ctx, filename, w.cfg.PathSeparator, w.cfg.RecordsPerDataPacket, emit)
	b.series = w.metadata(t, cols, filename)
	rows := 0
	for {
		row, err := t.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errkind.New(errkind.File, "read", f.OriginalPath, err)
		}

		ts, ok, blank := w.cfg.timestamp(row, tsIdx)
		if blank {
			w.logger.Printf("Blank timestamp after %d rows in %s, ignoring the rest", rows, filename)
			break
		}

		asset := w.asset(row, assetIdx)
		for _, col := range cols {
			raw := cell(row, col.index)
			if strings.TrimSpace(raw) == "" {
				continue
			}
			rec := ingest.Record{Path: w.rowPath(col, asset), Timestamp: ts, Value: ingest.ParseValue(raw)}
			if !ok {
				rec.Value = ingest.Invalid(raw)
			}
			if err := b.add(rec); err != nil {
				return err
			}
		}
		rows++
	}
	if err := b.flush(); err != nil {
		return err
	}

	w.logger.Printf("Read %d rows of %d signals from %s in %d packets", rows, len(cols), filename, b.packets)
	return nil
}
