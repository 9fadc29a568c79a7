package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mschirtzinger/dirwatch/internal/errkind"
	"github.com/mschirtzinger/dirwatch/internal/ingest"
)

// offsetUnits maps OffsetUnits names to their length.
var offsetUnits = map[string]time.Duration{
	"Days":         24 * time.Hour,
	"Hours":        time.Hour,
	"Minutes":      time.Minute,
	"Seconds":      time.Second,
	"Milliseconds": time.Millisecond,
	"Microseconds": time.Microsecond,
	"Nanoseconds":  time.Nanosecond,
}

// OffsetConfig configures the offset reader.
type OffsetConfig struct {
	CSVConfig `mapstructure:",squash"`

	// Signals restricts the columns read. Empty means every column other
	// than OffsetHeader. Listed columns missing from a file are skipped
	// unless named in RequiredColumns.
	Signals []string `mapstructure:"Signals"`

	// OffsetHeader names the column holding each row's offset from the
	// base time
	OffsetHeader string `mapstructure:"OffsetHeader"`

	// OffsetStep spaces rows evenly instead: row n is n*OffsetStep after
	// the base time. Exactly one of OffsetHeader and OffsetStep is set.
	OffsetStep float64 `mapstructure:"OffsetStep"`

	// OffsetUnits is one of Days, Hours, Minutes, Seconds, Milliseconds,
	// Microseconds or Nanoseconds (default: Seconds)
	OffsetUnits string `mapstructure:"OffsetUnits"`

	// FixedBaseTime is an RFC3339 time every file is offset from
	FixedBaseTime string `mapstructure:"FixedBaseTime"`

	// FilenameDateRegex captures the base time from the file name (without
	// extension) in its first group. It is parsed with FilenameDateFormat
	// in TimeZone. Used when FixedBaseTime is empty.
	FilenameDateRegex  string `mapstructure:"FilenameDateRegex"`
	FilenameDateFormat string `mapstructure:"FilenameDateFormat"`

	// FilenameAssetRegex captures an asset name from the file name in its
	// first group. Leaves are placed under that asset.
	FilenameAssetRegex string `mapstructure:"FilenameAssetRegex"`

	// EnforceTimestampOrder fails a file whose rows go back in time
	EnforceTimestampOrder bool `mapstructure:"EnforceTimestampOrder"`

	unit    time.Duration
	base    time.Time
	dateRE  *regexp.Regexp
	assetRE *regexp.Regexp
}

func (c *OffsetConfig) normalize() error {
	if err := c.CSVConfig.normalize(); err != nil {
		return err
	}

	c.OffsetHeader = strings.TrimSpace(c.OffsetHeader)
	if (c.OffsetHeader == "") == (c.OffsetStep == 0) {
		return errors.New("exactly one of OffsetHeader and OffsetStep must be set")
	}
	if c.OffsetStep < 0 {
		return fmt.Errorf("OffsetStep (%g) must be positive", c.OffsetStep)
	}

	if c.OffsetUnits == "" {
		c.OffsetUnits = "Seconds"
	}
	unit, ok := offsetUnits[c.OffsetUnits]
	if !ok {
		return fmt.Errorf("OffsetUnits %q must be one of Days, Hours, Minutes, Seconds, Milliseconds, Microseconds or Nanoseconds", c.OffsetUnits)
	}
	c.unit = unit

	if c.FixedBaseTime != "" {
		if c.FilenameDateRegex != "" || c.FilenameDateFormat != "" {
			return errors.New("FilenameDateRegex and FilenameDateFormat cannot be combined with FixedBaseTime")
		}
		base, err := time.Parse(time.RFC3339Nano, c.FixedBaseTime)
		if err != nil {
			return fmt.Errorf("FixedBaseTime: %w", err)
		}
		c.base = base
	} else {
		if c.FilenameDateRegex == "" || c.FilenameDateFormat == "" {
			return errors.New("FilenameDateRegex and FilenameDateFormat are required without FixedBaseTime")
		}
		re, err := captureRegexp("FilenameDateRegex", c.FilenameDateRegex)
		if err != nil {
			return err
		}
		c.dateRE = re
	}

	if c.FilenameAssetRegex != "" {
		re, err := captureRegexp("FilenameAssetRegex", c.FilenameAssetRegex)
		if err != nil {
			return err
		}
		c.assetRE = re
	}
	return nil
}

// captureRegexp compiles expr and checks it has exactly one capture group.
func captureRegexp(field, expr string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	if re.NumSubexp() != 1 {
		return nil, fmt.Errorf("%s %q must have exactly one capture group", field, expr)
	}
	return re, nil
}

// capture returns the first group of the single match of re in name.
func capture(re *regexp.Regexp, name string) (string, bool) {
	matches := re.FindAllStringSubmatch(name, -1)
	if len(matches) != 1 {
		return "", false
	}
	return matches[0][1], true
}

// Offset reads files whose rows carry an offset from a per-file base time,
// such as runs of a lab instrument.
type Offset struct {
	cfg    OffsetConfig
	logger *log.Logger
}

// NewOffset creates an offset reader.
func NewOffset(cfg OffsetConfig) (*Offset, error) {
	if err := cfg.normalize(); err != nil {
		return nil, errkind.New(errkind.Config, "offset reader", "", err)
	}
	return &Offset{
		cfg:    cfg,
		logger: cfg.logger(KindOffset),
	}, nil
}

// Name implements Reader.Name.
func (o *Offset) Name() string { return string(KindOffset) }

// baseTime returns the time row offsets in filename count from.
func (o *Offset) baseTime(filename string) (time.Time, error) {
	if o.cfg.dateRE == nil {
		return o.cfg.base, nil
	}
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	raw, ok := capture(o.cfg.dateRE, stem)
	if !ok {
		return time.Time{}, fmt.Errorf("file name does not match %q exactly once", o.cfg.FilenameDateRegex)
	}
	t, err := time.ParseInLocation(o.cfg.FilenameDateFormat, raw, o.cfg.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("captured date %q: %w", raw, err)
	}
	return t, nil
}

// leafPath returns the path for column name, under the file's asset when
// FilenameAssetRegex is set.
func (o *Offset) leafPath(asset, name string) string {
	if asset == "" {
		return o.cfg.path(name)
	}
	return o.cfg.path(asset + o.cfg.PathSeparator + name)
}

// columns resolves the signal columns of t.
func (o *Offset) columns(t *table, offsetIdx int, asset, filename string) []column {
	if len(o.cfg.Signals) > 0 {
		cols := make([]column, 0, len(o.cfg.Signals))
		for _, name := range o.cfg.Signals {
			name = strings.TrimSpace(name)
			i, err := t.index(name)
			if err != nil {
				o.logger.Printf("Column %q not in %s, skipping it", name, filename)
				continue
			}
			cols = append(cols, column{index: i, path: o.leafPath(asset, name)})
		}
		return cols
	}

	var cols []column
	for i, h := range t.headers {
		if i == offsetIdx || h == "" {
			continue
		}
		cols = append(cols, column{index: i, path: o.leafPath(asset, h)})
	}
	return cols
}

// Read implements Reader.Read.
func (o *Offset) Read(ctx context.Context, f File, emit Emit) error {
	filename := filepath.Base(f.OriginalPath)
	base, err := o.baseTime(filename)
	if err != nil {
		return errkind.New(errkind.File, "base time", f.OriginalPath, err)
	}
	var asset string
	if o.cfg.assetRE != nil {
		var ok bool
		asset, ok = capture(o.cfg.assetRE, strings.TrimSuffix(filename, filepath.Ext(filename)))
		if !ok || asset == "" {
			return errkind.Newf(errkind.File, "asset name", f.OriginalPath,
				"file name does not match %q exactly once", o.cfg.FilenameAssetRegex)
		}
	}

	t, err := openTable(f.ClaimedPath, &o.cfg.CSVConfig)
	if err != nil {
		return err
	}
	defer t.Close()

	offsetIdx := -1
	if o.cfg.OffsetHeader != "" {
		if offsetIdx, err = t.index(o.cfg.OffsetHeader); err != nil {
			return errkind.New(errkind.File, "read header", f.OriginalPath, err)
		}
	}
	if err := o.cfg.requireColumns(t); err != nil {
		return errkind.New(errkind.File, "read header", f.OriginalPath, err)
	}
	cols := o.columns(t, offsetIdx, asset, filename)
	if len(cols) == 0 {
		return errkind.Newf(errkind.File, "read header", f.OriginalPath, "no signal columns")
	}

	b := newBatcher(ctx, filename, o.cfg.PathSeparator, o.cfg.RecordsPerDataPacket, emit)
	rows := 0
	var prev time.Time
	for {
		row, err := t.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errkind.New(errkind.File, "read", f.OriginalPath, err)
		}

		offset := o.cfg.OffsetStep * float64(rows)
		if offsetIdx >= 0 {
			raw := strings.TrimSpace(cell(row, offsetIdx))
			if raw == "" {
				o.logger.Printf("Blank offset after %d rows in %s, ignoring the rest", rows, filename)
				break
			}
			if offset, err = strconv.ParseFloat(raw, 64); err != nil {
				return errkind.Newf(errkind.File, "read", f.OriginalPath,
					"offset %q in data row %d is not a number", raw, rows+1)
			}
		}
		at := base.Add(time.Duration(math.Round(offset * float64(o.cfg.unit))))
		if o.cfg.EnforceTimestampOrder && rows > 0 && at.Before(prev) {
			return errkind.Newf(errkind.File, "read", f.OriginalPath,
				"data row %d goes back in time from %s to %s", rows+1,
				prev.UTC().Format(time.RFC3339Nano), at.UTC().Format(time.RFC3339Nano))
		}
		prev = at
		ts := at.UTC().Format(time.RFC3339Nano)

		for _, col := range cols {
			raw := cell(row, col.index)
			if strings.TrimSpace(raw) == "" {
				continue
			}
			if err := b.add(ingest.Record{Path: col.path, Timestamp: ts, Value: ingest.ParseValue(raw)}); err != nil {
				return err
			}
		}
		rows++
	}
	if err := b.flush(); err != nil {
		return err
	}

	o.logger.Printf("Read %d rows of %d signals from %s in %d packets", rows, len(cols), filename, b.packets)
	return nil
}
