package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"

	"github.com/mschirtzinger/dirwatch/internal/errkind"
	"github.com/mschirtzinger/dirwatch/internal/ingest"
)

// NarrowConfig configures the narrow reader.
type NarrowConfig struct {
	CSVConfig `mapstructure:",squash"`

	// SignalNameHeader names the column holding the signal name
	// (default: "Signal")
	SignalNameHeader string `mapstructure:"SignalNameHeader"`

	// ValueHeader names the column holding the value (default: "Value")
	ValueHeader string `mapstructure:"ValueHeader"`
}

func (c *NarrowConfig) normalize() error {
	if c.SignalNameHeader == "" {
		c.SignalNameHeader = "Signal"
	}
	if c.ValueHeader == "" {
		c.ValueHeader = "Value"
	}
	return c.CSVConfig.normalize()
}

// Narrow reads files with one sample per row.
type Narrow struct {
	cfg    NarrowConfig
	logger *log.Logger
}

// NewNarrow creates a narrow reader.
func NewNarrow(cfg NarrowConfig) (*Narrow, error) {
	if err := cfg.normalize(); err != nil {
		return nil, errkind.New(errkind.Config, "narrow reader", "", err)
	}
	return &Narrow{
		cfg:    cfg,
		logger: cfg.logger(KindNarrow),
	}, nil
}

// Name implements Reader.Name.
func (n *Narrow) Name() string { return string(KindNarrow) }

// Read implements Reader.Read.
func (n *Narrow) Read(ctx context.Context, f File, emit Emit) error {
	filename := filepath.Base(f.OriginalPath)
	t, err := openTable(f.ClaimedPath, &n.cfg.CSVConfig)
	if err != nil {
		return err
	}
	defer t.Close()

	tsIdx, err := t.indices(n.cfg.TimestampHeaders)
	if err != nil {
		return errkind.New(errkind.File, "read header", f.OriginalPath, err)
	}
	nameIdx, err := t.index(n.cfg.SignalNameHeader)
	if err != nil {
		return errkind.New(errkind.File, "read header", f.OriginalPath, err)
	}
	valueIdx, err := t.index(n.cfg.ValueHeader)
	if err != nil {
		return errkind.New(errkind.File, "read header", f.OriginalPath, err)
	}

	b := newBatcher(ctx, filename, n.cfg.PathSeparator, n.cfg.RecordsPerDataPacket, emit)
	rows := 0
	for {
		row, err := t.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errkind.New(errkind.File, "read", f.OriginalPath, err)
		}

		ts, ok, blank := n.cfg.timestamp(row, tsIdx)
		if blank {
			n.logger.Printf("Blank timestamp after %d rows in %s, ignoring the rest", rows, filename)
			break
		}

		rec := ingest.Record{
			Path:      n.cfg.path(cell(row, nameIdx)),
			Timestamp: ts,
			Value:     ingest.ParseValue(cell(row, valueIdx)),
		}
		if !ok {
			rec.Value = ingest.Invalid(fmt.Sprintf("unparsable timestamp %q", ts))
		}
		if err := b.add(rec); err != nil {
			return err
		}
		rows++
	}
	if err := b.flush(); err != nil {
		return err
	}

	n.logger.Printf("Read %d rows from %s in %d packets", rows, filename, b.packets)
	return nil
}
