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

// CapsuleProperty maps a file column onto an interval property.
type CapsuleProperty struct {
	// Column is the header in the file
	Column string `mapstructure:"Column"`

	// Name is the property name written to the backend (default: Column)
	Name string `mapstructure:"Name"`
}

// ConditionsConfig configures the conditions reader.
//
// A capsule needs a start and an end. Either both fields are read from the
// file, or one of them is derived from the other and a duration taken from
// CapsuleDurationField or DefaultDuration.
type ConditionsConfig struct {
	CSVConfig `mapstructure:",squash"`

	// ConditionName is the fixed leaf name for every capsule
	ConditionName string `mapstructure:"ConditionName"`

	// ConditionNameField names a column holding the leaf name per row
	ConditionNameField string `mapstructure:"ConditionNameField"`

	CapsuleStartField    string `mapstructure:"CapsuleStartField"`
	CapsuleEndField      string `mapstructure:"CapsuleEndField"`
	CapsuleDurationField string `mapstructure:"CapsuleDurationField"`

	// DefaultDuration applies when no duration column is configured
	DefaultDuration time.Duration `mapstructure:"DefaultDuration"`

	CapsuleProperties []CapsuleProperty `mapstructure:"CapsuleProperties"`
}

func (c *ConditionsConfig) normalize() error {
	if (c.ConditionName == "") == (c.ConditionNameField == "") {
		return errors.New("exactly one of ConditionName and ConditionNameField must be set")
	}
	if c.CapsuleStartField == "" && c.CapsuleEndField == "" {
		return errors.New("at least one of CapsuleStartField and CapsuleEndField must be set")
	}
	if c.CapsuleStartField != "" && c.CapsuleEndField != "" && c.CapsuleDurationField != "" {
		return errors.New("CapsuleStartField, CapsuleEndField and CapsuleDurationField cannot all be set")
	}
	if c.CapsuleDurationField != "" && c.DefaultDuration != 0 {
		return errors.New("CapsuleDurationField and DefaultDuration cannot both be set")
	}
	if c.DefaultDuration < 0 {
		return fmt.Errorf("DefaultDuration %s is negative", c.DefaultDuration)
	}
	if (c.CapsuleStartField == "" || c.CapsuleEndField == "") && c.CapsuleDurationField == "" && c.DefaultDuration == 0 {
		return errors.New("a capsule with only a start or an end field needs CapsuleDurationField or DefaultDuration")
	}
	for i := range c.CapsuleProperties {
		p := &c.CapsuleProperties[i]
		if p.Column == "" {
			return fmt.Errorf("capsule property %d has no Column", i)
		}
		if p.Name == "" {
			p.Name = p.Column
		}
	}
	return c.CSVConfig.normalize()
}

// Conditions reads files with one capsule per row.
type Conditions struct {
	cfg    ConditionsConfig
	logger *log.Logger
}

// NewConditions creates a conditions reader.
func NewConditions(cfg ConditionsConfig) (*Conditions, error) {
	if err := cfg.normalize(); err != nil {
		return nil, errkind.New(errkind.Config, "conditions reader", "", err)
	}
	return &Conditions{
		cfg:    cfg,
		logger: cfg.logger(KindConditions),
	}, nil
}

// Name implements Reader.Name.
func (c *Conditions) Name() string { return string(KindConditions) }

// layout holds the resolved column positions of a conditions file.
type layout struct {
	name, start, end, duration int
	props                      []int
}

func (c *Conditions) resolve(t *table) (layout, error) {
	l := layout{name: -1, start: -1, end: -1, duration: -1}
	var err error
	lookup := func(field string, dst *int) {
		if field == "" || err != nil {
			return
		}
		*dst, err = t.index(field)
	}
	lookup(c.cfg.ConditionNameField, &l.name)
	lookup(c.cfg.CapsuleStartField, &l.start)
	lookup(c.cfg.CapsuleEndField, &l.end)
	lookup(c.cfg.CapsuleDurationField, &l.duration)
	if err != nil {
		return l, err
	}
	for _, p := range c.cfg.CapsuleProperties {
		i, err := t.index(p.Column)
		if err != nil {
			return l, err
		}
		l.props = append(l.props, i)
	}
	return l, nil
}

// bounds computes a capsule's start and end. Unparsable input is returned
// raw so the pipeline's bad-sample policy decides.
func (c *Conditions) bounds(row []string, l layout) (start, end string) {
	startT, startOK := c.bound(row, l.start, &start)
	endT, endOK := c.bound(row, l.end, &end)
	if start != "" && end != "" {
		return start, end
	}

	dur, ok := c.duration(row, l)
	if !ok {
		return start, end
	}
	switch {
	case startOK && end == "":
		end = startT.Add(dur).Format(time.RFC3339Nano)
	case endOK && start == "":
		start = endT.Add(-dur).Format(time.RFC3339Nano)
	}
	return start, end
}

// bound reads column i into raw, normalized to RFC3339 UTC when it parses.
func (c *Conditions) bound(row []string, i int, raw *string) (time.Time, bool) {
	if i < 0 {
		return time.Time{}, false
	}
	*raw = strings.TrimSpace(cell(row, i))
	t, err := time.ParseInLocation(c.cfg.TimestampFormat, *raw, c.cfg.loc)
	if err != nil {
		return time.Time{}, false
	}
	t = t.UTC()
	*raw = t.Format(time.RFC3339Nano)
	return t, true
}

// duration returns the capsule length for row.
func (c *Conditions) duration(row []string, l layout) (time.Duration, bool) {
	if l.duration < 0 {
		return c.cfg.DefaultDuration, c.cfg.DefaultDuration > 0
	}
	d, err := time.ParseDuration(strings.TrimSpace(cell(row, l.duration)))
	return d, err == nil && d >= 0
}

// Read implements Reader.Read.
func (c *Conditions) Read(ctx context.Context, f File, emit Emit) error {
	filename := filepath.Base(f.OriginalPath)
	t, err := openTable(f.ClaimedPath, &c.cfg.CSVConfig)
	if err != nil {
		return err
	}
	defer t.Close()

	l, err := c.resolve(t)
	if err != nil {
		return errkind.New(errkind.File, "read header", f.OriginalPath, err)
	}

	b := newBatcher(ctx, filename, c.cfg.PathSeparator, c.cfg.RecordsPerDataPacket, emit)
	rows := 0
	for {
		row, err := t.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errkind.New(errkind.File, "read", f.OriginalPath, err)
		}

		start, end := c.bounds(row, l)
		if start == "" && end == "" {
			c.logger.Printf("Blank capsule bounds after %d rows in %s, ignoring the rest", rows, filename)
			break
		}

		name := c.cfg.ConditionName
		if l.name >= 0 {
			name = strings.TrimSpace(cell(row, l.name))
		}

		var props map[string]string
		for i, p := range c.cfg.CapsuleProperties {
			v := strings.TrimSpace(cell(row, l.props[i]))
			if v == "" {
				continue
			}
			if props == nil {
				props = make(map[string]string, len(c.cfg.CapsuleProperties))
			}
			props[p.Name] = v
		}

		rec := ingest.Record{
			Path:     c.cfg.path(name),
			Interval: &ingest.Interval{Start: start, End: end, Properties: props},
		}
		if err := b.add(rec); err != nil {
			return err
		}
		rows++
	}
	if err := b.flush(); err != nil {
		return err
	}

	c.logger.Printf("Read %d capsules from %s in %d packets", rows, filename, b.packets)
	return nil
}
