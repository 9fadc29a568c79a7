package reader

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mschirtzinger/dirwatch/internal/errkind"
	"github.com/mschirtzinger/dirwatch/internal/ingest"
)

// softEOF is the substitute character some exporters write as a last line.
const softEOF = '\x1a'

// ErrMissingColumn is returned when a configured header is not in the file.
var ErrMissingColumn = errors.New("column not found in header row")

// CSVConfig holds settings shared by every delimited-text reader.
type CSVConfig struct {
	// Delimiter separates fields (default: ",")
	Delimiter string `mapstructure:"Delimiter"`

	// HeaderRow is the 1-based row holding column names (default: 1)
	HeaderRow int `mapstructure:"HeaderRow"`

	// FirstDataRow is the 1-based row of the first sample (default: 2).
	// It must come after HeaderRow.
	FirstDataRow int `mapstructure:"FirstDataRow"`

	// TimestampHeaders name the columns forming a timestamp. Several columns
	// are joined with a space before parsing (default: "Timestamp")
	TimestampHeaders []string `mapstructure:"TimestampHeaders"`

	// TimestampFormat is a Go time layout (default: RFC3339)
	TimestampFormat string `mapstructure:"TimestampFormat"`

	// TimeZone applies to timestamps without an offset (default: UTC)
	TimeZone string `mapstructure:"TimeZone"`

	// PathPrefix is prepended to every leaf path
	PathPrefix string `mapstructure:"PathPrefix"`

	// PathSeparator joins PathPrefix and leaf names (default: "/")
	PathSeparator string `mapstructure:"PathSeparator"`

	// RequiredColumns must all appear in the header row of a file read
	// column-per-signal (wide, offset). Other layouts ignore it.
	RequiredColumns []string `mapstructure:"RequiredColumns"`

	// RecordsPerDataPacket bounds emitted packets (default: 10000)
	RecordsPerDataPacket int `mapstructure:"RecordsPerDataPacket"`

	// Logger for row skips and read summaries (default: stderr logger)
	Logger *log.Logger `mapstructure:"-"`

	loc *time.Location
}

// logger returns the configured logger, or a stderr logger prefixed with
// the reader kind.
func (c *CSVConfig) logger(kind Kind) *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.New(os.Stderr, "[reader:"+string(kind)+"] ", log.LstdFlags)
}

// normalize fills defaults and validates c.
func (c *CSVConfig) normalize() error {
	if c.Delimiter == "" {
		c.Delimiter = ","
	}
	if utf8.RuneCountInString(c.Delimiter) != 1 {
		return fmt.Errorf("delimiter %q must be a single character", c.Delimiter)
	}
	if c.HeaderRow <= 0 {
		c.HeaderRow = 1
	}
	if c.FirstDataRow <= 0 {
		c.FirstDataRow = c.HeaderRow + 1
	}
	if c.FirstDataRow <= c.HeaderRow {
		return fmt.Errorf("FirstDataRow (%d) must be greater than HeaderRow (%d)", c.FirstDataRow, c.HeaderRow)
	}

	headers := c.TimestampHeaders[:0]
	for _, h := range c.TimestampHeaders {
		if h = strings.TrimSpace(h); h != "" {
			headers = append(headers, h)
		}
	}
	c.TimestampHeaders = headers
	if len(c.TimestampHeaders) == 0 {
		c.TimestampHeaders = []string{"Timestamp"}
	}

	if c.TimestampFormat == "" {
		c.TimestampFormat = time.RFC3339
	}
	if c.PathSeparator == "" {
		c.PathSeparator = ingest.DefaultSeparator
	}
	if c.RecordsPerDataPacket <= 0 {
		c.RecordsPerDataPacket = DefaultRecordsPerDataPacket
	}

	c.loc = time.UTC
	if c.TimeZone != "" {
		loc, err := time.LoadLocation(c.TimeZone)
		if err != nil {
			return fmt.Errorf("time zone %q: %w", c.TimeZone, err)
		}
		c.loc = loc
	}
	return nil
}

// requireColumns fails when t lacks any RequiredColumns header.
func (c *CSVConfig) requireColumns(t *table) error {
	for _, name := range c.RequiredColumns {
		if _, err := t.index(strings.TrimSpace(name)); err != nil {
			return err
		}
	}
	return nil
}

// path returns the leaf path for name under PathPrefix.
func (c *CSVConfig) path(name string) string {
	if c.PathPrefix == "" {
		return name
	}
	return c.PathPrefix + c.PathSeparator + name
}

// timestamp joins the timestamp columns of row and converts them to
// RFC3339 UTC. On a parse failure it returns the raw text and false.
// blank is true when every timestamp column is empty.
func (c *CSVConfig) timestamp(row []string, idx []int) (ts string, ok, blank bool) {
	parts := make([]string, len(idx))
	blank = true
	for i, j := range idx {
		parts[i] = strings.TrimSpace(cell(row, j))
		if parts[i] != "" {
			blank = false
		}
	}
	raw := strings.Join(parts, " ")
	if blank {
		return raw, false, true
	}
	return c.parseTime(raw)
}

func (c *CSVConfig) parseTime(raw string) (string, bool, bool) {
	t, err := time.ParseInLocation(c.TimestampFormat, raw, c.loc)
	if err != nil {
		return raw, false, false
	}
	return t.UTC().Format(time.RFC3339Nano), true, false
}

// cell returns row[i], or "" for a short row.
func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

// table is an open delimited file positioned at its first data row.
type table struct {
	f       *os.File
	r       *csv.Reader
	headers []string

	// preamble holds every row before the first data row, header included
	preamble [][]string
}

// openTable opens path, reads the rows up to FirstDataRow and keeps them in
// the preamble. Blank lines are not counted as rows.
func openTable(path string, c *CSVConfig) (*table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errkind.New(errkind.File, "open", path, err)
	}

	delim, _ := utf8.DecodeRuneInString(c.Delimiter)
	r := csv.NewReader(f)
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	t := &table{f: f, r: r, preamble: make([][]string, 0, c.FirstDataRow-1)}

	for row := 1; row < c.FirstDataRow; row++ {
		rec, err := r.Read()
		if err != nil {
			f.Close()
			op := "read"
			if row <= c.HeaderRow {
				op = "read header"
			}
			if err == io.EOF {
				if row <= c.HeaderRow {
					return nil, errkind.Newf(errkind.File, op, path, "ran out of rows before header row %d", c.HeaderRow)
				}
				return nil, errkind.Newf(errkind.File, op, path, "ran out of rows before first data row %d", c.FirstDataRow)
			}
			return nil, errkind.New(errkind.File, op, path, err)
		}
		if row == c.HeaderRow {
			t.headers = make([]string, len(rec))
			for i, h := range rec {
				t.headers[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
			}
			rec = t.headers
		}
		t.preamble = append(t.preamble, rec)
	}
	return t, nil
}

// row returns preamble row n (1-based), or nil when n is not before the
// first data row.
func (t *table) row(n int) []string {
	if n < 1 || n > len(t.preamble) {
		return nil
	}
	return t.preamble[n-1]
}

// index returns the position of header name.
func (t *table) index(name string) (int, error) {
	for i, h := range t.headers {
		if h == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", ErrMissingColumn, name)
}

// indices resolves several headers.
func (t *table) indices(names []string) ([]int, error) {
	idx := make([]int, len(names))
	for i, n := range names {
		j, err := t.index(n)
		if err != nil {
			return nil, err
		}
		idx[i] = j
	}
	return idx, nil
}

// next returns the next data row, or io.EOF at the end of the file or at a
// soft EOF marker.
func (t *table) next() ([]string, error) {
	row, err := t.r.Read()
	if err != nil {
		return nil, err
	}
	if len(row) == 1 && strings.HasPrefix(row[0], string(softEOF)) {
		return nil, io.EOF
	}
	return row, nil
}

func (t *table) Close() error {
	return t.f.Close()
}
