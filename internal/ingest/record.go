package ingest

import (
	"math"
	"strconv"
	"strings"
)

// ValueKind tells how a record's value was read from the file.
type ValueKind int

const (
	// KindNull is an explicitly empty value.
	KindNull ValueKind = iota
	// KindNumber is a finite numeric value.
	KindNumber
	// KindText is a string value.
	KindText
	// KindInvalid is a value the reader could not interpret. The raw text is
	// kept for logging.
	KindInvalid
)

// String returns a human-readable representation of the kind.
func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Value is one sample value.
type Value struct {
	Kind   ValueKind
	Number float64
	Text   string
}

// Number returns a numeric value.
func Number(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Invalid(strconv.FormatFloat(f, 'g', -1, 64))
	}
	return Value{Kind: KindNumber, Number: f}
}

// Text returns a string value.
func Text(s string) Value {
	return Value{Kind: KindText, Text: s}
}

// Null returns an explicit null.
func Null() Value {
	return Value{Kind: KindNull}
}

// Invalid returns a malformed value carrying its raw text.
func Invalid(raw string) Value {
	return Value{Kind: KindInvalid, Text: raw}
}

// ParseValue interprets raw file text: numbers first, then text. Blank
// input is a null. Non-finite numbers are invalid.
func ParseValue(raw string) Value {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Null()
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return Number(f)
	}
	return Text(s)
}

// Interval is the payload of a condition record. Start and End are ISO-8601
// strings as read from the file.
type Interval struct {
	Start      string
	End        string
	Properties map[string]string
}

// Record is one extracted datum addressed by a hierarchical path.
// Exactly one of Value (with Timestamp) or Interval is meaningful.
type Record struct {
	Path      string
	Timestamp string
	Value     Value
	Interval  *Interval
}

// IsInterval reports whether r carries a condition capsule.
func (r Record) IsInterval() bool {
	return r.Interval != nil
}

// Packet is one batch of records handed to the pipeline: a whole file or
// one chunk of a streamed file.
type Packet struct {
	// Filename is the original file name, for logging.
	Filename string

	// Separator splits record paths into segments. Empty means the
	// pipeline's configured separator.
	Separator string

	Records []Record

	// Series holds definitions read from the file itself, keyed by the
	// leaf name records carry. Configured definitions take precedence
	// field by field.
	Series []SeriesDef
}
