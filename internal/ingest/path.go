package ingest

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrEmptySegment is returned for a path with a leading, trailing or
	// repeated separator.
	ErrEmptySegment = errors.New("path has an empty segment")

	// ErrNoRoot is returned for a single-segment path when the pipeline
	// builds a tree: there is no root to attach the leaf to.
	ErrNoRoot = errors.New("path has no root segment")
)

// idNamespace scopes content-addressed identifiers to this agent.
var idNamespace = uuid.MustParse("6f1c3a52-8d0e-4b8a-9a57-2f4e1d7c9b30")

// ContentID returns the stable identifier for a joined path string.
// It is a pure function of its input, so re-ingesting a path always resolves
// to the same node or leaf.
func ContentID(joined string) string {
	return uuid.NewMD5(idNamespace, []byte(joined)).String()
}

// Path is a validated, ordered list of segments: root, intermediates, leaf.
type Path struct {
	segments []string
	sep      string
}

// SplitPath splits s on sep and rejects empty segments.
func SplitPath(s, sep string) (Path, error) {
	if sep == "" {
		sep = DefaultSeparator
	}
	if s == "" {
		return Path{}, ErrEmptySegment
	}
	segments := strings.Split(s, sep)
	for _, seg := range segments {
		if seg == "" {
			return Path{}, ErrEmptySegment
		}
	}
	return Path{segments: segments, sep: sep}, nil
}

// Len returns the number of segments.
func (p Path) Len() int {
	return len(p.segments)
}

// String returns the joined path.
func (p Path) String() string {
	return strings.Join(p.segments, p.sep)
}

// Leaf returns the last segment.
func (p Path) Leaf() string {
	return p.segments[len(p.segments)-1]
}

// WithLeaf returns a copy of p with the last segment replaced.
func (p Path) WithLeaf(name string) Path {
	segments := append([]string(nil), p.segments...)
	segments[len(segments)-1] = name
	return Path{segments: segments, sep: p.sep}
}

// Root returns the first segment.
func (p Path) Root() string {
	return p.segments[0]
}

// Segment returns segment i.
func (p Path) Segment(i int) string {
	return p.segments[i]
}

// Prefix returns the first n segments joined.
func (p Path) Prefix(n int) string {
	return strings.Join(p.segments[:n], p.sep)
}

// ID returns the content-addressed identifier of the full path.
func (p Path) ID() string {
	return ContentID(p.String())
}
