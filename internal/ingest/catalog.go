package ingest

import (
	"fmt"
	"time"

	"github.com/mschirtzinger/dirwatch/internal/backend"
)

// Defaults for leaves the catalog does not describe.
const (
	DefaultInterpolationMethod  = "linear"
	DefaultMaximumInterpolation = time.Hour
	DefaultMaximumDuration      = 24 * time.Hour
)

// SeriesDef describes a series leaf.
type SeriesDef struct {
	Name string

	// NameInFile is the leaf name records carry when it differs from Name.
	// Records are written under Name.
	NameInFile string

	Description          string
	UnitOfMeasure        string
	InterpolationMethod  string
	MaximumInterpolation time.Duration
}

// PropertyDef describes one capsule property of a condition.
type PropertyDef struct {
	Name          string
	UnitOfMeasure string
	Required      bool
}

// ConditionDef describes a condition leaf.
type ConditionDef struct {
	Name            string
	Description     string
	MaximumDuration time.Duration
	Properties      []PropertyDef
}

// Catalog holds leaf definitions supplied by connection configuration,
// keyed by leaf name (the last path segment).
type Catalog struct {
	// Source names the connection, used in leaf descriptions.
	Source     string
	Series     map[string]SeriesDef
	Conditions map[string]ConditionDef

	renames map[string]string
}

// NewCatalog builds a catalog from definition lists.
func NewCatalog(source string, series []SeriesDef, conditions []ConditionDef) *Catalog {
	c := &Catalog{
		Source:     source,
		Series:     make(map[string]SeriesDef, len(series)),
		Conditions: make(map[string]ConditionDef, len(conditions)),
		renames:    make(map[string]string),
	}
	for _, s := range series {
		c.Series[s.Name] = s
		if s.NameInFile != "" && s.NameInFile != s.Name {
			c.renames[s.NameInFile] = s.Name
		}
	}
	for _, d := range conditions {
		c.Conditions[d.Name] = d
	}
	return c
}

// series returns the definition for name with defaults filled in.
func (c *Catalog) series(name string) SeriesDef {
	var def SeriesDef
	if c != nil {
		def = c.Series[name]
	}
	def.Name = name
	if def.InterpolationMethod == "" {
		def.InterpolationMethod = DefaultInterpolationMethod
	}
	if def.MaximumInterpolation <= 0 {
		def.MaximumInterpolation = DefaultMaximumInterpolation
	}
	return def
}

// condition returns the definition for name with defaults filled in.
func (c *Catalog) condition(name string) ConditionDef {
	var def ConditionDef
	if c != nil {
		def = c.Conditions[name]
	}
	def.Name = name
	if def.MaximumDuration <= 0 {
		def.MaximumDuration = DefaultMaximumDuration
	}
	return def
}

// rename returns path with a file-side leaf name replaced by its configured
// name.
func (c *Catalog) rename(path Path) Path {
	if c == nil {
		return path
	}
	if name, ok := c.renames[path.Leaf()]; ok {
		return path.WithLeaf(name)
	}
	return path
}

// withFileSeries returns c with defs from a data file merged in. defs are
// keyed by file name. Fields c already sets are kept.
func (c *Catalog) withFileSeries(defs []SeriesDef) *Catalog {
	if len(defs) == 0 {
		return c
	}
	out := &Catalog{Series: make(map[string]SeriesDef, len(defs))}
	if c != nil {
		out.Source = c.Source
		out.Conditions = c.Conditions
		out.renames = c.renames
		for name, def := range c.Series {
			out.Series[name] = def
		}
	}

	for _, def := range defs {
		name := def.Name
		if renamed, ok := out.renames[name]; ok {
			name = renamed
		}
		merged := def
		merged.Name = name
		if conf, ok := out.Series[name]; ok {
			merged.NameInFile = conf.NameInFile
			if conf.Description != "" {
				merged.Description = conf.Description
			}
			if conf.UnitOfMeasure != "" {
				merged.UnitOfMeasure = conf.UnitOfMeasure
			}
			if conf.InterpolationMethod != "" {
				merged.InterpolationMethod = conf.InterpolationMethod
			}
			if conf.MaximumInterpolation > 0 {
				merged.MaximumInterpolation = conf.MaximumInterpolation
			}
		}
		out.Series[name] = merged
	}
	return out
}

func (c *Catalog) source() string {
	if c == nil {
		return ""
	}
	return c.Source
}

// leafRequest builds the upsert request for the leaf at path.
func (c *Catalog) leafRequest(path Path, kind backend.LeafKind) backend.Leaf {
	leaf := backend.Leaf{
		DataID: path.ID(),
		Kind:   kind,
		Name:   path.Leaf(),
		Path:   path.String(),
	}

	label := "signal"
	if kind == backend.KindCondition {
		label = "condition"
	}
	if src := c.source(); src != "" {
		leaf.Description = fmt.Sprintf("%s (%s %s)", path.String(), src, label)
	} else {
		leaf.Description = fmt.Sprintf("%s (%s)", path.String(), label)
	}

	switch kind {
	case backend.KindSeries:
		def := c.series(path.Leaf())
		leaf.UnitOfMeasure = def.UnitOfMeasure
		leaf.InterpolationMethod = def.InterpolationMethod
		leaf.MaximumInterpolation = def.MaximumInterpolation
		if def.Description != "" {
			leaf.Description = def.Description
		}
	case backend.KindCondition:
		def := c.condition(path.Leaf())
		leaf.MaximumDuration = def.MaximumDuration
		if def.Description != "" {
			leaf.Description = def.Description
		}
	}
	return leaf
}
