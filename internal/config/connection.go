package config

import (
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/mschirtzinger/dirwatch/internal/backend"
	"github.com/mschirtzinger/dirwatch/internal/errkind"
	"github.com/mschirtzinger/dirwatch/internal/ingest"
)

// Interpolation methods a signal may declare.
const (
	InterpolationLinear = "linear"
	InterpolationStep   = "step"
)

// Signal describes one series leaf.
type Signal struct {
	Name string `mapstructure:"Name"`

	// NameInFile is the column or signal name the file uses, when it differs
	// from Name
	NameInFile string `mapstructure:"NameInFile"`

	// Required fails a file whose header lacks the signal's column
	Required bool `mapstructure:"Required"`

	Description          string        `mapstructure:"Description"`
	UnitOfMeasure        string        `mapstructure:"UnitOfMeasure"`
	InterpolationMethod  string        `mapstructure:"InterpolationMethod"`
	MaximumInterpolation time.Duration `mapstructure:"MaximumInterpolation"`
}

// Property describes one capsule property of a condition.
type Property struct {
	Name          string `mapstructure:"Name"`
	UnitOfMeasure string `mapstructure:"UnitOfMeasure"`
	Required      bool   `mapstructure:"Required"`
}

// Condition describes one condition leaf.
type Condition struct {
	Name            string        `mapstructure:"Name"`
	Description     string        `mapstructure:"Description"`
	MaximumDuration time.Duration `mapstructure:"MaximumDuration"`
	Properties      []Property    `mapstructure:"Properties"`
}

// Connection is one watch: where files arrive, how they are read and how
// their records are written.
type Connection struct {
	Name    string `mapstructure:"Name"`
	ID      string `mapstructure:"ID"`
	Enabled bool   `mapstructure:"Enabled"`

	Directories           []string `mapstructure:"Directories"`
	IncludeSubdirectories bool     `mapstructure:"IncludeSubdirectories"`
	FileNameFilter        string   `mapstructure:"FileNameFilter"`
	SubdirectoryFilter    string   `mapstructure:"SubdirectoryFilter"`

	PollInterval         time.Duration `mapstructure:"PollInterval"`
	Debounce             time.Duration `mapstructure:"Debounce"`
	MaxFilesPerDirectory int           `mapstructure:"MaxFilesPerDirectory"`
	MaxFileSizeKB        int           `mapstructure:"MaxFileSizeKB"`
	RecoverAbandoned     bool          `mapstructure:"RecoverAbandoned"`

	Reader              string         `mapstructure:"Reader"`
	ReaderConfiguration map[string]any `mapstructure:"ReaderConfiguration"`

	Signals    []Signal    `mapstructure:"Signals"`
	Conditions []Condition `mapstructure:"Conditions"`

	PathSeparator string `mapstructure:"PathSeparator"`
	RootName      string `mapstructure:"RootName"`
	NoTree        bool   `mapstructure:"NoTree"`

	SkipBadSamples              bool `mapstructure:"SkipBadSamples"`
	PostInvalidInsteadOfSkip    bool `mapstructure:"PostInvalidInsteadOfSkip"`
	SkipNullValues              bool `mapstructure:"SkipNullValues"`
	IgnoreUnspecifiedProperties bool `mapstructure:"IgnoreUnspecifiedProperties"`
	PageSize                    int  `mapstructure:"PageSize"`
	WriteAttempts               int  `mapstructure:"WriteAttempts"`

	// Source is the document the connection was read from ("inline" for
	// connections in the agent file)
	Source string `mapstructure:"-"`
}

// DefaultConnection returns a connection with every default applied.
func DefaultConnection() Connection {
	return Connection{
		Enabled:                     true,
		SubdirectoryFilter:          ".*",
		PollInterval:                5 * time.Second,
		Debounce:                    time.Second,
		MaxFilesPerDirectory:        500,
		MaxFileSizeKB:               50,
		PathSeparator:               ingest.DefaultSeparator,
		SkipBadSamples:              true,
		IgnoreUnspecifiedProperties: true,
		PageSize:                    backend.DefaultPageSize,
		WriteAttempts:               3,
	}
}

// DecodeConnection decodes raw over DefaultConnection. Keys match field
// names case-insensitively and durations may be strings such as "5s".
func DecodeConnection(raw map[string]any) (Connection, error) {
	c := DefaultConnection()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &c,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return Connection{}, fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return Connection{}, errkind.New(errkind.Config, "decode connection", "", err)
	}

	if c.ID == "" {
		c.ID = c.Name
	}
	if c.RootName == "" {
		c.RootName = c.Name
	}
	return c, nil
}

// Validate checks every field and reports all problems at once.
func (c *Connection) Validate() error {
	var errs ValidationErrors

	if strings.TrimSpace(c.Name) == "" {
		errs.Add("Name", "is required")
	}
	if strings.TrimSpace(c.ID) == "" {
		errs.Add("ID", "is required")
	}
	if len(c.Directories) == 0 {
		errs.Add("Directories", "must list at least one directory")
	}
	for i, d := range c.Directories {
		if strings.TrimSpace(d) == "" {
			errs.Addf(fmt.Sprintf("Directories[%d]", i), "is empty")
		}
	}
	if _, err := regexp.Compile(c.FileNameFilter); err != nil {
		errs.Addf("FileNameFilter", "is not a valid pattern: %v", err)
	}
	if _, err := regexp.Compile(c.SubdirectoryFilter); err != nil {
		errs.Addf("SubdirectoryFilter", "is not a valid pattern: %v", err)
	}
	if c.PollInterval <= 0 {
		errs.Add("PollInterval", "must be positive")
	}
	if c.Debounce < 0 {
		errs.Add("Debounce", "must not be negative")
	}
	if c.MaxFilesPerDirectory <= 0 {
		errs.Add("MaxFilesPerDirectory", "must be positive")
	}
	if c.MaxFileSizeKB <= 0 {
		errs.Add("MaxFileSizeKB", "must be positive")
	}
	if c.Reader == "" {
		errs.Add("Reader", "is required")
	}
	if len(c.Signals) > 0 && len(c.Conditions) > 0 {
		errs.Add("Signals", "cannot be combined with Conditions")
	}
	inFile := make(map[string]bool, len(c.Signals))
	for i, s := range c.Signals {
		field := fmt.Sprintf("Signals[%d]", i)
		if s.Name == "" {
			errs.Add(field+".Name", "is required")
		}
		if name := s.fileName(); name != "" {
			if inFile[name] {
				errs.Addf(field+".NameInFile", "%q is used by another signal", name)
			}
			inFile[name] = true
		}
		switch strings.ToLower(s.InterpolationMethod) {
		case "", InterpolationLinear, InterpolationStep:
		default:
			errs.Addf(field+".InterpolationMethod", "must be %q or %q", InterpolationLinear, InterpolationStep)
		}
	}
	for i, d := range c.Conditions {
		if d.Name == "" {
			errs.Add(fmt.Sprintf("Conditions[%d].Name", i), "is required")
		}
	}
	if c.PathSeparator == "" {
		errs.Add("PathSeparator", "must not be empty")
	} else if !c.NoTree && (c.RootName == "" || strings.Contains(c.RootName, c.PathSeparator)) {
		errs.Add("RootName", "must be one non-empty path segment")
	}
	if c.PageSize <= 0 {
		errs.Add("PageSize", "must be positive")
	}
	if c.WriteAttempts <= 0 {
		errs.Add("WriteAttempts", "must be positive")
	}

	if len(errs) == 0 {
		return nil
	}
	return errs.prefixed(c.label()).Err()
}

func (c *Connection) label() string {
	if c.ID != "" {
		return c.ID
	}
	if c.Name != "" {
		return c.Name
	}
	return "connection"
}

// Catalog returns the leaf definitions the connection declares.
func (c *Connection) Catalog() *ingest.Catalog {
	series := make([]ingest.SeriesDef, 0, len(c.Signals))
	for _, s := range c.Signals {
		series = append(series, ingest.SeriesDef{
			Name:                 s.Name,
			NameInFile:           s.NameInFile,
			Description:          s.Description,
			UnitOfMeasure:        s.UnitOfMeasure,
			InterpolationMethod:  strings.ToLower(s.InterpolationMethod),
			MaximumInterpolation: s.MaximumInterpolation,
		})
	}
	conditions := make([]ingest.ConditionDef, 0, len(c.Conditions))
	for _, d := range c.Conditions {
		def := ingest.ConditionDef{Name: d.Name, Description: d.Description, MaximumDuration: d.MaximumDuration}
		for _, p := range d.Properties {
			def.Properties = append(def.Properties, ingest.PropertyDef(p))
		}
		conditions = append(conditions, def)
	}
	return ingest.NewCatalog(c.ID, series, conditions)
}

// IngestOptions returns pipeline options for the connection.
func (c *Connection) IngestOptions(logger *log.Logger) *ingest.Options {
	opts := ingest.DefaultOptions()
	opts.Separator = c.PathSeparator
	opts.PageSize = c.PageSize
	opts.WriteAttempts = c.WriteAttempts
	opts.NoTree = c.NoTree
	opts.SkipBadSamples = c.SkipBadSamples
	opts.PostInvalidInsteadOfSkip = c.PostInvalidInsteadOfSkip
	opts.SkipNullValues = c.SkipNullValues
	opts.IgnoreUnspecifiedProperties = c.IgnoreUnspecifiedProperties
	opts.Catalog = c.Catalog()
	if logger != nil {
		opts.Logger = logger
	}
	return opts
}

// ReaderSettings returns the reader configuration with the connection's
// path settings filled in where the reader configuration leaves them out.
func (c *Connection) ReaderSettings() map[string]any {
	raw := make(map[string]any, len(c.ReaderConfiguration)+2)
	for k, v := range c.ReaderConfiguration {
		raw[k] = v
	}
	if !hasKey(raw, "PathSeparator") {
		raw["PathSeparator"] = c.PathSeparator
	}
	if !c.NoTree && !hasKey(raw, "PathPrefix") {
		raw["PathPrefix"] = c.RootName
	}
	if required := c.requiredColumns(); len(required) > 0 && !hasKey(raw, "RequiredColumns") {
		raw["RequiredColumns"] = required
	}
	return raw
}

// fileName is the name the signal goes by inside data files.
func (s Signal) fileName() string {
	if s.NameInFile != "" {
		return s.NameInFile
	}
	return s.Name
}

func (c *Connection) requiredColumns() []string {
	var cols []string
	for _, s := range c.Signals {
		if s.Required {
			cols = append(cols, s.fileName())
		}
	}
	return cols
}

func hasKey(m map[string]any, key string) bool {
	for k := range m {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}
