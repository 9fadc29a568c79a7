package config

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/dirwatch/internal/errkind"
	"github.com/mschirtzinger/dirwatch/internal/ingest"
)

const tomlDoc = `
[[Connections]]
Name = "Lab CSV"
ID = "lab"
Directories = ["/data/lab"]
IncludeSubdirectories = true
FileNameFilter = '\.csv$'
PollInterval = "2s"
MaxFileSizeKB = 200
Reader = "narrow"
RootName = "Lab"

[Connections.ReaderConfiguration]
TimestampHeaders = "Date,Time"
ValueHeader = "Reading"

[[Connections.Signals]]
Name = "Temp"
UnitOfMeasure = "degC"
InterpolationMethod = "step"
MaximumInterpolation = "10m"
`

const yamlDoc = `
Connections:
  - Name: Batches
    Directories: /data/batches
    Reader: conditions
    ReaderConfiguration:
      ConditionName: Batch
      CapsuleStartField: Start
      CapsuleEndField: End
    Conditions:
      - Name: Batch
        MaximumDuration: 48h
        Properties:
          - Name: Operator
            Required: true
`

const jsonDoc = `{
  "Connections": [
    {"Name": "Wide", "Directories": ["/data/wide"], "Reader": "wide", "Enabled": false}
  ]
}`

func TestParseDocuments(t *testing.T) {
	dir := t.TempDir()

	t.Run("toml", func(t *testing.T) {
		conns, err := ParseDocument(writeTemp(t, dir, "lab.toml", tomlDoc))
		require.NoError(t, err)
		require.Len(t, conns, 1)
		c := conns[0]

		assert.Equal(t, "lab", c.ID)
		assert.Equal(t, "Lab", c.RootName)
		assert.True(t, c.IncludeSubdirectories)
		assert.Equal(t, 2*time.Second, c.PollInterval)
		assert.Equal(t, time.Second, c.Debounce)
		assert.Equal(t, 200, c.MaxFileSizeKB)
		assert.Equal(t, 500, c.MaxFilesPerDirectory)
		assert.Equal(t, ".*", c.SubdirectoryFilter)
		assert.True(t, c.Enabled)
		assert.Equal(t, "Date,Time", c.ReaderConfiguration["TimestampHeaders"])

		want := []Signal{{Name: "Temp", UnitOfMeasure: "degC", InterpolationMethod: "step", MaximumInterpolation: 10 * time.Minute}}
		if diff := cmp.Diff(want, c.Signals); diff != "" {
			t.Errorf("signals mismatch (-want +got):\n%s", diff)
		}
		assert.NoError(t, c.Validate())
	})

	t.Run("yaml", func(t *testing.T) {
		conns, err := ParseDocument(writeTemp(t, dir, "batches.yml", yamlDoc))
		require.NoError(t, err)
		require.Len(t, conns, 1)
		c := conns[0]

		assert.Equal(t, "Batches", c.ID)
		assert.Equal(t, []string{"/data/batches"}, c.Directories)
		require.Len(t, c.Conditions, 1)
		assert.Equal(t, 48*time.Hour, c.Conditions[0].MaximumDuration)
		assert.True(t, c.Conditions[0].Properties[0].Required)
	})

	t.Run("json", func(t *testing.T) {
		conns, err := ParseDocument(writeTemp(t, dir, "wide.json", jsonDoc))
		require.NoError(t, err)
		require.Len(t, conns, 1)
		assert.False(t, conns[0].Enabled)
	})
}

func TestSchemaRejectsDocuments(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"missing reader", "a.json", `{"Connections": [{"Name": "A", "Directories": ["/d"]}]}`},
		{"unknown field", "a.json", `{"Connections": [{"Name": "A", "Directories": ["/d"], "Reader": "narrow", "Colour": "red"}]}`},
		{"bad duration", "a.yaml", "Connections:\n  - Name: A\n    Directories: [/d]\n    Reader: narrow\n    PollInterval: soon\n"},
		{"zero page size", "a.toml", "[[Connections]]\nName = \"A\"\nDirectories = [\"/d\"]\nReader = \"narrow\"\nPageSize = 0\n"},
		{"no connections", "a.json", `{}`},
		{"not a document", "a.yaml", "Connections: [unterminated\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDocument(writeTemp(t, dir, tt.file, tt.content))
			require.Error(t, err)
			assert.True(t, errkind.Is(err, errkind.Config))
		})
	}
}

func TestLoadConnections(t *testing.T) {
	folder := t.TempDir()
	writeTemp(t, folder, "lab.toml", tomlDoc)
	writeTemp(t, folder, "batches.yaml", yamlDoc)
	writeTemp(t, folder, "notes.txt", "ignored")

	cfg := &Config{
		ConfigurationFolders: []string{folder},
		Connections: []map[string]any{
			{"name": "Inline", "directories": []any{"/data/inline"}, "reader": "wide"},
		},
	}

	conns, err := LoadConnections(cfg)
	require.NoError(t, err)
	require.Len(t, conns, 3)

	assert.Equal(t, "Inline", conns[0].ID)
	assert.Equal(t, SourceInline, conns[0].Source)
	// Documents are read in name order
	assert.Equal(t, "Batches", conns[1].ID)
	assert.Equal(t, "lab", conns[2].ID)
}

func TestLoadConnectionsDuplicateID(t *testing.T) {
	folder := t.TempDir()
	writeTemp(t, folder, "a.toml", tomlDoc)
	writeTemp(t, folder, "b.toml", tomlDoc)

	_, err := LoadConnections(&Config{ConfigurationFolders: []string{folder}})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Config))
	assert.Contains(t, err.Error(), "duplicate connection ID")
}

func TestLoadConnectionsMissingFolder(t *testing.T) {
	_, err := LoadConnections(&Config{ConfigurationFolders: []string{"/does/not/exist"}})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Config))
}

func TestConnectionValidate(t *testing.T) {
	c := DefaultConnection()
	c.Name = "bad"
	c.ID = "bad"
	c.RootName = "a/b"
	c.FileNameFilter = "("
	c.PollInterval = 0
	c.Signals = []Signal{{Name: "X", InterpolationMethod: "cubic"}}
	c.Conditions = []Condition{{Name: "Y"}}

	err := c.Validate()
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))

	fields := make(map[string]bool)
	for _, e := range verrs {
		fields[e.Field] = true
	}
	for _, f := range []string{
		"bad.Directories", "bad.FileNameFilter", "bad.PollInterval", "bad.Reader",
		"bad.Signals", "bad.Signals[0].InterpolationMethod", "bad.RootName",
	} {
		assert.True(t, fields[f], "expected error for %s, got %v", f, verrs)
	}
}

func TestConnectionIngestSettings(t *testing.T) {
	conns, err := parseDocument("lab.toml", []byte(tomlDoc))
	require.NoError(t, err)
	c := conns[0]

	opts := c.IngestOptions(nil)
	assert.Equal(t, "/", opts.Separator)
	assert.Equal(t, 1000, opts.PageSize)
	assert.Equal(t, 3, opts.WriteAttempts)
	assert.True(t, opts.SkipBadSamples)
	assert.NotNil(t, opts.Logger)

	want := ingest.SeriesDef{Name: "Temp", UnitOfMeasure: "degC", InterpolationMethod: "step", MaximumInterpolation: 10 * time.Minute}
	assert.Equal(t, want, opts.Catalog.Series["Temp"])
	assert.Equal(t, "lab", opts.Catalog.Source)

	raw := c.ReaderSettings()
	assert.Equal(t, "Lab", raw["PathPrefix"])
	assert.Equal(t, "/", raw["PathSeparator"])
	assert.Equal(t, "Reading", raw["ValueHeader"])

	c.ReaderConfiguration["pathprefix"] = "Custom"
	raw = c.ReaderSettings()
	assert.NotContains(t, raw, "PathPrefix")
}

func TestSignalFileNames(t *testing.T) {
	doc := `
Connections:
  - Name: Reactor
    ID: reactor
    Directories: /data/reactor
    Reader: wide
    Signals:
      - Name: Temperature
        NameInFile: T1
        Required: true
        Description: Reactor temperature
        UnitOfMeasure: degC
      - Name: Pressure
        Required: true
      - Name: Level
`
	conns, err := ParseDocument(writeTemp(t, t.TempDir(), "reactor.yaml", doc))
	require.NoError(t, err)
	c := conns[0]

	cat := c.Catalog()
	want := ingest.SeriesDef{Name: "Temperature", NameInFile: "T1", Description: "Reactor temperature", UnitOfMeasure: "degC"}
	assert.Equal(t, want, cat.Series["Temperature"])

	raw := c.ReaderSettings()
	assert.Equal(t, []string{"T1", "Pressure"}, raw["RequiredColumns"])

	c.ReaderConfiguration = map[string]any{"requiredcolumns": "Level"}
	raw = c.ReaderSettings()
	assert.NotContains(t, raw, "RequiredColumns")

	c.Signals = append(c.Signals, Signal{Name: "Other", NameInFile: "Pressure"})
	err = c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Signals[3].NameInFile")
}
