package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/dirwatch/internal/errkind"
)

// SourceInline marks connections declared in the agent file.
const SourceInline = "inline"

//go:embed connection.schema.json
var connectionSchema []byte

const schemaURL = "connection.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// documentSchema compiles the embedded schema once.
func documentSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft7
		if err := compiler.AddResource(schemaURL, bytes.NewReader(connectionSchema)); err != nil {
			schemaErr = fmt.Errorf("failed to add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// IsDocument reports whether name has a connection document extension.
func IsDocument(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".toml", ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// parse decodes data by the extension of name into generic values.
func parse(name string, data []byte) (map[string]any, error) {
	doc := make(map[string]any)
	var err error
	switch strings.ToLower(filepath.Ext(name)) {
	case ".toml":
		_, err = toml.Decode(string(data), &doc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	case ".json":
		err = json.Unmarshal(data, &doc)
	default:
		return nil, fmt.Errorf("unsupported document type %q", filepath.Ext(name))
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// normalize converts doc to the value space of encoding/json, which is what
// the schema validator expects.
func normalize(doc map[string]any) (map[string]any, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseDocument reads the connections in one document. The document is
// checked against the schema before decoding; defaults are applied but
// Validate is not called.
func ParseDocument(path string) ([]Connection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.New(errkind.Config, "read connection document", path, err)
	}
	return parseDocument(path, data)
}

func parseDocument(path string, data []byte) ([]Connection, error) {
	doc, err := parse(path, data)
	if err != nil {
		return nil, errkind.New(errkind.Config, "parse connection document", path, err)
	}
	instance, err := normalize(doc)
	if err != nil {
		return nil, errkind.New(errkind.Config, "parse connection document", path, err)
	}

	schema, err := documentSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(instance); err != nil {
		return nil, errkind.New(errkind.Config, "check connection document", path, err)
	}

	list, _ := instance["Connections"].([]any)
	conns := make([]Connection, 0, len(list))
	for i, item := range list {
		raw, _ := item.(map[string]any)
		c, err := DecodeConnection(raw)
		if err != nil {
			return nil, errkind.New(errkind.Config, fmt.Sprintf("decode connection %d", i), path, err)
		}
		c.Source = path
		conns = append(conns, c)
	}
	return conns, nil
}

// LoadConnections decodes the inline connections and every document in the
// configuration folders, then validates them all.
//
// Documents are read in name order per folder. A missing folder, a document
// failing the schema, an invalid connection or a duplicate ID is a
// configuration error.
func LoadConnections(cfg *Config) ([]Connection, error) {
	var conns []Connection

	for i, raw := range cfg.Connections {
		c, err := DecodeConnection(raw)
		if err != nil {
			return nil, errkind.New(errkind.Config, fmt.Sprintf("decode inline connection %d", i), cfg.File, err)
		}
		c.Source = SourceInline
		conns = append(conns, c)
	}

	for _, folder := range cfg.ConfigurationFolders {
		entries, err := os.ReadDir(folder)
		if err != nil {
			return nil, errkind.New(errkind.Config, "read configuration folder", folder, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() && IsDocument(e.Name()) {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)

		for _, name := range names {
			found, err := ParseDocument(filepath.Join(folder, name))
			if err != nil {
				return nil, err
			}
			conns = append(conns, found...)
		}
	}

	var errs ValidationErrors
	seen := make(map[string]string, len(conns))
	for i := range conns {
		c := &conns[i]
		if err := c.Validate(); err != nil {
			var verrs ValidationErrors
			if errors.As(err, &verrs) {
				errs = append(errs, verrs...)
				continue
			}
			return nil, err
		}
		if prev, dup := seen[c.ID]; dup {
			errs.Addf(c.ID, "duplicate connection ID (in %s and %s)", prev, c.Source)
			continue
		}
		seen[c.ID] = c.Source
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	return conns, nil
}
