package reader

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/mschirtzinger/dirwatch/internal/errkind"
)

var (
	// ErrUnknownReader is returned for a reader name nothing is registered
	// under.
	ErrUnknownReader = errors.New("unknown reader")

	// ErrDuplicateReader is returned when a name is registered twice.
	ErrDuplicateReader = errors.New("reader already registered")
)

// Constructor builds a reader from its free-form configuration map. The
// reader logs to logger; nil means the reader's own stderr default.
type Constructor func(raw map[string]any, logger *log.Logger) (Reader, error)

// Registry maps reader names to constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// builtins lists the readers every Default registry carries.
var builtins = []Kind{KindNarrow, KindWide, KindConditions, KindOffset}

// Default returns a registry holding the built-in readers.
//
// Each call returns a fresh registry, so callers may register their own
// readers without affecting others.
func Default() *Registry {
	r := NewRegistry()
	for _, kind := range builtins {
		_ = r.Register(string(kind), func(raw map[string]any, logger *log.Logger) (Reader, error) {
			s, err := DecodeStrategy(kind, raw)
			if err != nil {
				return nil, err
			}
			s.SetLogger(logger)
			return s.Reader()
		})
	}
	return r
}

// Register adds a constructor under name.
//
// Example:
//
//	reg := reader.Default()
//	err := reg.Register("vendor-xml", newVendorXML)
func (r *Registry) Register(name string, c Constructor) error {
	if name == "" {
		return errors.New("reader name is empty")
	}
	if c == nil {
		return fmt.Errorf("reader %q: constructor is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.constructors[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateReader, name)
	}
	r.constructors[name] = c
	return nil
}

// IsRegistered returns true if a constructor is registered under name.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.constructors[name]
	return ok
}

// New builds the reader registered under name, logging to logger.
func (r *Registry) New(name string, raw map[string]any, logger *log.Logger) (Reader, error) {
	r.mu.RLock()
	c := r.constructors[name]
	r.mu.RUnlock()

	if c == nil {
		return nil, errkind.New(errkind.Config, "build reader", name, ErrUnknownReader)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return c(raw, logger)
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
