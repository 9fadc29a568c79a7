package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/mschirtzinger/dirwatch/internal/backend"
	"github.com/mschirtzinger/dirwatch/internal/backend/rest"
	"github.com/mschirtzinger/dirwatch/internal/backend/sqlite"
	"github.com/mschirtzinger/dirwatch/internal/config"
	"github.com/mschirtzinger/dirwatch/internal/logging"
)

// agent is everything a command needs from the configuration.
type agent struct {
	cfg     *config.Config
	conns   []config.Connection
	logger  *log.Logger
	closers []io.Closer
}

// loadAgent reads the configuration and its connections and opens the log.
// It exits the process on failure.
func loadAgent() *agent {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	conns, err := config.LoadConnections(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading connections: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.New(cfg.Log)
	return &agent{cfg: cfg, conns: conns, logger: logger, closers: []io.Closer{closer}}
}

// openBackend connects to the configured backend.
func (a *agent) openBackend() (backend.Backend, error) {
	switch a.cfg.Backend.Kind {
	case config.BackendHTTP:
		client, err := rest.New(&rest.Config{
			BaseURL:  a.cfg.Backend.URL,
			Token:    a.cfg.Backend.Token,
			Timeout:  a.cfg.Backend.Timeout,
			RetryMax: a.cfg.Backend.RetryMax,
			Logger:   logging.Named(a.logger, "rest"),
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		db, err := sqlite.Open(a.cfg.Backend.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db)
		return db, nil
	}
}

// mustBackend is openBackend that exits on failure.
func (a *agent) mustBackend() backend.Backend {
	b, err := a.openBackend()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening %s backend: %v\n", a.cfg.Backend.Kind, err)
		os.Exit(1)
	}
	return b
}

// connection returns the connection with the given ID.
func (a *agent) connection(id string) (config.Connection, bool) {
	for _, c := range a.conns {
		if c.ID == id {
			return c, true
		}
	}
	return config.Connection{}, false
}

// mustConnection is connection that exits when id is unknown.
func (a *agent) mustConnection(id string) config.Connection {
	c, ok := a.connection(id)
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown connection %q\n", id)
		os.Exit(1)
	}
	return c
}

func (a *agent) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}
