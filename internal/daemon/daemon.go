package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/dirwatch/internal/backend"
	"github.com/mschirtzinger/dirwatch/internal/config"
	"github.com/mschirtzinger/dirwatch/internal/errkind"
	"github.com/mschirtzinger/dirwatch/internal/ingest"
	"github.com/mschirtzinger/dirwatch/internal/logging"
	"github.com/mschirtzinger/dirwatch/internal/reader"
)

// Config holds configuration for the daemon.
type Config struct {
	// Registry builds each connection's reader (default: reader.Default())
	Registry *reader.Registry

	// Observer receives file, packet and directory events
	// (default: NopObserver)
	Observer Observer

	// StartupTimeout bounds each detector's startup (default: 10s)
	StartupTimeout time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Registry:       reader.Default(),
		Observer:       NopObserver{},
		StartupTimeout: 10 * time.Second,
		Logger:         log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// connection is one enabled connection wired to its reader and pipeline.
type connection struct {
	conn     config.Connection
	reader   reader.Reader
	pipeline *ingest.Pipeline
	specs    []WatchSpec
	observer Observer
	logger   *log.Logger
}

// Daemon runs every enabled connection against one backend.
type Daemon struct {
	config *Config

	conns []*connection
	byID  map[string]*connection

	mu        sync.Mutex
	running   bool
	monitors  []*Monitor
	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a daemon for conns writing to b.
//
// Every enabled connection gets a reader from the registry, a catalog of
// its signals or conditions and a pipeline bound to b. Disabled connections
// are ignored. Connections must already have passed Validate.
//
// Use Start() to begin watching.
func New(b backend.Backend, conns []config.Connection, cfg *Config) (*Daemon, error) {
	if b == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	defaults := DefaultConfig()
	if cfg == nil {
		cfg = defaults
	}
	c := *cfg
	if c.Registry == nil {
		c.Registry = defaults.Registry
	}
	if c.Observer == nil {
		c.Observer = defaults.Observer
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = defaults.StartupTimeout
	}
	if c.Logger == nil {
		c.Logger = defaults.Logger
	}

	d := &Daemon{
		config: &c,
		byID:   make(map[string]*connection),
		ready:  make(chan struct{}),
	}

	for i := range conns {
		conn := conns[i]
		if !conn.Enabled {
			c.Logger.Printf("Connection %s is disabled, skipping", conn.ID)
			continue
		}
		if _, dup := d.byID[conn.ID]; dup {
			return nil, errkind.Newf(errkind.Config, "new daemon", conn.ID, "duplicate connection ID")
		}

		r, err := c.Registry.New(conn.Reader, conn.ReaderSettings(), logging.Named(c.Logger, "reader:"+conn.ID))
		if err != nil {
			return nil, fmt.Errorf("connection %s: %w", conn.ID, err)
		}
		specs, err := WatchSpecs(&conn)
		if err != nil {
			return nil, errkind.New(errkind.Config, "new daemon", conn.ID, err)
		}

		logger := logging.Named(c.Logger, conn.ID)
		pc := &connection{
			conn:     conn,
			reader:   r,
			pipeline: ingest.New(b, conn.IngestOptions(logging.Named(c.Logger, "ingest:"+conn.ID))),
			specs:    specs,
			observer: c.Observer,
			logger:   logger,
		}
		d.conns = append(d.conns, pc)
		d.byID[conn.ID] = pc
	}

	return d, nil
}

// Connections returns the IDs of the enabled connections in order.
func (d *Daemon) Connections() []string {
	ids := make([]string, 0, len(d.conns))
	for _, c := range d.conns {
		ids = append(ids, c.conn.ID)
	}
	return ids
}

// Ready is closed once Start has initialized every monitor it could.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Start begins the daemon's operation.
//
// The daemon will:
//  1. Ensure each connection's hierarchy root exists
//  2. Initialize every directory monitor in parallel, claiming files
//     already present
//  3. Keep watching until ctx is cancelled, then stop all monitors
//
// A connection whose root cannot be created, or a monitor that fails to
// initialize, is logged and skipped. Start returns an errkind.Config error
// only if nothing at all could be watched.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.mu.Unlock()

	d.config.Logger.Println("Starting daemon")

	monitors := d.initialize(ctx)

	d.mu.Lock()
	d.monitors = monitors
	d.mu.Unlock()
	d.readyOnce.Do(func() { close(d.ready) })

	if len(monitors) == 0 {
		d.config.Logger.Println("No directory could be monitored")
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return errkind.Newf(errkind.Config, "start", "", "no directory could be monitored")
	}

	<-ctx.Done()
	d.config.Logger.Println("Shutdown signal received")
	d.Stop()
	return nil
}

// initialize ensures roots and starts monitors, returning the ones running.
func (d *Daemon) initialize(ctx context.Context) []*Monitor {
	var (
		mu      sync.Mutex
		started []*Monitor
		g       errgroup.Group
	)

	for _, c := range d.conns {
		g.Go(func() error {
			if !c.conn.NoTree {
				if err := c.pipeline.EnsureRoot(ctx, c.conn.RootName); err != nil {
					c.logger.Printf("Error: connection disabled, cannot create root %q: %v", c.conn.RootName, err)
					return nil
				}
			}

			var inner errgroup.Group
			for _, spec := range c.specs {
				inner.Go(func() error {
					m, err := NewMonitor(spec, c.process, &MonitorConfig{
						Connection:     c.conn.ID,
						StartupTimeout: d.config.StartupTimeout,
						Observer:       c.observer,
						Logger:         c.logger,
					})
					if err != nil {
						c.logger.Printf("Error: not monitoring %s: %v", spec.Dir, err)
						return nil
					}
					if err := m.Initialize(ctx); err != nil {
						c.logger.Printf("Error: not monitoring %s: %v", spec.Dir, err)
						return nil
					}
					mu.Lock()
					started = append(started, m)
					mu.Unlock()
					return nil
				})
			}
			return inner.Wait()
		})
	}
	// Failures are per monitor and already logged
	_ = g.Wait()

	return started
}

// Stop stops every monitor. Files being processed finish first.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}
	d.config.Logger.Println("Stopping daemon")
	for _, m := range d.monitors {
		m.Stop()
	}
	d.monitors = nil
	d.running = false
	d.config.Logger.Println("Daemon stopped")
}

// Monitors returns the running monitors.
func (d *Daemon) Monitors() []*Monitor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Monitor(nil), d.monitors...)
}

// IngestFile reads path with the connection's reader and ingests every
// packet, without claiming the file. The file is left where it is.
//
// The returned results hold per-leaf outcomes. The error is non-nil when
// the file could not be read or a packet was aborted.
func (d *Daemon) IngestFile(ctx context.Context, connID, path string) ([]*ingest.Result, error) {
	c, ok := d.byID[connID]
	if !ok {
		return nil, errkind.Newf(errkind.Config, "ingest", path, "unknown connection %q", connID)
	}
	if !c.conn.NoTree {
		if err := c.pipeline.EnsureRoot(ctx, c.conn.RootName); err != nil {
			return nil, err
		}
	}
	return c.ingest(ctx, reader.File{ClaimedPath: path, OriginalPath: path})
}

// process is the monitor Handler for the connection.
func (c *connection) process(ctx context.Context, f reader.File) error {
	_, err := c.ingest(ctx, f)
	return err
}

// ingest reads f and sends each packet through the pipeline. A packet that
// aborts stops the read and fails the file; failed leaves do not.
func (c *connection) ingest(ctx context.Context, f reader.File) ([]*ingest.Result, error) {
	var results []*ingest.Result
	err := c.reader.Read(ctx, f, func(pkt ingest.Packet) error {
		res := c.pipeline.Ingest(ctx, pkt)
		results = append(results, res)
		c.observer.PacketIngested(c.conn.ID, res)
		if res.Err != nil {
			return errkind.New(errkind.File, "ingest", f.OriginalPath, res.Err)
		}
		return nil
	})
	if err != nil {
		return results, err
	}
	return results, nil
}
