package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mschirtzinger/dirwatch/internal/errkind"
	"github.com/mschirtzinger/dirwatch/internal/logging"
	"github.com/mschirtzinger/dirwatch/internal/reader"
)

// Handler reads and ingests one claimed file. A non-nil error abandons the
// file, leaving it .importing.
type Handler func(ctx context.Context, f reader.File) error

// MonitorConfig holds configuration for a Monitor.
type MonitorConfig struct {
	// Connection labels events and log lines
	Connection string

	// StartupTimeout bounds each detector's startup (default: 10s)
	StartupTimeout time.Duration

	// Observer receives file and directory events (default: NopObserver)
	Observer Observer

	// Logger for monitor activity
	Logger *log.Logger
}

// DefaultMonitorConfig returns sensible defaults.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		StartupTimeout: 10 * time.Second,
		Observer:       NopObserver{},
		Logger:         log.New(os.Stderr, "[monitor] ", log.LstdFlags),
	}
}

// Monitor watches one directory tree and claims matching files.
//
// It owns one Detector per watched directory. Detector callbacks are
// serialized by the monitor's mutex: each one re-derives the set of watched
// subdirectories from the filesystem, then claims and processes the matching
// files of the directory that changed. Monitors for different trees share
// nothing and run in parallel.
type Monitor struct {
	spec   WatchSpec
	handle Handler
	config *MonitorConfig

	mu        sync.Mutex
	running   bool
	ctx       context.Context
	detectors map[string]*Detector
}

// NewMonitor creates a monitor for spec. Nothing is watched until
// Initialize succeeds.
func NewMonitor(spec WatchSpec, handle Handler, config *MonitorConfig) (*Monitor, error) {
	if spec.Dir == "" {
		return nil, fmt.Errorf("watch directory cannot be empty")
	}
	if handle == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	defaults := DefaultMonitorConfig()
	if config == nil {
		config = defaults
	}
	c := *config
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = defaults.StartupTimeout
	}
	if c.Observer == nil {
		c.Observer = defaults.Observer
	}
	if c.Logger == nil {
		c.Logger = defaults.Logger
	}

	abs, err := filepath.Abs(spec.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", spec.Dir, err)
	}
	spec.Dir = abs

	return &Monitor{
		spec:      spec,
		handle:    handle,
		config:    &c,
		detectors: make(map[string]*Detector),
	}, nil
}

// Spec returns the monitor's watch spec.
func (m *Monitor) Spec() WatchSpec {
	return m.spec
}

// Initialize checks every matched directory against the file-count ceiling,
// starts a detector for each and claims the files already present.
//
// A missing root or a directory over the ceiling is an errkind.Config error
// and no detector is started. File processing uses ctx for its values only:
// cancelling ctx does not interrupt a file already claimed.
func (m *Monitor) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("monitor for %s already initialized", m.spec.Dir)
	}

	info, err := os.Stat(m.spec.Dir)
	if err != nil {
		return errkind.New(errkind.Config, "initialize", m.spec.Dir, err)
	}
	if !info.IsDir() {
		return errkind.Newf(errkind.Config, "initialize", m.spec.Dir, "not a directory")
	}

	dirs, err := m.matchedDirs()
	if err != nil {
		return errkind.New(errkind.Config, "initialize", m.spec.Dir, err)
	}
	for _, dir := range dirs {
		if err := m.checkCeiling(dir); err != nil {
			return err
		}
	}

	m.ctx = context.WithoutCancel(ctx)
	m.running = true

	for _, dir := range dirs {
		if err := m.watch(dir); err != nil {
			m.stopDetectors()
			m.running = false
			return errkind.New(errkind.Directory, "initialize", dir, err)
		}
	}

	m.config.Logger.Printf("Watching %d director%s under %s", len(dirs), plural(len(dirs), "y", "ies"), m.spec.Dir)

	for _, dir := range dirs {
		if m.spec.RecoverAbandoned {
			m.recoverAbandoned(dir)
		}
		m.scan(dir)
	}
	return nil
}

// OnDirectoryChanged is the detector callback. Modification and deletion
// are handled alike: the filesystem is re-read rather than trusting the
// event.
func (m *Monitor) OnDirectoryChanged(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	if m.spec.Recursive {
		m.rediff()
	}
	if _, ok := m.detectors[dir]; !ok {
		return
	}
	m.scan(dir)
}

// Stop stops every detector. A file being processed finishes first.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false
	m.stopDetectors()
	m.config.Logger.Printf("Stopped watching %s", m.spec.Dir)
}

// Directories returns the watched directories in sorted order.
func (m *Monitor) Directories() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	dirs := make([]string, 0, len(m.detectors))
	for dir := range m.detectors {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

// matchedDirs returns the root followed by every matching subdirectory when
// watching recursively.
func (m *Monitor) matchedDirs() ([]string, error) {
	dirs := []string{m.spec.Dir}
	if !m.spec.Recursive {
		return dirs, nil
	}

	err := filepath.WalkDir(m.spec.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == m.spec.Dir {
				return err
			}
			// Vanished or unreadable: picked up on a later rediff
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if path == m.spec.Dir || !d.IsDir() {
			return nil
		}
		if m.spec.MatchDir(path) {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dirs, nil
}

// checkCeiling fails if dir holds more files than the configured maximum.
func (m *Monitor) checkCeiling(dir string) error {
	if m.spec.MaxFilesPerDirectory <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errkind.New(errkind.Config, "initialize", dir, err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	if n > m.spec.MaxFilesPerDirectory {
		return errkind.Newf(errkind.Config, "initialize", dir,
			"%w (%d > %d)", errkind.ErrTooManyFiles, n, m.spec.MaxFilesPerDirectory)
	}
	return nil
}

// watch starts a detector for dir. Must be called with mu held.
func (m *Monitor) watch(dir string) error {
	d, err := NewDetector(dir, m.OnDirectoryChanged, &DetectorConfig{
		PollInterval:   m.spec.PollInterval,
		Debounce:       m.spec.Debounce,
		StartupTimeout: m.config.StartupTimeout,
		Logger:         logging.Named(m.config.Logger, "detector"),
	})
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}
	m.detectors[dir] = d
	m.config.Observer.DirectoryEvent(DirectoryEvent{
		Connection: m.config.Connection, Dir: dir, Added: true, Time: time.Now(),
	})
	return nil
}

// unwatch stops and forgets the detector for dir. Must be called with mu
// held.
func (m *Monitor) unwatch(dir string) {
	d, ok := m.detectors[dir]
	if !ok {
		return
	}
	if err := d.Stop(); err != nil {
		m.config.Logger.Printf("Warning: stopping detector for %s: %v", dir, err)
	}
	delete(m.detectors, dir)
	m.config.Observer.DirectoryEvent(DirectoryEvent{
		Connection: m.config.Connection, Dir: dir, Added: false, Time: time.Now(),
	})
}

func (m *Monitor) stopDetectors() {
	for dir := range m.detectors {
		m.unwatch(dir)
	}
}

// rediff brings the detector set in line with the subdirectories on disk.
// New directories are checked against the ceiling, watched and scanned.
func (m *Monitor) rediff() {
	dirs, err := m.matchedDirs()
	if err != nil {
		m.config.Logger.Printf("Listing subdirectories of %s failed, retrying on next change: %v", m.spec.Dir, err)
		return
	}

	want := make(map[string]bool, len(dirs))
	for _, dir := range dirs {
		want[dir] = true
	}
	for dir := range m.detectors {
		if !want[dir] {
			m.config.Logger.Printf("Directory %s is gone or no longer matches, unwatching", dir)
			m.unwatch(dir)
		}
	}

	for _, dir := range dirs {
		if _, ok := m.detectors[dir]; ok {
			continue
		}
		if err := m.checkCeiling(dir); err != nil {
			m.config.Logger.Printf("Error: not monitoring %s: %v", dir, err)
			continue
		}
		if err := m.watch(dir); err != nil {
			m.config.Logger.Printf("Error: not monitoring %s: %v", dir, err)
			continue
		}
		m.config.Logger.Printf("Watching new directory %s", dir)
		m.scan(dir)
	}
}

// scan claims and processes the matching files directly inside dir, in
// name order. Must be called with mu held.
func (m *Monitor) scan(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		m.config.Logger.Printf("Reading %s failed, retrying on next change: %v", dir, err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !m.spec.MatchFile(e.Name()) {
			continue
		}
		m.process(Discover(filepath.Join(dir, e.Name())))
	}
}

// recoverAbandoned hands leftover .importing files in dir straight to the
// handler. Must be called with mu held.
func (m *Monitor) recoverAbandoned(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		m.config.Logger.Printf("Reading %s failed: %v", dir, err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), SuffixImporting) {
			continue
		}
		m.config.Logger.Printf("Recovering abandoned %s", e.Name())
		m.process(Reclaim(filepath.Join(dir, e.Name())))
	}
}

// process takes f through the claim protocol. Failures are logged and
// reported; they never stop the scan.
func (m *Monitor) process(f *ClaimedFile) {
	if f.State == Discovered {
		if err := f.Claim(m.spec.maxBytes()); err != nil {
			if errors.Is(err, errkind.ErrFileTooLarge) {
				m.config.Logger.Printf("Rejecting %s: %v", filepath.Base(f.OriginalPath), err)
				m.emit(f, FileRejected, err)
				return
			}
			m.config.Logger.Printf("Could not claim %s, retrying on next change: %v", filepath.Base(f.OriginalPath), err)
			return
		}
	}
	m.emit(f, FileClaimed, nil)

	err := m.handle(m.ctx, reader.File{ClaimedPath: f.ClaimedPath, OriginalPath: f.OriginalPath})
	if err != nil {
		f.Abandon()
		m.config.Logger.Printf("Error: processing %s failed, leaving %s: %v",
			filepath.Base(f.OriginalPath), filepath.Base(f.ClaimedPath), err)
		m.emit(f, FileAbandoned, err)
		return
	}

	if err := f.Complete(); err != nil {
		m.config.Logger.Printf("Error: %v", err)
		m.emit(f, FileAbandoned, err)
		return
	}
	m.config.Logger.Printf("Imported %s", filepath.Base(f.OriginalPath))
	m.emit(f, FileImported, nil)
}

func (m *Monitor) emit(f *ClaimedFile, outcome FileOutcome, err error) {
	m.config.Observer.FileEvent(FileEvent{
		Connection: m.config.Connection,
		File:       *f,
		Outcome:    outcome,
		Err:        err,
		Time:       time.Now(),
	})
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
