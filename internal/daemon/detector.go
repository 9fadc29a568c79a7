package daemon

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mschirtzinger/dirwatch/internal/fingerprint"
)

// DetectorState is the lifecycle state of a Detector.
type DetectorState int

const (
	// StateStopped is the state before Start and after Stop.
	StateStopped DetectorState = iota
	// StateStarting means the OS watch is registered and the baseline
	// fingerprint is being computed.
	StateStarting
	// StateRunning means changes are being detected.
	StateRunning
)

// String returns a human-readable representation of the state.
func (s DetectorState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// DetectorConfig holds configuration for a Detector.
type DetectorConfig struct {
	// PollInterval is how often the debounce window is checked (default: 1s)
	PollInterval time.Duration

	// Debounce is the quiet period after the last OS event before the
	// directory is fingerprinted (default: 1s)
	Debounce time.Duration

	// StartupTimeout bounds the wait for the detection loop to become
	// ready (default: 10s)
	StartupTimeout time.Duration

	// Logger for detector activity
	Logger *log.Logger
}

// DefaultDetectorConfig returns sensible defaults.
func DefaultDetectorConfig() *DetectorConfig {
	return &DetectorConfig{
		PollInterval:   time.Second,
		Debounce:       time.Second,
		StartupTimeout: 10 * time.Second,
		Logger:         log.New(os.Stderr, "[detector] ", log.LstdFlags),
	}
}

// Detector reports meaningful changes to one directory.
//
// OS notifications only mark the directory dirty. Once per poll interval the
// detector checks whether the debounce window has passed since the latest
// notification; if so it fingerprints the directory and invokes the callback
// only when the fingerprint differs from the previous one. The callback runs
// on its own goroutine and may call Stop.
type Detector struct {
	dir      string
	config   *DetectorConfig
	onChange func(dir string)

	mu      sync.Mutex
	state   DetectorState
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	// guarded by changeMu
	changeMu   sync.Mutex
	lastChange time.Time
	dirty      bool

	// owned by the detection loop
	baseline fingerprint.Digest
	lost     bool

	digest func(dir string) (fingerprint.Digest, error)
}

// NewDetector creates a detector for dir. It must be started with Start
// before onChange is ever called.
func NewDetector(dir string, onChange func(dir string), config *DetectorConfig) (*Detector, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if onChange == nil {
		return nil, fmt.Errorf("onChange cannot be nil")
	}
	defaults := DefaultDetectorConfig()
	if config == nil {
		config = defaults
	}
	c := *config
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.Debounce < 0 {
		c.Debounce = 0
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = defaults.StartupTimeout
	}
	if c.Logger == nil {
		c.Logger = defaults.Logger
	}

	return &Detector{
		dir:      dir,
		config:   &c,
		onChange: onChange,
		digest:   flatDigest,
	}, nil
}

func flatDigest(dir string) (fingerprint.Digest, error) {
	return fingerprint.Directory(dir, false)
}

// Dir returns the watched directory.
func (d *Detector) Dir() string {
	return d.dir
}

// State returns the current lifecycle state.
func (d *Detector) State() DetectorState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Start registers the OS watch, computes the baseline fingerprint and
// starts the detection loop. It returns an error if the loop does not report
// ready within StartupTimeout.
func (d *Detector) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateStopped {
		return fmt.Errorf("detector for %s already %s", d.dir, d.state)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(d.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory %s: %w", d.dir, err)
	}

	d.state = StateStarting
	d.watcher = watcher
	d.done = make(chan struct{})
	ready := make(chan struct{})

	d.wg.Add(1)
	go d.run(watcher, d.done, ready)

	select {
	case <-ready:
		d.state = StateRunning
		return nil
	case <-time.After(d.config.StartupTimeout):
		d.shutdown()
		return fmt.Errorf("detector for %s not ready after %s", d.dir, d.config.StartupTimeout)
	}
}

// Stop ends the detection loop and releases the OS watch. It is safe to
// call from inside the change callback and more than once.
func (d *Detector) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateStopped {
		return nil
	}
	return d.shutdown()
}

// shutdown must be called with mu held.
func (d *Detector) shutdown() error {
	d.state = StateStopped
	close(d.done)

	// Closing the watcher unblocks the event loop
	err := d.watcher.Close()
	d.wg.Wait()
	d.watcher = nil

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// run is the detection loop.
func (d *Detector) run(watcher *fsnotify.Watcher, done, ready chan struct{}) {
	defer d.wg.Done()

	baseline, err := d.digest(d.dir)
	if err != nil {
		d.config.Logger.Printf("Warning: initial fingerprint of %s failed, retrying next poll: %v", d.dir, err)
		d.markChanged(time.Now())
	}
	d.baseline = baseline
	d.lost = false
	close(ready)

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && filepath.Clean(event.Name) == filepath.Clean(d.dir) {
				d.markLost()
			}
			d.markChanged(time.Now())

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error on %s: %v", d.dir, err)
			// An overflow drops events, so assume something changed
			d.markChanged(time.Now())

		case now := <-ticker.C:
			d.rewatch(watcher, now)
			d.poll(now)
		}
	}
}

func (d *Detector) markChanged(at time.Time) {
	d.changeMu.Lock()
	defer d.changeMu.Unlock()

	d.lastChange = at
	d.dirty = true
}

// settled reports whether a change is pending and the debounce window has
// passed since the latest one, clearing the pending mark if so.
func (d *Detector) settled(now time.Time) bool {
	d.changeMu.Lock()
	defer d.changeMu.Unlock()

	if !d.dirty || now.Sub(d.lastChange) < d.config.Debounce {
		return false
	}
	d.dirty = false
	return true
}

// poll fingerprints the directory once a change has settled and fires the
// callback if the fingerprint moved.
func (d *Detector) poll(now time.Time) {
	if !d.settled(now) {
		return
	}

	digest, err := d.digest(d.dir)
	if err != nil {
		d.config.Logger.Printf("Fingerprint of %s failed, retrying next poll: %v", d.dir, err)
		d.markChanged(d.lastChangeTime())
		return
	}
	if digest == d.baseline {
		return
	}
	d.baseline = digest
	if digest == fingerprint.Missing {
		d.markLost()
	}

	go d.onChange(d.dir)
}

// markLost records that the OS watch went away with the directory.
func (d *Detector) markLost() {
	if d.lost {
		return
	}
	d.lost = true
	d.config.Logger.Printf("Directory %s is gone, waiting for it to reappear", d.dir)
}

// rewatch registers the OS watch again once a vanished directory is back
// and schedules a fingerprint of whatever it now holds.
func (d *Detector) rewatch(watcher *fsnotify.Watcher, now time.Time) {
	if !d.lost {
		return
	}
	if info, err := os.Stat(d.dir); err != nil || !info.IsDir() {
		return
	}
	if err := watcher.Add(d.dir); err != nil {
		d.config.Logger.Printf("Re-watching %s failed, retrying next poll: %v", d.dir, err)
		return
	}
	d.lost = false
	d.config.Logger.Printf("Re-watching %s", d.dir)
	d.markChanged(now)
}

func (d *Detector) lastChangeTime() time.Time {
	d.changeMu.Lock()
	defer d.changeMu.Unlock()
	return d.lastChange
}
