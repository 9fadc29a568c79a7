package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/dirwatch/internal/errkind"
	"github.com/mschirtzinger/dirwatch/internal/ingest"
	"github.com/mschirtzinger/dirwatch/internal/logging"
	"github.com/mschirtzinger/dirwatch/internal/reader"
)

// recorder is an Observer that keeps every event.
type recorder struct {
	mu      sync.Mutex
	files   []FileEvent
	dirs    []DirectoryEvent
	packets []*ingest.Result
}

func (r *recorder) FileEvent(ev FileEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = append(r.files, ev)
}

func (r *recorder) PacketIngested(_ string, res *ingest.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, res)
}

func (r *recorder) DirectoryEvent(ev DirectoryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirs = append(r.dirs, ev)
}

// outcomes returns the base names of files that reached outcome.
func (r *recorder) outcomes(outcome FileOutcome) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, ev := range r.files {
		if ev.Outcome == outcome {
			names = append(names, filepath.Base(ev.File.OriginalPath))
		}
	}
	return names
}

// handled records the files a Handler was called with.
type handled struct {
	mu    sync.Mutex
	files []reader.File
	fail  map[string]error
}

func (h *handled) handle(_ context.Context, f reader.File) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files = append(h.files, f)
	return h.fail[filepath.Base(f.OriginalPath)]
}

func (h *handled) names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.files))
	for _, f := range h.files {
		names = append(names, filepath.Base(f.OriginalPath))
	}
	return names
}

func testSpec(dir string) WatchSpec {
	return WatchSpec{
		Dir:                  dir,
		PollInterval:         20 * time.Millisecond,
		Debounce:             40 * time.Millisecond,
		MaxFilesPerDirectory: 500,
		MaxFileSizeKB:        50,
	}
}

func newTestMonitor(t *testing.T, spec WatchSpec, h *handled, obs Observer) *Monitor {
	t.Helper()
	m, err := NewMonitor(spec, h.handle, &MonitorConfig{
		Connection: "test",
		Observer:   obs,
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func TestMonitorInitializeClaimsPresentFiles(t *testing.T) {
	dir := t.TempDir()
	writeData(t, filepath.Join(dir, "b.csv"), "b")
	writeData(t, filepath.Join(dir, "a.csv"), "a")
	writeData(t, filepath.Join(dir, "old.imported"), "done")

	h := &handled{}
	rec := &recorder{}
	m := newTestMonitor(t, testSpec(dir), h, rec)
	require.NoError(t, m.Initialize(context.Background()))

	assert.Equal(t, []string{"a.csv", "b.csv"}, h.names())
	assert.Equal(t, filepath.Join(dir, "a.importing"), h.files[0].ClaimedPath)
	assert.True(t, exists(filepath.Join(dir, "a.imported")))
	assert.True(t, exists(filepath.Join(dir, "b.imported")))
	assert.Equal(t, []string{"a.csv", "b.csv"}, rec.outcomes(FileImported))
	assert.Equal(t, []string{dir}, m.Directories())

	require.Error(t, m.Initialize(context.Background()), "second Initialize should fail")
}

func TestMonitorClaimsNewFiles(t *testing.T) {
	dir := t.TempDir()
	h := &handled{}
	m := newTestMonitor(t, testSpec(dir), h, NopObserver{})
	require.NoError(t, m.Initialize(context.Background()))

	writeData(t, filepath.Join(dir, "a.csv"), "a")

	require.Eventually(t, func() bool {
		return exists(filepath.Join(dir, "a.imported"))
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"a.csv"}, h.names())
}

func TestMonitorFileFilter(t *testing.T) {
	dir := t.TempDir()
	writeData(t, filepath.Join(dir, "a.csv"), "a")
	writeData(t, filepath.Join(dir, "notes.txt"), "skip")

	spec := testSpec(dir)
	spec.FileFilter = regexp.MustCompile(`\.csv$`)

	h := &handled{}
	m := newTestMonitor(t, spec, h, NopObserver{})
	require.NoError(t, m.Initialize(context.Background()))

	assert.Equal(t, []string{"a.csv"}, h.names())
	assert.True(t, exists(filepath.Join(dir, "notes.txt")))
}

func TestMonitorAbandonsFailedFile(t *testing.T) {
	dir := t.TempDir()
	writeData(t, filepath.Join(dir, "bad.csv"), "bad")
	writeData(t, filepath.Join(dir, "good.csv"), "good")

	h := &handled{fail: map[string]error{"bad.csv": errors.New("parse failed")}}
	rec := &recorder{}
	m := newTestMonitor(t, testSpec(dir), h, rec)
	require.NoError(t, m.Initialize(context.Background()))

	assert.True(t, exists(filepath.Join(dir, "bad.importing")))
	assert.False(t, exists(filepath.Join(dir, "bad.imported")))
	assert.True(t, exists(filepath.Join(dir, "good.imported")))
	assert.Equal(t, []string{"bad.csv"}, rec.outcomes(FileAbandoned))
	assert.Equal(t, []string{"good.csv"}, rec.outcomes(FileImported))

	// Not retried on the next change
	writeData(t, filepath.Join(dir, "c.csv"), "c")
	require.Eventually(t, func() bool {
		return exists(filepath.Join(dir, "c.imported"))
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"bad.csv", "good.csv", "c.csv"}, h.names())
}

func TestMonitorRejectsOversizedFile(t *testing.T) {
	dir := t.TempDir()
	writeData(t, filepath.Join(dir, "big.csv"), string(make([]byte, 2*1024)))

	spec := testSpec(dir)
	spec.MaxFileSizeKB = 1

	h := &handled{}
	rec := &recorder{}
	m := newTestMonitor(t, spec, h, rec)
	require.NoError(t, m.Initialize(context.Background()))

	assert.Empty(t, h.names())
	assert.Equal(t, []string{"big.csv"}, rec.outcomes(FileRejected))
	assert.True(t, exists(filepath.Join(dir, "big.csv")))
}

func TestMonitorFileCountCeiling(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 501; i++ {
		writeData(t, filepath.Join(dir, fmt.Sprintf("f%03d.csv", i)), "x")
	}

	h := &handled{}
	rec := &recorder{}
	m := newTestMonitor(t, testSpec(dir), h, rec)

	err := m.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Config))
	assert.True(t, errors.Is(err, errkind.ErrTooManyFiles))

	assert.Empty(t, m.Directories(), "no detector may start")
	assert.Empty(t, rec.dirs)
	assert.Empty(t, h.names())
	assert.True(t, exists(filepath.Join(dir, "f000.csv")))
}

func TestMonitorCeilingInSubdirectoryFailsWholeTree(t *testing.T) {
	dir := t.TempDir()
	writeData(t, filepath.Join(dir, "a.csv"), "a")
	for i := 0; i < 3; i++ {
		writeData(t, filepath.Join(dir, "sub", fmt.Sprintf("f%d.csv", i)), "x")
	}

	spec := testSpec(dir)
	spec.Recursive = true
	spec.MaxFilesPerDirectory = 2

	h := &handled{}
	m := newTestMonitor(t, spec, h, NopObserver{})
	err := m.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Config))
	assert.Empty(t, h.names())
}

func TestMonitorMissingRoot(t *testing.T) {
	m := newTestMonitor(t, testSpec(filepath.Join(t.TempDir(), "missing")), &handled{}, NopObserver{})
	err := m.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Config))
}

func TestMonitorRecursive(t *testing.T) {
	dir := t.TempDir()
	writeData(t, filepath.Join(dir, "keep", "a.csv"), "a")
	writeData(t, filepath.Join(dir, "skip", "b.csv"), "b")

	spec := testSpec(dir)
	spec.Recursive = true
	spec.SubdirFilter = regexp.MustCompile(`(keep|new)$`)

	h := &handled{}
	rec := &recorder{}
	m := newTestMonitor(t, spec, h, rec)
	require.NoError(t, m.Initialize(context.Background()))

	assert.Equal(t, []string{dir, filepath.Join(dir, "keep")}, m.Directories())
	assert.Equal(t, []string{"a.csv"}, h.names())
	assert.True(t, exists(filepath.Join(dir, "skip", "b.csv")))

	// A new matching subdirectory is picked up and scanned
	writeData(t, filepath.Join(dir, "new", "c.csv"), "c")
	require.Eventually(t, func() bool {
		return exists(filepath.Join(dir, "new", "c.imported"))
	}, 3*time.Second, 20*time.Millisecond)
	assert.Contains(t, m.Directories(), filepath.Join(dir, "new"))

	// A removed subdirectory is unwatched
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "keep")))
	require.Eventually(t, func() bool {
		return len(m.Directories()) == 2
	}, 3*time.Second, 20*time.Millisecond)
	assert.NotContains(t, m.Directories(), filepath.Join(dir, "keep"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var removed []string
	for _, ev := range rec.dirs {
		if !ev.Added {
			removed = append(removed, ev.Dir)
		}
	}
	assert.Equal(t, []string{filepath.Join(dir, "keep")}, removed)
}

func TestMonitorRecoverAbandoned(t *testing.T) {
	dir := t.TempDir()
	writeData(t, filepath.Join(dir, "left.importing"), "half")

	t.Run("disabled", func(t *testing.T) {
		h := &handled{}
		m := newTestMonitor(t, testSpec(dir), h, NopObserver{})
		require.NoError(t, m.Initialize(context.Background()))
		m.Stop()

		assert.Empty(t, h.names())
		assert.True(t, exists(filepath.Join(dir, "left.importing")))
	})

	t.Run("enabled", func(t *testing.T) {
		spec := testSpec(dir)
		spec.RecoverAbandoned = true
		h := &handled{}
		m := newTestMonitor(t, spec, h, NopObserver{})
		require.NoError(t, m.Initialize(context.Background()))

		require.Len(t, h.files, 1)
		assert.Equal(t, filepath.Join(dir, "left.importing"), h.files[0].ClaimedPath)
		assert.True(t, exists(filepath.Join(dir, "left.imported")))
	})
}

func TestMonitorStop(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	h := &handled{}
	m := newTestMonitor(t, testSpec(dir), h, rec)
	require.NoError(t, m.Initialize(context.Background()))

	m.Stop()
	assert.Empty(t, m.Directories())

	// Callbacks after Stop are ignored
	writeData(t, filepath.Join(dir, "a.csv"), "a")
	m.OnDirectoryChanged(dir)
	assert.Empty(t, h.names())
	assert.True(t, exists(filepath.Join(dir, "a.csv")))
}
