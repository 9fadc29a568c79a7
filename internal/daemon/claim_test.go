package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mschirtzinger/dirwatch/internal/errkind"
)

func writeData(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readData(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	return string(b)
}

// TestClaimPath verifies that the extension is replaced by the suffix.
func TestClaimPath(t *testing.T) {
	tests := []struct {
		path, suffix, want string
	}{
		{"/in/a.csv", SuffixImporting, "/in/a.importing"},
		{"/in/a.b.csv", SuffixImporting, "/in/a.b.importing"},
		{"/in/noext", SuffixImporting, "/in/noext.importing"},
		{"/in/a.importing", SuffixImported, "/in/a.imported"},
	}
	for _, tt := range tests {
		if got := claimPath(tt.path, tt.suffix); got != tt.want {
			t.Errorf("claimPath(%q, %q) = %q, want %q", tt.path, tt.suffix, got, tt.want)
		}
	}
}

// TestClaimedFile_Lifecycle verifies Discovered → Claimed → Done.
func TestClaimedFile_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "a.csv")
	writeData(t, orig, "new")

	f := Discover(orig)
	if f.State != Discovered {
		t.Fatalf("State = %s, want discovered", f.State)
	}

	if err := f.Claim(0); err != nil {
		t.Fatalf("Claim() failed: %v", err)
	}
	if f.State != Claimed {
		t.Errorf("State = %s, want claimed", f.State)
	}
	if f.ClaimedPath != filepath.Join(dir, "a.importing") {
		t.Errorf("ClaimedPath = %s", f.ClaimedPath)
	}
	if exists(orig) || !exists(f.ClaimedPath) {
		t.Error("Claim() did not rename the file")
	}

	if err := f.Complete(); err != nil {
		t.Fatalf("Complete() failed: %v", err)
	}
	if f.State != Done {
		t.Errorf("State = %s, want done", f.State)
	}
	if got := readData(t, filepath.Join(dir, "a.imported")); got != "new" {
		t.Errorf("imported content = %q, want %q", got, "new")
	}
	if exists(f.ClaimedPath) {
		t.Error("Complete() left the .importing file")
	}

	if err := f.Complete(); err == nil {
		t.Error("Complete() on a done file should fail")
	}
	if err := f.Claim(0); err == nil {
		t.Error("Claim() on a done file should fail")
	}
}

// TestClaimedFile_ReplacesStaleTargets verifies that stale files at either
// rename target are deleted first.
func TestClaimedFile_ReplacesStaleTargets(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "a.csv")
	writeData(t, orig, "new")
	writeData(t, filepath.Join(dir, "a.importing"), "stale claim")
	writeData(t, filepath.Join(dir, "a.imported"), "previous import")

	f := Discover(orig)
	if err := f.Claim(0); err != nil {
		t.Fatalf("Claim() failed: %v", err)
	}
	if got := readData(t, f.ClaimedPath); got != "new" {
		t.Errorf(".importing content = %q, want %q", got, "new")
	}
	if err := f.Complete(); err != nil {
		t.Fatalf("Complete() failed: %v", err)
	}
	if got := readData(t, f.ImportedPath()); got != "new" {
		t.Errorf(".imported content = %q, want %q", got, "new")
	}
}

// TestClaimedFile_RejectsOversized verifies the size ceiling is checked
// before any rename.
func TestClaimedFile_RejectsOversized(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "big.csv")
	writeData(t, orig, strings.Repeat("x", 2048))

	f := Discover(orig)
	err := f.Claim(1024)
	if err == nil {
		t.Fatal("Claim() of an oversized file should fail")
	}
	if !errors.Is(err, errkind.ErrFileTooLarge) {
		t.Errorf("Claim() error = %v, want ErrFileTooLarge", err)
	}
	if f.State != Discovered {
		t.Errorf("State = %s, want discovered", f.State)
	}
	if !exists(orig) || exists(filepath.Join(dir, "big.importing")) {
		t.Error("oversized file was renamed")
	}

	// Exactly at the ceiling is fine
	if err := f.Claim(2048); err != nil {
		t.Errorf("Claim() at the ceiling failed: %v", err)
	}
}

// TestClaimedFile_VanishedIsTransient verifies that losing a race for the
// file is retryable.
func TestClaimedFile_VanishedIsTransient(t *testing.T) {
	f := Discover(filepath.Join(t.TempDir(), "gone.csv"))
	err := f.Claim(0)
	if !errkind.IsRetryable(err) {
		t.Errorf("Claim() error = %v, want a transient error", err)
	}
	if f.State != Discovered {
		t.Errorf("State = %s, want discovered", f.State)
	}
}

// TestClaimedFile_Abandon verifies that abandoning leaves the claim in
// place.
func TestClaimedFile_Abandon(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "a.csv")
	writeData(t, orig, "data")

	f := Discover(orig)
	if err := f.Claim(0); err != nil {
		t.Fatalf("Claim() failed: %v", err)
	}
	f.Abandon()
	if f.State != Abandoned {
		t.Errorf("State = %s, want abandoned", f.State)
	}
	if !exists(f.ClaimedPath) {
		t.Error("abandoned file should stay .importing")
	}

	r := Reclaim(f.ClaimedPath)
	if r.State != Claimed || r.OriginalPath != f.ClaimedPath {
		t.Errorf("Reclaim() = %+v", r)
	}
	if err := r.Complete(); err != nil {
		t.Fatalf("Complete() of a reclaimed file failed: %v", err)
	}
	if !exists(filepath.Join(dir, "a.imported")) {
		t.Error("reclaimed file not imported")
	}
}

// TestWatchSpec_MatchFile verifies claim-state files never match.
func TestWatchSpec_MatchFile(t *testing.T) {
	all := WatchSpec{}
	for name, want := range map[string]bool{
		"a.csv":       true,
		"a":           true,
		"a.importing": false,
		"a.imported":  false,
	} {
		if got := all.MatchFile(name); got != want {
			t.Errorf("MatchFile(%q) = %v, want %v", name, got, want)
		}
	}
}
