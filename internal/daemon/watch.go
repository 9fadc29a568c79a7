package daemon

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mschirtzinger/dirwatch/internal/config"
)

// Claim-state suffixes. A claimed file's extension is replaced by one of
// these, so "a.csv" becomes "a.importing" and then "a.imported".
const (
	SuffixImporting = ".importing"
	SuffixImported  = ".imported"
)

// WatchSpec describes one watched directory tree. It must not change once a
// monitor has been initialized with it.
type WatchSpec struct {
	// Dir is the root directory.
	Dir string

	// Recursive watches subdirectories matching SubdirFilter as well.
	Recursive bool

	// FileFilter selects files to claim by name. Nil matches every file.
	FileFilter *regexp.Regexp

	// SubdirFilter selects subdirectories by full path. Nil matches all.
	SubdirFilter *regexp.Regexp

	// PollInterval is how often a detector checks for a settled change.
	PollInterval time.Duration

	// Debounce is the quiet period required after the last OS event.
	Debounce time.Duration

	// MaxFilesPerDirectory fails initialization of a directory holding
	// more files than this.
	MaxFilesPerDirectory int

	// MaxFileSizeKB rejects larger files before they are claimed.
	MaxFileSizeKB int

	// RecoverAbandoned processes leftover .importing files on Initialize.
	RecoverAbandoned bool
}

// WatchSpecs returns one spec per directory of c. The connection must have
// passed Validate.
func WatchSpecs(c *config.Connection) ([]WatchSpec, error) {
	var fileFilter *regexp.Regexp
	if c.FileNameFilter != "" {
		re, err := regexp.Compile(c.FileNameFilter)
		if err != nil {
			return nil, fmt.Errorf("invalid file name filter: %w", err)
		}
		fileFilter = re
	}
	subdirFilter, err := regexp.Compile(c.SubdirectoryFilter)
	if err != nil {
		return nil, fmt.Errorf("invalid subdirectory filter: %w", err)
	}

	specs := make([]WatchSpec, 0, len(c.Directories))
	for _, dir := range c.Directories {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
		}
		specs = append(specs, WatchSpec{
			Dir:                  abs,
			Recursive:            c.IncludeSubdirectories,
			FileFilter:           fileFilter,
			SubdirFilter:         subdirFilter,
			PollInterval:         c.PollInterval,
			Debounce:             c.Debounce,
			MaxFilesPerDirectory: c.MaxFilesPerDirectory,
			MaxFileSizeKB:        c.MaxFileSizeKB,
			RecoverAbandoned:     c.RecoverAbandoned,
		})
	}
	return specs, nil
}

// isClaimState reports whether name carries a claim-state suffix.
func isClaimState(name string) bool {
	return strings.HasSuffix(name, SuffixImporting) || strings.HasSuffix(name, SuffixImported)
}

// MatchFile reports whether the file called name should be claimed.
// Files already in a claim state never match.
func (s *WatchSpec) MatchFile(name string) bool {
	if isClaimState(name) {
		return false
	}
	return s.FileFilter == nil || s.FileFilter.MatchString(name)
}

// MatchDir reports whether the subdirectory at path should be watched.
func (s *WatchSpec) MatchDir(path string) bool {
	return s.SubdirFilter == nil || s.SubdirFilter.MatchString(path)
}

// maxBytes returns the size ceiling in bytes, or 0 for none.
func (s *WatchSpec) maxBytes() int64 {
	if s.MaxFileSizeKB <= 0 {
		return 0
	}
	return int64(s.MaxFileSizeKB) * 1024
}
