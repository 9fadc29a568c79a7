package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mschirtzinger/dirwatch/internal/errkind"
)

// ClaimState is where a file is in the claim protocol.
type ClaimState int

const (
	// Discovered files match the filename predicate and have not been
	// renamed yet.
	Discovered ClaimState = iota
	// Claimed files have been renamed to .importing and are being read.
	Claimed
	// Done files have been renamed to .imported.
	Done
	// Abandoned files failed after the claim and stay .importing.
	Abandoned
)

// String returns a human-readable representation of the state.
func (s ClaimState) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Claimed:
		return "claimed"
	case Done:
		return "done"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// ClaimedFile tracks one file through the claim protocol. Transitions only
// move forward; an abandoned file is never renamed back.
type ClaimedFile struct {
	OriginalPath string
	ClaimedPath  string
	State        ClaimState
}

// claimPath returns path with its extension replaced by suffix.
func claimPath(path, suffix string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + suffix
}

// replace renames src to dst, deleting whatever is at dst first.
func replace(src, dst string) error {
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale %s: %w", filepath.Base(dst), err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(src), err)
	}
	return nil
}

// Discover returns a ClaimedFile for path in the Discovered state.
func Discover(path string) *ClaimedFile {
	return &ClaimedFile{OriginalPath: path, State: Discovered}
}

// Claim renames the file to its .importing name.
//
// Files larger than maxBytes (when positive) are rejected with
// errkind.ErrFileTooLarge before any rename. A failed rename is transient:
// the file stays Discovered and is retried on the next change.
func (f *ClaimedFile) Claim(maxBytes int64) error {
	if f.State != Discovered {
		return fmt.Errorf("cannot claim %s: file is %s", f.OriginalPath, f.State)
	}

	info, err := os.Stat(f.OriginalPath)
	if err != nil {
		return errkind.New(errkind.Transient, "claim", f.OriginalPath, err)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return errkind.Newf(errkind.File, "claim", f.OriginalPath,
			"%w (%d > %d bytes)", errkind.ErrFileTooLarge, info.Size(), maxBytes)
	}

	claimed := claimPath(f.OriginalPath, SuffixImporting)
	if err := replace(f.OriginalPath, claimed); err != nil {
		return errkind.New(errkind.Transient, "claim", f.OriginalPath, err)
	}
	f.ClaimedPath = claimed
	f.State = Claimed
	return nil
}

// Complete renames a claimed file to its .imported name. A failed rename
// abandons the file.
func (f *ClaimedFile) Complete() error {
	if f.State != Claimed {
		return fmt.Errorf("cannot complete %s: file is %s", f.OriginalPath, f.State)
	}
	if err := replace(f.ClaimedPath, f.ImportedPath()); err != nil {
		f.State = Abandoned
		return errkind.New(errkind.File, "complete", f.ClaimedPath, err)
	}
	f.State = Done
	return nil
}

// ImportedPath returns the name the file has once Done.
func (f *ClaimedFile) ImportedPath() string {
	return claimPath(f.ClaimedPath, SuffixImported)
}

// Abandon leaves a claimed file in place for an operator or a recovering
// restart.
func (f *ClaimedFile) Abandon() {
	if f.State == Claimed {
		f.State = Abandoned
	}
}

// Reclaim returns a Claimed file for a leftover .importing file. The
// original name is not recoverable, so both paths are the claimed one.
func Reclaim(path string) *ClaimedFile {
	return &ClaimedFile{OriginalPath: path, ClaimedPath: path, State: Claimed}
}
