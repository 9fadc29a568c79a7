// Package fingerprint computes order-independent 128-bit digests of byte
// buffers and directory listings.
//
// Digests combine by lane-wise wrapping addition, so the digest of a set of
// entries does not depend on the order they were enumerated in. The change
// detector compares directory digests to tell an OS notification that changed
// nothing (an access-time bump, a chmod) from a real change.
package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/mschirtzinger/dirwatch/internal/errkind"
	"github.com/zeebo/blake3"
)

// Digest is a 128-bit fingerprint held as two 64-bit lanes.
type Digest struct {
	hi, lo uint64
}

// Zero is the identity for Combine and the digest of an empty directory.
var Zero Digest

// Missing is the digest reported for a directory that does not exist.
var Missing = Bytes([]byte("\x00dirwatch:missing-directory"))

// Bytes returns the digest of b.
func Bytes(b []byte) Digest {
	sum := blake3.Sum256(b)
	return Digest{
		hi: binary.BigEndian.Uint64(sum[0:8]),
		lo: binary.BigEndian.Uint64(sum[8:16]),
	}
}

// Combine folds two digests together. It is commutative and associative.
func Combine(a, b Digest) Digest {
	return Digest{hi: a.hi + b.hi, lo: a.lo + b.lo}
}

// IsZero reports whether d is the Zero digest.
func (d Digest) IsZero() bool {
	return d == Zero
}

// String returns d as 32 hex characters.
func (d Digest) String() string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], d.hi)
	binary.BigEndian.PutUint64(buf[8:16], d.lo)
	return hex.EncodeToString(buf[:])
}

// Entry returns the digest of one directory entry's metadata.
func Entry(rel string, info fs.FileInfo) Digest {
	b := make([]byte, 0, len(rel)+48)
	b = append(b, rel...)
	b = append(b, 0)
	b = strconv.AppendInt(b, info.Size(), 10)
	b = append(b, 0)
	b = strconv.AppendInt(b, info.ModTime().UnixNano(), 10)
	b = append(b, 0)
	if info.IsDir() {
		b = append(b, 'd')
	} else {
		b = append(b, 'f')
	}
	return Bytes(b)
}

// Directory returns the digest of the names, sizes and modification times of
// the entries in dir. Subdirectories contribute their own entry; with
// recursive set their contents are folded in as well.
//
// A missing dir yields Missing with no error. Any other read failure is a
// transient error.
func Directory(dir string, recursive bool) (Digest, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return Missing, nil
	} else if err != nil {
		return Zero, errkind.New(errkind.Transient, "fingerprint", dir, err)
	}

	if !recursive {
		return flat(dir)
	}

	sum := Zero
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		sum = Combine(sum, Entry(filepath.ToSlash(rel), info))
		return nil
	})
	if err != nil {
		return Zero, errkind.New(errkind.Transient, "fingerprint", dir, err)
	}
	return sum, nil
}

func flat(dir string) (Digest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Zero, errkind.New(errkind.Transient, "fingerprint", dir, err)
	}

	sum := Zero
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			return Zero, errkind.New(errkind.Transient, "fingerprint", dir,
				fmt.Errorf("stat %s: %w", entry.Name(), err))
		}
		sum = Combine(sum, Entry(entry.Name(), info))
	}
	return sum, nil
}
