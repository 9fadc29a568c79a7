// Package daemon watches directory trees and feeds new files through a
// reader into the ingest pipeline.
//
// # Architecture
//
// The daemon consists of several components:
//
//   - Detector: one per watched directory. fsnotify events only mark the
//     directory dirty; a ticker fingerprints it once the debounce window has
//     passed and calls back only if the fingerprint moved
//   - Monitor: one per configured directory tree. Owns the detectors,
//     re-derives the subdirectory set on every change and claims files
//   - ClaimedFile: the rename-based claim protocol
//   - Daemon: builds one reader and pipeline per connection and runs all
//     monitors against a shared backend
//
// # Change Detection
//
// A Detector goes Stopped → Starting → Running → Stopped. Start registers
// the OS watch, computes a baseline fingerprint and waits up to
// StartupTimeout for the loop to be ready:
//
//	d, err := daemon.NewDetector("/data/in", func(dir string) {
//	    log.Printf("changed: %s", dir)
//	}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := d.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer d.Stop()
//
// The callback runs on its own goroutine, so it may stop its own detector.
// A notification that leaves names, sizes and modification times as they
// were (an access-time bump, a chmod) does not fire the callback.
//
// # Claim Protocol
//
// Every file whose name matches the connection's filter is renamed through
//
//	name.ext → name.importing → name.imported
//
// A stale file at either target name is deleted first. Files over the size
// ceiling are rejected before the first rename. If reading or ingesting
// fails the file is abandoned: it stays .importing and is not retried
// unless the connection sets RecoverAbandoned, in which case the next
// Initialize processes it again. Files already carrying a claim-state suffix
// are never matched.
//
// # Concurrency
//
// Each detector runs its own loop goroutine, plus one short-lived goroutine
// per fired change. Callbacks of one monitor are serialized by its mutex;
// monitors share no lock. Claiming, reading and ingesting run on the
// callback goroutine, so a slow file delays the next file of the same tree
// only. Stopping a monitor waits for the file in hand and does not cancel
// it.
//
// # Error Handling
//
// Errors follow errkind:
//   - Config: a directory over MaxFilesPerDirectory or a missing root fails
//     Initialize and no detector starts
//   - Transient: fingerprint and claim-rename failures, retried on the next
//     poll or change
//   - File: a read failure or aborted packet abandons the file
//   - Leaf: logged by the pipeline; the file still completes
package daemon
