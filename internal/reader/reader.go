// Package reader extracts records from claimed data files.
//
// A Reader parses one file and hands its records to the ingest pipeline in
// packets of bounded size. Readers are built by name from a Registry, each
// decoding its own free-form configuration map.
//
// Built-in readers:
//
//	narrow      one row per sample: timestamp, signal name, value
//	wide        one timestamp column plus one column per signal
//	conditions  one row per capsule: start, end or duration, properties
//	offset      one column per signal, rows offset from a per-file base time
package reader

import (
	"context"

	"github.com/mschirtzinger/dirwatch/internal/ingest"
)

// DefaultRecordsPerDataPacket bounds the records in one emitted packet.
const DefaultRecordsPerDataPacket = 10000

// File identifies a file handed to a reader.
type File struct {
	// ClaimedPath is where the file is read from (the .importing name).
	ClaimedPath string

	// OriginalPath is the name the file arrived under, for logging and
	// packet filenames.
	OriginalPath string
}

// Emit receives each packet a reader produces. A non-nil error stops the
// read and is returned from Read unchanged.
type Emit func(ingest.Packet) error

// Reader extracts records from files of one layout.
type Reader interface {
	// Name returns the registry name the reader was built under.
	Name() string

	// Read parses f and calls emit once per packet. Packets are emitted in
	// file order. Read returns an errkind.File error when the file cannot be
	// parsed at all.
	Read(ctx context.Context, f File, emit Emit) error
}

// batcher accumulates records and emits them in packets.
type batcher struct {
	ctx      context.Context
	filename string
	sep      string
	size     int
	emit     Emit
	records  []ingest.Record
	packets  int

	// series is attached to every packet
	series []ingest.SeriesDef
}

func newBatcher(ctx context.Context, filename, sep string, size int, emit Emit) *batcher {
	return &batcher{
		ctx:      ctx,
		filename: filename,
		sep:      sep,
		size:     size,
		emit:     emit,
		records:  make([]ingest.Record, 0, min(size, 1024)),
	}
}

// add appends r and emits a packet when the batch is full.
func (b *batcher) add(r ingest.Record) error {
	b.records = append(b.records, r)
	if len(b.records) >= b.size {
		return b.flush()
	}
	return nil
}

// flush emits pending records, if any.
func (b *batcher) flush() error {
	if len(b.records) == 0 {
		return nil
	}
	if err := b.ctx.Err(); err != nil {
		return err
	}
	pkt := ingest.Packet{Filename: b.filename, Separator: b.sep, Records: b.records, Series: b.series}
	b.records = make([]ingest.Record, 0, cap(b.records))
	b.packets++
	return b.emit(pkt)
}
