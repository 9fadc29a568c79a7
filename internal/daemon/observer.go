package daemon

import (
	"time"

	"github.com/mschirtzinger/dirwatch/internal/ingest"
)

// FileOutcome is what happened to a file at one step of the claim protocol.
type FileOutcome string

const (
	FileClaimed   FileOutcome = "claimed"
	FileImported  FileOutcome = "imported"
	FileAbandoned FileOutcome = "abandoned"
	FileRejected  FileOutcome = "rejected"
)

// FileEvent reports one claim protocol step.
type FileEvent struct {
	Connection string
	File       ClaimedFile
	Outcome    FileOutcome
	Err        error
	Time       time.Time
}

// DirectoryEvent reports a directory entering or leaving a watch.
type DirectoryEvent struct {
	Connection string
	Dir        string
	Added      bool
	Time       time.Time
}

// Observer receives daemon activity. Methods are called synchronously from
// monitor goroutines, possibly concurrently, and must not block.
type Observer interface {
	FileEvent(ev FileEvent)
	PacketIngested(connection string, res *ingest.Result)
	DirectoryEvent(ev DirectoryEvent)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) FileEvent(FileEvent) {}

func (NopObserver) PacketIngested(string, *ingest.Result) {}

func (NopObserver) DirectoryEvent(DirectoryEvent) {}

// Observers fans events out to several observers in order.
type Observers []Observer

func (o Observers) FileEvent(ev FileEvent) {
	for _, obs := range o {
		obs.FileEvent(ev)
	}
}

func (o Observers) PacketIngested(connection string, res *ingest.Result) {
	for _, obs := range o {
		obs.PacketIngested(connection, res)
	}
}

func (o Observers) DirectoryEvent(ev DirectoryEvent) {
	for _, obs := range o {
		obs.DirectoryEvent(ev)
	}
}
