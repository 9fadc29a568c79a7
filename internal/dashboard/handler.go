package dashboard

import (
	"encoding/json"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/mschirtzinger/dirwatch/internal/daemon"
	"github.com/mschirtzinger/dirwatch/internal/ingest"
)

// FileUpdateData is the payload of the file_* messages
type FileUpdateData struct {
	Connection   string `json:"connection"`
	File         string `json:"file"`
	OriginalPath string `json:"original_path"`
	ClaimedPath  string `json:"claimed_path,omitempty"`
	Error        string `json:"error,omitempty"`
}

// LeafUpdateData is the payload of a leaf_update message
type LeafUpdateData struct {
	Connection string    `json:"connection"`
	File       string    `json:"file"`
	Path       string    `json:"path"`
	ID         string    `json:"id"`
	Outcome    string    `json:"outcome"`
	Written    int       `json:"written"`
	Dropped    int       `json:"dropped"`
	Last       time.Time `json:"last,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// DirectoryUpdateData is the payload of a directory_update message
type DirectoryUpdateData struct {
	Connection string `json:"connection"`
	Dir        string `json:"dir"`
	Action     string `json:"action"` // "added" or "removed"
}

// StatsData is the payload of a stats message
type StatsData struct {
	Files          map[string]int `json:"files"`
	Leaves         map[string]int `json:"leaves"`
	SamplesWritten int            `json:"samples_written"`
	Packets        int            `json:"packets"`
	FailedPackets  int            `json:"failed_packets"`
	Watched        map[string]int `json:"watched"`
}

func (s StatsData) clone() StatsData {
	c := s
	c.Files = cloneCounts(s.Files)
	c.Leaves = cloneCounts(s.Leaves)
	c.Watched = cloneCounts(s.Watched)
	return c
}

func cloneCounts(m map[string]int) map[string]int {
	c := make(map[string]int, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Handler adapts daemon events into dashboard messages and keeps running
// statistics. It implements daemon.Observer.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	stats StatsData
}

var _ daemon.Observer = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server.
// New clients receive the handler's current statistics on connect. A nil
// logger shares the server's.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = server.logger
	}

	h := &Handler{
		server: server,
		logger: logger,
		stats: StatsData{
			Files:   make(map[string]int),
			Leaves:  make(map[string]int),
			Watched: make(map[string]int),
		},
	}
	server.setSnapshot(h.statsJSON)
	return h
}

// FileEvent broadcasts a claim protocol step
func (h *Handler) FileEvent(ev daemon.FileEvent) {
	h.mu.Lock()
	h.stats.Files[string(ev.Outcome)]++
	h.mu.Unlock()

	data := FileUpdateData{
		Connection:   ev.Connection,
		File:         filepath.Base(ev.File.OriginalPath),
		OriginalPath: ev.File.OriginalPath,
	}
	if ev.Outcome != daemon.FileRejected {
		data.ClaimedPath = ev.File.ClaimedPath
	}
	if ev.Err != nil {
		data.Error = ev.Err.Error()
	}

	var typ MessageType
	switch ev.Outcome {
	case daemon.FileClaimed:
		typ = MessageTypeFileClaimed
	case daemon.FileImported:
		typ = MessageTypeFileImported
	case daemon.FileAbandoned:
		typ = MessageTypeFileAbandoned
	case daemon.FileRejected:
		typ = MessageTypeFileRejected
	default:
		h.logger.Printf("Unknown file outcome %q", ev.Outcome)
		return
	}

	h.send(typ, ev.Time, data)
	if ev.Outcome != daemon.FileClaimed {
		h.broadcastStats()
	}
}

// PacketIngested broadcasts one leaf_update per leaf in the packet
func (h *Handler) PacketIngested(connection string, res *ingest.Result) {
	h.mu.Lock()
	h.stats.Packets++
	if !res.OK() {
		h.stats.FailedPackets++
	}
	for _, l := range res.Leaves {
		h.stats.Leaves[string(l.Outcome)]++
		h.stats.SamplesWritten += l.Written
	}
	h.mu.Unlock()

	now := time.Now()
	for _, l := range res.Leaves {
		data := LeafUpdateData{
			Connection: connection,
			File:       res.Filename,
			Path:       l.Path,
			ID:         l.ID,
			Outcome:    string(l.Outcome),
			Written:    l.Written,
			Dropped:    l.Dropped,
		}
		if l.Outcome == ingest.OutcomeWritten {
			data.Last = l.Cursor.Last
		}
		if l.Err != nil {
			data.Error = l.Err.Error()
		}
		h.send(MessageTypeLeafUpdate, now, data)
	}
}

// DirectoryEvent broadcasts a directory entering or leaving a watch
func (h *Handler) DirectoryEvent(ev daemon.DirectoryEvent) {
	action := "added"
	h.mu.Lock()
	if ev.Added {
		h.stats.Watched[ev.Connection]++
	} else {
		action = "removed"
		h.stats.Watched[ev.Connection]--
	}
	h.mu.Unlock()

	h.send(MessageTypeDirectoryUpdate, ev.Time, DirectoryUpdateData{
		Connection: ev.Connection,
		Dir:        ev.Dir,
		Action:     action,
	})
	h.broadcastStats()
}

// GetStats returns a copy of the current statistics
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats.clone()
}

func (h *Handler) statsJSON() json.RawMessage {
	data, err := json.Marshal(h.GetStats())
	if err != nil {
		h.logger.Printf("Failed to marshal stats: %v", err)
		return nil
	}
	return data
}

// broadcastStats sends current statistics to all clients
func (h *Handler) broadcastStats() {
	if data := h.statsJSON(); data != nil {
		h.server.Broadcast(Message{
			Type:      MessageTypeStats,
			Timestamp: time.Now(),
			Data:      data,
		})
	}
}

func (h *Handler) send(typ MessageType, at time.Time, data interface{}) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	if at.IsZero() {
		at = time.Now()
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: at, Data: dataJSON})
}
