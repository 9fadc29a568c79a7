package dashboard

import (
	"encoding/json"
	"time"
)

// MessageType names the payload carried by a Message.
type MessageType string

const (
	MessageTypeFileClaimed   MessageType = "file_claimed"
	MessageTypeFileImported  MessageType = "file_imported"
	MessageTypeFileAbandoned MessageType = "file_abandoned"
	MessageTypeFileRejected  MessageType = "file_rejected"

	// MessageTypeLeafUpdate carries one leaf's outcome within a packet.
	MessageTypeLeafUpdate MessageType = "leaf_update"

	// MessageTypeDirectoryUpdate reports a directory joining or leaving a
	// watch.
	MessageTypeDirectoryUpdate MessageType = "directory_update"

	// MessageTypeStats carries a StatsData snapshot. Every client receives
	// one first.
	MessageTypeStats MessageType = "stats"
)

// Message is the envelope of every frame sent to dashboard clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// encode stamps msg if needed and renders the frame.
func (msg Message) encode() ([]byte, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return json.Marshal(msg)
}
