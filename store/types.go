// Package store implements the durable message store: one
// SQLite database per engine instance, with a per-channel table family
// (D_M/D_MM/D_MC/D_MA/D_MS) so channels can be pruned or exported
// independently. Backed by database/sql with the modernc.org/sqlite
// driver.
package store

import "time"

// Status is a connector-message's terminal or in-flight status.
type Status string

const (
	StatusReceived    Status = "RECEIVED"
	StatusTransformed  Status = "TRANSFORMED"
	StatusFiltered    Status = "FILTERED"
	StatusSent        Status = "SENT"
	StatusQueued      Status = "QUEUED"
	StatusError       Status = "ERROR"
	StatusPending     Status = "PENDING"
)

// IsTerminal reports whether status ends a connector-message's lifecycle
// for statistics purposes.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSent, StatusFiltered, StatusError:
		return true
	default:
		return false
	}
}

// Message is the root record for one inbound unit of work on a channel: it
// owns metadata shared across the source connector-message (metaDataId 0)
// and every destination connector-message fanned out from it.
type Message struct {
	ChannelID  string
	MessageID  int64
	ReceivedAt time.Time
	ServerID   string
	Processed  bool

	// ImportID/ImportChannelID are set when this message was created by a
	// reprocess of another message: they point back at the
	// original so operators can trace the lineage.
	ImportID        int64 // 0 when not a reprocess
	ImportChannelID string
}

// ConnectorMessage is one connector's view of a Message: metaDataId 0 is
// always the source; metaDataId > 0 identifies a destination in
// declaration order.
type ConnectorMessage struct {
	ChannelID    string
	MessageID    int64
	MetaDataID   int
	ConnectorName string
	Status       Status
	StatusCode   int
	StatusMessage string
	SendAttempts int
	ReceivedAt   time.Time
	SentAt       *time.Time
	ChainID      int // identifies which fan-out attempt this row belongs to, for rotate/retry tracking
}

// Attachment is binary content associated with a message, stored outside
// the content rows to avoid repeatedly compressing/encrypting large
// binaries unrelated to the HL7/XML payload.
type Attachment struct {
	ChannelID string
	MessageID int64
	ID        string
	Type      string
	Data      []byte
}

// Statistics is the per-connector counter set the engine exposes and
// ResetStatistics zeroes.
type Statistics struct {
	ChannelID  string
	MetaDataID int
	Received   int64
	Filtered   int64
	Sent       int64
	Errored    int64
	Queued     int64
}
