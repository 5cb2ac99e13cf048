package message

import (
	"time"
)

// Record is an inbound message persisted before it is dispatched.
// A record is either absent, present and unprocessed, or present and processed.
type Record struct {
	RowID       uint64    `cbor:"1,keyasint"`
	Type        uint32    `cbor:"2,keyasint"`
	Timestamp   time.Time `cbor:"3,keyasint"`
	Sender      string    `cbor:"4,keyasint,omitempty"`
	Message     string    `cbor:"5,keyasint,omitempty"` // Encoded payload as received from the network
	IsProcessed bool      `cbor:"6,keyasint,omitempty"`
}

type Stats struct {
	Total       int `cbor:"total" json:"total"`
	Unprocessed int `cbor:"unprocessed" json:"unprocessed"`
}

// Queue defines the durable inbound message table.
type Queue interface {
	// Append stores a new unprocessed record and assigns its RowID.
	Append(*Record) (*Record, error)

	// Get retrieves a record by its RowID.
	Get(rowID uint64) (*Record, error)

	// Unprocessed returns up to limit unprocessed records, oldest first.
	Unprocessed(limit int) ([]*Record, error)

	// MarkProcessed flags a record as processed. It will not be returned by Unprocessed again.
	MarkProcessed(rowID uint64) error

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(rowID uint64) error

	// PruneProcessed removes processed records older than the given time and returns their number.
	PruneProcessed(before time.Time) (int, error)

	Stats() (*Stats, error)
}
