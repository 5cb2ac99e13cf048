package peer

import (
	"peerbus/ident"
	"time"
)

type Metadata struct {
	AccountID ident.AccountID `cbor:"1,keyasint"`           // Peer identifier
	Username  string          `cbor:"2,keyasint,omitempty"` // Display name
	Locale    string          `cbor:"3,keyasint,omitempty"`
	PublicKey []byte          `cbor:"4,keyasint,omitempty"` // Compressed session public key
	Address   string          `cbor:"5,keyasint,omitempty"` // Last network address we heard from
	LastSeen  time.Time       `cbor:"6,keyasint,omitempty"` // Last time we heard from this peer
}

// PeerIndex defines the interface for the durable list of known peers.
type PeerIndex interface {
	// Get retrieves the metadata for a peer, given the peer's account id.
	Get(ident.AccountID) (*Metadata, error)

	// Has reports whether the peer was ever stored.
	Has(ident.AccountID) (bool, error)

	// Put stores or updates a peer's metadata in the index.
	Put(*Metadata) (*Metadata, error)

	// Enumerate returns the metadata of all stored peers.
	Enumerate() ([]*Metadata, error)
}
