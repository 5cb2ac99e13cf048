package presence

// Key identifies one presence value. It is the primary key of the presence table.
type Key struct {
	AccountID uint32 `cbor:"1,keyasint" json:"accountId"`
	Provider  string `cbor:"2,keyasint" json:"provider"`
	Key       string `cbor:"3,keyasint" json:"key"`
}

type Item struct {
	Key
	Value string `cbor:"4,keyasint,omitempty" json:"value"`
}

// PresenceIndex defines the presence table.
type PresenceIndex interface {
	// Put inserts or replaces every item in a single atomic batch.
	Put(items []*Item) error

	// Delete removes the given keys. Missing keys are ignored.
	Delete(keys []*Key) error

	// Get lists the items of an account. An empty provider matches every provider.
	Get(accountID uint32, provider string) ([]*Item, error)
}
