package relation

import "peerbus/ident"

// Relation is the full relationship state from Source towards Target. Updates always carry both flags.
type Relation struct {
	Source    ident.AccountID `cbor:"1,keyasint" json:"source"`
	Target    ident.AccountID `cbor:"2,keyasint" json:"target"`
	IsFriend  bool            `cbor:"3,keyasint,omitempty" json:"isFriend"`
	IsBlocked bool            `cbor:"4,keyasint,omitempty" json:"isBlocked"`
}

// Neutral reports whether the relation carries no state at all.
func (r *Relation) Neutral() bool {
	return !r.IsFriend && !r.IsBlocked
}

// RelationIndex defines the relation table, unique on (source, target).
type RelationIndex interface {
	// Get returns the relation from source to target. A missing relation is returned as neutral, not as an error.
	Get(source, target ident.AccountID) (*Relation, error)

	// Put inserts or replaces the relation for its (source, target) pair.
	Put(*Relation) error

	// BySource lists every relation originating from source.
	BySource(source ident.AccountID) ([]*Relation, error)

	// ByTarget lists every relation pointing at target.
	ByTarget(target ident.AccountID) ([]*Relation, error)
}
