package protocol

import (
	"fmt"

	"peerbus/secure"

	"github.com/fxamacker/cbor/v2"
)

var signingMode = mustSigningMode()

func mustSigningMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// SigningBytes is the canonical form of a body that signatures are computed over.
// It does not depend on the JSON form the body travels in.
func SigningBytes(body any) ([]byte, error) {
	return signingMode.Marshal(body)
}

// Signed wraps a body with the signature of its author
type Signed[T any] struct {
	Body      T      `json:"body"`
	Signature []byte `json:"sig"`
}

func Sign[T any](keys *secure.KeyPair, body T) (*Signed[T], error) {
	raw, err := SigningBytes(body)
	if err != nil {
		return nil, fmt.Errorf("signing bytes: %w", err)
	}
	return &Signed[T]{Body: body, Signature: keys.Sign(raw)}, nil
}

// Verify checks the signature against the author's public key
func (s *Signed[T]) Verify(pub []byte) bool {
	raw, err := SigningBytes(s.Body)
	if err != nil {
		return false
	}
	return secure.Verify(pub, raw, s.Signature)
}
