// Package secure holds the node key material and the primitives every service uses
// to trust network supplied state: signatures, key agreement and sealed boxes.
package secure

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"lukechampine.com/blake3"
)

const (
	PrivateKeySize = secp256k1.PrivKeyBytesLen
	PublicKeySize  = secp256k1.PubKeyBytesLenCompressed

	sharedKeyContext = "peerbus 2024 shared key v1"
)

var ErrInvalidKey = errors.New("invalid key material")

// KeyPair is the session keypair of a node. It only provides basic privacy between peers
// and is not meant as a long term identity.
type KeyPair struct {
	priv *secp256k1.PrivateKey
}

func GenerateKeyPair() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &KeyPair{priv: priv}, nil
}

func KeyPairFromBytes(b []byte) (*KeyPair, error) {
	if len(b) != PrivateKeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes", ErrInvalidKey, PrivateKeySize)
	}
	return &KeyPair{priv: secp256k1.PrivKeyFromBytes(b)}, nil
}

func KeyPairFromHex(s string) (*KeyPair, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return KeyPairFromBytes(b)
}

func (k *KeyPair) Bytes() []byte {
	return k.priv.Serialize()
}

func (k *KeyPair) Hex() string {
	return hex.EncodeToString(k.Bytes())
}

// Public returns the compressed public key
func (k *KeyPair) Public() []byte {
	return k.priv.PubKey().SerializeCompressed()
}

func (k *KeyPair) String() string {
	return "KeyPair{REDACTED}"
}

// SharedKey derives the symmetric key shared with the owner of peerPub.
// The result is not cached, it is recomputed for every message.
func (k *KeyPair) SharedKey(peerPub []byte) ([]byte, error) {
	pub, err := secp256k1.ParsePubKey(peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	secret := secp256k1.GenerateSharedSecret(k.priv, pub)

	key := make([]byte, KeySize)
	blake3.DeriveKey(key, sharedKeyContext, secret)
	return key, nil
}

// Sign returns a DER encoded signature over payload
func (k *KeyPair) Sign(payload []byte) []byte {
	digest := blake3.Sum256(payload)
	return ecdsa.Sign(k.priv, digest[:]).Serialize()
}

// Verify checks a signature produced by Sign against the signer's public key.
// Any parsing problem counts as a failed verification.
func Verify(pub []byte, payload []byte, sig []byte) bool {
	if len(pub) == 0 || len(sig) == 0 {
		return false
	}
	key, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return false
	}
	s, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	digest := blake3.Sum256(payload)
	return s.Verify(digest[:], key)
}

// ValidPublicKey reports whether b parses as a secp256k1 public key
func ValidPublicKey(b []byte) bool {
	_, err := secp256k1.ParsePubKey(b)
	return err == nil
}
