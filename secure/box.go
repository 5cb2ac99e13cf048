package secure

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/blake3"
)

const (
	KeySize      = chacha20poly1305.KeySize
	NonceSize    = chacha20poly1305.NonceSizeX
	ChecksumSize = 8
)

var (
	ErrDecrypt  = errors.New("decryption failed")
	ErrChecksum = errors.New("plaintext checksum mismatch")
)

// Box is an encrypted message body. The checksum covers the plaintext so a receiver
// can tell a key agreement mismatch apart from a well formed message. It is keyed with
// the shared key and the nonce, so it reveals nothing about the plaintext.
type Box struct {
	Nonce      []byte `json:"nonce" cbor:"1,keyasint"`
	Ciphertext []byte `json:"data" cbor:"2,keyasint"`
	Checksum   []byte `json:"sum" cbor:"3,keyasint"`
}

func checksum(key, nonce, plaintext []byte) []byte {
	h := blake3.New(ChecksumSize, key)
	h.Write(nonce)
	h.Write(plaintext)
	return h.Sum(nil)
}

func Seal(key []byte, plaintext []byte) (*Box, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: need %d byte key", ErrInvalidKey, KeySize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return &Box{
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
		Checksum:   checksum(key, nonce, plaintext),
	}, nil
}

func Open(key []byte, box *Box) ([]byte, error) {
	if box == nil || len(box.Nonce) != NonceSize || len(box.Checksum) != ChecksumSize {
		return nil, ErrDecrypt
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: need %d byte key", ErrInvalidKey, KeySize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, box.Nonce, box.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	if !bytes.Equal(checksum(key, box.Nonce, plaintext), box.Checksum) {
		return nil, ErrChecksum
	}
	return plaintext, nil
}
