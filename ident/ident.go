package ident

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

// Bit layout of an AccountID is as follows <epoch:16><flags:16><user:32>
// The epoch is the account creation day counted from the Unix epoch, truncated to 16 bits.

const (
	FlagNone    = 0x0000
	FlagLAN     = 0x0001 // Account was created for LAN only use
	FlagWAN     = 0x0002 // Account may be announced on wide area channels
	FlagService = 0x0004 // Account belongs to an automated service rather than a player
)

var ErrorInvalidAccountString = errors.New("invalid account string")
var ErrorZeroAccount = errors.New("account id is zero")

// AccountID is the 64-bit identity of a peer.
// AccountID implements the TextMarshaler and TextUnmarshaler interfaces so it can be used in JSON config and as a map key.
type AccountID uint64

func Compose(user uint32, flags uint16, epoch uint16) AccountID {
	return AccountID(uint64(epoch)<<48 | uint64(flags)<<32 | uint64(user))
}

func (a AccountID) UserID() uint32 {
	return uint32(a)
}

func (a AccountID) Flags() uint16 {
	return uint16(a >> 32)
}

func (a AccountID) Epoch() uint16 {
	return uint16(a >> 48)
}

// Created returns the creation day encoded in the account id
func (a AccountID) Created() time.Time {
	return time.Unix(int64(a.Epoch())*86400, 0).UTC()
}

func (a AccountID) IsZero() bool {
	return a == 0
}

func (a AccountID) String() string {
	return fmt.Sprintf("%016x", uint64(a))
}

func (a AccountID) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *AccountID) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalCBOR writes the id as an unsigned integer
func (a AccountID) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(uint64(a))
}

// UnmarshalCBOR accepts an unsigned integer or the hex text form
func (a *AccountID) UnmarshalCBOR(data []byte) error {
	var v any
	if err := cbor.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case uint64:
		*a = AccountID(x)
		return nil
	case string:
		return a.UnmarshalText([]byte(x))
	default:
		return ErrorInvalidAccountString
	}
}

func Parse(s string) (AccountID, error) {
	if len(s) == 0 || len(s) > 16 {
		return 0, ErrorInvalidAccountString
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrorInvalidAccountString, err)
	}
	return AccountID(v), nil
}

func MustParse(s string) AccountID {
	a, err := Parse(s)
	if err != nil {
		log.Fatalf("Failed to parse account id: %v", err)
	}
	return a
}

// Random creates a new account id with a random non-zero user id and the current creation epoch
func Random(flags uint16) (AccountID, error) {
	buf := make([]byte, 4)
	for {
		if _, err := rand.Read(buf); err != nil {
			return 0, err
		}
		user := binary.BigEndian.Uint32(buf)
		if user == 0 {
			continue
		}
		epoch := uint16(time.Now().Unix() / 86400)
		return Compose(user, flags, epoch), nil
	}
}
