package ident

import (
	"encoding/json"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeSplit(t *testing.T) {
	a := Compose(42, FlagLAN|FlagService, 20000)

	assert.Equal(t, uint32(42), a.UserID())
	assert.Equal(t, uint16(FlagLAN|FlagService), a.Flags())
	assert.Equal(t, uint16(20000), a.Epoch())
	assert.False(t, a.IsZero())
}

func TestParseString(t *testing.T) {
	a := Compose(0xdeadbeef, FlagWAN, 7)

	b, err := Parse(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = Parse("")
	assert.ErrorIs(t, err, ErrorInvalidAccountString)

	_, err = Parse("not-hex")
	assert.ErrorIs(t, err, ErrorInvalidAccountString)

	_, err = Parse("00000000000000000")
	assert.ErrorIs(t, err, ErrorInvalidAccountString)
}

func TestJSONText(t *testing.T) {
	type holder struct {
		Account AccountID `json:"account"`
	}
	in := holder{Account: Compose(42, 0, 1)}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"account":"000100000000002a"}`, string(data))

	var out holder
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestRandom(t *testing.T) {
	a, err := Random(FlagLAN)
	require.NoError(t, err)
	assert.NotZero(t, a.UserID())
	assert.Equal(t, uint16(FlagLAN), a.Flags())
}

func TestCBOR(t *testing.T) {
	a := Compose(42, FlagWAN, 3)

	data, err := cbor.Marshal(a)
	require.NoError(t, err)

	var n uint64
	require.NoError(t, cbor.Unmarshal(data, &n))
	assert.Equal(t, uint64(a), n)

	var out AccountID
	require.NoError(t, cbor.Unmarshal(data, &out))
	assert.Equal(t, a, out)

	// Text form is accepted as well
	data, err = cbor.Marshal(a.String())
	require.NoError(t, err)
	require.NoError(t, cbor.Unmarshal(data, &out))
	assert.Equal(t, a, out)

	data, err = cbor.Marshal(-1)
	require.NoError(t, err)
	assert.Error(t, cbor.Unmarshal(data, &out))
}
