package config

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"peerbus/ident"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationJSON(t *testing.T) {
	var v struct {
		D Duration `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"d":"1.5s"}`), &v))
	assert.Equal(t, 1500*time.Millisecond, v.D.D())

	require.NoError(t, json.Unmarshal([]byte(`{"d":250}`), &v))
	assert.Equal(t, 250*time.Nanosecond, v.D.D())

	assert.Error(t, json.Unmarshal([]byte(`{"d":"soon"}`), &v))

	v.D = Duration(100 * time.Millisecond)
	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"d":"100ms"}`, string(out))
}

func TestSaveLoad(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.json")

	cfg := NewEmptyConfig(file)
	cfg.Node.AccountID = ident.Compose(42, ident.FlagLAN, 1)
	cfg.Node.Username = "Alice"
	cfg.Node.PrivateKey = "00"
	cfg.Timers.PeerTTL = Duration(20 * time.Second)
	require.NoError(t, cfg.Save())

	loaded, err := NewConfigFromFile(file)
	require.NoError(t, err)
	assert.Equal(t, cfg.Node, loaded.Node)
	assert.Equal(t, 20*time.Second, loaded.Timers.PeerTTL.D())
	assert.Equal(t, [3]byte{239, 255, 42}, loaded.Network.GroupPrefix)
	assert.Equal(t, file, loaded.File())
}

func TestValidate(t *testing.T) {
	cfg := NewEmptyConfig("")
	assert.ErrorIs(t, cfg.Validate(), ident.ErrorZeroAccount)

	cfg.Node.AccountID = ident.Compose(1, 0, 0)
	assert.Error(t, cfg.Validate())

	cfg.Node.PrivateKey = "00"
	assert.NoError(t, cfg.Validate())

	cfg.Network.PortBase = 0
	assert.Error(t, cfg.Validate())
}
