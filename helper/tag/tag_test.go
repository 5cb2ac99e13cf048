package tag

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStable(t *testing.T) {
	assert.Equal(t, Of("client.announce"), Of("client.announce"))
	assert.NotEqual(t, Of("client.announce"), Of("client.keyExchange"))
}
