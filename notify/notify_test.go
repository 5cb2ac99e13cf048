package notify

import (
	"testing"

	"peerbus/helper/tag"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishOrder(t *testing.T) {
	n := New()

	var got []string
	n.Subscribe("test.topic", func(topic tag.Tag, payload []byte) {
		assert.Equal(t, tag.Of("test.topic"), topic)
		got = append(got, "a:"+string(payload))
	})
	n.Subscribe("test.topic", func(topic tag.Tag, payload []byte) {
		got = append(got, "b:"+string(payload))
	})
	n.Subscribe("test.other", func(topic tag.Tag, payload []byte) {
		got = append(got, "other")
	})

	require.Equal(t, 2, n.Publish("test.topic", []byte("x")))
	assert.Equal(t, []string{"a:x", "b:x"}, got)

	assert.Equal(t, 0, n.Publish("test.nobody", nil))
}

func TestUnsubscribe(t *testing.T) {
	n := New()

	calls := 0
	id := n.Subscribe("test.topic", func(tag.Tag, []byte) { calls++ })
	other := n.Subscribe("test.topic", func(tag.Tag, []byte) {})

	assert.True(t, n.Unsubscribe("test.topic", id))
	assert.False(t, n.Unsubscribe("test.topic", id))
	assert.False(t, n.Unsubscribe("test.wrong", other))

	n.Publish("test.topic", nil)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 1, n.Subscribers("test.topic"))

	assert.True(t, n.Unsubscribe("test.topic", other))
	assert.Equal(t, 0, n.Subscribers("test.topic"))
}

func TestSubscriberMayReenter(t *testing.T) {
	n := New()

	var id Subscription
	fired := 0
	id = n.Subscribe("test.once", func(tag.Tag, []byte) {
		fired++
		n.Unsubscribe("test.once", id)
		n.Publish("test.nested", nil)
	})

	n.Publish("test.once", nil)
	n.Publish("test.once", nil)
	assert.Equal(t, 1, fired)
}

func TestPanickingSubscriber(t *testing.T) {
	n := New()

	reached := false
	n.Subscribe("test.topic", func(tag.Tag, []byte) { panic("boom") })
	n.Subscribe("test.topic", func(tag.Tag, []byte) { reached = true })

	assert.Equal(t, 2, n.Publish("test.topic", nil))
	assert.True(t, reached)
}
