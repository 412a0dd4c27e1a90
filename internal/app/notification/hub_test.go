package notification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishSubscribe(t *testing.T) {
	h := NewHub[string]()
	ch, id := h.Subscribe(4)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, h.SubscriberCount())

	assert.Equal(t, uint64(1), h.Publish("a"))
	assert.Equal(t, uint64(2), h.Publish("b"))

	assert.Equal(t, Message[string]{SequenceNo: 1, Value: "a"}, <-ch)
	assert.Equal(t, Message[string]{SequenceNo: 2, Value: "b"}, <-ch)
}

func TestHub_ReplaysLastValue(t *testing.T) {
	h := NewHub[int]()
	h.Publish(1)
	h.Publish(2)

	ch, _ := h.Subscribe(1)
	msg := <-ch
	assert.Equal(t, 2, msg.Value)
	assert.Equal(t, uint64(2), msg.SequenceNo)
}

func TestHub_SlowSubscriberKeepsNewest(t *testing.T) {
	h := NewHub[int]()
	ch, _ := h.Subscribe(2)

	for i := 1; i <= 10; i++ {
		h.Publish(i)
	}

	first := <-ch
	second := <-ch
	assert.Equal(t, 9, first.Value)
	assert.Equal(t, 10, second.Value)
}

func TestHub_Unsubscribe(t *testing.T) {
	h := NewHub[int]()
	ch, id := h.Subscribe(1)
	h.Unsubscribe(id)
	h.Unsubscribe(id)

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, h.SubscriberCount())
	h.Publish(1)
}

func TestHub_Close(t *testing.T) {
	h := NewHub[int]()
	ch, _ := h.Subscribe(1)
	h.Close()
	h.Close()

	_, open := <-ch
	assert.False(t, open)

	late, _ := h.Subscribe(1)
	_, open = <-late
	assert.False(t, open)
	h.Publish(5)
}
