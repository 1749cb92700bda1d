package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBroadcasterDeliversToEverySubscriber(t *testing.T) {
	b := NewBroadcaster()
	first, cancelFirst := b.Subscribe()
	second, cancelSecond := b.Subscribe()
	defer cancelSecond()
	assert.Equal(t, 2, b.Count())

	b.Publish(ChangeEvent{Kind: ChangeInsert, Path: `\A`})

	ev := <-first
	assert.Equal(t, ChangeInsert, ev.Kind)
	assert.False(t, ev.At.IsZero(), "publish stamps the event")
	assert.Equal(t, `\A`, (<-second).Path)

	cancelFirst()
	cancelFirst()
	_, open := <-first
	assert.False(t, open, "unsubscribing closes the channel")
	assert.Equal(t, 1, b.Count())
}

func TestBroadcasterDropsForSlowSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer*2; i++ {
		b.Publish(ChangeEvent{Kind: ChangeDelete, Path: `\x`})
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestChangeKindString(t *testing.T) {
	assert.Equal(t, "insert", ChangeInsert.String())
	assert.Equal(t, "rename", ChangeRename.String())
	assert.Equal(t, "delete", ChangeDelete.String())
	assert.Equal(t, "invalidate", ChangeInvalidate.String())
	assert.Equal(t, "clear", ChangeClear.String())
	assert.Equal(t, "unknown", ChangeKind(99).String())
}
