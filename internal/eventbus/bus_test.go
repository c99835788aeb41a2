package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	actions, unsub := b.Subscribe(4, PluginAction)
	defer unsub()

	b.Publish(Event{Type: ConfigReloaded})
	b.Publish(Event{Type: PluginAction, Data: map[string]any{"action": "x"}})

	require.Len(t, all, 2)
	require.Len(t, actions, 1)
	ev := <-actions
	assert.Equal(t, PluginAction, ev.Type)
	assert.False(t, ev.Time.IsZero())
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	assert.Len(t, ch, 1)
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: "after"})
}
