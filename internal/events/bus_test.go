package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusTypeFiltering(t *testing.T) {
	b := NewBus()
	defer b.Close()

	transfers := b.Subscribe("transfers", 8, TypeTransfer)
	firehose := b.Subscribe("all", 8)

	b.Publish(Event{Seq: 1, EventType: TypeTransfer})
	b.Publish(Event{Seq: 2, EventType: TypeAction})

	assert.Equal(t, int64(1), (<-transfers).Seq)
	assert.Equal(t, int64(1), (<-firehose).Seq)
	assert.Equal(t, int64(2), (<-firehose).Seq)
	select {
	case ev := <-transfers:
		t.Fatalf("transfer subscriber got unexpected event %d", ev.Seq)
	default:
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	b := NewBus()
	defer b.Close()

	b.Subscribe("slow", 1)
	b.Publish(Event{Seq: 1})
	b.Publish(Event{Seq: 2})

	assert.Equal(t, uint64(1), b.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	defer b.Close()

	ch := b.Subscribe("x", 1)
	b.Unsubscribe("x")
	_, open := <-ch
	require.False(t, open)
	assert.Equal(t, 0, b.SubscriberCount())

	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Seq: 1})
}

func TestLogPublishesToBus(t *testing.T) {
	b := NewBus()
	defer b.Close()
	ch := b.Subscribe("tail", 4)

	l, err := Open("", 0, b)
	require.NoError(t, err)
	defer l.Close()

	l.Append(TypeLoopStarted, "agent_a", "agent_a", nil)
	ev := <-ch
	assert.Equal(t, TypeLoopStarted, ev.EventType)
	assert.Equal(t, "agent_a", ev.AgentID)
}
