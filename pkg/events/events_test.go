package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunningBroker(t *testing.T) *Broker {
	t.Helper()
	b := NewBroker()
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func TestBrokerSubscribeReceivesPublishedEvent(t *testing.T) {
	b := newRunningBroker(t)
	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(&Event{Type: EventNodeCreated, Message: "node-1 created"})

	select {
	case evt := <-sub:
		assert.Equal(t, EventNodeCreated, evt.Type)
		assert.Equal(t, "node-1 created", evt.Message)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestBrokerBroadcastsToAllSubscribers(t *testing.T) {
	b := newRunningBroker(t)
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()

	b.Publish(&Event{Type: EventDriftDetected})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case evt := <-sub:
			assert.Equal(t, EventDriftDetected, evt.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for broadcast event")
		}
	}
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := newRunningBroker(t)
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestBrokerPublishPreservesExplicitTimestamp(t *testing.T) {
	b := newRunningBroker(t)
	sub := b.Subscribe()

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.Publish(&Event{Type: EventAnomalyDetected, Timestamp: ts})

	select {
	case evt := <-sub:
		require.Equal(t, ts, evt.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}
