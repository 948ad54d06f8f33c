// ABOUTME: Tests for the event broadcaster fan-out behavior
// ABOUTME: Covers subscribe/publish/unsubscribe, slow subscribers, and close

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_PublishReachesAllSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := context.Background()
	ch1, _ := b.Subscribe(ctx)
	ch2, _ := b.Subscribe(ctx)

	b.Publish(AgentOnline, map[string]any{"agent_id": "agent-1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, AgentOnline, ev.Name)
			assert.Equal(t, "agent-1", ev.Payload["agent_id"])
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(context.Background())

	// Overfill the subscriber buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish(DeliveryDeadLetter, map[string]any{"seq": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The buffer holds at most subscriberBufferSize events; the rest dropped.
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(context.Background())
	b.Unsubscribe(subID)

	_, open := <-ch
	assert.False(t, open, "channel should be closed after unsubscribe")

	// Unsubscribing again is a no-op.
	b.Unsubscribe(subID)
}

func TestBroadcaster_ContextCancelCleansUp(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx)
	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancellation")
	}
}

func TestBroadcaster_CloseIsIdempotent(t *testing.T) {
	b := NewBroadcaster(nil)
	ch, _ := b.Subscribe(context.Background())

	b.Close()
	b.Close()

	_, open := <-ch
	require.False(t, open)

	// Publishing after close must not panic.
	b.Publish(AgentOffline, nil)
}
