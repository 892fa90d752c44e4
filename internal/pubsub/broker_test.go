package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker[string]()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1 := b.Subscribe(ctx)
	ch2 := b.Subscribe(ctx)

	b.Publish("greeting", "hello")

	for _, ch := range []<-chan Event[string]{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, "greeting", ev.Topic)
			assert.Equal(t, "hello", ev.Payload)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBrokerSubscribeAfterClose(t *testing.T) {
	b := NewBroker[int]()
	b.Close()

	ch := b.Subscribe(context.Background())
	_, ok := <-ch
	assert.False(t, ok, "channel from closed broker must be closed")
}

func TestBrokerContextCancelRemovesSubscriber(t *testing.T) {
	b := NewBroker[int]()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx)
	require.Equal(t, 1, b.SubscriberCount())

	cancel()

	// The cleanup goroutine closes the channel.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				assert.Equal(t, 0, b.SubscriberCount())
				return
			}
		case <-deadline:
			t.Fatal("subscriber was not removed after cancel")
		}
	}
}

func TestBrokerPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := NewBrokerWithBuffer[int](1)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = b.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish("tick", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestBrokerCloseIsIdempotent(t *testing.T) {
	b := NewBroker[string]()
	b.Close()
	assert.NotPanics(t, func() { b.Close() })
	assert.NotPanics(t, func() { b.Publish("x", "y") })
}
