package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := NewBus(zap.NewNop())
	sub1 := b.Subscribe(4)
	sub2 := b.Subscribe(4)
	defer sub1.Close()
	defer sub2.Close()

	b.Publish(Event{Kind: ClientStarted, Language: "go"})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case ev := <-sub.C():
			assert.Equal(t, ClientStarted, ev.Kind)
			assert.False(t, ev.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPublishDropsForSlowSubscriberWithoutBlocking(t *testing.T) {
	b := NewBus(zap.NewNop())
	sub := b.Subscribe(1)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Kind: PoolExhausted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestCloseStopsDeliveryAndClosesChannels(t *testing.T) {
	b := NewBus(zap.NewNop())
	sub := b.Subscribe(4)

	b.Close()
	b.Publish(Event{Kind: ClientCrashed})

	_, ok := <-sub.C()
	assert.False(t, ok, "channel should be closed after bus Close")
}

func TestSubscriptionCloseStopsDeliveryToThatSubscriberOnly(t *testing.T) {
	b := NewBus(zap.NewNop())
	sub1 := b.Subscribe(4)
	sub2 := b.Subscribe(4)
	defer sub2.Close()

	sub1.Close()
	b.Publish(Event{Kind: HealthChanged})

	select {
	case ev := <-sub2.C():
		assert.Equal(t, HealthChanged, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber did not receive event")
	}

	_, ok := <-sub1.C()
	assert.False(t, ok)
}

func TestPublishSetsTimeIfZero(t *testing.T) {
	b := NewBus(zap.NewNop())
	sub := b.Subscribe(1)
	defer sub.Close()

	before := time.Now()
	b.Publish(Event{Kind: DiagnosticsPublished})
	ev := <-sub.C()

	assert.False(t, ev.Time.Before(before))
}

func TestPublishContextNoOpAfterCancel(t *testing.T) {
	b := NewBus(zap.NewNop())
	sub := b.Subscribe(1)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.PublishContext(ctx, Event{Kind: ClientRestarted})

	select {
	case <-sub.C():
		t.Fatal("expected no event after context cancellation")
	case <-time.After(50 * time.Millisecond):
	}
}
