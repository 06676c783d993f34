// Package events implements the gateway's internal pub/sub bus (spec §12.4):
// events published here are fanned out to any number of subscribers,
// principally the admin websocket bridge. The pool and client packages do
// not publish to the bus.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind identifies the category of an Event.
type Kind string

const (
	ClientStarted         Kind = "client_started"
	ClientCrashed         Kind = "client_crashed"
	ClientRestarted       Kind = "client_restarted"
	HealthChanged         Kind = "health_changed"
	DiagnosticsPublished  Kind = "diagnostics_published"
	PoolExhausted         Kind = "pool_exhausted"
)

// Event is one published occurrence. Data carries kind-specific details and
// is left as interface{} (rather than a closed per-kind struct) because
// subscribers — today only the admin websocket bridge — marshal it straight
// to JSON without inspecting fields.
type Event struct {
	Kind      Kind
	Language  string
	Workspace string
	Time      time.Time
	Data      interface{}
}

// Subscription is a single subscriber's channel and the means to stop
// receiving from it.
type Subscription struct {
	ch     chan Event
	cancel func()
}

// C returns the channel events arrive on. Closed when Close is called or
// the bus itself shuts down.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close stops delivery to this subscription and releases its resources.
func (s *Subscription) Close() { s.cancel() }

// Bus fans published events out to every live subscriber. A slow or
// inattentive subscriber never blocks publishers: events are dropped for
// that subscriber instead, mirroring the teacher's own
// non-blocking-send-or-drop websocket broadcast convention.
type Bus struct {
	logger *zap.Logger

	mu   sync.Mutex
	subs map[int64]chan Event
	next int64

	closed bool
}

// NewBus constructs a ready-to-use Bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger, subs: make(map[int64]chan Event)}
}

// Subscribe registers a new subscriber with the given channel buffer size.
func (b *Bus) Subscribe(buffer int) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	return &Subscription{
		ch: ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		},
	}
}

// Publish fans ev out to every current subscriber without blocking on any
// of them.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("events: dropping event for slow subscriber", zap.Int64("subscriber", id), zap.String("kind", string(ev.Kind)))
		}
	}
}

// Close closes every subscriber channel and rejects further publishes. The
// bus is not reusable after Close.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// PublishContext is a convenience for call sites that already carry a
// context and want publish to be a no-op once it's canceled (e.g. during
// gateway shutdown), breaking the otherwise-cyclic
// pool -> events -> adminhttp -> pool observer relationship spec §9
// flags as a design hazard: closing ctx on dispose severs the cycle without
// either side needing a direct reference to the other's lifecycle.
func (b *Bus) PublishContext(ctx context.Context, ev Event) {
	select {
	case <-ctx.Done():
		return
	default:
		b.Publish(ev)
	}
}
