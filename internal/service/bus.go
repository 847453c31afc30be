package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/sitesquad/sitesquad/internal/domain/event"
	"github.com/sitesquad/sitesquad/internal/port/messagequeue"
)

// Bus is the per-run event multiplexer. Agent tasks publish concurrently;
// subscribers each observe every event published after they attached, in
// arrival order. There is no replay log: a late subscriber sees only the
// retained terminal event plus whatever is published afterwards.
type Bus struct {
	runID   string
	archive messagequeue.Queue // optional durable event archive, nil-safe

	mu       sync.Mutex
	seq      int64
	subs     map[*Subscription]struct{}
	terminal *event.Event // retained once the run ends
}

// NewBus creates the event bus for one run. archive may be nil.
func NewBus(runID string, archive messagequeue.Queue) *Bus {
	return &Bus{
		runID:   runID,
		archive: archive,
		subs:    make(map[*Subscription]struct{}),
	}
}

// Publish assigns the event its arrival-order sequence number and fans it out
// to every live subscriber. Safe for concurrent use. Events published after
// the terminal event are dropped.
func (b *Bus) Publish(ev event.Event) {
	b.mu.Lock()
	if b.terminal != nil {
		b.mu.Unlock()
		return
	}
	b.seq++
	ev.Seq = b.seq
	if ev.Terminal() {
		b.terminal = &ev
	}
	for sub := range b.subs {
		sub.push(ev)
	}
	b.mu.Unlock()

	b.toArchive(ev)
}

// Subscribe attaches a new observer. If the run is already terminal the
// subscription yields the retained terminal event and then ends.
func (b *Bus) Subscribe() *Subscription {
	sub := newSubscription(b)

	b.mu.Lock()
	if b.terminal != nil {
		b.mu.Unlock()
		sub.push(*b.terminal)
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Shutdown force-closes every remaining subscription so the bus buffers can
// be reclaimed after the retention window.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// toArchive tees the event into the durable archive, best effort.
func (b *Bus) toArchive(ev event.Event) {
	if b.archive == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	subject := messagequeue.SubjectRunEvents + "." + b.runID
	if err := b.archive.Publish(context.Background(), subject, data); err != nil {
		slog.Debug("event archive publish failed", "run_id", b.runID, "error", err)
	}
}

// terminalSubscription builds a standalone subscription that yields only the
// given terminal event. Used for subscribers arriving after the run was
// reaped from the registry.
func terminalSubscription(ev event.Event) *Subscription {
	sub := newSubscription(nil)
	sub.push(ev)
	return sub
}

// Subscription is one observer's view of a run's event stream.
type Subscription struct {
	bus *Bus // nil for post-reap terminal subscriptions

	mu     sync.Mutex
	queue  []event.Event
	notify chan struct{}

	out       chan event.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(b *Bus) *Subscription {
	sub := &Subscription{
		bus:    b,
		notify: make(chan struct{}, 1),
		out:    make(chan event.Event),
		done:   make(chan struct{}),
	}
	go sub.pump()
	return sub
}

// Events returns the channel the subscriber reads from. It is closed after
// the terminal event has been delivered or the subscription is closed; the
// terminal event is always the last value observed.
func (s *Subscription) Events() <-chan event.Event {
	return s.out
}

// Close detaches the subscription. Idempotent; pending events are discarded.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.bus != nil {
			s.bus.remove(s)
		}
	})
}

// push enqueues an event for delivery. The queue is unbounded so a slow
// subscriber never stalls publishers or loses events.
func (s *Subscription) push(ev event.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump moves queued events to the out channel in order.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var ev event.Event
		have := len(s.queue) > 0
		if have {
			ev = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if !have {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- ev:
			if ev.Terminal() {
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}
