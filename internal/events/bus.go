package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Event is a message published on the bus
type Event interface {
	Name() string
}

// IdentityChanged is published when a user signs in or signs out
type IdentityChanged struct {
	UserID   string
	SignedIn bool
}

// Name implements Event
func (IdentityChanged) Name() string { return "identity_changed" }

// MembershipKind describes how a group membership changed
type MembershipKind string

const (
	MembershipJoined  MembershipKind = "joined"
	MembershipLeft    MembershipKind = "left"
	MembershipDeleted MembershipKind = "deleted"
)

// MembershipChanged is published after a join, leave or group deletion succeeds.
// Members holds the group's member ids before the change for deletions and
// after the change otherwise.
type MembershipChanged struct {
	GroupID string
	UserID  string
	Kind    MembershipKind
	Members []string
}

// Name implements Event
func (MembershipChanged) Name() string { return "membership_changed" }

// Affected returns every user whose shared-group set may have changed
func (e MembershipChanged) Affected() []string {
	seen := make(map[string]struct{}, len(e.Members)+1)
	out := make([]string, 0, len(e.Members)+1)
	for _, id := range append([]string{e.UserID}, e.Members...) {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Handler processes a single event
type Handler func(ctx context.Context, e Event)

type queuedEvent struct {
	ctx     context.Context
	event   Event
	cascade *sync.WaitGroup
}

// cascadeKey marks handler contexts; events published with such a context
// belong to the cascade of the event being handled
type cascadeKey struct{}

// Bus delivers events in one global FIFO order on its own goroutine. Every
// event reaches all handlers, in registration order, before the next event is
// delivered. Publishing from inside a handler enqueues the event instead of
// recursing.
type Bus struct {
	mu       sync.Mutex
	cond     *sync.Cond
	handlers []Handler
	queue    []queuedEvent
	closed   bool
	done     chan struct{}
}

// NewBus creates an empty bus and starts its dispatcher
func NewBus() *Bus {
	b := &Bus{done: make(chan struct{})}
	b.cond = sync.NewCond(&b.mu)
	go b.run()
	return b
}

// Subscribe registers h for every event
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// OnIdentityChanged registers fn for IdentityChanged events only
func (b *Bus) OnIdentityChanged(fn func(ctx context.Context, e IdentityChanged)) {
	b.Subscribe(func(ctx context.Context, e Event) {
		if ev, ok := e.(IdentityChanged); ok {
			fn(ctx, ev)
		}
	})
}

// OnMembershipChanged registers fn for MembershipChanged events only
func (b *Bus) OnMembershipChanged(fn func(ctx context.Context, e MembershipChanged)) {
	b.Subscribe(func(ctx context.Context, e Event) {
		if ev, ok := e.(MembershipChanged); ok {
			fn(ctx, ev)
		}
	})
}

// Publish enqueues e and waits until it and every event its handlers
// published have been handled. Handlers must publish with the context they
// were given; such a Publish only enqueues. Handlers receive a context that
// is never cancelled by the publisher.
func (b *Bus) Publish(ctx context.Context, e Event) {
	cascade, nested := ctx.Value(cascadeKey{}).(*sync.WaitGroup)
	if !nested {
		cascade = &sync.WaitGroup{}
	}
	cascade.Add(1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cascade.Done()
		log.Warn().Str("event", e.Name()).Msg("Event published on a closed bus")
		return
	}
	b.queue = append(b.queue, queuedEvent{ctx: context.WithoutCancel(ctx), event: e, cascade: cascade})
	b.cond.Signal()
	b.mu.Unlock()

	if !nested {
		cascade.Wait()
	}
}

// Close delivers the events already queued and stops the dispatcher
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Signal()
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) run() {
	defer close(b.done)

	b.mu.Lock()
	for {
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		next := b.queue[0]
		b.queue = b.queue[1:]
		handlers := append([]Handler(nil), b.handlers...)
		b.mu.Unlock()

		log.Debug().Str("event", next.event.Name()).Int("handlers", len(handlers)).Msg("Dispatching event")
		ctx := context.WithValue(next.ctx, cascadeKey{}, next.cascade)
		for _, h := range handlers {
			dispatch(ctx, h, next.event)
		}
		next.cascade.Done()

		b.mu.Lock()
	}
}

func dispatch(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event", e.Name()).Msg("Event handler panicked")
		}
	}()
	h(ctx, e)
}
