package events

import "sync"

// Emitter is a typed publish/subscribe registry. Subscribers register a
// callback and get back an unsubscribe function, so subscription lifetime is
// always explicit.
//
// When replayLast is set, the most recent Emit value is delivered to each new
// subscriber immediately. This suits state-like streams (phase info, sensor
// status) where a late subscriber needs the current value, not just future
// changes.
type Emitter[T any] struct {
	mu          sync.RWMutex
	subscribers map[uint64]func(T)
	nextID      uint64
	replayLast  bool
	last        T
	hasLast     bool
}

// NewEmitter creates an Emitter. replayLast controls whether new subscribers
// immediately receive the most recently emitted value.
func NewEmitter[T any](replayLast bool) *Emitter[T] {
	return &Emitter[T]{
		subscribers: make(map[uint64]func(T)),
		replayLast:  replayLast,
	}
}

// Subscribe registers fn to be called on every Emit. The returned function
// removes the subscription; calling it more than once is harmless.
func (e *Emitter[T]) Subscribe(fn func(T)) func() {
	if fn == nil {
		panic("events: subscriber cannot be nil")
	}

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subscribers[id] = fn
	replay := e.replayLast && e.hasLast
	last := e.last
	e.mu.Unlock()

	// Deliver outside the lock so the callback may itself subscribe/emit.
	if replay {
		fn(last)
	}

	return func() {
		e.mu.Lock()
		delete(e.subscribers, id)
		e.mu.Unlock()
	}
}

// Emit calls every registered subscriber with value. Callbacks run outside
// the internal lock, on the caller's goroutine.
func (e *Emitter[T]) Emit(value T) {
	e.mu.Lock()
	if e.replayLast {
		e.last = value
		e.hasLast = true
	}
	fns := make([]func(T), 0, len(e.subscribers))
	for _, fn := range e.subscribers {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(value)
	}
}

// SubscriberCount reports the number of live subscriptions.
func (e *Emitter[T]) SubscriberCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers)
}
