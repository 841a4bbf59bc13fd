package events

import "sync"

// Feed is the channel-based counterpart of Emitter: subscribers attach a
// channel instead of a callback. Sends are non-blocking; a full channel misses
// that value rather than stalling the publisher, so consumers driving a UI
// should use a buffered channel and treat the feed as lossy.
type Feed[T any] struct {
	mu         sync.RWMutex
	channels   map[uint64]chan<- T
	nextID     uint64
	replayLast bool
	last       T
	hasLast    bool
}

// NewFeed creates a Feed. replayLast controls whether newly attached channels
// immediately receive the most recently published value.
func NewFeed[T any](replayLast bool) *Feed[T] {
	return &Feed[T]{
		channels:   make(map[uint64]chan<- T),
		replayLast: replayLast,
	}
}

// Attach registers ch to receive published values and returns a detach
// function. Detaching more than once is harmless.
func (f *Feed[T]) Attach(ch chan<- T) func() {
	if ch == nil {
		panic("events: channel cannot be nil")
	}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.channels[id] = ch
	replay := f.replayLast && f.hasLast
	last := f.last
	f.mu.Unlock()

	if replay {
		select {
		case ch <- last:
		default:
		}
	}

	return func() {
		f.mu.Lock()
		delete(f.channels, id)
		f.mu.Unlock()
	}
}

// Publish sends value to every attached channel without blocking. Channels
// that are full skip this value.
func (f *Feed[T]) Publish(value T) {
	f.mu.Lock()
	if f.replayLast {
		f.last = value
		f.hasLast = true
	}
	chans := make([]chan<- T, 0, len(f.channels))
	for _, ch := range f.channels {
		chans = append(chans, ch)
	}
	f.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- value:
		default:
		}
	}
}

// SubscriberCount reports the number of attached channels.
func (f *Feed[T]) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.channels)
}
