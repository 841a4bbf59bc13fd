package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeed_AttachPublish(t *testing.T) {
	f := NewFeed[string](false)

	ch := make(chan string, 4)
	detach := f.Attach(ch)
	assert.Equal(t, 1, f.SubscriberCount())

	f.Publish("a")
	f.Publish("b")

	assert.Equal(t, "a", <-ch)
	assert.Equal(t, "b", <-ch)

	detach()
	assert.Equal(t, 0, f.SubscriberCount())

	f.Publish("c")
	select {
	case v := <-ch:
		t.Fatalf("received %q after detach", v)
	default:
	}
}

func TestFeed_ReplayLast(t *testing.T) {
	f := NewFeed[int](true)
	f.Publish(42)

	ch := make(chan int, 1)
	detach := f.Attach(ch)
	defer detach()

	require.Equal(t, 42, <-ch)
}

func TestFeed_FullChannelSkipped(t *testing.T) {
	f := NewFeed[int](false)

	ch := make(chan int, 1)
	detach := f.Attach(ch)
	defer detach()

	f.Publish(1)
	f.Publish(2) // channel full, dropped

	assert.Equal(t, 1, <-ch)
	select {
	case v := <-ch:
		t.Fatalf("expected drop, got %d", v)
	default:
	}
}

func TestFeed_NilChannelPanics(t *testing.T) {
	f := NewFeed[int](false)
	assert.Panics(t, func() { f.Attach(nil) })
}

func TestFeed_MultipleChannels(t *testing.T) {
	f := NewFeed[string](false)

	ch1 := make(chan string, 2)
	ch2 := make(chan string, 2)
	d1 := f.Attach(ch1)
	d2 := f.Attach(ch2)

	f.Publish("x")
	assert.Equal(t, "x", <-ch1)
	assert.Equal(t, "x", <-ch2)

	d1()
	d2()
	d2() // repeated detach is safe
	assert.Equal(t, 0, f.SubscriberCount())
}
