package events

import (
	"testing"
	"time"
)

func TestHubDeliversToAllSubscribers(t *testing.T) {
	h := NewHub()
	defer h.Close()

	_, first := h.Subscribe()
	_, second := h.Subscribe()

	h.Publish("update")

	for i, ch := range []<-chan interface{}{first, second} {
		select {
		case got := <-ch:
			if got != "update" {
				t.Fatalf("subscriber %d got %v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestHubPublishNeverBlocks(t *testing.T) {
	h := NewHub()
	defer h.Close()

	h.Subscribe() // never drained

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultBuffer*10; i++ {
			h.Publish(i)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
}

func TestHubLaggingSubscriberGetsLatestAvailable(t *testing.T) {
	h := NewHub()
	defer h.Close()

	_, ch := h.Subscribe()

	// Overflow the buffer; the first defaultBuffer updates are kept, the
	// rest dropped.
	for i := 0; i < defaultBuffer+5; i++ {
		h.Publish(i)
	}

	var received int
	for {
		select {
		case <-ch:
			received++
		default:
			if received != defaultBuffer {
				t.Fatalf("received %d updates, want %d", received, defaultBuffer)
			}
			return
		}
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	defer h.Close()

	id, ch := h.Subscribe()
	if h.Subscribers() != 1 {
		t.Fatalf("subscribers = %d, want 1", h.Subscribers())
	}

	h.Unsubscribe(id)

	if _, open := <-ch; open {
		t.Fatalf("channel should be closed after unsubscribe")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("subscribers = %d, want 0", h.Subscribers())
	}

	// Publishing after unsubscribe must not panic.
	h.Publish("late")
}

func TestHubCloseDetachesEveryone(t *testing.T) {
	h := NewHub()
	_, ch := h.Subscribe()

	h.Close()

	if _, open := <-ch; open {
		t.Fatalf("channel should be closed after hub close")
	}

	// Subscribing after close yields a closed channel instead of a leak.
	_, late := h.Subscribe()
	if _, open := <-late; open {
		t.Fatalf("post-close subscription should be closed")
	}
}
