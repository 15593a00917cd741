package intent

import (
	"testing"
	"time"
)

func TestBroadcastWakesAllHandles(t *testing.T) {
	r := NewRegistry()
	h1 := r.GetHandle()
	h2 := r.GetHandle()

	r.Broadcast()

	select {
	case <-r.Wait(h1):
	case <-time.After(time.Second):
		t.Fatal("h1 did not wake")
	}
	select {
	case <-r.Wait(h2):
	case <-time.After(time.Second):
		t.Fatal("h2 did not wake")
	}
}

func TestWaitConsumesWakeUpUntilNextBroadcast(t *testing.T) {
	r := NewRegistry()
	h := r.GetHandle()

	r.Broadcast()
	<-r.Wait(h) // consume the first edge

	select {
	case <-r.Wait(h):
		t.Fatal("expected Wait to block until the next Broadcast")
	default:
	}

	r.Broadcast()
	select {
	case <-r.Wait(h):
	case <-time.After(time.Second):
		t.Fatal("expected Wait to fire after second Broadcast")
	}
}

func TestDropHandleRemovesFromBroadcast(t *testing.T) {
	r := NewRegistry()
	h := r.GetHandle()
	r.DropHandle(h)

	r.Broadcast() // must not panic despite h being gone

	select {
	case <-r.Wait(h):
		t.Fatal("dropped handle should never fire")
	case <-time.After(50 * time.Millisecond):
	}
}
