package conn

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/meshpost/meshpost/internal/hashpow"
	"github.com/meshpost/meshpost/internal/intent"
	"github.com/meshpost/meshpost/internal/inventory"
	"github.com/meshpost/meshpost/internal/reconcile"
)

func newTestEngine(t *testing.T, name string) *inventory.Engine {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))
	path := filepath.Join(t.TempDir(), name+".db")
	e, err := inventory.New(inventory.Config{Path: path, Clock: mock})
	if err != nil {
		t.Fatalf("inventory.New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func proveInto(t *testing.T, e *inventory.Engine, payload []byte) {
	t.Helper()
	now := time.Unix(1_700_000_000, 0).Unix()
	ttl := int64(3600)
	target := hashpow.ExpectedTarget(len(payload), ttl)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	nonce, ok := hashpow.Prove(ctx, payload, target)
	if !ok {
		t.Fatal("failed to prove payload")
	}
	if _, err := e.Insert(inventory.Message{Payload: payload, Nonce: nonce, ExpirationTime: now + ttl}); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestDialAcceptConverges(t *testing.T) {
	engineA := newTestEngine(t, "a")
	engineB := newTestEngine(t, "b")

	proveInto(t, engineA, []byte("payload from A"))

	regA := intent.NewRegistry()
	regB := intent.NewRegistry()

	supA := New(reconcile.EngineHandler{Engine: engineA, Registry: regA}, engineA, regA, nil)
	supB := New(reconcile.EngineHandler{Engine: engineB, Registry: regB}, engineB, regB, nil)
	t.Cleanup(supA.Stop)
	t.Cleanup(supB.Stop)

	if err := supB.ListenTCP("127.0.0.1:0"); err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	addr := supB.listeners[0].Addr().String()

	supA.Connect(addr, Callbacks{
		OnConnectionFailed: func(address string, err error) {
			t.Errorf("connection failed: %v", err)
		},
	})

	hash := hashpow.ContentHash([]byte("payload from A"), time.Unix(1_700_000_000, 0).Unix()+3600)

	deadline := time.After(5 * time.Second)
	for !engineB.MessageExists(hash) {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for B to receive A's message")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
