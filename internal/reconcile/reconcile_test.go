package reconcile

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/meshpost/meshpost/internal/hashpow"
	"github.com/meshpost/meshpost/internal/intent"
	"github.com/meshpost/meshpost/internal/inventory"
)

func newTestEngine(t *testing.T, name string) (*inventory.Engine, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))
	path := filepath.Join(t.TempDir(), name+".db")
	e, err := inventory.New(inventory.Config{Path: path, Clock: mock})
	if err != nil {
		t.Fatalf("inventory.New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e, mock
}

func proveInto(t *testing.T, e *inventory.Engine, reg *intent.Registry, now int64, payload []byte, ttl int64) {
	t.Helper()
	expiration := now + ttl
	target := hashpow.ExpectedTarget(len(payload), ttl)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	nonce, ok := hashpow.Prove(ctx, payload, target)
	if !ok {
		t.Fatal("failed to prove payload")
	}
	inserted, err := e.Insert(inventory.Message{Payload: payload, Nonce: nonce, ExpirationTime: expiration})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	// A real command handler broadcasts intent after a successful local
	// insert, the same way EngineHandler.Submit does for remote ones.
	if inserted && reg != nil {
		reg.Broadcast()
	}
}

// TestPairwiseReconciliationConverges is the Go equivalent of the S5
// scenario: two nodes with disjoint inventories converge after a session.
func TestPairwiseReconciliationConverges(t *testing.T) {
	engineA, mockA := newTestEngine(t, "a")
	engineB, mockB := newTestEngine(t, "b")

	proveInto(t, engineA, nil, mockA.Now().Unix(), []byte("from A"), 3600)
	proveInto(t, engineB, nil, mockB.Now().Unix(), []byte("from B"), 3600)

	connA, connB := net.Pipe()

	regA := intent.NewRegistry()
	regB := intent.NewRegistry()

	sessionA := NewSession(connA, EngineHandler{Engine: engineA, Registry: regA}, nil)
	sessionB := NewSession(connB, EngineHandler{Engine: engineB, Registry: regB}, nil)

	go sessionA.Run()
	go sessionB.Run()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go RunClientLoop(ctx, sessionA, engineA, regA, nil)
	go RunClientLoop(ctx, sessionB, engineB, regB, nil)

	hashA := hashpow.ContentHash([]byte("from A"), mockA.Now().Unix()+3600)
	hashB := hashpow.ContentHash([]byte("from B"), mockB.Now().Unix()+3600)

	deadline := time.After(5 * time.Second)
	for {
		if engineA.MessageExists(hashB) && engineB.MessageExists(hashA) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for inventories to converge")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// TestIntentRetriggersTransmission is the Go equivalent of S6: a late
// local insert on A reaches B without A restarting its session.
func TestIntentRetriggersTransmission(t *testing.T) {
	engineA, mockA := newTestEngine(t, "a2")
	engineB, _ := newTestEngine(t, "b2")

	connA, connB := net.Pipe()

	regA := intent.NewRegistry()
	regB := intent.NewRegistry()

	sessionA := NewSession(connA, EngineHandler{Engine: engineA, Registry: regA}, nil)
	sessionB := NewSession(connB, EngineHandler{Engine: engineB, Registry: regB}, nil)

	go sessionA.Run()
	go sessionB.Run()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go RunClientLoop(ctx, sessionA, engineA, regA, nil)
	go RunClientLoop(ctx, sessionB, engineB, regB, nil)

	// Let both loops drain their (empty) inventories and settle into the
	// intent-wait state before inserting anything.
	time.Sleep(100 * time.Millisecond)

	proveInto(t, engineA, regA, mockA.Now().Unix(), []byte("late arrival"), 3600)
	hash := hashpow.ContentHash([]byte("late arrival"), mockA.Now().Unix()+3600)

	deadline := time.After(5 * time.Second)
	for !engineB.MessageExists(hash) {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for intent-triggered retransmission")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
