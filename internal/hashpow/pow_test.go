package hashpow

import (
	"context"
	"testing"
	"time"
)

func TestVerifyRejectsExpired(t *testing.T) {
	if Verify([]byte("x"), 0, 100, 200) {
		t.Fatal("Verify should reject a message past its expiration")
	}
}

func TestExpectedTargetOverflowIsZero(t *testing.T) {
	target := ExpectedTarget(1<<40, 1<<62)
	if target != 0 {
		t.Fatalf("expected overflow target 0, got %d", target)
	}
}

func TestExpectedTargetNonPositiveTTL(t *testing.T) {
	if ExpectedTarget(10, 0) != 0 {
		t.Fatal("expected zero target for non-positive ttl")
	}
}

func TestProveThenVerifyRoundTrip(t *testing.T) {
	payload := []byte("round trip payload")
	now := time.Now().Unix()
	expiration := now + 30

	target := ExpectedTarget(len(payload), expiration-now)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	nonce, ok := Prove(ctx, payload, target)
	if !ok {
		t.Fatal("Prove failed to find a nonce within the timeout")
	}

	if !Verify(payload, nonce, expiration, now) {
		t.Fatal("Verify rejected a nonce produced by Prove")
	}
}

func TestProveCancellation(t *testing.T) {
	payload := []byte("unsatisfiable")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := Prove(ctx, payload, 0)
	if ok {
		t.Fatal("Prove should not succeed against an impossible target 0 with a cancelled context")
	}
}
