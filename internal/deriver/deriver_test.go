package deriver

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/meshpost/meshpost/internal/hashpow"
	"github.com/meshpost/meshpost/internal/inventory"
	"github.com/meshpost/meshpost/internal/privatebox"
)

func newTestDeriver(t *testing.T) (*Deriver, *inventory.Engine, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))

	invPath := filepath.Join(t.TempDir(), "inventory.db")
	inv, err := inventory.New(inventory.Config{Path: invPath, Clock: mock})
	if err != nil {
		t.Fatalf("inventory.New: %v", err)
	}
	t.Cleanup(func() { inv.Close() })

	derivPath := filepath.Join(t.TempDir(), "deriver.db")
	d, err := New(Config{Path: derivPath, Source: inv})
	if err != nil {
		t.Fatalf("deriver.New: %v", err)
	}
	d.Start(inv.Subscribe())
	t.Cleanup(d.Stop)

	return d, inv, mock
}

func insertAndSettle(t *testing.T, d *Deriver, inv *inventory.Engine, sub <-chan Event, payload []byte, now, expiration int64) Event {
	t.Helper()
	target := hashpow.ExpectedTarget(len(payload), expiration-now)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	nonce, ok := hashpow.Prove(ctx, payload, target)
	if !ok {
		t.Fatal("failed to prove payload within timeout")
	}

	if _, err := inv.Insert(inventory.Message{Payload: payload, Nonce: nonce, ExpirationTime: expiration}); err != nil {
		t.Fatalf("inventory insert: %v", err)
	}

	select {
	case e := <-sub:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deriver event")
		return Event{}
	}
}

func TestSelfEncryptedMessagePath(t *testing.T) {
	d, inv, mock := newTestDeriver(t)
	events := d.Subscribe()

	inboxID, pub, err := d.NewInbox("mine", false)
	if err != nil {
		t.Fatalf("NewInbox: %v", err)
	}

	hiddenPriv, hiddenPub, err := genPublicHalf()
	if err != nil {
		t.Fatalf("genPublicHalf: %v", err)
	}
	_ = hiddenPriv
	_, discPub, err := genPublicHalf()
	if err != nil {
		t.Fatalf("genPublicHalf: %v", err)
	}

	blob, err := d.EncodeMessage(
		inboxID,
		"some content",
		FormatPlaintext,
		[]Attachment{{MimeType: "text/plain", Blob: []byte("some content")}},
		[]PublicHalf{hiddenPub},
		[]DisclosedRecipient{{PkEncrypt: discPub.PkEncrypt, PkSign: discPub.PkSign}},
		nil,
	)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if blob == nil {
		t.Fatal("expected a non-nil encoded message")
	}
	_ = pub

	now := mock.Now().Unix()
	e := insertAndSettle(t, d, inv, events, blob, now, now+2)
	if e.Kind != EventMessage {
		t.Fatalf("expected EventMessage, got %v", e.Kind)
	}
	if e.MessageType != MessageUnsaved {
		t.Fatalf("expected Unsaved, got %v", e.MessageType)
	}
	if e.InboxID != inboxID {
		t.Fatalf("expected inbox %s, got %s", inboxID, e.InboxID)
	}

	// Re-inserting the same payload with a shorter TTL yields no event
	// (the existing derivation's expiration is not extended downward).
	target := hashpow.ExpectedTarget(len(blob), 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	nonce, ok := hashpow.Prove(ctx, blob, target)
	cancel()
	if !ok {
		t.Fatal("failed to prove shorter-ttl payload")
	}
	if _, err := inv.Insert(inventory.Message{Payload: blob, Nonce: nonce, ExpirationTime: now + 1}); err != nil {
		t.Fatalf("insert shorter ttl: %v", err)
	}
	select {
	case ev := <-events:
		t.Fatalf("expected no event for a shorter TTL duplicate, got %v", ev.Kind)
	case <-time.After(200 * time.Millisecond):
	}

	// Re-inserting with a longer TTL extends the expiration.
	longer := insertAndSettle(t, d, inv, events, blob, now, now+3)
	if longer.Kind != EventMessageExpirationTimeExtended {
		t.Fatalf("expected EventMessageExpirationTimeExtended, got %v", longer.Kind)
	}
	if longer.ExpirationTime != now+3 {
		t.Fatalf("expected extended expiration now+3, got %d", longer.ExpirationTime)
	}

	mock.Add(4 * time.Second)
	select {
	case ev := <-events:
		if ev.Kind != EventMessageExpired {
			t.Fatalf("expected EventMessageExpired, got %v", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for expiry event")
	}
}

func TestAutosaveSurvivesExpiry(t *testing.T) {
	d, inv, mock := newTestDeriver(t)
	events := d.Subscribe()

	inboxID, _, err := d.NewInbox("autosaver", true)
	if err != nil {
		t.Fatalf("NewInbox: %v", err)
	}

	blob, err := d.EncodeMessage(inboxID, "keep me", FormatPlaintext, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}

	now := mock.Now().Unix()
	e := insertAndSettle(t, d, inv, events, blob, now, now+1)
	if e.Kind != EventMessage || e.MessageType != MessageSaved {
		t.Fatalf("expected saved EventMessage, got kind=%v type=%v", e.Kind, e.MessageType)
	}

	mock.Add(2 * time.Second)
	select {
	case ev := <-events:
		t.Fatalf("expected no expiry event for a saved message, got %v", ev.Kind)
	case <-time.After(500 * time.Millisecond):
	}

	msg, err := d.store.GetMessage(e.GlobalID, inboxID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg == nil {
		t.Fatal("expected saved message to still be present after expiry")
	}
}

func TestPublicHalfAnnouncementAndLookup(t *testing.T) {
	d, inv, mock := newTestDeriver(t)
	events := d.Subscribe()

	inboxID, _, err := d.NewInbox("announcer", false)
	if err != nil {
		t.Fatalf("NewInbox: %v", err)
	}

	entry, err := d.GetPublicHalfEntry(inboxID)
	if err != nil {
		t.Fatalf("GetPublicHalfEntry: %v", err)
	}

	now := mock.Now().Unix()
	e := insertAndSettle(t, d, inv, events, entry, now, now+1)
	if e.Kind != EventInbox {
		t.Fatalf("expected EventInbox, got %v", e.Kind)
	}
	if e.GlobalID != inboxID {
		t.Fatalf("expected inbox id %s, got %s", inboxID, e.GlobalID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	found := false
	for pub := range d.LookupPublicHalf(ctx, inboxID.Prefix10()) {
		if deriveInboxID(pub.PkEncrypt, pub.PkSign) == inboxID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected LookupPublicHalf to find the announced inbox")
	}
}

// TestMessageDeliveredToEveryMatchingLocalInbox verifies that a single
// multi-recipient envelope addressed to two distinct local inboxes (the
// sender's own inbox plus a second local inbox named as a hidden
// recipient) derives and publishes an event for both, rather than
// stopping after the first inbox that successfully decrypts it.
func TestMessageDeliveredToEveryMatchingLocalInbox(t *testing.T) {
	d, inv, mock := newTestDeriver(t)
	events := d.Subscribe()

	senderID, _, err := d.NewInbox("sender", false)
	if err != nil {
		t.Fatalf("NewInbox sender: %v", err)
	}
	recipientID, recipientPub, err := d.NewInbox("recipient", false)
	if err != nil {
		t.Fatalf("NewInbox recipient: %v", err)
	}

	blob, err := d.EncodeMessage(
		senderID,
		"hello both",
		FormatPlaintext,
		nil,
		[]PublicHalf{recipientPub},
		nil,
		nil,
	)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if blob == nil {
		t.Fatal("expected a non-nil encoded message")
	}

	now := mock.Now().Unix()
	target := hashpow.ExpectedTarget(len(blob), 2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	nonce, ok := hashpow.Prove(ctx, blob, target)
	cancel()
	if !ok {
		t.Fatal("failed to prove payload within timeout")
	}
	if _, err := inv.Insert(inventory.Message{Payload: blob, Nonce: nonce, ExpirationTime: now + 2}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	seenInboxes := make(map[GlobalID]bool)
	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			if e.Kind != EventMessage {
				t.Fatalf("expected EventMessage, got %v", e.Kind)
			}
			seenInboxes[e.InboxID] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d/2", i+1)
		}
	}

	if !seenInboxes[senderID] {
		t.Error("expected the sender's own inbox to receive the message")
	}
	if !seenInboxes[recipientID] {
		t.Error("expected the hidden recipient's local inbox to also receive the message")
	}
}

func TestSetContactPublicHalfRekeysExistingContact(t *testing.T) {
	d, _, _ := newTestDeriver(t)

	_, pubA, err := genPublicHalf()
	if err != nil {
		t.Fatalf("genPublicHalf A: %v", err)
	}
	contactID, err := d.NewContact("alice", pubA)
	if err != nil {
		t.Fatalf("NewContact: %v", err)
	}

	_, pubB, err := genPublicHalf()
	if err != nil {
		t.Fatalf("genPublicHalf B: %v", err)
	}

	newID, err := d.SetContactPublicHalf(contactID, "alice (new device)", pubB)
	if err != nil {
		t.Fatalf("SetContactPublicHalf: %v", err)
	}
	if newID == contactID {
		t.Fatal("expected a new global id derived from the new public half")
	}

	if old, err := d.GetContact(contactID); err != nil {
		t.Fatalf("GetContact(old): %v", err)
	} else if old != nil {
		t.Fatal("expected the old contact row to be gone after re-keying")
	}

	updated, err := d.GetContact(newID)
	if err != nil {
		t.Fatalf("GetContact(new): %v", err)
	}
	if updated == nil || updated.Label != "alice (new device)" {
		t.Fatalf("expected re-keyed contact at the new id, got %+v", updated)
	}
}

func TestSetContactPublicHalfCollisionIsRejected(t *testing.T) {
	d, _, _ := newTestDeriver(t)

	_, pubA, err := genPublicHalf()
	if err != nil {
		t.Fatalf("genPublicHalf A: %v", err)
	}
	contactA, err := d.NewContact("alice", pubA)
	if err != nil {
		t.Fatalf("NewContact A: %v", err)
	}

	_, pubB, err := genPublicHalf()
	if err != nil {
		t.Fatalf("genPublicHalf B: %v", err)
	}
	contactB, err := d.NewContact("bob", pubB)
	if err != nil {
		t.Fatalf("NewContact B: %v", err)
	}

	// Re-keying contactA to bob's already-registered public half must
	// fail rather than silently merging the two contacts.
	if _, err := d.SetContactPublicHalf(contactA, "alice", pubB); err == nil {
		t.Fatal("expected a unique-constraint error when re-keying onto an existing contact's public half")
	}

	if b, err := d.GetContact(contactB); err != nil {
		t.Fatalf("GetContact(bob): %v", err)
	} else if b == nil || b.Label != "bob" {
		t.Fatalf("expected bob's contact to survive the rejected collision, got %+v", b)
	}
}

// genPublicHalf generates a throwaway encryption/signing keypair for use
// as a message recipient in tests; it has no backing inbox.
func genPublicHalf() (privateEncrypt [32]byte, pub PublicHalf, err error) {
	sk, pk, err := privatebox.GenerateKeyPair()
	if err != nil {
		return
	}
	pkSign, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return
	}
	privateEncrypt = [32]byte(sk)
	pub.PkEncrypt = [32]byte(pk)
	copy(pub.PkSign[:], pkSign)
	return
}
