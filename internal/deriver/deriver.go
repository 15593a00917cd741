// Package deriver implements the frontend state deriver: it owns local
// inboxes and contacts, attempts to decrypt every inventory mutation
// against each inbox, and maintains the derivation bookkeeping that ties
// inventory hashes to stored (decrypted) messages.
package deriver

import (
	"context"
	"sync"

	"github.com/meshpost/meshpost/internal/hashpow"
	"github.com/meshpost/meshpost/internal/inventory"
	"github.com/meshpost/meshpost/internal/privatebox"
	"github.com/meshpost/meshpost/pkg/logging"
)

// MessageSource is the inventory surface the deriver reads full messages
// from once it has a hash to chase down.
type MessageSource interface {
	GetMessage(ctx context.Context, h hashpow.Hash) (*inventory.Message, error)
	GetExpirationTime(h hashpow.Hash) (int64, bool)
	GetOneAfterCounter(cursor uint64) (h hashpow.Hash, counter uint64, ok bool)
}

// Deriver owns the frontend SQLite store and the single serialized loop
// that processes inventory mutations and command requests.
type Deriver struct {
	store *store
	inv   MessageSource
	log   *logging.Logger

	cmdCh  chan func()
	mutCh  <-chan inventory.Mutation
	stopCh chan struct{}
	wg     sync.WaitGroup

	eventSubsMu sync.Mutex
	eventSubs   []chan Event
}

// Config configures a new Deriver.
type Config struct {
	Path   string
	Source MessageSource
	Logger *logging.Logger
}

// New opens the frontend store at cfg.Path. Callers must call Start with
// an inventory mutation channel once the inventory engine is available.
func New(cfg Config) (*Deriver, error) {
	st, err := openStore(cfg.Path)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Deriver{
		store:  st,
		inv:    cfg.Source,
		log:    logger.Component("deriver"),
		cmdCh:  make(chan func(), 1),
		stopCh: make(chan struct{}),
	}, nil
}

// Start begins consuming mutations from mutations and commands submitted
// via the exported methods, until Stop is called.
func (d *Deriver) Start(mutations <-chan inventory.Mutation) {
	d.mutCh = mutations
	d.wg.Add(1)
	go d.run()
}

// Stop finishes the currently dequeued item, if any, then exits the loop
// and closes the store.
func (d *Deriver) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	d.store.Close()
}

func (d *Deriver) run() {
	defer d.wg.Done()
	for {
		select {
		case m, ok := <-d.mutCh:
			if !ok {
				d.mutCh = nil
				continue
			}
			d.handleMutation(m)
		case fn := <-d.cmdCh:
			fn()
		case <-d.stopCh:
			return
		}
	}
}

// do submits fn to the serialized loop and blocks until it has run.
func (d *Deriver) do(fn func()) {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case d.cmdCh <- wrapped:
	case <-d.stopCh:
		return
	}
	select {
	case <-done:
	case <-d.stopCh:
	}
}

// Subscribe returns a channel of lifecycle events.
func (d *Deriver) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	d.eventSubsMu.Lock()
	d.eventSubs = append(d.eventSubs, ch)
	d.eventSubsMu.Unlock()
	return ch
}

func (d *Deriver) publish(e Event) {
	d.eventSubsMu.Lock()
	defer d.eventSubsMu.Unlock()
	for _, ch := range d.eventSubs {
		select {
		case ch <- e:
		default:
			d.log.Warn("event subscriber not keeping up, dropping event", "kind", e.Kind)
		}
	}
}

func (d *Deriver) handleMutation(m inventory.Mutation) {
	switch m.Kind {
	case inventory.MutationInsert:
		d.handleInsert(m.Hash)
	case inventory.MutationPurge:
		d.handlePurge(m.Hash)
	}
}

func (d *Deriver) handleInsert(h hashpow.Hash) {
	msg, err := d.inv.GetMessage(context.Background(), h)
	if err != nil {
		d.log.Error("failed to load inventory message", "err", err)
		return
	}
	if msg == nil {
		return
	}

	inboxes, err := d.store.ListInboxes()
	if err != nil {
		d.log.Error("failed to list inboxes", "err", err)
		return
	}

	for _, inbox := range inboxes {
		if d.tryPublicHalf(inbox, msg.Payload, msg.ExpirationTime) {
			continue
		}
		// A multi-recipient envelope can legitimately open under more than
		// one local inbox (e.g. the sender's own inbox and a second local
		// inbox both named in the recipient set), so a match here does not
		// stop consideration of the remaining inboxes.
		d.tryContent(inbox, h, msg.Payload, msg.ExpirationTime)
	}
}

// tryPublicHalf attempts to recognize payload as a public-half
// announcement for inbox. It returns true if it matched, signalling the
// caller to stop considering this inbox for content decryption too.
func (d *Deriver) tryPublicHalf(inbox Inbox, payload []byte, expiration int64) bool {
	key := obfuscationKey(inbox.GlobalID)
	announced, ok := openObfuscated(payload, key)
	if !ok {
		return false
	}

	var pub PublicHalf
	if err := unmarshalAnnouncement(announced, &pub); err != nil {
		return false
	}
	if pub.PkEncrypt != inbox.PkEncrypt || pub.PkSign != inbox.PkSign {
		return false
	}

	if err := d.store.SetInboxMaxExpiration(inbox.GlobalID, expiration); err != nil {
		d.log.Error("failed to update inbox max expiration", "err", err)
		return true
	}
	d.publish(Event{Kind: EventInbox, GlobalID: inbox.GlobalID, ExpirationTime: expiration})
	return true
}

func (d *Deriver) tryContent(inbox Inbox, h hashpow.Hash, payload []byte, expiration int64) bool {
	plaintext, err := privatebox.Decrypt(payload, privatebox.PrivateKey(inbox.SkEncrypt))
	if err != nil {
		return false
	}

	globalID := deriveMessageID(plaintext)

	existing, err := d.store.GetMessage(globalID, inbox.GlobalID)
	if err != nil {
		d.log.Error("failed to look up existing message", "err", err)
		return true
	}

	if existing != nil {
		d.recordDerivationAndMaybeExtend(h, globalID, inbox.GlobalID, expiration)
		return true
	}

	unverified, err := decodeUnverifiedMessage(plaintext)
	if err != nil {
		return true // decryption matched this inbox; malformed content is a silent drop
	}
	if _, err := verifyAttachedMessage(unverified.PkSign, unverified.Payload); err != nil {
		return true
	}

	messageType := MessageUnsaved
	if inbox.Autosave {
		messageType = MessageSaved
	}

	stored := StoredMessage{
		GlobalID:    globalID,
		InboxID:     inbox.GlobalID,
		MessageType: messageType,
		Plaintext:   plaintext,
	}
	if err := d.store.InsertMessage(stored); err != nil {
		d.log.Error("failed to insert stored message", "err", err)
		return true
	}
	if err := d.store.InsertDerivation([64]byte(h), globalID, inbox.GlobalID, expiration); err != nil {
		d.log.Error("failed to insert derivation", "err", err)
		return true
	}

	d.publish(Event{
		Kind:           EventMessage,
		GlobalID:       globalID,
		InboxID:        inbox.GlobalID,
		MessageType:    messageType,
		ExpirationTime: expiration,
	})
	return true
}

// recordDerivationAndMaybeExtend inserts the new witnessing derivation for
// an already-stored message and emits EventMessageExpirationTimeExtended
// when it outlives every prior witness (or there is no prior witness).
func (d *Deriver) recordDerivationAndMaybeExtend(h hashpow.Hash, globalID, inboxID GlobalID, expiration int64) {
	priorMax, hadPrior, err := d.store.MaxDerivationExpiration(globalID, inboxID)
	if err != nil {
		d.log.Error("failed to compute prior max derivation expiration", "err", err)
		return
	}

	if err := d.store.InsertDerivation([64]byte(h), globalID, inboxID, expiration); err != nil {
		d.log.Error("failed to insert derivation", "err", err)
		return
	}

	if !hadPrior || expiration > priorMax {
		d.publish(Event{
			Kind:           EventMessageExpirationTimeExtended,
			GlobalID:       globalID,
			InboxID:        inboxID,
			ExpirationTime: expiration,
		})
	}
}

func (d *Deriver) handlePurge(h hashpow.Hash) {
	affected, err := d.store.DeleteDerivationsByHash([64]byte(h))
	if err != nil {
		d.log.Error("failed to delete derivations for purged hash", "err", err)
		return
	}

	for _, entry := range affected {
		count, err := d.store.CountDerivations(entry.GlobalID, entry.InboxID)
		if err != nil {
			d.log.Error("failed to count remaining derivations", "err", err)
			continue
		}
		if count > 0 {
			continue
		}

		msg, err := d.store.GetMessage(entry.GlobalID, entry.InboxID)
		if err != nil || msg == nil {
			continue
		}
		if msg.MessageType == MessageSaved {
			continue
		}
		if err := d.store.DeleteMessage(entry.GlobalID, entry.InboxID); err != nil {
			d.log.Error("failed to delete stored message", "err", err)
			continue
		}
		d.publish(Event{Kind: EventMessageExpired, GlobalID: entry.GlobalID, InboxID: entry.InboxID})
	}
}
