package deriver

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"github.com/meshpost/meshpost/internal/hashpow"
	"github.com/meshpost/meshpost/internal/privatebox"
)

// ErrNotFound is returned by point-lookup commands when the requested
// record does not exist.
var ErrNotFound = errors.New("deriver: not found")

// NewInbox generates a fresh encryption/signing keypair, stores it under
// label, and returns its global id and public half.
func (d *Deriver) NewInbox(label string, autosave bool) (GlobalID, PublicHalf, error) {
	var id GlobalID
	var pub PublicHalf
	var outErr error

	d.do(func() {
		sk, pk, err := privatebox.GenerateKeyPair()
		if err != nil {
			outErr = err
			return
		}
		pkSign, skSign, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			outErr = err
			return
		}

		var pkSignArr [32]byte
		copy(pkSignArr[:], pkSign)
		id = deriveInboxID(pk, pkSignArr)

		inbox := Inbox{
			GlobalID:  id,
			Label:     label,
			PkEncrypt: [32]byte(pk),
			SkEncrypt: [32]byte(sk),
			PkSign:    pkSignArr,
			Autosave:  autosave,
		}
		copy(inbox.SkSign[:], skSign)

		if err := d.store.InsertInbox(inbox); err != nil {
			outErr = err
			return
		}
		pub = PublicHalf{PkEncrypt: inbox.PkEncrypt, PkSign: inbox.PkSign}
	})

	return id, pub, outErr
}

// GetInbox returns a local inbox by its global id.
func (d *Deriver) GetInbox(id GlobalID) (*Inbox, error) {
	var inbox *Inbox
	var outErr error
	d.do(func() {
		inbox, outErr = d.store.GetInbox(id)
	})
	return inbox, outErr
}

// SetAutosavePreference updates whether newly derived messages in this
// inbox default to saved or unsaved.
func (d *Deriver) SetAutosavePreference(id GlobalID, autosave bool) error {
	var outErr error
	d.do(func() { outErr = d.store.SetInboxAutosave(id, autosave) })
	return outErr
}

// SetInboxLabel renames a local inbox.
func (d *Deriver) SetInboxLabel(id GlobalID, label string) error {
	var outErr error
	d.do(func() { outErr = d.store.SetInboxLabel(id, label) })
	return outErr
}

// DeleteInbox removes a local inbox and cascades its stored messages and
// derivations.
func (d *Deriver) DeleteInbox(id GlobalID) error {
	var outErr error
	d.do(func() { outErr = d.store.DeleteInbox(id) })
	return outErr
}

// GetPublicHalfEntry produces the obfuscated announcement payload for an
// inbox, ready for the caller to attach proof-of-work to and submit to
// the inventory.
func (d *Deriver) GetPublicHalfEntry(id GlobalID) ([]byte, error) {
	var payload []byte
	var outErr error
	d.do(func() {
		inbox, err := d.store.GetInbox(id)
		if err != nil {
			outErr = err
			return
		}
		if inbox == nil {
			outErr = ErrNotFound
			return
		}
		key := obfuscationKey(inbox.GlobalID)
		payload, outErr = sealAnnouncement(key, inbox.PkEncrypt, inbox.PkSign)
	})
	return payload, outErr
}

// EncodeMessage builds the inner Message, signs it with the sending
// inbox's key, wraps it as an UnverifiedMessage, and private-box encrypts
// it to the union of hidden recipients, disclosed recipients, and the
// sender's own public half. It returns (nil, nil) if private-box
// encryption fails, which happens when any single recipient key is
// rejected or there are too many recipients (a caller simply has nothing
// to submit in that case).
func (d *Deriver) EncodeMessage(
	inboxID GlobalID,
	content string,
	rtf RichTextFormat,
	attachments []Attachment,
	hiddenRecipients []PublicHalf,
	disclosed []DisclosedRecipient,
	inReplyTo *[64]byte,
) ([]byte, error) {
	var out []byte
	var outErr error

	d.do(func() {
		inbox, err := d.store.GetInbox(inboxID)
		if err != nil {
			outErr = err
			return
		}
		if inbox == nil {
			outErr = ErrNotFound
			return
		}

		var nonce [10]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			outErr = err
			return
		}

		msg := Message{
			InReplyTo:           inReplyTo,
			Nonce:               nonce,
			Content:             content,
			RichTextFormat:      rtf,
			DisclosedRecipients: disclosed,
			Attachments:         attachments,
		}

		signed, err := signMessage(ed25519.PrivateKey(inbox.SkSign[:]), msg)
		if err != nil {
			outErr = err
			return
		}

		plaintext, err := encodeUnverifiedMessage(inbox.PkEncrypt, inbox.PkSign, signed)
		if err != nil {
			outErr = err
			return
		}

		recipients := make([]privatebox.PublicKey, 0, len(hiddenRecipients)+len(disclosed)+1)
		for _, r := range hiddenRecipients {
			recipients = append(recipients, privatebox.PublicKey(r.PkEncrypt))
		}
		for _, r := range disclosed {
			recipients = append(recipients, privatebox.PublicKey(r.PkEncrypt))
		}
		recipients = append(recipients, privatebox.PublicKey(inbox.PkEncrypt))

		envelope, err := privatebox.Encrypt(plaintext, recipients)
		if err != nil {
			// A bad recipient key yields no output, not an error: the
			// caller has nothing to submit.
			out = nil
			return
		}
		out = envelope
	})

	return out, outErr
}

// SaveMessage marks a derived message as saved, so it survives all of
// its witnessing inventory entries expiring.
func (d *Deriver) SaveMessage(globalID, inboxID GlobalID) error {
	var outErr error
	d.do(func() { outErr = d.store.SetMessageType(globalID, inboxID, MessageSaved) })
	return outErr
}

// UnsaveMessage marks a derived message as unsaved. If it no longer has
// any live witnessing derivation, it is deleted immediately.
func (d *Deriver) UnsaveMessage(globalID, inboxID GlobalID) error {
	var outErr error
	d.do(func() {
		if err := d.store.SetMessageType(globalID, inboxID, MessageUnsaved); err != nil {
			outErr = err
			return
		}
		count, err := d.store.CountDerivations(globalID, inboxID)
		if err != nil {
			outErr = err
			return
		}
		if count == 0 {
			if err := d.store.DeleteMessage(globalID, inboxID); err != nil {
				outErr = err
				return
			}
			d.publish(Event{Kind: EventMessageExpired, GlobalID: globalID, InboxID: inboxID})
		}
	})
	return outErr
}

// GetStoredMessage returns a previously derived message by its global id
// and owning inbox.
func (d *Deriver) GetStoredMessage(globalID, inboxID GlobalID) (*StoredMessage, error) {
	var out *StoredMessage
	var outErr error
	d.do(func() { out, outErr = d.store.GetMessage(globalID, inboxID) })
	return out, outErr
}

// ListDerivations returns the inventory hashes currently witnessing a
// stored message under a given inbox.
func (d *Deriver) ListDerivations(globalID, inboxID GlobalID) ([]hashpow.Hash, error) {
	var out []hashpow.Hash
	var outErr error
	d.do(func() {
		raw, err := d.store.ListDerivations(globalID, inboxID)
		if err != nil {
			outErr = err
			return
		}
		out = make([]hashpow.Hash, len(raw))
		for i, h := range raw {
			out[i] = hashpow.Hash(h)
		}
	})
	return out, outErr
}

// NewContact records a remote identity's public half under label.
func (d *Deriver) NewContact(label string, pub PublicHalf) (GlobalID, error) {
	var id GlobalID
	var outErr error
	d.do(func() {
		id = deriveInboxID(pub.PkEncrypt, pub.PkSign)
		outErr = d.store.InsertContact(Contact{
			GlobalID:  id,
			Label:     label,
			PkEncrypt: pub.PkEncrypt,
			PkSign:    pub.PkSign,
		})
	})
	return id, outErr
}

// GetContact returns a known contact by its global id.
func (d *Deriver) GetContact(id GlobalID) (*Contact, error) {
	var contact *Contact
	var outErr error
	d.do(func() { contact, outErr = d.store.GetContact(id) })
	return contact, outErr
}

// SetContactLabel renames a contact.
func (d *Deriver) SetContactLabel(id GlobalID, label string) error {
	var outErr error
	d.do(func() { outErr = d.store.SetContactLabel(id, label) })
	return outErr
}

// SetContactPublicHalf re-keys the existing contact contactID to pub's
// derived global id, updating its label and recorded public half. If the
// newly derived id already belongs to a different existing contact, the
// store returns a unique-constraint error rather than silently merging
// the two rows.
func (d *Deriver) SetContactPublicHalf(contactID GlobalID, label string, pub PublicHalf) (GlobalID, error) {
	var id GlobalID
	var outErr error
	d.do(func() {
		id = deriveInboxID(pub.PkEncrypt, pub.PkSign)
		outErr = d.store.SetContactPublicHalf(contactID, id, label, pub.PkEncrypt, pub.PkSign)
	})
	return id, outErr
}

// DeleteContact removes a known contact.
func (d *Deriver) DeleteContact(id GlobalID) error {
	var outErr error
	d.do(func() { outErr = d.store.DeleteContact(id) })
	return outErr
}

// LookupPublicHalf scans the current inventory trying to deobfuscate
// every entry against the key implied by prefix (the first 10 bytes of a
// global id), streaming every public half it recognizes to out. out is
// closed when the scan completes.
func (d *Deriver) LookupPublicHalf(ctx context.Context, prefix [10]byte) <-chan PublicHalf {
	out := make(chan PublicHalf)
	go d.do(func() {
		defer close(out)

		key := obfuscationKeyFromPrefix(prefix)
		var cursor uint64
		for {
			h, counter, ok := d.inv.GetOneAfterCounter(cursor)
			if !ok {
				return
			}
			cursor = counter

			msg, err := d.inv.GetMessage(ctx, h)
			if err != nil || msg == nil {
				continue
			}

			announced, ok := openObfuscated(msg.Payload, key)
			if !ok {
				continue
			}
			var pub PublicHalf
			if err := unmarshalAnnouncement(announced, &pub); err != nil {
				continue
			}

			id := deriveInboxID(pub.PkEncrypt, pub.PkSign)
			if id.Prefix10() != prefix {
				continue
			}

			select {
			case out <- pub:
			case <-ctx.Done():
				return
			}
		}
	})
	return out
}

// StateDump carries the full contents of the frontend store, streamed on
// four channels, each closed once drained.
type StateDump struct {
	Inboxes     <-chan Inbox
	Contacts    <-chan Contact
	Messages    <-chan StoredMessage
	Expirations <-chan InboxExpiration
}

// InboxExpiration reports an inbox's current maximum announced
// expiration time.
type InboxExpiration struct {
	InboxID        GlobalID
	ExpirationTime int64
}

// RequestStateDump streams every inbox, contact, stored message, and
// per-inbox max expiration currently known to the deriver.
func (d *Deriver) RequestStateDump() StateDump {
	inboxCh := make(chan Inbox)
	contactCh := make(chan Contact)
	messageCh := make(chan StoredMessage)
	expirationCh := make(chan InboxExpiration)

	go d.do(func() {
		defer close(inboxCh)
		defer close(contactCh)
		defer close(messageCh)
		defer close(expirationCh)

		inboxes, err := d.store.ListInboxes()
		if err == nil {
			for _, in := range inboxes {
				inboxCh <- in
				if exp, ok, err := d.store.GetInboxMaxExpiration(in.GlobalID); err == nil && ok {
					expirationCh <- InboxExpiration{InboxID: in.GlobalID, ExpirationTime: exp}
				}
			}
		}

		contacts, err := d.store.ListContacts()
		if err == nil {
			for _, c := range contacts {
				contactCh <- c
			}
		}

		messages, err := d.store.ListMessages()
		if err == nil {
			for _, m := range messages {
				messageCh <- m
			}
		}
	})

	return StateDump{
		Inboxes:     inboxCh,
		Contacts:    contactCh,
		Messages:    messageCh,
		Expirations: expirationCh,
	}
}
