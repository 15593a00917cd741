package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meshpost/meshpost/internal/deriver"
	"github.com/meshpost/meshpost/internal/hashpow"
	"github.com/meshpost/meshpost/internal/inventory"
)

func (a *Adapter) registerHandlers() {
	a.handlers["new_inbox"] = a.newInbox
	a.handlers["get_inbox"] = a.getInbox
	a.handlers["set_autosave_preference"] = a.setAutosavePreference
	a.handlers["set_inbox_label"] = a.setInboxLabel
	a.handlers["delete_inbox"] = a.deleteInbox
	a.handlers["get_public_half_entry"] = a.getPublicHalfEntry
	a.handlers["encode_message"] = a.encodeMessage
	a.handlers["save_message"] = a.saveMessage
	a.handlers["unsave_message"] = a.unsaveMessage
	a.handlers["list_derivations"] = a.listDerivations
	a.handlers["new_contact"] = a.newContact
	a.handlers["get_contact"] = a.getContact
	a.handlers["set_contact_label"] = a.setContactLabel
	a.handlers["set_contact_public_half"] = a.setContactPublicHalf
	a.handlers["delete_contact"] = a.deleteContact
	a.handlers["lookup_public_half"] = a.lookupPublicHalf
	a.handlers["request_state_dump"] = a.requestStateDump
	a.handlers["submit_message"] = a.submitMessage
}

type newInboxParams struct {
	Label    string `json:"label"`
	Autosave bool   `json:"autosave"`
}

func (a *Adapter) newInbox(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p newInboxParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	id, pub, err := a.deriver.NewInbox(p.Label, p.Autosave)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"global_id":   id[:],
		"public_half": toWirePublicHalf(pub),
	}, nil
}

type inboxIDParams struct {
	InboxID []byte `json:"inbox_id"`
}

func (a *Adapter) getInbox(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p inboxIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	in, err := a.deriver.GetInbox(toGlobalID(p.InboxID))
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, deriver.ErrNotFound
	}
	return toWireInbox(*in), nil
}

type setAutosavePreferenceParams struct {
	InboxID  []byte `json:"inbox_id"`
	Autosave bool   `json:"autosave"`
}

func (a *Adapter) setAutosavePreference(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p setAutosavePreferenceParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := a.deriver.SetAutosavePreference(toGlobalID(p.InboxID), p.Autosave); err != nil {
		return nil, err
	}
	return nil, nil
}

type setInboxLabelParams struct {
	InboxID []byte `json:"inbox_id"`
	Label   string `json:"label"`
}

func (a *Adapter) setInboxLabel(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p setInboxLabelParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := a.deriver.SetInboxLabel(toGlobalID(p.InboxID), p.Label); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *Adapter) deleteInbox(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p inboxIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := a.deriver.DeleteInbox(toGlobalID(p.InboxID)); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *Adapter) getPublicHalfEntry(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p inboxIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	payload, err := a.deriver.GetPublicHalfEntry(toGlobalID(p.InboxID))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"payload": payload}, nil
}

type encodeMessageParams struct {
	InboxID             []byte                   `json:"inbox_id"`
	Content             string                   `json:"content"`
	RichTextFormat      string                   `json:"rich_text_format"`
	Attachments         []wireAttachment         `json:"attachments"`
	HiddenRecipients    []wirePublicHalf         `json:"hidden_recipients"`
	DisclosedRecipients []wireDisclosedRecipient `json:"disclosed_recipients"`
	InReplyTo           []byte                   `json:"in_reply_to,omitempty"`
}

func (a *Adapter) encodeMessage(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p encodeMessageParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}

	rtf := deriver.RichTextFormat(p.RichTextFormat)
	if rtf != deriver.FormatPlaintext && rtf != deriver.FormatMarkdown {
		return nil, fmt.Errorf("control: invalid rich_text_format %q", p.RichTextFormat)
	}

	attachments := make([]deriver.Attachment, len(p.Attachments))
	for i, at := range p.Attachments {
		attachments[i] = at.toAttachment()
	}
	hidden := make([]deriver.PublicHalf, len(p.HiddenRecipients))
	for i, h := range p.HiddenRecipients {
		hidden[i] = h.toPublicHalf()
	}
	disclosed := make([]deriver.DisclosedRecipient, len(p.DisclosedRecipients))
	for i, d := range p.DisclosedRecipients {
		disclosed[i] = d.toDisclosedRecipient()
	}

	var inReplyTo *[64]byte
	if len(p.InReplyTo) == 64 {
		var arr [64]byte
		copy(arr[:], p.InReplyTo)
		inReplyTo = &arr
	}

	payload, err := a.deriver.EncodeMessage(toGlobalID(p.InboxID), p.Content, rtf, attachments, hidden, disclosed, inReplyTo)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"payload": payload}, nil
}

type messageIDParams struct {
	GlobalID []byte `json:"global_id"`
	InboxID  []byte `json:"inbox_id"`
}

func (a *Adapter) saveMessage(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p messageIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := a.deriver.SaveMessage(toGlobalID(p.GlobalID), toGlobalID(p.InboxID)); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *Adapter) unsaveMessage(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p messageIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := a.deriver.UnsaveMessage(toGlobalID(p.GlobalID), toGlobalID(p.InboxID)); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *Adapter) listDerivations(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p messageIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	hashes, err := a.deriver.ListDerivations(toGlobalID(p.GlobalID), toGlobalID(p.InboxID))
	if err != nil {
		return nil, err
	}
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = h.String()
	}
	return map[string]interface{}{"inventory_hashes": out}, nil
}

type newContactParams struct {
	Label      string         `json:"label"`
	PublicHalf wirePublicHalf `json:"public_half"`
}

func (a *Adapter) newContact(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p newContactParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	id, err := a.deriver.NewContact(p.Label, p.PublicHalf.toPublicHalf())
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"global_id": id[:]}, nil
}

type contactIDParams struct {
	ContactID []byte `json:"contact_id"`
}

func (a *Adapter) getContact(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p contactIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	c, err := a.deriver.GetContact(toGlobalID(p.ContactID))
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, deriver.ErrNotFound
	}
	return toWireContact(*c), nil
}

type setContactLabelParams struct {
	ContactID []byte `json:"contact_id"`
	Label     string `json:"label"`
}

func (a *Adapter) setContactLabel(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p setContactLabelParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := a.deriver.SetContactLabel(toGlobalID(p.ContactID), p.Label); err != nil {
		return nil, err
	}
	return nil, nil
}

type setContactPublicHalfParams struct {
	ContactID  []byte         `json:"contact_id"`
	Label      string         `json:"label"`
	PublicHalf wirePublicHalf `json:"public_half"`
}

func (a *Adapter) setContactPublicHalf(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p setContactPublicHalfParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	id, err := a.deriver.SetContactPublicHalf(toGlobalID(p.ContactID), p.Label, p.PublicHalf.toPublicHalf())
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"global_id": id[:]}, nil
}

func (a *Adapter) deleteContact(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p contactIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if err := a.deriver.DeleteContact(toGlobalID(p.ContactID)); err != nil {
		return nil, err
	}
	return nil, nil
}

type lookupPublicHalfParams struct {
	Prefix []byte `json:"prefix"`
}

func (a *Adapter) lookupPublicHalf(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p lookupPublicHalfParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if len(p.Prefix) != 10 {
		return nil, fmt.Errorf("control: prefix must be 10 bytes, got %d", len(p.Prefix))
	}
	var prefix [10]byte
	copy(prefix[:], p.Prefix)

	var out []wirePublicHalf
	for pub := range a.deriver.LookupPublicHalf(ctx, prefix) {
		out = append(out, toWirePublicHalf(pub))
	}
	return map[string]interface{}{"public_halves": out}, nil
}

func (a *Adapter) requestStateDump(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	dump := a.deriver.RequestStateDump()

	inboxes := make([]wireInbox, 0)
	expirations := make(map[string]int64)
	contacts := make([]wireContact, 0)
	messages := make([]wireStoredMessage, 0)

	inboxesDone := false
	contactsDone := false
	messagesDone := false
	expirationsDone := false

	for !inboxesDone || !contactsDone || !messagesDone || !expirationsDone {
		select {
		case in, ok := <-dump.Inboxes:
			if !ok {
				inboxesDone = true
				continue
			}
			inboxes = append(inboxes, toWireInbox(in))
		case c, ok := <-dump.Contacts:
			if !ok {
				contactsDone = true
				continue
			}
			contacts = append(contacts, toWireContact(c))
		case m, ok := <-dump.Messages:
			if !ok {
				messagesDone = true
				continue
			}
			sender, msg, err := deriver.DecodeStoredMessage(m.Plaintext)
			out := wireStoredMessage{
				GlobalID:    m.GlobalID[:],
				InboxID:     m.InboxID[:],
				MessageType: string(m.MessageType),
			}
			if err == nil {
				out.Message = toWireMessage(sender, msg)
			}
			messages = append(messages, out)
		case e, ok := <-dump.Expirations:
			if !ok {
				expirationsDone = true
				continue
			}
			expirations[e.InboxID.String()] = e.ExpirationTime
		}
	}

	for i := range inboxes {
		if exp, ok := expirations[toGlobalID(inboxes[i].GlobalID).String()]; ok {
			e := exp
			inboxes[i].ExpirationTime = &e
		}
	}

	return map[string]interface{}{
		"inboxes":  inboxes,
		"contacts": contacts,
		"messages": messages,
	}, nil
}

type submitMessageParams struct {
	Payload        []byte `json:"payload"`
	ExpirationTime int64  `json:"expiration_time"`
}

// submitMessage attaches proof-of-work to a locally authored payload (the
// output of encode_message or get_public_half_entry) and inserts it into
// the local inventory, from which reconciliation takes over.
func (a *Adapter) submitMessage(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p submitMessageParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}

	ttl := p.ExpirationTime - time.Now().Unix()
	target := hashpow.ExpectedTarget(len(p.Payload), ttl)
	nonce, ok := hashpow.Prove(ctx, p.Payload, target)
	if !ok {
		return nil, fmt.Errorf("control: proof-of-work cancelled")
	}

	inserted, err := a.inv.Insert(inventory.Message{
		Payload:        p.Payload,
		Nonce:          nonce,
		ExpirationTime: p.ExpirationTime,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"inserted": inserted}, nil
}
