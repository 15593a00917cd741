package control

import (
	"encoding/json"

	"github.com/meshpost/meshpost/internal/deriver"
)

// inbound is the envelope for every command line read from the control
// channel.
type inbound struct {
	Command string          `json:"command"`
	ID      string          `json:"id,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// outbound is the envelope for every line written to the control channel,
// whether it answers a command or reports an asynchronous event.
type outbound struct {
	Type    string      `json:"type"` // "answer", "error", or "event"
	ID      string      `json:"id,omitempty"`
	Command string      `json:"command,omitempty"`
	Event   string      `json:"event,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// wirePublicHalf is a node's addressable identity, base64-encoded over the
// wire via the [32]byte -> []byte conversions below (encoding/json encodes
// []byte fields as base64 strings).
type wirePublicHalf struct {
	PkEncrypt []byte `json:"pk_encrypt"`
	PkSign    []byte `json:"pk_sign"`
}

func toWirePublicHalf(p deriver.PublicHalf) wirePublicHalf {
	return wirePublicHalf{PkEncrypt: p.PkEncrypt[:], PkSign: p.PkSign[:]}
}

func (w wirePublicHalf) toPublicHalf() deriver.PublicHalf {
	var p deriver.PublicHalf
	copy(p.PkEncrypt[:], w.PkEncrypt)
	copy(p.PkSign[:], w.PkSign)
	return p
}

type wireAttachment struct {
	MimeType string `json:"mime_type"`
	Blob     []byte `json:"blob"`
}

func toWireAttachment(a deriver.Attachment) wireAttachment {
	return wireAttachment{MimeType: a.MimeType, Blob: a.Blob}
}

func (w wireAttachment) toAttachment() deriver.Attachment {
	return deriver.Attachment{MimeType: w.MimeType, Blob: w.Blob}
}

type wireDisclosedRecipient struct {
	PkEncrypt []byte `json:"pk_encrypt"`
	PkSign    []byte `json:"pk_sign"`
}

func toWireDisclosedRecipient(r deriver.DisclosedRecipient) wireDisclosedRecipient {
	return wireDisclosedRecipient{PkEncrypt: r.PkEncrypt[:], PkSign: r.PkSign[:]}
}

func (w wireDisclosedRecipient) toDisclosedRecipient() deriver.DisclosedRecipient {
	var r deriver.DisclosedRecipient
	copy(r.PkEncrypt[:], w.PkEncrypt)
	copy(r.PkSign[:], w.PkSign)
	return r
}

// wireMessage is the rendered form of a derived message, used both in
// state-dump results and in Message events.
type wireMessage struct {
	Sender              wirePublicHalf           `json:"sender"`
	InReplyTo           []byte                   `json:"in_reply_to,omitempty"`
	RichTextFormat      string                   `json:"rich_text_format"`
	Content             string                   `json:"content"`
	DisclosedRecipients []wireDisclosedRecipient `json:"disclosed_recipients"`
	Attachments         []wireAttachment         `json:"attachments"`
}

func toWireMessage(sender deriver.PublicHalf, msg deriver.Message) wireMessage {
	disclosed := make([]wireDisclosedRecipient, len(msg.DisclosedRecipients))
	for i, r := range msg.DisclosedRecipients {
		disclosed[i] = toWireDisclosedRecipient(r)
	}
	attachments := make([]wireAttachment, len(msg.Attachments))
	for i, a := range msg.Attachments {
		attachments[i] = toWireAttachment(a)
	}
	w := wireMessage{
		Sender:              toWirePublicHalf(sender),
		RichTextFormat:      string(msg.RichTextFormat),
		Content:              msg.Content,
		DisclosedRecipients: disclosed,
		Attachments:         attachments,
	}
	if msg.InReplyTo != nil {
		w.InReplyTo = msg.InReplyTo[:]
	}
	return w
}

type wireInbox struct {
	GlobalID           []byte         `json:"global_id"`
	Label              string         `json:"label"`
	PublicHalf         wirePublicHalf `json:"public_half"`
	AutosavePreference string         `json:"autosave_preference"`
	ExpirationTime     *int64         `json:"expiration_time,omitempty"`
}

func toWireInbox(in deriver.Inbox) wireInbox {
	pref := "manual"
	if in.Autosave {
		pref = "autosave"
	}
	return wireInbox{
		GlobalID:           in.GlobalID[:],
		Label:              in.Label,
		PublicHalf:         wirePublicHalf{PkEncrypt: in.PkEncrypt[:], PkSign: in.PkSign[:]},
		AutosavePreference: pref,
	}
}

type wireContact struct {
	GlobalID   []byte         `json:"global_id"`
	Label      string         `json:"label"`
	PublicHalf wirePublicHalf `json:"public_half"`
}

func toWireContact(c deriver.Contact) wireContact {
	return wireContact{
		GlobalID:   c.GlobalID[:],
		Label:      c.Label,
		PublicHalf: wirePublicHalf{PkEncrypt: c.PkEncrypt[:], PkSign: c.PkSign[:]},
	}
}

type wireStoredMessage struct {
	GlobalID       []byte      `json:"global_id"`
	InboxID        []byte      `json:"inbox_id"`
	MessageType    string      `json:"message_type"`
	Message        wireMessage `json:"message"`
	ExpirationTime *int64      `json:"expiration_time,omitempty"`
}
