package deriver

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
)

// RichTextFormat distinguishes how Content should be rendered.
type RichTextFormat string

const (
	FormatPlaintext RichTextFormat = "plaintext"
	FormatMarkdown  RichTextFormat = "markdown"
)

// Attachment is an inline blob carried by a Message.
type Attachment struct {
	MimeType string `json:"mime_type"`
	Blob     []byte `json:"blob"`
}

// DisclosedRecipient names another public half the sender chose to reveal
// as a co-recipient of the message.
type DisclosedRecipient struct {
	PkEncrypt [32]byte `json:"pk_encrypt"`
	PkSign    [32]byte `json:"pk_sign"`
}

// Message is the inner content a sender composes, prior to signing and
// private-box encryption.
type Message struct {
	InReplyTo           *[64]byte             `json:"in_reply_to,omitempty"`
	Nonce               [10]byte              `json:"nonce"`
	Content             string                `json:"content"`
	RichTextFormat      RichTextFormat        `json:"rich_text_format"`
	DisclosedRecipients []DisclosedRecipient  `json:"disclosed_recipients"`
	Attachments         []Attachment          `json:"attachments"`
}

// UnverifiedMessage is the plaintext private-box decrypts to: a claimed
// sender public half plus a signed Message payload. The signature has not
// yet been checked when this struct is populated from the wire.
type UnverifiedMessage struct {
	PkEncrypt [32]byte `json:"pk_encrypt"`
	PkSign    [32]byte `json:"pk_sign"`
	Payload   []byte   `json:"payload"`
}

var (
	// ErrBadSignature covers a signature that does not verify, or a
	// payload too short to contain one; both are silent-drop conditions.
	ErrBadSignature = errors.New("deriver: bad message signature")
)

// signMessage serializes msg to JSON and produces an attached signature:
// the 64-byte ed25519 signature followed by the serialized message. The
// standard library only exposes detached Sign/Verify, so this is a thin
// wrapper giving the signature‖message shape the wire format calls for.
func signMessage(skSign ed25519.PrivateKey, msg Message) ([]byte, error) {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(skSign, encoded)
	out := make([]byte, 0, len(sig)+len(encoded))
	out = append(out, sig...)
	out = append(out, encoded...)
	return out, nil
}

// verifyAttachedMessage checks the attached signature on payload against
// pkSign and, if valid, decodes the trailing JSON into a Message.
func verifyAttachedMessage(pkSign [32]byte, payload []byte) (Message, error) {
	var msg Message
	if len(payload) < ed25519.SignatureSize {
		return msg, ErrBadSignature
	}
	sig := payload[:ed25519.SignatureSize]
	body := payload[ed25519.SignatureSize:]

	if !ed25519.Verify(ed25519.PublicKey(pkSign[:]), body, sig) {
		return msg, ErrBadSignature
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// encodeUnverifiedMessage produces the plaintext that gets private-box
// encrypted: the sender's public half plus the signed inner message.
func encodeUnverifiedMessage(pkEncrypt, pkSign [32]byte, payload []byte) ([]byte, error) {
	return json.Marshal(UnverifiedMessage{PkEncrypt: pkEncrypt, PkSign: pkSign, Payload: payload})
}

// decodeUnverifiedMessage parses the plaintext private-box produced after
// a successful decrypt.
func decodeUnverifiedMessage(plaintext []byte) (UnverifiedMessage, error) {
	var u UnverifiedMessage
	err := json.Unmarshal(plaintext, &u)
	return u, err
}

// DecodeStoredMessage extracts the sender's public half and inner Message
// from a StoredMessage's plaintext. The signature was already checked when
// the message was first derived, so this only strips it to reach the body.
func DecodeStoredMessage(plaintext []byte) (PublicHalf, Message, error) {
	u, err := decodeUnverifiedMessage(plaintext)
	if err != nil {
		return PublicHalf{}, Message{}, err
	}
	if len(u.Payload) < ed25519.SignatureSize {
		return PublicHalf{}, Message{}, ErrBadSignature
	}
	var msg Message
	if err := json.Unmarshal(u.Payload[ed25519.SignatureSize:], &msg); err != nil {
		return PublicHalf{}, Message{}, err
	}
	return PublicHalf{PkEncrypt: u.PkEncrypt, PkSign: u.PkSign}, msg, nil
}
