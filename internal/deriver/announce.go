package deriver

import (
	"crypto/rand"
	"encoding/json"

	"golang.org/x/crypto/nacl/secretbox"
)

const announceNonceSize = 24

// PublicHalf is a node's public identity: its encryption and signing
// public keys, the two fields a peer needs to address it.
type PublicHalf struct {
	PkEncrypt [32]byte `json:"pk_encrypt"`
	PkSign    [32]byte `json:"pk_sign"`
}

// sealAnnouncement builds the wire payload for an inbox's public half:
// nonce(24) || secretbox(JSON{pk_encrypt, pk_sign}, nonce, key).
func sealAnnouncement(key [32]byte, pkEncrypt, pkSign [32]byte) ([]byte, error) {
	body, err := json.Marshal(PublicHalf{PkEncrypt: pkEncrypt, PkSign: pkSign})
	if err != nil {
		return nil, err
	}

	var nonce [announceNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	sealed := secretbox.Seal(nil, body, &nonce, &key)
	out := make([]byte, 0, announceNonceSize+len(sealed))
	out = append(out, nonce[:]...)
	out = append(out, sealed...)
	return out, nil
}

// openObfuscated attempts to open payload as a public-half announcement
// sealed under key. It returns false on any shape or AEAD failure, which
// callers treat as "not an announcement for this inbox" rather than an
// error.
func openObfuscated(payload []byte, key [32]byte) ([]byte, bool) {
	if len(payload) < announceNonceSize+secretbox.Overhead {
		return nil, false
	}
	var nonce [announceNonceSize]byte
	copy(nonce[:], payload[:announceNonceSize])

	plaintext, ok := secretbox.Open(nil, payload[announceNonceSize:], &nonce, &key)
	if !ok {
		return nil, false
	}
	return plaintext, true
}

func unmarshalAnnouncement(data []byte, out *PublicHalf) error {
	return json.Unmarshal(data, out)
}
