// Package privatebox implements the multi-recipient hybrid envelope used to
// wrap message payloads: a message is encrypted once under a fresh content
// key, and that content key is sealed separately for each recipient behind
// a fixed-size, unlabeled block so that outsiders cannot tell how many
// recipients a message has or which block (if any) belongs to them.
package privatebox

import (
	"errors"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/meshpost/meshpost/pkg/helpers"
)

const (
	keySize      = 32
	nonceSize    = 24
	countSize    = 1
	overheadSize = secretbox.Overhead // 16-byte Poly1305 tag

	// recipientBlockSize is the fixed size of each per-recipient sealed
	// block: content key + recipient count + AEAD overhead.
	recipientBlockSize = keySize + countSize + overheadSize

	maxRecipients = 255
)

var (
	// ErrTooManyRecipients is returned when encrypting to more than 255
	// public keys, the limit imposed by the single-byte recipient count.
	ErrTooManyRecipients = errors.New("privatebox: too many recipients")

	// ErrNoRecipients is returned when encrypting to zero public keys.
	ErrNoRecipients = errors.New("privatebox: no recipients")

	// ErrDecryptFailed covers every decryption failure: no matching
	// recipient block, an identity-element scalar multiplication, or a
	// corrupt/tampered ciphertext. It deliberately does not distinguish
	// these cases, since doing so would leak information to an attacker
	// probing with a wrong key.
	ErrDecryptFailed = errors.New("privatebox: decrypt failed")
)

// PublicKey and PrivateKey are curve25519 points, 32 bytes each.
type PublicKey [32]byte
type PrivateKey [32]byte

// Encrypt seals plaintext so that any of the holders of the private keys
// matching recipients can decrypt it. Order of recipients has no security
// meaning but does determine the position each recipient must scan from.
func Encrypt(plaintext []byte, recipients []PublicKey) ([]byte, error) {
	n := len(recipients)
	if n == 0 {
		return nil, ErrNoRecipients
	}
	if n > maxRecipients {
		return nil, ErrTooManyRecipients
	}

	var contentKey [keySize]byte
	keyBytes, err := helpers.GenerateSecureRandom(keySize)
	if err != nil {
		return nil, err
	}
	copy(contentKey[:], keyBytes)

	var nonce [nonceSize]byte
	nonceBytes, err := helpers.GenerateSecureRandom(nonceSize)
	if err != nil {
		return nil, err
	}
	copy(nonce[:], nonceBytes)

	ephemeralPriv, ephemeralPub, err := generateKeyPair()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, nonceSize+keySize+n*recipientBlockSize+len(plaintext)+overheadSize)
	out = append(out, nonce[:]...)
	out = append(out, ephemeralPub[:]...)

	// keyAndCount is sealed per recipient: content key followed by the
	// total recipient count, so a successful opener learns how many
	// 49-byte blocks follow its own (for header skipping on decrypt).
	var keyAndCount [keySize + countSize]byte
	copy(keyAndCount[:keySize], contentKey[:])
	keyAndCount[keySize] = byte(n)

	for _, recipient := range recipients {
		shared, err := scalarMult(ephemeralPriv, recipient)
		if err != nil {
			return nil, err
		}
		sealed := secretbox.Seal(nil, keyAndCount[:], &nonce, &shared)
		out = append(out, sealed...)
	}

	out = secretbox.Seal(out, plaintext, &nonce, &contentKey)

	return out, nil
}

// Decrypt attempts to open an envelope produced by Encrypt using sk. It
// tries each per-recipient block in turn until one opens, then decrypts
// the trailing payload with the recovered content key.
func Decrypt(envelope []byte, sk PrivateKey) ([]byte, error) {
	if len(envelope) < nonceSize+keySize {
		return nil, ErrDecryptFailed
	}

	var nonce [nonceSize]byte
	copy(nonce[:], envelope[:nonceSize])

	var ephemeralPub PublicKey
	copy(ephemeralPub[:], envelope[nonceSize:nonceSize+keySize])

	shared, err := scalarMult(sk, ephemeralPub)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	blocks := envelope[nonceSize+keySize:]

	attempts := 0
	offset := 0
	for offset+recipientBlockSize <= len(blocks) {
		attempts++
		if attempts > maxRecipients {
			return nil, ErrDecryptFailed
		}

		block := blocks[offset : offset+recipientBlockSize]
		opened, ok := secretbox.Open(nil, block, &nonce, &shared)
		offset += recipientBlockSize
		if !ok {
			continue
		}
		if len(opened) != keySize+countSize {
			return nil, ErrDecryptFailed
		}

		count := int(opened[keySize])
		if count == 0 {
			return nil, ErrDecryptFailed
		}

		var contentKey [keySize]byte
		copy(contentKey[:], opened[:keySize])

		// Skip the remaining header blocks (those after our own
		// position), then open the trailing ciphertext.
		remaining := count - attempts
		if remaining < 0 {
			return nil, ErrDecryptFailed
		}
		skip := remaining * recipientBlockSize
		ciphertextStart := offset + skip
		if ciphertextStart > len(blocks) {
			return nil, ErrDecryptFailed
		}

		plaintext, ok := secretbox.Open(nil, blocks[ciphertextStart:], &nonce, &contentKey)
		if !ok {
			return nil, ErrDecryptFailed
		}
		return plaintext, nil
	}

	return nil, ErrDecryptFailed
}

// GenerateKeyPair produces a fresh curve25519 keypair, suitable for an
// inbox or contact's encryption half.
func GenerateKeyPair() (PrivateKey, PublicKey, error) {
	return generateKeyPair()
}

func generateKeyPair() (PrivateKey, PublicKey, error) {
	var priv PrivateKey
	randBytes, err := helpers.GenerateSecureRandom(keySize)
	if err != nil {
		return priv, PublicKey{}, err
	}
	copy(priv[:], randBytes)
	// Clamp per curve25519 convention.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, PublicKey{}, err
	}
	var pk PublicKey
	copy(pk[:], pub)
	return priv, pk, nil
}

// scalarMult performs X25519(sk, pk) and rejects the identity-element
// result, which curve25519.X25519 itself reports as an error.
func scalarMult(sk PrivateKey, pk PublicKey) ([keySize]byte, error) {
	var out [keySize]byte
	shared, err := curve25519.X25519(sk[:], pk[:])
	if err != nil {
		return out, err
	}
	copy(out[:], shared)
	return out, nil
}
