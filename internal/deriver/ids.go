package deriver

import (
	"encoding/binary"
	"encoding/hex"

	"lukechampine.com/blake3"

	"github.com/meshpost/meshpost/internal/privatebox"
)

const globalIDSize = 32

// GlobalID is a stable, domain-separated BLAKE3 identifier for inboxes,
// contacts, and stored messages.
type GlobalID [globalIDSize]byte

// Domain-separation tags. These are distinct from any upstream project's
// strings by construction; only the derivation shape (BLAKE3 over a
// concatenation ending in a domain tag) is preserved.
const (
	domainInboxID   = "meshpost inbox id v1"
	domainMessageID = "meshpost message id v1"
	domainObfuscate = "meshpost public-half obfuscation v1"
)

// deriveInboxID computes the global id for an inbox or contact's public
// half: BLAKE3(pkEncrypt || pkSign || domainInboxID).
func deriveInboxID(pkEncrypt privatebox.PublicKey, pkSign [32]byte) GlobalID {
	h := blake3.New(globalIDSize, nil)
	h.Write(pkEncrypt[:])
	h.Write(pkSign[:])
	h.Write([]byte(domainInboxID))
	var out GlobalID
	copy(out[:], h.Sum(nil))
	return out
}

// deriveMessageID computes the global id of a stored (decrypted) message:
// BLAKE3(plaintext || domainMessageID).
func deriveMessageID(plaintext []byte) GlobalID {
	h := blake3.New(globalIDSize, nil)
	h.Write(plaintext)
	h.Write([]byte(domainMessageID))
	var out GlobalID
	copy(out[:], h.Sum(nil))
	return out
}

// obfuscationKey derives the per-inbox symmetric key used to obfuscate
// (and recognize) a public-half announcement: a 32-byte BLAKE3 XOF output
// keyed by the inbox's first 10 id bytes and the obfuscation domain tag.
func obfuscationKey(inboxID GlobalID) [32]byte {
	return obfuscationKeyFromPrefix(inboxID.Prefix10())
}

// obfuscationKeyFromPrefix is the same derivation, taking the first 10 id
// bytes directly — what a peer doing a prefix lookup has on hand before
// it knows (or even confirms) the full global id.
func obfuscationKeyFromPrefix(prefix [10]byte) [32]byte {
	input := make([]byte, 0, 10+len(domainObfuscate))
	input = append(input, prefix[:]...)
	input = append(input, []byte(domainObfuscate)...)

	xof := blake3.New(32, nil)
	xof.Write(input)
	var key [32]byte
	copy(key[:], xof.Sum(nil))
	return key
}

func (g GlobalID) String() string {
	return hex.EncodeToString(g[:])
}

// Prefix10 returns the first 10 bytes of the id, the portion used to key
// public-half obfuscation.
func (g GlobalID) Prefix10() [10]byte {
	var p [10]byte
	copy(p[:], g[:10])
	return p
}

func be8(n int64) [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	return b
}
