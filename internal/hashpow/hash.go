// Package hashpow implements content-address hashing and the proof-of-work
// scheme that gates inventory admission.
package hashpow

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Hash is the content address of a message: BLAKE2b-512 over the
// concatenation of BLAKE2b-512(payload) and BLAKE2b-512(be8(expirationTime)).
type Hash [blake2b.Size]byte

// ContentHash computes the content address for a (payload, expirationTime)
// pair. nonce does not participate in the hash.
func ContentHash(payload []byte, expirationTime int64) Hash {
	payloadDigest := blake2b.Sum512(payload)

	var expBuf [8]byte
	binary.BigEndian.PutUint64(expBuf[:], uint64(expirationTime))
	expDigest := blake2b.Sum512(expBuf[:])

	combined := make([]byte, 0, len(payloadDigest)+len(expDigest))
	combined = append(combined, payloadDigest[:]...)
	combined = append(combined, expDigest[:]...)

	return blake2b.Sum512(combined)
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}
