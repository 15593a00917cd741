package hashpow

import (
	"context"
	"encoding/binary"
	"math"
	"math/rand"
	"runtime"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"
)

// ExpectedTarget computes the maximum acceptable 64-bit PoW value for a
// payload of the given length with ttl seconds remaining until expiration.
// On any overflow during the computation the target is 0, the hardest
// possible value to satisfy.
func ExpectedTarget(payloadLen int, ttl int64) uint64 {
	if ttl <= 0 {
		return 0
	}

	l := uint64(payloadLen)
	ttlU := uint64(ttl)

	// denom = 1000 * (l + 1000 + ttl*(l+1000)/65536)
	base, ok := addChecked(l, 1000)
	if !ok {
		return 0
	}

	scaled, ok := mulChecked(ttlU, base)
	if !ok {
		return 0
	}
	scaled /= 65536

	inner, ok := addChecked(base, scaled)
	if !ok {
		return 0
	}

	denom, ok := mulChecked(1000, inner)
	if !ok || denom == 0 {
		return 0
	}

	return math.MaxUint64 / denom
}

// CurrentValue computes the PoW value for a candidate nonce: the 8-byte
// output of BLAKE2b over BLAKE2b-512(payload) || be8(nonce), interpreted as
// a big-endian uint64.
func CurrentValue(payload []byte, nonce int64) uint64 {
	payloadDigest := blake2b.Sum512(payload)

	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], uint64(nonce))

	h, err := blake2b.New(8, nil)
	if err != nil {
		panic(err) // 8 is a valid blake2b output size; cannot fail
	}
	h.Write(payloadDigest[:])
	h.Write(nonceBuf[:])

	return binary.BigEndian.Uint64(h.Sum(nil))
}

// Verify reports whether nonce is a valid proof of work for payload given
// the message's expiration time and the current time, both in Unix
// seconds. A non-positive ttl fails outright.
func Verify(payload []byte, nonce int64, expirationTime, now int64) bool {
	ttl := expirationTime - now
	if ttl <= 0 {
		return false
	}
	target := ExpectedTarget(len(payload), ttl)
	return CurrentValue(payload, nonce) <= target
}

// Prove searches for a nonce satisfying target, using one goroutine per
// available CPU. It returns as soon as any worker finds a valid nonce, or
// returns false if ctx is cancelled first.
func Prove(ctx context.Context, payload []byte, target uint64) (int64, bool) {
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}

	var cancelled atomic.Bool
	result := make(chan int64, 1)

	searchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := 0; i < workers; i++ {
		go func(seed int64) {
			rng := rand.New(rand.NewSource(seed))
			for !cancelled.Load() {
				select {
				case <-searchCtx.Done():
					return
				default:
				}
				nonce := rng.Int63()
				if rand.Intn(2) == 0 {
					nonce = -nonce
				}
				if CurrentValue(payload, nonce) <= target {
					if cancelled.CompareAndSwap(false, true) {
						select {
						case result <- nonce:
						default:
						}
					}
					return
				}
			}
		}(rand.Int63())
	}

	select {
	case nonce := <-result:
		return nonce, true
	case <-ctx.Done():
		cancelled.Store(true)
		return 0, false
	}
}

func addChecked(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

func mulChecked(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	product := a * b
	if product/a != b {
		return 0, false
	}
	return product, true
}
