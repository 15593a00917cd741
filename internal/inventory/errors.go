package inventory

import (
	"errors"
	"time"
)

// sweepInterval is the wall-clock (or mock-clock) period between expiry
// sweeps.
const sweepInterval = time.Second

var (
	// ErrInvalidProofOfWork is returned by Insert when the message's nonce
	// does not satisfy the PoW target for its size and remaining TTL, or
	// the TTL is already non-positive. The caller should silently drop the
	// offending message rather than propagate this further.
	ErrInvalidProofOfWork = errors.New("inventory: invalid proof of work")

	// ErrEngineClosed is returned by operations issued after Close.
	ErrEngineClosed = errors.New("inventory: engine closed")
)
