package reconcile

import (
	"context"

	"github.com/meshpost/meshpost/internal/hashpow"
	"github.com/meshpost/meshpost/internal/inventory"
	"github.com/meshpost/meshpost/internal/intent"
	"github.com/meshpost/meshpost/pkg/logging"
)

// Source is the inventory surface the client loop drains against.
type Source interface {
	GetOneAfterCounter(cursor uint64) (h hashpow.Hash, counter uint64, ok bool)
	GetMessage(ctx context.Context, h hashpow.Hash) (*inventory.Message, error)
}

// RunClientLoop drives the offer side of reconciliation against session:
// it walks inv's cursor forward, tests each hash against the peer, and
// submits whatever the peer doesn't already have. When the cursor is
// drained it waits for either new inventory (via the intent registry) or
// session termination, then resumes. It returns when the session ends.
func RunClientLoop(ctx context.Context, session *Session, inv Source, reg *intent.Registry, logger *logging.Logger) {
	if logger == nil {
		logger = logging.Default()
	}
	log := logger.Component("reconcile")

	handle := reg.GetHandle()
	defer reg.DropHandle(handle)

	var cursor uint64

	for {
		for {
			h, counter, ok := inv.GetOneAfterCounter(cursor)
			if !ok {
				break
			}
			cursor = counter

			exists, err := session.Test(ctx, h)
			if err != nil {
				return
			}
			if exists {
				continue
			}

			msg, err := inv.GetMessage(ctx, h)
			if err != nil || msg == nil {
				log.Warn("failed to load message for submission", "err", err)
				continue
			}

			if err := session.Submit(ctx, *msg); err != nil {
				log.Debug("submit failed", "err", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-session.Done():
			return
		case <-reg.Wait(handle):
			reg.Reset(handle)
			continue
		}
	}
}
