package reconcile

import (
	"github.com/meshpost/meshpost/internal/hashpow"
	"github.com/meshpost/meshpost/internal/intent"
	"github.com/meshpost/meshpost/internal/inventory"
)

// EngineHandler adapts an inventory.Engine and an intent.Registry into the
// Handler a Session serves: submissions that are newly admitted broadcast
// the intent signal, waking every other active reconciler on this node.
type EngineHandler struct {
	Engine   *inventory.Engine
	Registry *intent.Registry
}

// MessageExists reports whether h is present in the underlying engine.
func (e EngineHandler) MessageExists(h hashpow.Hash) bool {
	return e.Engine.MessageExists(h)
}

// Submit verifies and inserts msg, broadcasting intent on success.
func (e EngineHandler) Submit(msg inventory.Message) (bool, error) {
	inserted, err := e.Engine.Insert(msg)
	if err != nil {
		return false, err
	}
	if inserted {
		e.Registry.Broadcast()
	}
	return inserted, nil
}
