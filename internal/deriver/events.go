package deriver

// EventKind distinguishes the lifecycle events the deriver emits.
type EventKind int

const (
	EventMessage EventKind = iota
	EventMessageExpirationTimeExtended
	EventMessageExpired
	EventInbox
)

// Event is published whenever a mutation changes the derived state visible
// to the control surface.
type Event struct {
	Kind EventKind

	// GlobalID and InboxID are populated for EventMessage,
	// EventMessageExpirationTimeExtended and EventMessageExpired. For
	// EventInbox, GlobalID carries the inbox id. MessageType is populated
	// for EventMessage only; ExpirationTime for EventMessage,
	// EventMessageExpirationTimeExtended and EventInbox.
	GlobalID       GlobalID
	InboxID        GlobalID
	MessageType    MessageType
	ExpirationTime int64
}
