package model

// EventKind enumerates the closed set of canonical events the normalizer
// emits. Nothing downstream of the normalizer sees any other event shape.
type EventKind string

const (
	MessageArrived     EventKind = "message-arrived"
	MessageUpdated     EventKind = "message-updated"
	RoomAdded          EventKind = "room-added"
	RoomRemoved        EventKind = "room-removed"
	RoomTopicChanged   EventKind = "room-topic-changed"
	PresenceChanged    EventKind = "presence-changed"
	ConnectionLost     EventKind = "connection-lost"
	ConnectionRestored EventKind = "connection-restored"
)

// Event is one canonical event. Only the fields relevant to Kind are
// populated; the rest stay zero.
type Event struct {
	Kind EventKind

	// RoomAdded, RoomRemoved, RoomTopicChanged.
	Room *Room

	// MessageArrived, MessageUpdated. Message.Seq is zero until the
	// sequencer numbers it.
	Message *Message

	// MessageUpdated: true for a real edit (edit timestamp changed),
	// false for a server-side enrichment pass such as URL preview or
	// reaction bookkeeping. The store refines this against the previous
	// message state before notifying consumers.
	IsUpdate bool

	// PresenceChanged.
	UserID     string
	Username   string
	Presence   Presence
	StatusText string
}
