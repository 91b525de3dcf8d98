// Package model holds the entity types and canonical events the session
// engine operates on. Everything past the normalization boundary works
// exclusively with these types; raw server payloads never escape the
// session package.
package model

import (
	"fmt"
	"time"
)

// RoomKind classifies a room. It is fixed at creation: a server cannot
// turn a direct chat into a channel, and the engine relies on that.
type RoomKind string

const (
	RoomPublic  RoomKind = "public"
	RoomPrivate RoomKind = "private"
	RoomDirect  RoomKind = "direct"
)

// Prefix returns the single-character label prefix used to spell rooms
// in user-facing contexts: #channel, $group, @direct.
func (k RoomKind) Prefix() string {
	switch k {
	case RoomPrivate:
		return "$"
	case RoomDirect:
		return "@"
	default:
		return "#"
	}
}

// Room is a chat room the logged-in user is subscribed to. Kind never
// changes after creation; Open is the only locally mutable visibility
// flag. The ordered message sequence lives in the state store, not here.
type Room struct {
	ID           string
	Name         string
	Kind         RoomKind
	Open         bool
	Topic        string
	LastActivity time.Time
}

// Label returns the type-prefixed display label, e.g. "#general".
func (r Room) Label() string {
	return r.Kind.Prefix() + r.Name
}

// MatchesSpec reports whether a label spec like "#general" or "@alice"
// refers to this room.
func (r Room) MatchesSpec(spec string) bool {
	if len(spec) < 2 {
		return false
	}
	return spec == r.Label()
}

// Presence is a user's availability status.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
	PresenceBusy    Presence = "busy"
	PresenceAway    Presence = "away"
)

// ParsePresence maps a raw status string to a Presence, defaulting to
// offline for anything unrecognized.
func ParsePresence(s string) Presence {
	switch Presence(s) {
	case PresenceOnline, PresenceBusy, PresenceAway:
		return Presence(s)
	default:
		return PresenceOffline
	}
}

// User is a chat user. Users are owned by the directory; rooms and
// messages hold the ID only, so a presence update is visible everywhere
// at once. FullyLoaded distinguishes a complete server record from a
// stub learned opportunistically from a message author field.
type User struct {
	ID          string
	Username    string
	Presence    Presence
	StatusText  string
	FullyLoaded bool
}

// Label returns the @-prefixed username.
func (u User) Label() string {
	return "@" + u.Username
}

// ThreadState tracks resolution of a thread-root reference.
type ThreadState int

const (
	// ThreadNone means the message is not part of a thread.
	ThreadNone ThreadState = iota
	// ThreadUnresolved means the root's sequence number is not yet
	// known locally; a backfill may still resolve it.
	ThreadUnresolved
	// ThreadResolved means RootSeq is valid. Terminal.
	ThreadResolved
	// ThreadUnknown means an exhaustive backfill failed to locate the
	// root. Terminal; never transitions back to unresolved.
	ThreadUnknown
)

// ThreadRef points from a message to its thread root by server id.
type ThreadRef struct {
	RootID  string
	State   ThreadState
	RootSeq int64
}

// Label renders the thread marker: "#<seq>" once resolved, "#???" while
// unresolved or permanently unknown, empty for non-thread messages.
func (t ThreadRef) Label() string {
	switch t.State {
	case ThreadResolved:
		return fmt.Sprintf("#%d", t.RootSeq)
	case ThreadUnresolved, ThreadUnknown:
		return "#???"
	default:
		return ""
	}
}

// MessageKind separates regular chat messages from server-generated
// system events (user muted, room renamed, ...).
type MessageKind string

const (
	MessageNormal MessageKind = "normal"
	MessageSystem MessageKind = "system"
)

// Message is a single chat message. Seq is assigned exactly once by the
// sequencer and is strictly increasing within a room; updates mutate
// fields in place by server id and never move the message.
type Message struct {
	ID        string
	RoomID    string
	Seq       int64
	Time      time.Time
	UserID    string
	Username  string
	Body      string
	Kind      MessageKind
	Edited    bool
	EditTime  time.Time
	Thread    ThreadRef
	Reactions map[string][]string
	Mentions  []string
}

// MentionsUser reports whether the message mentions the given user id,
// either directly or via the @all broadcast mention.
func (m *Message) MentionsUser(id string) bool {
	for _, mid := range m.Mentions {
		if mid == id || mid == "all" {
			return true
		}
	}
	return false
}

// Clone returns a deep copy, used when handing messages across the store
// boundary so consumers cannot mutate shared state.
func (m *Message) Clone() *Message {
	c := *m
	if m.Reactions != nil {
		c.Reactions = make(map[string][]string, len(m.Reactions))
		for k, v := range m.Reactions {
			c.Reactions[k] = append([]string(nil), v...)
		}
	}
	c.Mentions = append([]string(nil), m.Mentions...)
	return &c
}
