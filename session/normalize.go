package session

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tidwall/gjson"

	"github.com/chatterm/chatterm/internal/model"
)

// Frame payload shapes handled here. This file is the only place that
// parses untyped server data; everything downstream operates on the
// closed canonical event set in internal/model.
//
//	changed/stream-room-messages      -> MessageArrived or MessageUpdated
//	changed/stream-notify-user .../subscriptions-changed -> RoomAdded/RoomRemoved
//	changed/stream-notify-user .../rooms-changed         -> RoomAdded/RoomTopicChanged
//	changed/stream-notify-logged user-status             -> PresenceChanged

const (
	streamRoomMessages = "stream-room-messages"
	streamNotifyUser   = "stream-notify-user"
	streamNotifyLogged = "stream-notify-logged"
)

// systemBodies maps the wire's undocumented system message type codes to
// readable bodies. Unknown codes fall back to the raw code itself.
var systemBodies = map[string]string{
	"uj":                 "joined the room",
	"ut":                 "joined the conversation",
	"ul":                 "left the room",
	"au":                 "was added to the room",
	"ru":                 "was removed from the room",
	"user-muted":         "was muted",
	"user-unmuted":       "was unmuted",
	"r":                  "changed the room name",
	"rm":                 "message removed",
	"room_changed_topic": "changed the room topic",
	"wm":                 "welcome",
}

// Normalizer converts raw snapshot and push payloads into canonical
// events. It holds no state: given the same payload it always emits the
// same events.
type Normalizer struct {
	logger *slog.Logger
}

func NewNormalizer(logger *slog.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// NormalizeFrame maps one raw push frame to canonical events. Frames
// that are not events (connection handshake, method results, sub acks,
// pings) yield nil; the transport handles those itself.
func (n *Normalizer) NormalizeFrame(data []byte) []model.Event {
	if !gjson.ValidBytes(data) {
		n.logger.Debug("unparseable push frame", slog.Int("bytes", len(data)))
		return nil
	}

	if gjson.GetBytes(data, "msg").Str != "changed" {
		return nil
	}

	collection := gjson.GetBytes(data, "collection").Str
	fields := gjson.GetBytes(data, "fields")

	switch collection {
	case streamRoomMessages:
		return n.roomMessageEvents(fields)
	case streamNotifyUser:
		return n.userStreamEvents(fields)
	case streamNotifyLogged:
		return n.loggedStreamEvents(fields)
	default:
		n.logger.Debug("ignoring unknown stream collection", slog.String("collection", collection))
		return nil
	}
}

func (n *Normalizer) roomMessageEvents(fields gjson.Result) []model.Event {
	var events []model.Event

	for _, arg := range fields.Get("args").Array() {
		// Whenever a thread gains a reply the server re-broadcasts the
		// root message with its reply bookkeeping (tcount/replies) on
		// this stream. These duplicates never appear in explicitly
		// loaded history; treating one as an arrival would append an
		// old message at the tail of the room.
		if arg.Get("tcount").Int() != 0 || len(arg.Get("replies").Array()) != 0 {
			continue
		}

		msg, err := parseMessage([]byte(arg.Raw))
		if err != nil {
			n.logger.Warn("skipping unparseable room message", slog.String("error", err.Error()))
			continue
		}

		kind := model.MessageArrived
		if msg.Edited {
			// The store refines this against the previous edit
			// timestamp; an unseen id still counts as an arrival.
			kind = model.MessageUpdated
		}

		events = append(events, model.Event{
			Kind:     kind,
			Message:  msg,
			IsUpdate: msg.Edited,
		})
	}

	return events
}

func (n *Normalizer) userStreamEvents(fields gjson.Result) []model.Event {
	args := fields.Get("args").Array()
	if len(args) < 2 {
		return nil
	}

	changeType := args[0].Str
	payload := []byte(args[1].Raw)

	room, err := parseRoom(payload)
	if err != nil {
		n.logger.Warn("skipping unparseable room change", slog.String("error", err.Error()))
		return nil
	}

	switch changeType {
	case "removed":
		return []model.Event{{Kind: model.RoomRemoved, Room: &room}}
	case "inserted", "updated":
		// RoomAdded is an upsert: the store distinguishes a genuinely
		// new room from an open/hidden flip on a known one.
		return []model.Event{{Kind: model.RoomAdded, Room: &room}}
	default:
		n.logger.Debug("unknown subscription change type", slog.String("type", changeType))
		return nil
	}
}

func (n *Normalizer) loggedStreamEvents(fields gjson.Result) []model.Event {
	if fields.Get("eventName").Str != "user-status" {
		return nil
	}

	var events []model.Event

	for _, arg := range fields.Get("args").Array() {
		entry := arg.Array()
		if len(entry) < 3 {
			continue
		}

		ev := model.Event{
			Kind:     model.PresenceChanged,
			UserID:   entry[0].Str,
			Username: entry[1].Str,
			Presence: parsePresenceCode(entry[2]),
		}
		if len(entry) > 3 {
			ev.StatusText = entry[3].Str
		}

		events = append(events, ev)
	}

	return events
}

// parsePresenceCode accepts both the numeric presence code used on the
// push stream and the string form used by snapshot payloads.
func parsePresenceCode(v gjson.Result) model.Presence {
	if v.Type == gjson.Number {
		switch v.Int() {
		case 1:
			return model.PresenceOnline
		case 2:
			return model.PresenceAway
		case 3:
			return model.PresenceBusy
		default:
			return model.PresenceOffline
		}
	}
	return model.ParsePresence(v.Str)
}

// parseTime accepts both the epoch-milliseconds object form used on the
// push stream and the RFC 3339 string form used by snapshot payloads.
func parseTime(v gjson.Result) time.Time {
	if ms := v.Get("$date"); ms.Exists() {
		return time.UnixMilli(ms.Int()).UTC()
	}
	if v.Type == gjson.String {
		if t, err := time.Parse(time.RFC3339, v.Str); err == nil {
			return t.UTC()
		}
	}
	if v.Type == gjson.Number {
		return time.UnixMilli(v.Int()).UTC()
	}
	return time.Time{}
}

// parseMessage builds a model.Message from a raw message object. The
// local sequence number stays zero; only the sequencer assigns it.
func parseMessage(raw []byte) (*model.Message, error) {
	id := gjson.GetBytes(raw, "_id").Str
	rid := gjson.GetBytes(raw, "rid").Str
	if id == "" || rid == "" {
		return nil, fmt.Errorf("message missing _id or rid")
	}

	msg := &model.Message{
		ID:       id,
		RoomID:   rid,
		Time:     parseTime(gjson.GetBytes(raw, "ts")),
		UserID:   gjson.GetBytes(raw, "u._id").Str,
		Username: gjson.GetBytes(raw, "u.username").Str,
		Body:     gjson.GetBytes(raw, "msg").Str,
		Kind:     model.MessageNormal,
	}

	if t := gjson.GetBytes(raw, "t").Str; t != "" {
		msg.Kind = model.MessageSystem
		if body, ok := systemBodies[t]; ok {
			msg.Body = body
		} else if msg.Body == "" {
			msg.Body = t
		}
	}

	if edited := gjson.GetBytes(raw, "editedAt"); edited.Exists() {
		msg.Edited = true
		msg.EditTime = parseTime(edited)
	}

	if tmid := gjson.GetBytes(raw, "tmid").Str; tmid != "" && tmid != id {
		msg.Thread = model.ThreadRef{RootID: tmid, State: model.ThreadUnresolved}
	}

	if reactions := gjson.GetBytes(raw, "reactions"); reactions.Exists() {
		msg.Reactions = make(map[string][]string)
		reactions.ForEach(func(key, value gjson.Result) bool {
			var users []string
			for _, u := range value.Get("usernames").Array() {
				users = append(users, u.Str)
			}
			msg.Reactions[key.Str] = users
			return true
		})
	}

	for _, m := range gjson.GetBytes(raw, "mentions").Array() {
		if mid := m.Get("_id").Str; mid != "" {
			msg.Mentions = append(msg.Mentions, mid)
		}
	}

	return msg, nil
}

// parseRoom builds a model.Room from a raw room or subscription object.
func parseRoom(raw []byte) (model.Room, error) {
	id := gjson.GetBytes(raw, "rid").Str
	if id == "" {
		id = gjson.GetBytes(raw, "_id").Str
	}
	if id == "" {
		return model.Room{}, fmt.Errorf("room missing rid/_id")
	}

	var kind model.RoomKind
	switch gjson.GetBytes(raw, "t").Str {
	case "d":
		kind = model.RoomDirect
	case "p":
		kind = model.RoomPrivate
	default:
		kind = model.RoomPublic
	}

	room := model.Room{
		ID:           id,
		Name:         gjson.GetBytes(raw, "name").Str,
		Kind:         kind,
		Topic:        gjson.GetBytes(raw, "topic").Str,
		LastActivity: parseTime(gjson.GetBytes(raw, "lm")),
	}

	// Subscriptions carry an explicit open flag; bare room objects do
	// not, and a room we hear about is visible by definition.
	if open := gjson.GetBytes(raw, "open"); open.Exists() {
		room.Open = open.Bool()
	} else {
		room.Open = true
	}

	return room, nil
}

// parseUser builds a model.User from a raw user object.
func parseUser(raw []byte) model.User {
	return model.User{
		ID:         gjson.GetBytes(raw, "_id").Str,
		Username:   gjson.GetBytes(raw, "username").Str,
		Presence:   model.ParsePresence(gjson.GetBytes(raw, "status").Str),
		StatusText: gjson.GetBytes(raw, "statusText").Str,
	}
}

// coalescer absorbs redundant MessageUpdated bursts. Servers tend to
// send several updates for one message in quick succession (reaction
// bookkeeping, URL preview expansion); holding each update for a short
// window and keeping only the newest payload collapses them without
// losing the final content. State is strictly local; arrivals and all
// other event kinds pass through untouched.
type coalescer struct {
	window  time.Duration
	pending map[string]pendingUpdate

	// next orders parked updates for flushing. Monotone for the life of
	// the coalescer: map sizes repeat after partial flushes and must not
	// be reused as ordering keys.
	next int
}

type pendingUpdate struct {
	ev  model.Event
	due time.Time
	seq int
}

func newCoalescer(window time.Duration) *coalescer {
	return &coalescer{
		window:  window,
		pending: make(map[string]pendingUpdate),
	}
}

// Add routes one event through the coalescer, returning the events to
// process now. MessageUpdated is parked until its window expires; a
// newer update for the same id replaces the parked payload but keeps
// the original deadline so a steady stream still flushes.
func (c *coalescer) Add(now time.Time, ev model.Event) []model.Event {
	if ev.Kind != model.MessageUpdated || ev.Message == nil {
		return []model.Event{ev}
	}

	key := ev.Message.ID
	if p, ok := c.pending[key]; ok {
		p.ev = ev
		c.pending[key] = p
		return nil
	}

	c.pending[key] = pendingUpdate{ev: ev, due: now.Add(c.window), seq: c.next}
	c.next++
	return nil
}

// Flush returns all parked updates whose window has expired, in arrival
// order.
func (c *coalescer) Flush(now time.Time) []model.Event {
	return c.flush(func(p pendingUpdate) bool { return !p.due.After(now) })
}

// FlushAll drains everything, used when the connection drops so no
// update is lost across a reconnect.
func (c *coalescer) FlushAll() []model.Event {
	return c.flush(func(pendingUpdate) bool { return true })
}

func (c *coalescer) flush(ready func(pendingUpdate) bool) []model.Event {
	var due []pendingUpdate

	for key, p := range c.pending {
		if ready(p) {
			due = append(due, p)
			delete(c.pending, key)
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].seq < due[j].seq })

	events := make([]model.Event, 0, len(due))
	for _, p := range due {
		events = append(events, p.ev)
	}

	return events
}
