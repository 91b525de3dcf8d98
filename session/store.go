package session

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/chatterm/chatterm/internal/directory"
	"github.com/chatterm/chatterm/internal/model"
)

// ChangeKind classifies a change notification delivered to consumers
// after a successful apply.
type ChangeKind string

const (
	ChangeRoomAdded      ChangeKind = "room-added"
	ChangeRoomRemoved    ChangeKind = "room-removed"
	ChangeRoomOpened     ChangeKind = "room-opened"
	ChangeRoomHidden     ChangeKind = "room-hidden"
	ChangeRoomTopic      ChangeKind = "room-topic-changed"
	ChangeMessageNew     ChangeKind = "message-new"
	ChangeMessageUpdated ChangeKind = "message-updated"
	ChangeHistoryLoaded  ChangeKind = "history-loaded"
	ChangeThreadState    ChangeKind = "thread-state"
	ChangePresence       ChangeKind = "presence-changed"
	ChangeConnLost       ChangeKind = "connection-lost"
	ChangeConnRestored   ChangeKind = "connection-restored"
)

// Change is the structured record consumers (rendering, hooks) receive.
// Message is a clone; mutating it cannot corrupt store state. WasOpen
// and IsOpen carry the before/after visibility flags for room changes.
type Change struct {
	Kind    ChangeKind
	Room    model.Room
	Message *model.Message

	// ChangeMessageUpdated: IsUpdate marks a true edit (edit timestamp
	// advanced) as opposed to a server-side enrichment pass; EditDiff
	// then holds a compact old->new body summary.
	IsUpdate bool
	EditDiff string

	// ChangeHistoryLoaded.
	Count int

	// ChangeRoomOpened / ChangeRoomHidden.
	WasOpen, IsOpen bool

	// ChangePresence.
	UserID     string
	Username   string
	Presence   model.Presence
	StatusText string
}

// RoomView is a read-only copy of one room and its ordered messages.
type RoomView struct {
	Room     model.Room
	Messages []*model.Message
}

// Snapshot is a point-in-time copy of the whole local chat state,
// ordered by room label.
type Snapshot struct {
	Rooms []RoomView
}

// roomState is the store's per-room record. msgs is ordered by Seq
// ascending; byID indexes the same message values.
type roomState struct {
	room            model.Room
	msgs            []*model.Message
	byID            map[string]*model.Message
	total           int64
	historyComplete bool
}

func (r *roomState) lowSeq() int64 {
	if len(r.msgs) == 0 {
		return 0
	}
	return r.msgs[0].Seq
}

func (r *roomState) highSeq() int64 {
	if len(r.msgs) == 0 {
		return 0
	}
	return r.msgs[len(r.msgs)-1].Seq
}

// Store is the in-memory authoritative model of rooms and messages.
// Apply and ApplyHistory are the only mutation entry points and must be
// called from the session event loop only (single writer); Snapshot and
// the other readers may run from any goroutine. Users are owned by the
// directory, which the store forwards presence mutations to so updates
// are visible everywhere at once.
type Store struct {
	mu        sync.RWMutex
	logger    *slog.Logger
	rooms     map[string]*roomState
	users     *directory.Directory
	listeners []func(Change)
}

func NewStore(users *directory.Directory, logger *slog.Logger) *Store {
	return &Store{
		logger: logger,
		rooms:  make(map[string]*roomState),
		users:  users,
	}
}

// AddListener registers a change consumer. Listeners are invoked
// synchronously on the event loop after each successful apply; they must
// not call back into mutating store methods.
func (s *Store) AddListener(fn func(Change)) {
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(changes []Change) {
	for _, ch := range changes {
		for _, fn := range s.listeners {
			fn(ch)
		}
	}
}

// Apply is the single mutation entry point for canonical events. It is
// idempotent per server message id: duplicate deliveries neither create
// duplicate messages nor advance the sequence counter. The returned
// changes have already been delivered to listeners.
func (s *Store) Apply(ev model.Event) []Change {
	s.mu.Lock()

	var changes []Change

	switch ev.Kind {
	case model.MessageArrived, model.MessageUpdated:
		if ev.Message != nil {
			changes = s.applyMessage(ev)
		}
	case model.RoomAdded:
		if ev.Room != nil {
			changes = s.upsertRoom(*ev.Room)
		}
	case model.RoomRemoved:
		if ev.Room != nil {
			changes = s.removeRoom(ev.Room.ID)
		}
	case model.RoomTopicChanged:
		if ev.Room != nil {
			changes = s.setTopic(ev.Room.ID, ev.Room.Topic)
		}
	case model.PresenceChanged:
		changes = s.applyPresence(ev)
	case model.ConnectionLost:
		changes = []Change{{Kind: ChangeConnLost}}
	case model.ConnectionRestored:
		changes = []Change{{Kind: ChangeConnRestored}}
	}

	s.mu.Unlock()
	s.notify(changes)

	return changes
}

// applyMessage handles both arrivals and updates. A known id is always
// an in-place update regardless of the event kind (duplicate delivery of
// an arrival is indistinguishable from an enrichment); an unknown id on
// an arrival is appended with the next sequence number. An update for a
// message outside local history is dropped: it targets history we never
// loaded.
func (s *Store) applyMessage(ev model.Event) []Change {
	msg := ev.Message

	rs, ok := s.rooms[msg.RoomID]
	if !ok {
		s.logger.Debug("dropping message for unknown room",
			slog.String("room", msg.RoomID),
			slog.String("msg", msg.ID),
		)
		return nil
	}

	if existing, ok := rs.byID[msg.ID]; ok {
		return s.updateMessage(rs, existing, msg)
	}

	// An unseen id counts as an arrival even when the payload carries an
	// edit timestamp: the message may have been both posted and edited
	// while we were not looking. Only an update for a message below the
	// loaded history window is dropped, since numbering it at the tail
	// would misplace it.
	if ev.Kind == model.MessageUpdated {
		if len(rs.msgs) > 0 && msg.Time.Before(rs.msgs[0].Time) {
			s.logger.Debug("dropping update for message below local history",
				slog.String("room", msg.RoomID),
				slog.String("msg", msg.ID),
			)
			return nil
		}
	}

	stored := msg.Clone()
	if rs.highSeq() > 0 {
		stored.Seq = rs.highSeq() + 1
	} else if rs.total > 0 {
		// Empty local history but a known server count: number the
		// arrival as if the full history below it were loaded.
		stored.Seq = rs.total + 1
	} else {
		stored.Seq = 1
	}

	rs.msgs = append(rs.msgs, stored)
	rs.byID[stored.ID] = stored
	rs.total++

	if stored.Time.After(rs.room.LastActivity) {
		rs.room.LastActivity = stored.Time
	}

	return []Change{{
		Kind:    ChangeMessageNew,
		Room:    rs.room,
		Message: stored.Clone(),
	}}
}

// updateMessage mutates an existing message in place. Seq and resolved
// thread state never change. A true edit is one whose edit timestamp
// advanced; everything else (reactions, URL previews, duplicate
// delivery) is an enrichment. A payload identical to local state is
// absorbed silently.
func (s *Store) updateMessage(rs *roomState, old *model.Message, incoming *model.Message) []Change {
	isEdit := incoming.Edited && !incoming.EditTime.Equal(old.EditTime)

	bodyChanged := incoming.Body != old.Body
	reactionsChanged := !reactionsEqual(old.Reactions, incoming.Reactions)

	if !isEdit && !bodyChanged && !reactionsChanged {
		// Duplicate delivery. Absorbed; no notification.
		return nil
	}

	var editDiff string
	if isEdit && bodyChanged {
		editDiff = diffSummary(old.Body, incoming.Body)
	}

	old.Body = incoming.Body
	old.Edited = old.Edited || incoming.Edited
	if incoming.Edited {
		old.EditTime = incoming.EditTime
	}
	old.Reactions = cloneReactions(incoming.Reactions)
	old.Mentions = append([]string(nil), incoming.Mentions...)

	// Thread membership can only be gained, and resolution state is
	// owned by the sequencer; never regress it here.
	if old.Thread.State == model.ThreadNone && incoming.Thread.State != model.ThreadNone {
		old.Thread = incoming.Thread
	}

	return []Change{{
		Kind:     ChangeMessageUpdated,
		Room:     rs.room,
		Message:  old.Clone(),
		IsUpdate: isEdit,
		EditDiff: editDiff,
	}}
}

func (s *Store) upsertRoom(room model.Room) []Change {
	rs, ok := s.rooms[room.ID]
	if !ok {
		s.rooms[room.ID] = &roomState{
			room: room,
			byID: make(map[string]*model.Message),
		}

		return []Change{{
			Kind:   ChangeRoomAdded,
			Room:   room,
			IsOpen: room.Open,
		}}
	}

	var changes []Change
	prev := rs.room

	// Room kind is immutable after creation; a server claiming otherwise
	// is inconsistent data we degrade around.
	if room.Kind != prev.Kind {
		s.logger.Warn("ignoring room kind change",
			slog.String("room", room.ID),
			slog.String("from", string(prev.Kind)),
			slog.String("to", string(room.Kind)),
		)
		room.Kind = prev.Kind
	}

	rs.room.Name = room.Name
	rs.room.Open = room.Open
	if room.LastActivity.After(rs.room.LastActivity) {
		rs.room.LastActivity = room.LastActivity
	}

	if room.Topic != prev.Topic {
		rs.room.Topic = room.Topic
		changes = append(changes, Change{Kind: ChangeRoomTopic, Room: rs.room})
	}

	if room.Open != prev.Open {
		kind := ChangeRoomOpened
		if !room.Open {
			kind = ChangeRoomHidden
		}
		changes = append(changes, Change{
			Kind:    kind,
			Room:    rs.room,
			WasOpen: prev.Open,
			IsOpen:  room.Open,
		})
	}

	return changes
}

func (s *Store) removeRoom(roomID string) []Change {
	rs, ok := s.rooms[roomID]
	if !ok {
		return nil
	}

	delete(s.rooms, roomID)

	return []Change{{Kind: ChangeRoomRemoved, Room: rs.room, WasOpen: rs.room.Open}}
}

func (s *Store) setTopic(roomID, topic string) []Change {
	rs, ok := s.rooms[roomID]
	if !ok || rs.room.Topic == topic {
		return nil
	}

	rs.room.Topic = topic
	return []Change{{Kind: ChangeRoomTopic, Room: rs.room}}
}

func (s *Store) applyPresence(ev model.Event) []Change {
	if ev.UserID == "" {
		return nil
	}

	changed := s.users.SetPresence(ev.UserID, ev.Username, ev.Presence, ev.StatusText)
	if !changed {
		return nil
	}

	return []Change{{
		Kind:       ChangePresence,
		UserID:     ev.UserID,
		Username:   ev.Username,
		Presence:   ev.Presence,
		StatusText: ev.StatusText,
	}}
}

// ApplyHistory inserts one backfill page atomically as a batch, below
// the lowest already-known sequence number. Messages already known by id
// are skipped, so overlapping pages and a push/backfill race cannot
// renumber or duplicate anything. The first page for a room anchors its
// newest message at the server-reported total count so a fully
// backfilled room bottoms out at seq 1.
func (s *Store) ApplyHistory(roomID string, page HistoryPage) (int, error) {
	s.mu.Lock()

	rs, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("history for unknown room %s", roomID)
	}

	if page.Total > rs.total {
		rs.total = page.Total
	}
	if page.Remaining == 0 {
		rs.historyComplete = true
	}

	var fresh []*model.Message
	for _, msg := range page.Messages { // oldest first
		if _, known := rs.byID[msg.ID]; known {
			continue
		}
		fresh = append(fresh, msg.Clone())
	}

	if len(fresh) == 0 {
		s.mu.Unlock()
		return 0, nil
	}

	// Number the batch top-down from its anchor so the oldest fetched
	// message gets the lowest number.
	var anchor int64 // seq of the newest message in the batch
	if low := rs.lowSeq(); low > 0 {
		anchor = low - 1
	} else {
		anchor = max(rs.total, int64(len(fresh)))
	}

	start := anchor - int64(len(fresh)) + 1
	if start < 1 {
		// The server undercounted; numbering stays strictly increasing
		// but dips below 1. Tolerated, not fatal.
		s.logger.Warn("history batch extends below seq 1",
			slog.String("room", roomID),
			slog.Int64("start", start),
		)
	}

	for i, msg := range fresh {
		msg.Seq = start + int64(i)
		rs.byID[msg.ID] = msg
	}

	rs.msgs = append(fresh, rs.msgs...)

	room := rs.room
	s.mu.Unlock()

	s.notify([]Change{{Kind: ChangeHistoryLoaded, Room: room, Count: len(fresh)}})

	return len(fresh), nil
}

// --- read side ---

// Snapshot returns a read-only, point-in-time copy of all rooms and
// their message sequences.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{Rooms: make([]RoomView, 0, len(s.rooms))}
	for _, rs := range s.rooms {
		view := RoomView{
			Room:     rs.room,
			Messages: make([]*model.Message, 0, len(rs.msgs)),
		}
		for _, msg := range rs.msgs {
			view.Messages = append(view.Messages, msg.Clone())
		}
		snap.Rooms = append(snap.Rooms, view)
	}

	sort.Slice(snap.Rooms, func(i, j int) bool {
		return snap.Rooms[i].Room.Label() < snap.Rooms[j].Room.Label()
	})

	return snap
}

// Room returns a copy of one room's metadata.
func (s *Store) Room(roomID string) (model.Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.rooms[roomID]
	if !ok {
		return model.Room{}, false
	}
	return rs.room, true
}

// Rooms returns copies of all known rooms, hidden ones included.
func (s *Store) Rooms() []model.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]model.Room, 0, len(s.rooms))
	for _, rs := range s.rooms {
		rooms = append(rooms, rs.room)
	}

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Label() < rooms[j].Label() })
	return rooms
}

// OpenRooms returns the rooms currently visible in the room list.
func (s *Store) OpenRooms() []model.Room {
	var open []model.Room
	for _, room := range s.Rooms() {
		if room.Open {
			open = append(open, room)
		}
	}
	return open
}

// Messages returns a copy of a room's ordered message sequence.
func (s *Store) Messages(roomID string) []*model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.rooms[roomID]
	if !ok {
		return nil
	}

	msgs := make([]*model.Message, 0, len(rs.msgs))
	for _, msg := range rs.msgs {
		msgs = append(msgs, msg.Clone())
	}
	return msgs
}

// SeqOf returns the local sequence number assigned to a server message
// id within a room.
func (s *Store) SeqOf(roomID, msgID string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.rooms[roomID]
	if !ok {
		return 0, false
	}
	msg, ok := rs.byID[msgID]
	if !ok {
		return 0, false
	}
	return msg.Seq, true
}

// OldestID returns the server id of the oldest locally known message,
// used as the paging cursor for backfills.
func (s *Store) OldestID(roomID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.rooms[roomID]
	if !ok || len(rs.msgs) == 0 {
		return "", false
	}
	return rs.msgs[0].ID, true
}

// HistoryComplete reports whether the room's full history has been
// loaded locally.
func (s *Store) HistoryComplete(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.rooms[roomID]
	return ok && rs.historyComplete
}

// MessageCount returns the number of locally cached messages and the
// room's total server-side count.
func (s *Store) MessageCount(roomID string) (local int, total int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.rooms[roomID]
	if !ok {
		return 0, 0
	}
	return len(rs.msgs), rs.total
}

// ResolveThread marks a message's thread reference resolved to the
// given root sequence number. Resolution is monotone: terminal states
// are never overwritten.
func (s *Store) ResolveThread(roomID, msgID string, rootSeq int64) bool {
	return s.setThreadState(roomID, msgID, model.ThreadResolved, rootSeq)
}

// MarkThreadUnknown marks a reference permanently unknown after an
// exhausted backfill. Terminal; never flips back to unresolved.
func (s *Store) MarkThreadUnknown(roomID, msgID string) bool {
	return s.setThreadState(roomID, msgID, model.ThreadUnknown, 0)
}

func (s *Store) setThreadState(roomID, msgID string, state model.ThreadState, rootSeq int64) bool {
	s.mu.Lock()

	rs, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	msg, ok := rs.byID[msgID]
	if !ok || msg.Thread.State != model.ThreadUnresolved {
		s.mu.Unlock()
		return false
	}

	msg.Thread.State = state
	msg.Thread.RootSeq = rootSeq

	change := Change{Kind: ChangeThreadState, Room: rs.room, Message: msg.Clone()}
	s.mu.Unlock()

	s.notify([]Change{change})
	return true
}

// ThreadWaiter identifies a message whose thread-root reference is not
// yet resolved.
type ThreadWaiter struct {
	MsgID  string
	RootID string
}

// UnresolvedThreadRefs lists all messages in a room still waiting on a
// thread root.
func (s *Store) UnresolvedThreadRefs(roomID string) []ThreadWaiter {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.rooms[roomID]
	if !ok {
		return nil
	}

	var waiters []ThreadWaiter
	for _, msg := range rs.msgs {
		if msg.Thread.State == model.ThreadUnresolved {
			waiters = append(waiters, ThreadWaiter{MsgID: msg.ID, RootID: msg.Thread.RootID})
		}
	}
	return waiters
}

// reactionsEqual compares reaction summaries; usernames are compared as
// sets since the server does not guarantee order.
func reactionsEqual(a, b map[string][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for emoji, users := range a {
		others, ok := b[emoji]
		if !ok || len(users) != len(others) {
			return false
		}
		seen := make(map[string]struct{}, len(users))
		for _, u := range users {
			seen[u] = struct{}{}
		}
		for _, u := range others {
			if _, ok := seen[u]; !ok {
				return false
			}
		}
	}
	return true
}

func cloneReactions(r map[string][]string) map[string][]string {
	if r == nil {
		return nil
	}
	c := make(map[string][]string, len(r))
	for k, v := range r {
		c[k] = append([]string(nil), v...)
	}
	return c
}

// diffSummary renders a compact single-line summary of an edit for
// change notifications and hook records.
func diffSummary(oldBody, newBody string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldBody, newBody, true)
	if len(diffs) > 2 {
		diffs = dmp.DiffCleanupSemantic(diffs)
	}

	var b strings.Builder
	for _, d := range diffs {
		text := strings.ReplaceAll(d.Text, "\n", " ")
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			fmt.Fprintf(&b, "+[%s]", text)
		case diffmatchpatch.DiffDelete:
			fmt.Fprintf(&b, "-[%s]", text)
		default:
			// Keep short context runs, elide long ones. Slicing on rune
			// boundaries keeps multibyte bodies valid UTF-8.
			if r := []rune(text); len(r) > 24 {
				text = string(r[:10]) + "…" + string(r[len(r)-10:])
			}
			b.WriteString(text)
		}
	}

	return b.String()
}
