package session

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatterm/chatterm/internal/directory"
	"github.com/chatterm/chatterm/internal/model"
)

// stubLookup satisfies directory.Lookup without a server.
type stubLookup struct{}

func (stubLookup) RoomMembers(context.Context, string, int) ([]model.User, int, error) {
	return nil, 0, nil
}
func (stubLookup) UserByID(context.Context, string) (model.User, error) {
	return model.User{}, nil
}
func (stubLookup) UserByName(context.Context, string) (model.User, error) {
	return model.User{}, nil
}
func (stubLookup) AllUsers(context.Context) ([]model.User, error) { return nil, nil }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := directory.New(stubLookup{}, 50, slog.Default())
	return NewStore(dir, slog.Default())
}

func addRoom(t *testing.T, s *Store, id, name string, kind model.RoomKind, open bool) {
	t.Helper()
	room := model.Room{ID: id, Name: name, Kind: kind, Open: open}
	s.Apply(model.Event{Kind: model.RoomAdded, Room: &room})
}

func arrival(id, roomID, body string) model.Event {
	return model.Event{Kind: model.MessageArrived, Message: &model.Message{
		ID:     id,
		RoomID: roomID,
		Body:   body,
		Kind:   model.MessageNormal,
		Time:   time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}}
}

// --- room lifecycle ---

func TestUpsertRoom_NewRoom(t *testing.T) {
	s := newTestStore(t)

	room := model.Room{ID: "r1", Name: "general", Kind: model.RoomPublic, Open: true}
	changes := s.Apply(model.Event{Kind: model.RoomAdded, Room: &room})

	require.Len(t, changes, 1)
	assert.Equal(t, ChangeRoomAdded, changes[0].Kind)
	assert.True(t, changes[0].IsOpen)

	got, ok := s.Room("r1")
	require.True(t, ok)
	assert.Equal(t, "#general", got.Label())
}

func TestUpsertRoom_HideAndReopen(t *testing.T) {
	s := newTestStore(t)
	addRoom(t, s, "r1", "general", model.RoomPublic, true)

	hidden := model.Room{ID: "r1", Name: "general", Kind: model.RoomPublic, Open: false}
	changes := s.Apply(model.Event{Kind: model.RoomAdded, Room: &hidden})
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeRoomHidden, changes[0].Kind)
	assert.True(t, changes[0].WasOpen)
	assert.False(t, changes[0].IsOpen)

	reopened := model.Room{ID: "r1", Name: "general", Kind: model.RoomPublic, Open: true}
	changes = s.Apply(model.Event{Kind: model.RoomAdded, Room: &reopened})
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeRoomOpened, changes[0].Kind)
	assert.False(t, changes[0].WasOpen)
	assert.True(t, changes[0].IsOpen)
}

func TestUpsertRoom_KindNeverChanges(t *testing.T) {
	s := newTestStore(t)
	addRoom(t, s, "r1", "general", model.RoomPublic, true)

	mutated := model.Room{ID: "r1", Name: "general", Kind: model.RoomDirect, Open: true}
	s.Apply(model.Event{Kind: model.RoomAdded, Room: &mutated})

	got, _ := s.Room("r1")
	assert.Equal(t, model.RoomPublic, got.Kind)
}

func TestUpsertRoom_TopicChange(t *testing.T) {
	s := newTestStore(t)
	addRoom(t, s, "r1", "general", model.RoomPublic, true)

	updated := model.Room{ID: "r1", Name: "general", Kind: model.RoomPublic, Open: true, Topic: "standup at 10"}
	changes := s.Apply(model.Event{Kind: model.RoomAdded, Room: &updated})

	require.Len(t, changes, 1)
	assert.Equal(t, ChangeRoomTopic, changes[0].Kind)
	assert.Equal(t, "standup at 10", changes[0].Room.Topic)
}

func TestRemoveRoom_DropsMessagesToo(t *testing.T) {
	s := newTestStore(t)
	addRoom(t, s, "r1", "general", model.RoomPublic, true)
	s.Apply(arrival("m1", "r1", "hello"))

	changes := s.Apply(model.Event{Kind: model.RoomRemoved, Room: &model.Room{ID: "r1"}})
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeRoomRemoved, changes[0].Kind)

	_, ok := s.Room("r1")
	assert.False(t, ok)
	assert.Nil(t, s.Messages("r1"))
}

// --- message numbering ---

func TestApplyMessage_AssignsConsecutiveSeq(t *testing.T) {
	s := newTestStore(t)
	addRoom(t, s, "r1", "general", model.RoomPublic, true)

	s.Apply(arrival("m1", "r1", "one"))
	s.Apply(arrival("m2", "r1", "two"))
	s.Apply(arrival("m3", "r1", "three"))

	msgs := s.Messages("r1")
	require.Len(t, msgs, 3)
	for i, msg := range msgs {
		assert.Equal(t, int64(i+1), msg.Seq)
	}
}

func TestApplyMessage_DuplicateDeliveryIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	addRoom(t, s, "r1", "general", model.RoomPublic, true)

	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		s.Apply(arrival(id, "r1", "body of "+id))
	}

	// The 4th message arrives again, byte-identical.
	changes := s.Apply(arrival("m4", "r1", "body of m4"))
	assert.Empty(t, changes)

	msgs := s.Messages("r1")
	require.Len(t, msgs, 4)
	assert.Equal(t, int64(4), msgs[3].Seq)

	local, total := s.MessageCount("r1")
	assert.Equal(t, 4, local)
	assert.Equal(t, int64(4), total)
}

func TestApplyMessage_UnknownRoomDropped(t *testing.T) {
	s := newTestStore(t)

	changes := s.Apply(arrival("m1", "nowhere", "hello"))
	assert.Empty(t, changes)
}

func TestApplyMessage_UnseenEditedMessageAppends(t *testing.T) {
	s := newTestStore(t)
	addRoom(t, s, "r1", "general", model.RoomPublic, true)

	s.Apply(arrival("m1", "r1", "first"))
	s.Apply(arrival("m2", "r1", "second"))

	// A message posted and edited while we were not looking arrives as
	// an update for an id we have never seen. It is still new to us.
	ev := arrival("mNew", "r1", "posted then edited")
	ev.Kind = model.MessageUpdated
	ev.IsUpdate = true
	ev.Message.Edited = true
	ev.Message.EditTime = ev.Message.Time.Add(time.Minute)

	changes := s.Apply(ev)
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeMessageNew, changes[0].Kind)
	assert.Equal(t, int64(3), changes[0].Message.Seq)

	msgs := s.Messages("r1")
	require.Len(t, msgs, 3)
	assert.Equal(t, "mNew", msgs[2].ID)
	assert.True(t, msgs[2].Edited)
}

func TestApplyMessage_UpdateBelowHistoryDropped(t *testing.T) {
	s := newTestStore(t)
	addRoom(t, s, "r1", "general", model.RoomPublic, true)

	s.Apply(arrival("m1", "r1", "oldest loaded"))

	// An edit of a message below the loaded history window cannot be
	// placed; numbering it at the tail would misorder the room.
	ev := arrival("ancient", "r1", "edited text")
	ev.Kind = model.MessageUpdated
	ev.IsUpdate = true
	ev.Message.Time = ev.Message.Time.Add(-time.Hour)

	changes := s.Apply(ev)
	assert.Empty(t, changes)
	assert.Len(t, s.Messages("r1"), 1)
}

func TestApplyMessage_ArrivalAfterSnapshotUsesTotal(t *testing.T) {
	s := newTestStore(t)
	addRoom(t, s, "r1", "general", model.RoomPublic, true)

	// The room has 40 messages server-side but none loaded locally yet.
	_, err := s.ApplyHistory("r1", HistoryPage{Total: 40, Remaining: 40})
	require.NoError(t, err)

	changes := s.Apply(arrival("m41", "r1", "new"))
	require.Len(t, changes, 1)
	assert.Equal(t, int64(41), changes[0].Message.Seq)
}

// --- edits and enrichments ---

func TestUpdateMessage_EditKeepsSeq(t *testing.T) {
	s := newTestStore(t)
	addRoom(t, s, "r1", "general", model.RoomPublic, true)

	s.Apply(arrival("m1", "r1", "one"))
	s.Apply(arrival("m2", "r1", "two"))
	s.Apply(arrival("m3", "r1", "three"))

	edit := arrival("m2", "r1", "two, edited")
	edit.Kind = model.MessageUpdated
	edit.Message.Edited = true
	edit.Message.EditTime = time.Date(2026, 1, 1, 12, 5, 0, 0, time.UTC)

	changes := s.Apply(edit)
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeMessageUpdated, changes[0].Kind)
	assert.True(t, changes[0].IsUpdate)
	assert.NotEmpty(t, changes[0].EditDiff)

	msgs := s.Messages("r1")
	require.Len(t, msgs, 3)
	assert.Equal(t, int64(2), msgs[1].Seq)
	assert.Equal(t, "two, edited", msgs[1].Body)
}

func TestUpdateMessage_EnrichmentIsNotAnEdit(t *testing.T) {
	s := newTestStore(t)
	addRoom(t, s, "r1", "general", model.RoomPublic, true)
	s.Apply(arrival("m1", "r1", "hello"))

	// Reaction added, no edit timestamp: an enrichment, not an edit.
	enriched := arrival("m1", "r1", "hello")
	enriched.Kind = model.MessageUpdated
	enriched.Message.Reactions = map[string][]string{":+1:": {"alice"}}

	changes := s.Apply(enriched)
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeMessageUpdated, changes[0].Kind)
	assert.False(t, changes[0].IsUpdate)
	assert.Empty(t, changes[0].EditDiff)
}

func TestUpdateMessage_RepeatedEditSameTimestampAbsorbed(t *testing.T) {
	s := newTestStore(t)
	addRoom(t, s, "r1", "general", model.RoomPublic, true)
	s.Apply(arrival("m1", "r1", "hello"))

	editTime := time.Date(2026, 1, 1, 12, 5, 0, 0, time.UTC)
	edit := arrival("m1", "r1", "hello!")
	edit.Kind = model.MessageUpdated
	edit.Message.Edited = true
	edit.Message.EditTime = editTime

	first := s.Apply(edit)
	require.Len(t, first, 1)
	assert.True(t, first[0].IsUpdate)

	// Same edit redelivered: nothing changed, nothing notified.
	again := arrival("m1", "r1", "hello!")
	again.Kind = model.MessageUpdated
	again.Message.Edited = true
	again.Message.EditTime = editTime

	assert.Empty(t, s.Apply(again))
}

// --- history batches ---

func TestApplyHistory_AnchorsNewestAtTotal(t *testing.T) {
	s := newTestStore(t)
	addRoom(t, s, "r1", "general", model.RoomPublic, true)

	page := HistoryPage{
		Total:     10,
		Remaining: 7,
		Messages: []*model.Message{
			{ID: "m8", RoomID: "r1", Body: "eight"},
			{ID: "m9", RoomID: "r1", Body: "nine"},
			{ID: "m10", RoomID: "r1", Body: "ten"},
		},
	}

	n, err := s.ApplyHistory("r1", page)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	msgs := s.Messages("r1")
	require.Len(t, msgs, 3)
	assert.Equal(t, int64(8), msgs[0].Seq)
	assert.Equal(t, int64(10), msgs[2].Seq)
	assert.False(t, s.HistoryComplete("r1"))
}

func TestApplyHistory_BackfillNeverRenumbers(t *testing.T) {
	s := newTestStore(t)
	addRoom(t, s, "r1", "general", model.RoomPublic, true)

	first := HistoryPage{
		Total:     5,
		Remaining: 2,
		Messages: []*model.Message{
			{ID: "m3", RoomID: "r1"},
			{ID: "m4", RoomID: "r1"},
			{ID: "m5", RoomID: "r1"},
		},
	}
	_, err := s.ApplyHistory("r1", first)
	require.NoError(t, err)

	// A push lands between the two pages.
	s.Apply(arrival("m6", "r1", "pushed"))

	backfill := HistoryPage{
		Total:     6,
		Remaining: 0,
		Messages: []*model.Message{
			{ID: "m1", RoomID: "r1"},
			{ID: "m2", RoomID: "r1"},
			{ID: "m3", RoomID: "r1"}, // overlap with the first page
		},
	}
	n, err := s.ApplyHistory("r1", backfill)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "overlapping message must be skipped")

	msgs := s.Messages("r1")
	require.Len(t, msgs, 6)
	for i, msg := range msgs {
		assert.Equal(t, int64(i+1), msg.Seq)
	}
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m6", msgs[5].ID)
	assert.True(t, s.HistoryComplete("r1"))
}

func TestApplyHistory_UnknownRoom(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ApplyHistory("ghost", HistoryPage{})
	assert.Error(t, err)
}

func TestApplyHistory_EmitsSingleBatchChange(t *testing.T) {
	s := newTestStore(t)
	addRoom(t, s, "r1", "general", model.RoomPublic, true)

	var got []Change
	s.AddListener(func(ch Change) { got = append(got, ch) })

	page := HistoryPage{
		Total: 2,
		Messages: []*model.Message{
			{ID: "m1", RoomID: "r1"},
			{ID: "m2", RoomID: "r1"},
		},
	}
	_, err := s.ApplyHistory("r1", page)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, ChangeHistoryLoaded, got[0].Kind)
	assert.Equal(t, 2, got[0].Count)
}

// --- thread state ---

func threadedArrival(id, roomID, rootID string) model.Event {
	ev := arrival(id, roomID, "reply")
	ev.Message.Thread = model.ThreadRef{RootID: rootID, State: model.ThreadUnresolved}
	return ev
}

func TestResolveThread_OnlyFromUnresolved(t *testing.T) {
	s := newTestStore(t)
	addRoom(t, s, "r1", "general", model.RoomPublic, true)

	s.Apply(arrival("root", "r1", "root"))
	s.Apply(threadedArrival("reply", "r1", "root"))

	assert.True(t, s.ResolveThread("r1", "reply", 1))

	msgs := s.Messages("r1")
	assert.Equal(t, model.ThreadResolved, msgs[1].Thread.State)
	assert.Equal(t, "#1", msgs[1].Thread.Label())

	// Resolved is terminal.
	assert.False(t, s.ResolveThread("r1", "reply", 99))
	assert.False(t, s.MarkThreadUnknown("r1", "reply"))
}

func TestMarkThreadUnknown_IsTerminal(t *testing.T) {
	s := newTestStore(t)
	addRoom(t, s, "r1", "general", model.RoomPublic, true)
	s.Apply(threadedArrival("reply", "r1", "gone"))

	assert.True(t, s.MarkThreadUnknown("r1", "reply"))

	// Unknown never flips back, even if resolution is offered later.
	assert.False(t, s.ResolveThread("r1", "reply", 7))

	msgs := s.Messages("r1")
	assert.Equal(t, model.ThreadUnknown, msgs[0].Thread.State)
	assert.Equal(t, "#???", msgs[0].Thread.Label())
}

func TestUnresolvedThreadRefs(t *testing.T) {
	s := newTestStore(t)
	addRoom(t, s, "r1", "general", model.RoomPublic, true)

	s.Apply(arrival("m1", "r1", "plain"))
	s.Apply(threadedArrival("m2", "r1", "rootA"))
	s.Apply(threadedArrival("m3", "r1", "rootB"))
	s.ResolveThread("r1", "m2", 1)

	refs := s.UnresolvedThreadRefs("r1")
	require.Len(t, refs, 1)
	assert.Equal(t, "m3", refs[0].MsgID)
	assert.Equal(t, "rootB", refs[0].RootID)
}

// --- connection and presence passthrough ---

func TestApply_ConnectionEvents(t *testing.T) {
	s := newTestStore(t)

	lost := s.Apply(model.Event{Kind: model.ConnectionLost})
	require.Len(t, lost, 1)
	assert.Equal(t, ChangeConnLost, lost[0].Kind)

	restored := s.Apply(model.Event{Kind: model.ConnectionRestored})
	require.Len(t, restored, 1)
	assert.Equal(t, ChangeConnRestored, restored[0].Kind)
}

func TestApplyPresence_UnchangedIsSilent(t *testing.T) {
	s := newTestStore(t)

	ev := model.Event{
		Kind:     model.PresenceChanged,
		UserID:   "u1",
		Username: "alice",
		Presence: model.PresenceBusy,
	}

	first := s.Apply(ev)
	require.Len(t, first, 1)
	assert.Equal(t, ChangePresence, first[0].Kind)
	assert.Equal(t, model.PresenceBusy, first[0].Presence)

	assert.Empty(t, s.Apply(ev), "same presence again must not notify")
}

// --- snapshot reads ---

func TestSnapshot_SortedAndIsolated(t *testing.T) {
	s := newTestStore(t)
	addRoom(t, s, "r2", "zeta", model.RoomPublic, true)
	addRoom(t, s, "r1", "alpha", model.RoomPublic, true)
	s.Apply(arrival("m1", "r1", "hello"))

	snap := s.Snapshot()
	require.Len(t, snap.Rooms, 2)
	assert.Equal(t, "#alpha", snap.Rooms[0].Room.Label())
	assert.Equal(t, "#zeta", snap.Rooms[1].Room.Label())

	// Mutating the snapshot must not leak into the store.
	snap.Rooms[0].Messages[0].Body = "mutated"
	assert.Equal(t, "hello", s.Messages("r1")[0].Body)
}

// --- diff summaries ---

func TestDiffSummary(t *testing.T) {
	sum := diffSummary("the meeting is at 10", "the meeting is at 11")
	assert.Contains(t, sum, "-[0]")
	assert.Contains(t, sum, "+[1]")
}

func TestDiffSummary_ElidesMultibyteContextCleanly(t *testing.T) {
	context := strings.Repeat("ü", 30)
	sum := diffSummary(context+" alt", context+" neu")

	assert.True(t, utf8.ValidString(sum))
	assert.Contains(t, sum, "…")
	assert.Contains(t, sum, "-[alt]")
	assert.Contains(t, sum, "+[neu]")
}
