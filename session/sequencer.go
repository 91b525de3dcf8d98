package session

import (
	"log/slog"

	"github.com/chatterm/chatterm/internal/model"
)

// backfiller starts a full-history backfill for a room. Implemented by
// the session, which pages the snapshot API off the event loop and
// reports completion via Sequencer.BackfillDone.
type backfiller interface {
	requestBackfill(roomID string)
}

// Sequencer sits between the normalizer and the store. The store assigns
// the actual per-room numbers; the sequencer owns the policy around
// them: thread-root resolution, the one-backfill-per-reference budget,
// and explicit scroll-to-oldest backfills. All methods must be called
// from the event loop; the pending-reference state is strictly local.
type Sequencer struct {
	store    *Store
	backfill backfiller
	logger   *slog.Logger

	// attempted tracks references (room+root) whose single backfill
	// attempt for this session has been used.
	attempted map[string]struct{}

	// waiting indexes unresolved references by room and root id so a
	// root arriving on the push stream resolves its children without a
	// room scan. roomID -> rootID -> message ids.
	waiting map[string]map[string][]string

	// inflight marks rooms with a backfill currently running.
	inflight map[string]bool
}

func NewSequencer(store *Store, backfill backfiller, logger *slog.Logger) *Sequencer {
	return &Sequencer{
		store:     store,
		backfill:  backfill,
		logger:    logger,
		attempted: make(map[string]struct{}),
		waiting:   make(map[string]map[string][]string),
		inflight:  make(map[string]bool),
	}
}

func refKey(roomID, rootID string) string {
	return roomID + "\x00" + rootID
}

// Process applies one canonical event and handles thread bookkeeping
// for any resulting message changes.
func (q *Sequencer) Process(ev model.Event) []Change {
	changes := q.store.Apply(ev)

	for _, ch := range changes {
		if ch.Kind != ChangeMessageNew || ch.Message == nil {
			continue
		}

		msg := ch.Message

		if msg.Thread.State == model.ThreadUnresolved {
			q.noteReference(msg.RoomID, msg.ID, msg.Thread.RootID)
		}

		// The new message may itself be the root someone is waiting on
		// (children can outrun their root on the push stream).
		q.rootArrived(msg.RoomID, msg.ID, msg.Seq)
	}

	return changes
}

// noteReference handles one unresolved thread reference: resolve it if
// the root is already local, otherwise register it and spend its single
// backfill attempt if one is still available.
func (q *Sequencer) noteReference(roomID, msgID, rootID string) {
	if seq, ok := q.store.SeqOf(roomID, rootID); ok {
		q.store.ResolveThread(roomID, msgID, seq)
		return
	}

	q.addWaiter(roomID, rootID, msgID)

	key := refKey(roomID, rootID)
	if _, tried := q.attempted[key]; tried {
		// Attempt already spent. If no backfill is running the root is
		// simply gone; settle the reference for good.
		if !q.inflight[roomID] {
			q.finalizeRoot(roomID, rootID)
		}
		return
	}
	q.attempted[key] = struct{}{}

	if q.store.HistoryComplete(roomID) {
		// Nothing left to fetch; the root does not exist.
		q.finalizeRoot(roomID, rootID)
		return
	}

	q.ensureBackfill(roomID)
}

// HistoryApplied must be called after each history batch lands in the
// store: newly loaded messages may carry unresolved references, and
// newly loaded roots may satisfy waiting ones.
func (q *Sequencer) HistoryApplied(roomID string) {
	for _, ref := range q.store.UnresolvedThreadRefs(roomID) {
		if seq, ok := q.store.SeqOf(roomID, ref.RootID); ok {
			q.store.ResolveThread(roomID, ref.MsgID, seq)
			q.dropWaiter(roomID, ref.RootID, ref.MsgID)
			continue
		}
		q.noteReference(roomID, ref.MsgID, ref.RootID)
	}
}

// BackfillDone settles every reference still unresolved in the room
// after a backfill finished (or failed). References that resolve now,
// resolve; the rest are marked permanently unknown. They had their one
// attempt, and unknown never oscillates back to pending.
func (q *Sequencer) BackfillDone(roomID string) {
	q.inflight[roomID] = false

	unresolved := q.store.UnresolvedThreadRefs(roomID)
	for _, ref := range unresolved {
		if seq, ok := q.store.SeqOf(roomID, ref.RootID); ok {
			q.store.ResolveThread(roomID, ref.MsgID, seq)
		} else {
			q.logger.Info("thread root not found after backfill",
				slog.String("room", roomID),
				slog.String("root", ref.RootID),
			)
			q.store.MarkThreadUnknown(roomID, ref.MsgID)
		}
	}

	delete(q.waiting, roomID)
}

// ScrollToOldest triggers a full-history backfill on explicit consumer
// request, independent of thread resolution.
func (q *Sequencer) ScrollToOldest(roomID string) {
	if q.store.HistoryComplete(roomID) {
		return
	}
	q.ensureBackfill(roomID)
}

// Backfilling reports whether a backfill is currently running for the
// room.
func (q *Sequencer) Backfilling(roomID string) bool {
	return q.inflight[roomID]
}

func (q *Sequencer) ensureBackfill(roomID string) {
	if q.inflight[roomID] {
		return
	}
	q.inflight[roomID] = true
	q.backfill.requestBackfill(roomID)
}

func (q *Sequencer) addWaiter(roomID, rootID, msgID string) {
	roots, ok := q.waiting[roomID]
	if !ok {
		roots = make(map[string][]string)
		q.waiting[roomID] = roots
	}

	for _, id := range roots[rootID] {
		if id == msgID {
			return
		}
	}
	roots[rootID] = append(roots[rootID], msgID)
}

func (q *Sequencer) dropWaiter(roomID, rootID, msgID string) {
	roots, ok := q.waiting[roomID]
	if !ok {
		return
	}

	ids := roots[rootID]
	for i, id := range ids {
		if id == msgID {
			roots[rootID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(roots[rootID]) == 0 {
		delete(roots, rootID)
	}
}

// rootArrived resolves every reference waiting on the given root.
func (q *Sequencer) rootArrived(roomID, rootID string, rootSeq int64) {
	roots, ok := q.waiting[roomID]
	if !ok {
		return
	}

	for _, msgID := range roots[rootID] {
		q.store.ResolveThread(roomID, msgID, rootSeq)
	}
	delete(roots, rootID)
}

// finalizeRoot marks every reference waiting on a root permanently
// unknown.
func (q *Sequencer) finalizeRoot(roomID, rootID string) {
	roots, ok := q.waiting[roomID]
	if !ok {
		return
	}

	for _, msgID := range roots[rootID] {
		q.store.MarkThreadUnknown(roomID, msgID)
	}
	delete(roots, rootID)
}
