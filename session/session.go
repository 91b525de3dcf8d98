// Package session reconciles the chat server's snapshot API and its
// push-event stream into one consistent local view of rooms, messages,
// threads, and users.
//
// Architecture: a single event loop goroutine owns all websocket writes
// and all state mutations. A reader goroutine feeds raw frames in; a
// bounded worker pool fetches history pages off-loop and hands the
// results back as closures. User commands enter through a channel and
// are executed inline on the loop.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/semaphore"

	"github.com/chatterm/chatterm/internal/config"
	"github.com/chatterm/chatterm/internal/directory"
	"github.com/chatterm/chatterm/internal/model"
)

const (
	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second

	// loopTick drives the keepalive check and the update coalescer.
	loopTick = 500 * time.Millisecond

	// coalesceWindow is how long a message update is held before it is
	// applied, so bursts of redundant updates collapse into one.
	coalesceWindow = 500 * time.Millisecond

	// backfillMaxPages bounds how far one backfill request walks into
	// history. A thread root older than this is marked unknown rather
	// than chased to the beginning of the room.
	backfillMaxPages = 4
)

// ConnState describes where the session is in its connection lifecycle.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAuthenticating
	StateSubscribing
	StateStreaming
	StateReconnecting
	StateShuttingDown
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateShuttingDown:
		return "shutting down"
	default:
		return "unknown"
	}
}

// restAPI is the snapshot surface the session needs. *RestClient
// implements it; tests substitute fakes.
type restAPI interface {
	Login(ctx context.Context, username, password, token string) (LoginInfo, error)
	Logout(ctx context.Context) error
	JoinedRooms(ctx context.Context) ([]model.Room, error)
	RoomHistory(ctx context.Context, roomID, beforeID string, count int) (HistoryPage, error)
}

// realtimeAPI is the push surface the session needs. *RealtimeClient
// implements it.
type realtimeAPI interface {
	Connect(ctx context.Context) error
	Login(ctx context.Context, username, password, token string) error
	Subscribe(ctx context.Context, stream string, params ...any) (string, error)
	Unsubscribe(ctx context.Context, subID string) error
	SendMessage(ctx context.Context, msgID, roomID, body, threadRootID string) error
	SetPresence(ctx context.Context, presence string) error
	HideRoom(ctx context.Context, roomID string) error
	OpenRoom(ctx context.Context, roomID string) error
	Ping(ctx context.Context) error
	Pong(ctx context.Context) error
	Inbound() <-chan Inbound
	DrainStash() [][]byte
	TouchTraffic()
	SinceLastTraffic() time.Duration
	Close(reason string)
}

// command is a user operation executed on the event loop. The loop
// sends exactly one value on result.
type command struct {
	run    func(ctx context.Context) error
	result chan error
}

// Session is the connection manager and single owner of all mutations.
type Session struct {
	cfg    *config.Config
	logger *slog.Logger

	rest restAPI
	rt   realtimeAPI

	store *Store
	seq   *Sequencer
	dir   *directory.Directory
	norm  *Normalizer
	coal  *coalescer
	out   *outbox

	cmdCh   chan command
	applyCh chan func()

	// workers bounds concurrent snapshot fetches.
	workers *semaphore.Weighted

	// runCtx is the lifetime of Run, used by off-loop fetch goroutines.
	runCtx context.Context

	localUserID   string
	localUsername string

	stateMu sync.Mutex
	state   ConnState

	// subs maps roomID to its message-stream subscription id. Notify
	// streams are tracked separately; all are replaced on reconnect.
	subs       map[string]string
	notifySubs []string
}

// New wires a session from its parts. The directory must be backed by
// the same REST client so user lookups share auth and rate limiting.
func New(cfg *config.Config, rest restAPI, rt realtimeAPI, dir *directory.Directory, logger *slog.Logger) *Session {
	s := &Session{
		cfg:     cfg,
		logger:  logger,
		rest:    rest,
		rt:      rt,
		dir:     dir,
		norm:    NewNormalizer(logger),
		coal:    newCoalescer(coalesceWindow),
		out:     &outbox{},
		cmdCh:   make(chan command),
		applyCh: make(chan func(), 64),
		workers: semaphore.NewWeighted(int64(cfg.SnapshotWorkers)),
		subs:    make(map[string]string),
		state:   StateDisconnected,
	}
	s.store = NewStore(dir, logger)
	s.seq = NewSequencer(s.store, s, logger)
	return s
}

// Store exposes the read-side view for renderers.
func (s *Session) Store() *Store { return s.store }

// Directory exposes user lookups for renderers.
func (s *Session) Directory() *directory.Directory { return s.dir }

// LocalUserID is the logged-in user's id, empty before first login.
func (s *Session) LocalUserID() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.localUserID
}

// State reports the current connection lifecycle state.
func (s *Session) State() ConnState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(next ConnState) {
	s.stateMu.Lock()
	prev := s.state
	s.state = next
	s.stateMu.Unlock()

	if prev != next {
		s.logger.Debug("connection state changed",
			slog.String("from", prev.String()),
			slog.String("to", next.String()),
		)
	}
}

// Run connects, loads the initial snapshot, and processes the push
// stream until ctx is cancelled or a permanent error occurs. Transient
// failures trigger reconnection with exponential backoff and jitter;
// accumulated state survives across reconnects.
func (s *Session) Run(ctx context.Context) error {
	s.runCtx = ctx
	defer s.setState(StateShuttingDown)

	if err := s.connect(ctx, true); err != nil {
		if isPermanentError(err) || ctx.Err() != nil {
			s.setState(StateDisconnected)
			return fmt.Errorf("initial connect: %w", err)
		}
		// Fall through to the reconnect loop: a transient failure at
		// startup is retried the same way a dropped connection is.
		s.logger.Warn("initial connect failed", slog.String("error", err.Error()))
		s.connectionLost(err)
	} else {
		s.setState(StateStreaming)
		if err := s.flushOutbox(ctx); err != nil {
			s.logger.Warn("flushing outbox", slog.String("error", err.Error()))
		}
	}

	backoff := reconnectMin

	for {
		if s.State() == StateStreaming {
			err := s.eventLoop(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isPermanentError(err) {
				return fmt.Errorf("permanent error: %w", err)
			}
			s.connectionLost(err)
		}

		s.logger.Warn("connection lost, reconnecting",
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / 2))
		timer := time.NewTimer(backoff + jitter)

		// Commands stay serviced during the wait so callers never block
		// on the backoff. Sends were already accepted into the outbox;
		// transport commands fail fast against the closed connection.
	waiting:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case cmd := <-s.cmdCh:
				cmd.result <- cmd.run(ctx)
			case fn := <-s.applyCh:
				fn()
			case <-timer.C:
				break waiting
			}
		}

		if err := s.connect(ctx, false); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isPermanentError(err) {
				return fmt.Errorf("permanent reconnect error: %w", err)
			}
			s.logger.Warn("reconnect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			backoff = min(backoff*2, reconnectMax)
			continue
		}

		backoff = reconnectMin
		s.setState(StateStreaming)
		s.logger.Info("reconnected")
		s.applyEvent(model.Event{Kind: model.ConnectionRestored})
		if err := s.flushOutbox(ctx); err != nil {
			s.logger.Warn("flushing outbox after reconnect", slog.String("error", err.Error()))
		}
	}
}

// connectionLost flushes parked updates and surfaces the drop as an
// event so listeners (hooks, renderers) see it in order.
func (s *Session) connectionLost(err error) {
	s.setState(StateReconnecting)
	s.rt.Close("reconnecting")

	for _, ev := range s.coal.FlushAll() {
		s.processEvent(ev)
	}
	if err != nil {
		s.logger.Debug("connection error", slog.String("error", err.Error()))
	}
	s.applyEvent(model.Event{Kind: model.ConnectionLost})
}

// connect performs the full handshake sequence: REST login, websocket
// connect, realtime login, stream subscriptions, and snapshot load.
// On reconnect the snapshot load reconciles instead of starting fresh.
func (s *Session) connect(ctx context.Context, initial bool) error {
	s.setState(StateConnecting)

	if err := s.rt.Connect(ctx); err != nil {
		return err
	}

	s.setState(StateAuthenticating)

	info, err := s.rest.Login(ctx, s.cfg.Username, s.cfg.Password, s.cfg.Token)
	if err != nil {
		s.rt.Close("login failed")
		return err
	}

	s.stateMu.Lock()
	s.localUserID = info.UserID
	s.localUsername = info.Username
	s.stateMu.Unlock()

	// The websocket session resumes with the REST token so both halves
	// share one server-side session.
	if err := s.rt.Login(ctx, s.cfg.Username, "", info.Token); err != nil {
		s.rt.Close("login failed")
		return err
	}

	s.setState(StateSubscribing)

	rooms, err := s.rest.JoinedRooms(ctx)
	if err != nil {
		s.rt.Close("snapshot failed")
		return err
	}

	for _, room := range rooms {
		r := room
		s.applyEvent(model.Event{Kind: model.RoomAdded, Room: &r})
	}

	if err := s.subscribeStreams(ctx, info.UserID, rooms); err != nil {
		s.rt.Close("subscribe failed")
		return err
	}

	// History loads run off-loop. On initial connect they seed every
	// open room; on reconnect they fill the gap accumulated while
	// offline. Known ids dedup either way.
	for _, room := range rooms {
		if !room.Open {
			continue
		}
		if initial {
			s.activateRoom(room.ID)
			s.fetchInitialHistory(room.ID)
		} else {
			s.fetchGap(room.ID)
		}
	}

	return nil
}

// subscribeStreams registers the push streams: per-room messages for
// open rooms, subscription changes, and presence updates.
func (s *Session) subscribeStreams(ctx context.Context, userID string, rooms []model.Room) error {
	s.subs = make(map[string]string)
	s.notifySubs = nil

	for _, room := range rooms {
		if !room.Open {
			continue
		}
		id, err := s.rt.Subscribe(ctx, streamRoomMessages, room.ID, false)
		if err != nil {
			return fmt.Errorf("subscribing to room %s: %w", room.ID, err)
		}
		s.subs[room.ID] = id
	}

	for _, event := range []string{"subscriptions-changed", "rooms-changed"} {
		id, err := s.rt.Subscribe(ctx, streamNotifyUser, userID+"/"+event, false)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", event, err)
		}
		s.notifySubs = append(s.notifySubs, id)
	}

	id, err := s.rt.Subscribe(ctx, streamNotifyLogged, "user-status", false)
	if err != nil {
		return fmt.Errorf("subscribing to user-status: %w", err)
	}
	s.notifySubs = append(s.notifySubs, id)

	// Subscriptions answered; frames that rushed in meanwhile are real
	// events and must not be dropped.
	s.drainStash()

	return nil
}

// eventLoop processes one connection's lifetime: inbound frames,
// history batches, user commands, and the keepalive/coalescer tick.
// All writes and all mutations happen here. Returns on read error,
// keepalive timeout, or context cancellation.
func (s *Session) eventLoop(ctx context.Context) error {
	ticker := time.NewTicker(loopTick)
	defer ticker.Stop()

	for {
		select {
		case in := <-s.rt.Inbound():
			if in.Err != nil {
				return fmt.Errorf("reading frame: %w", in.Err)
			}
			s.rt.TouchTraffic()
			if err := s.handleFrame(ctx, in.Data); err != nil {
				return err
			}

		case fn := <-s.applyCh:
			fn()

		case cmd := <-s.cmdCh:
			err := cmd.run(ctx)
			cmd.result <- err
			s.drainStash()
			// A timed-out or failed write means the connection is
			// suspect. The command already got its result.
			if err != nil && !isOperationError(err) {
				return err
			}

		case <-ticker.C:
			for _, ev := range s.coal.Flush(time.Now()) {
				s.processEvent(ev)
			}

			elapsed := s.rt.SinceLastTraffic()
			if elapsed > s.cfg.KeepaliveTimeout {
				s.logger.Warn("connection timed out, closing",
					slog.Duration("silent", elapsed),
				)
				return fmt.Errorf("keepalive timeout after %v", elapsed)
			}
			if elapsed > s.cfg.PingInterval {
				if err := s.rt.Ping(ctx); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// isOperationError reports whether a command failure is scoped to the
// operation rather than the connection. Auth failures on a method call
// (e.g. hiding a room without permission) do not kill the stream.
func isOperationError(err error) bool {
	return IsAuthError(err)
}

// handleFrame routes one raw inbound frame.
func (s *Session) handleFrame(ctx context.Context, data []byte) error {
	switch gjson.GetBytes(data, "msg").Str {
	case "ping":
		if err := s.rt.Pong(ctx); err != nil {
			return fmt.Errorf("answering ping: %w", err)
		}
		return nil

	case "changed":
		now := time.Now()
		for _, ev := range s.norm.NormalizeFrame(data) {
			for _, ready := range s.coal.Add(now, ev) {
				s.processEvent(ready)
			}
		}
		return nil

	default:
		// nosub confirmations, updated acks, server banners.
		return nil
	}
}

// drainStash applies frames that arrived while a method call was
// waiting for its result.
func (s *Session) drainStash() {
	for _, data := range s.rt.DrainStash() {
		now := time.Now()
		for _, ev := range s.norm.NormalizeFrame(data) {
			for _, ready := range s.coal.Add(now, ev) {
				s.processEvent(ready)
			}
		}
	}
}

// processEvent runs one canonical event through the sequencer (which
// applies it to the store) and reacts to the resulting changes.
func (s *Session) processEvent(ev model.Event) {
	changes := s.seq.Process(ev)
	for _, ch := range changes {
		switch ch.Kind {
		case ChangeRoomAdded:
			if ch.Room.Open {
				s.roomOpened(ch.Room.ID)
			}
		case ChangeRoomOpened:
			s.roomOpened(ch.Room.ID)
		case ChangeRoomRemoved, ChangeRoomHidden:
			s.roomClosed(ch.Room.ID)
		case ChangeMessageNew:
			if ch.Message != nil && ch.Message.UserID != "" {
				s.dir.NoteMember(ch.Message.RoomID, model.User{
					ID:       ch.Message.UserID,
					Username: ch.Message.Username,
				})
			}
		}
	}
}

// applyEvent applies an event that carries no thread bookkeeping.
func (s *Session) applyEvent(ev model.Event) {
	s.seq.Process(ev)
}

// roomOpened subscribes the room's message stream and seeds its
// history. Called on the loop when a room becomes visible.
func (s *Session) roomOpened(roomID string) {
	if _, ok := s.subs[roomID]; ok {
		return
	}
	if s.State() != StateStreaming {
		// connect() subscribes in bulk; nothing to do mid-handshake.
		return
	}

	id, err := s.rt.Subscribe(s.runCtx, streamRoomMessages, roomID, false)
	if err != nil {
		s.logger.Warn("subscribing to opened room",
			slog.String("room", roomID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.subs[roomID] = id
	s.drainStash()

	s.activateRoom(roomID)
	if local, _ := s.store.MessageCount(roomID); local == 0 {
		s.fetchInitialHistory(roomID)
	}
}

// activateRoom warms the member cache off-loop.
func (s *Session) activateRoom(roomID string) {
	go func() {
		if err := s.workers.Acquire(s.runCtx, 1); err != nil {
			return
		}
		defer s.workers.Release(1)

		if err := s.dir.ActivateRoom(s.runCtx, roomID); err != nil {
			s.logger.Debug("activating room members",
				slog.String("room", roomID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// roomClosed drops the room's message-stream subscription. Accumulated
// messages stay in the store.
func (s *Session) roomClosed(roomID string) {
	id, ok := s.subs[roomID]
	if !ok {
		return
	}
	delete(s.subs, roomID)

	if err := s.rt.Unsubscribe(s.runCtx, id); err != nil {
		s.logger.Debug("unsubscribing closed room",
			slog.String("room", roomID),
			slog.String("error", err.Error()),
		)
	}
}

// apply hands a closure to the event loop. Blocks until the loop takes
// it or the session shuts down.
func (s *Session) apply(fn func()) {
	select {
	case s.applyCh <- fn:
	case <-s.runCtx.Done():
	}
}

// fetchInitialHistory loads the newest history page for a room off-loop
// and applies it as a batch.
func (s *Session) fetchInitialHistory(roomID string) {
	go func() {
		if err := s.workers.Acquire(s.runCtx, 1); err != nil {
			return
		}
		defer s.workers.Release(1)

		page, err := s.rest.RoomHistory(s.runCtx, roomID, "", s.cfg.HistoryBatchSize)
		if err != nil {
			s.logger.Warn("loading room history",
				slog.String("room", roomID),
				slog.String("error", err.Error()),
			)
			return
		}

		s.apply(func() {
			if _, err := s.store.ApplyHistory(roomID, page); err != nil {
				s.logger.Warn("applying room history",
					slog.String("room", roomID),
					slog.String("error", err.Error()),
				)
				return
			}
			s.seq.HistoryApplied(roomID)
		})
	}()
}

// fetchGap reconciles a room after reconnect. The newest page is
// replayed as arrival events: unknown ids append in order after the
// locally numbered tail, known ids absorb idempotently, and edits made
// while offline surface as updates.
func (s *Session) fetchGap(roomID string) {
	go func() {
		if err := s.workers.Acquire(s.runCtx, 1); err != nil {
			return
		}
		defer s.workers.Release(1)

		page, err := s.rest.RoomHistory(s.runCtx, roomID, "", s.cfg.HistoryBatchSize)
		if err != nil {
			s.logger.Warn("reconciling room after reconnect",
				slog.String("room", roomID),
				slog.String("error", err.Error()),
			)
			return
		}

		s.apply(func() {
			if local, _ := s.store.MessageCount(roomID); local == 0 {
				// Nothing local to splice onto; treat as a fresh seed.
				if _, err := s.store.ApplyHistory(roomID, page); err == nil {
					s.seq.HistoryApplied(roomID)
				}
				return
			}
			for _, msg := range page.Messages {
				kind := model.MessageArrived
				if msg.Edited {
					kind = model.MessageUpdated
				}
				s.processEvent(model.Event{Kind: kind, Message: msg, IsUpdate: msg.Edited})
			}
		})
	}()
}

// requestBackfill walks history pages backwards from the oldest local
// message, applying each batch on the loop, until the referenced roots
// resolve, history is complete, or the page bound is hit. Implements
// the sequencer's backfill contract; always ends with BackfillDone.
func (s *Session) requestBackfill(roomID string) {
	go func() {
		defer s.apply(func() { s.seq.BackfillDone(roomID) })

		if err := s.workers.Acquire(s.runCtx, 1); err != nil {
			return
		}
		defer s.workers.Release(1)

		for page := 0; page < backfillMaxPages; page++ {
			beforeID, ok := s.oldestID(roomID)
			if !ok {
				return
			}

			hist, err := s.rest.RoomHistory(s.runCtx, roomID, beforeID, s.cfg.HistoryBatchSize)
			if err != nil {
				s.logger.Warn("backfilling history",
					slog.String("room", roomID),
					slog.String("error", err.Error()),
				)
				return
			}

			done := make(chan struct{})
			s.apply(func() {
				defer close(done)
				if _, err := s.store.ApplyHistory(roomID, hist); err != nil {
					s.logger.Warn("applying backfill page",
						slog.String("room", roomID),
						slog.String("error", err.Error()),
					)
					return
				}
				s.seq.HistoryApplied(roomID)
			})
			select {
			case <-done:
			case <-s.runCtx.Done():
				return
			}

			if s.store.HistoryComplete(roomID) {
				return
			}
		}
	}()
}

// oldestID reads the current backfill anchor. Safe off-loop: the store
// is internally locked.
func (s *Session) oldestID(roomID string) (string, bool) {
	return s.store.OldestID(roomID)
}

// do runs fn on the event loop and waits for its result.
func (s *Session) do(ctx context.Context, fn func(ctx context.Context) error) error {
	cmd := command{run: fn, result: make(chan error, 1)}
	select {
	case s.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.runCtx.Done():
		return s.runCtx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send queues a message for delivery and returns its client-assigned
// id. Delivery is immediate while streaming; while disconnected the
// message is accepted without blocking and resubmitted once, in
// compose order, after reconnect.
func (s *Session) Send(ctx context.Context, roomID, body, threadRootID string) (string, error) {
	e := s.out.Enqueue(roomID, body, threadRootID)

	if s.State() != StateStreaming {
		return e.ID, nil
	}

	err := s.do(ctx, func(ctx context.Context) error {
		// The connection may have dropped since the state check; the
		// reconnect flush will deliver the entry then.
		if s.State() != StateStreaming {
			return nil
		}
		return s.flushOutbox(ctx)
	})
	return e.ID, err
}

// flushOutbox delivers pending messages oldest first. Stops at the
// first failure; the failed entry stays queued for one resubmission
// unless its attempts are exhausted. Loop-only.
func (s *Session) flushOutbox(ctx context.Context) error {
	for {
		e := s.out.Next()
		if e == nil {
			return nil
		}

		err := s.rt.SendMessage(ctx, e.ID, e.RoomID, e.Body, e.ThreadRootID)
		if err == nil {
			s.out.Ack()
			continue
		}

		if exhausted := s.out.NoteAttempt(); exhausted {
			s.logger.Warn("dropping undeliverable message",
				slog.String("room", e.RoomID),
				slog.String("id", e.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		return err
	}
}

// SetPresence publishes the local user's presence status.
func (s *Session) SetPresence(ctx context.Context, p model.Presence) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.rt.SetPresence(ctx, string(p))
	})
}

// HideRoom asks the server to hide a room. The room list change comes
// back on the push stream and flows through the store there.
func (s *Session) HideRoom(ctx context.Context, roomID string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.rt.HideRoom(ctx, roomID)
	})
}

// OpenRoom asks the server to reopen a hidden room.
func (s *Session) OpenRoom(ctx context.Context, roomID string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.rt.OpenRoom(ctx, roomID)
	})
}

// LoadOlder requests one more chunk of history below the oldest local
// message, for scrollback. No-op when the room's history is complete
// or a backfill is already running.
func (s *Session) LoadOlder(ctx context.Context, roomID string) error {
	return s.do(ctx, func(context.Context) error {
		s.seq.ScrollToOldest(roomID)
		return nil
	})
}

// Logout ends the server-side session. Called during shutdown, after
// Run has returned.
func (s *Session) Logout(ctx context.Context) error {
	s.rt.Close("logout")
	if err := s.rest.Logout(ctx); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}
	return nil
}
