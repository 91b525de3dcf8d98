// Package directory owns all User records for a session. Rooms and
// messages reference users by id only, so a presence update here is
// visible everywhere immediately. Membership is cached lazily: room
// activation loads a bounded slice of members, and further users are
// learned on demand as their ids appear in messages or presence events.
// Nothing is evicted during a session.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/chatterm/chatterm/internal/model"
)

// Lookup is the snapshot-query surface the directory fills itself from.
// Implemented by the session's REST client.
type Lookup interface {
	RoomMembers(ctx context.Context, roomID string, limit int) ([]model.User, int, error)
	UserByID(ctx context.Context, id string) (model.User, error)
	UserByName(ctx context.Context, username string) (model.User, error)
	AllUsers(ctx context.Context) ([]model.User, error)
}

// Directory is the bounded lazy user cache.
type Directory struct {
	lookup Lookup
	logger *slog.Logger

	// memberCap bounds how many members a room activation loads. Large
	// rooms can have thousands of members; enumerating them all per
	// room would hammer the server for data mostly never displayed.
	memberCap int

	mu          sync.RWMutex
	users       map[string]*model.User
	byName      map[string]string // folded username -> id
	roomMembers map[string]map[string]struct{}
	roomTotals  map[string]int
	activated   map[string]struct{}
	fullyLoaded bool
}

func New(lookup Lookup, memberCap int, logger *slog.Logger) *Directory {
	return &Directory{
		lookup:      lookup,
		logger:      logger,
		memberCap:   memberCap,
		users:       make(map[string]*model.User),
		byName:      make(map[string]string),
		roomMembers: make(map[string]map[string]struct{}),
		roomTotals:  make(map[string]int),
		activated:   make(map[string]struct{}),
	}
}

// foldName normalizes a username for case-insensitive matching. Server
// usernames may arrive in different Unicode normal forms depending on
// which API produced them.
func foldName(username string) string {
	return strings.ToLower(norm.NFC.String(username))
}

// ActivateRoom loads up to the member cap for a room, once per session.
// Safe to call repeatedly; later calls are no-ops.
func (d *Directory) ActivateRoom(ctx context.Context, roomID string) error {
	d.mu.Lock()
	if _, done := d.activated[roomID]; done {
		d.mu.Unlock()
		return nil
	}
	d.activated[roomID] = struct{}{}
	d.mu.Unlock()

	members, total, err := d.lookup.RoomMembers(ctx, roomID, d.memberCap)
	if err != nil {
		// Allow a retry on a later activation attempt.
		d.mu.Lock()
		delete(d.activated, roomID)
		d.mu.Unlock()
		return fmt.Errorf("loading members for room %s: %w", roomID, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.roomTotals[roomID] = total
	for _, u := range members {
		d.noteLocked(u)
		d.memberLocked(roomID, u.ID)
	}

	d.logger.Debug("room members cached",
		slog.String("room", roomID),
		slog.Int("cached", len(members)),
		slog.Int("total", total),
	)

	return nil
}

// NoteUser records a user learned opportunistically (message author,
// presence event). A stub never downgrades a fully loaded record.
func (d *Directory) NoteUser(u model.User) {
	if u.ID == "" {
		return
	}
	d.mu.Lock()
	d.noteLocked(u)
	d.mu.Unlock()
}

// NoteMember records that a user is a member of a room, growing the
// lazily cached membership beyond the activation cap.
func (d *Directory) NoteMember(roomID string, u model.User) {
	if u.ID == "" {
		return
	}
	d.mu.Lock()
	d.noteLocked(u)
	d.memberLocked(roomID, u.ID)
	d.mu.Unlock()
}

func (d *Directory) noteLocked(u model.User) {
	existing, ok := d.users[u.ID]
	if !ok {
		stored := u
		d.users[u.ID] = &stored
		if u.Username != "" {
			d.byName[foldName(u.Username)] = u.ID
		}
		return
	}

	if u.Username != "" && u.Username != existing.Username {
		delete(d.byName, foldName(existing.Username))
		existing.Username = u.Username
		d.byName[foldName(u.Username)] = u.ID
	}
	if u.FullyLoaded {
		existing.FullyLoaded = true
		existing.Presence = u.Presence
		existing.StatusText = u.StatusText
	}
}

func (d *Directory) memberLocked(roomID, userID string) {
	members, ok := d.roomMembers[roomID]
	if !ok {
		members = make(map[string]struct{})
		d.roomMembers[roomID] = members
	}
	members[userID] = struct{}{}
}

// SetPresence updates a user's presence, creating a stub if the user is
// unknown. Returns false when nothing actually changed, so duplicate
// presence events produce no notifications.
func (d *Directory) SetPresence(id, username string, presence model.Presence, statusText string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.users[id]
	if !ok {
		d.noteLocked(model.User{ID: id, Username: username, Presence: presence, StatusText: statusText})
		return true
	}

	if u.Presence == presence && u.StatusText == statusText {
		return false
	}

	u.Presence = presence
	u.StatusText = statusText
	return true
}

// UserByID returns the cached user or fetches it on demand.
func (d *Directory) UserByID(ctx context.Context, id string) (model.User, error) {
	d.mu.RLock()
	if u, ok := d.users[id]; ok {
		cached := *u
		d.mu.RUnlock()
		return cached, nil
	}
	d.mu.RUnlock()

	u, err := d.lookup.UserByID(ctx, id)
	if err != nil {
		return model.User{}, err
	}

	d.NoteUser(u)
	return u, nil
}

// UserByName returns the cached user for a username (any case or
// normal form) or fetches it on demand.
func (d *Directory) UserByName(ctx context.Context, username string) (model.User, error) {
	folded := foldName(username)

	d.mu.RLock()
	if id, ok := d.byName[folded]; ok {
		cached := *d.users[id]
		d.mu.RUnlock()
		return cached, nil
	}
	d.mu.RUnlock()

	u, err := d.lookup.UserByName(ctx, username)
	if err != nil {
		return model.User{}, err
	}

	d.NoteUser(u)
	return u, nil
}

// LoadAll caches the full server user directory. Expensive on large
// installations; only ever triggered by an explicit consumer request
// (global username completion), never automatically.
func (d *Directory) LoadAll(ctx context.Context) error {
	d.mu.RLock()
	done := d.fullyLoaded
	d.mu.RUnlock()
	if done {
		return nil
	}

	users, err := d.lookup.AllUsers(ctx)
	if err != nil {
		return fmt.Errorf("loading full user directory: %w", err)
	}

	d.mu.Lock()
	for _, u := range users {
		d.noteLocked(u)
	}
	d.fullyLoaded = true
	count := len(d.users)
	d.mu.Unlock()

	d.logger.Info("full user directory cached", slog.Int("users", count))
	return nil
}

// FullyLoaded reports whether LoadAll has completed this session.
func (d *Directory) FullyLoaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fullyLoaded
}

// KnownMembers returns the currently cached members of a room, sorted
// by username. This is only the lazily collected subset; RoomTotal may
// be far larger.
func (d *Directory) KnownMembers(roomID string) []model.User {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids, ok := d.roomMembers[roomID]
	if !ok {
		return nil
	}

	members := make([]model.User, 0, len(ids))
	for id := range ids {
		if u, ok := d.users[id]; ok {
			members = append(members, *u)
		}
	}

	sort.Slice(members, func(i, j int) bool { return members[i].Username < members[j].Username })
	return members
}

// RoomTotal returns the server-side member count for a room, which
// includes members never cached locally.
func (d *Directory) RoomTotal(roomID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.roomTotals[roomID]
}

// Complete returns cached usernames starting with the given prefix,
// case- and normalization-insensitively, sorted. Used for tab
// completion by the input collaborator.
func (d *Directory) Complete(prefix string) []string {
	folded := foldName(prefix)

	d.mu.RLock()
	defer d.mu.RUnlock()

	var names []string
	for name, id := range d.byName {
		if strings.HasPrefix(name, folded) {
			names = append(names, d.users[id].Username)
		}
	}

	sort.Strings(names)
	return names
}

// Presence returns the cached presence for a user id, defaulting to
// offline for unknown users.
func (d *Directory) Presence(id string) (model.Presence, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if u, ok := d.users[id]; ok {
		return u.Presence, u.StatusText
	}
	return model.PresenceOffline, ""
}
