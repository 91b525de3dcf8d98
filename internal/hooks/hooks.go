// Package hooks runs user-defined external commands in response to
// session events. A YAML manifest maps hook kinds to command templates;
// each firing renders the template with the event's fields and executes
// it with the same fields exported as CT_-prefixed environment
// variables.
package hooks

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"log/slog"

	"gopkg.in/yaml.v3"
)

// Kind names a hookable event.
type Kind string

const (
	KindNewRoomMessage     Kind = "new_room_message"
	KindMentioned          Kind = "mentioned"
	KindRoomAdded          Kind = "room_added"
	KindRoomRemoved        Kind = "room_removed"
	KindRoomOpened         Kind = "room_opened"
	KindRoomHidden         Kind = "room_hidden"
	KindLostConnection     Kind = "lost_connection"
	KindRestoredConnection Kind = "restored_connection"
	KindInternalError      Kind = "internal_error"
)

const (
	envPrefix = "CT_"

	// hookTimeout bounds each hook command. A hung notifier must not
	// accumulate processes.
	hookTimeout = 10 * time.Second
)

// Record carries the fields of one event firing. Empty fields render
// as empty strings so command templates stay position-stable.
type Record struct {
	Kind     Kind
	RoomID   string
	RoomName string
	MsgID    string
	Body     string
	UserID   string
	Username string
	Error    string
}

// Fields returns the record as placeholder values, keyed the way they
// appear in command templates: {kind}, {room_name}, {body}, and so on.
func (r Record) Fields() map[string]string {
	return map[string]string{
		"kind":      string(r.Kind),
		"room_id":   r.RoomID,
		"room_name": r.RoomName,
		"msg_id":    r.MsgID,
		"body":      r.Body,
		"user_id":   r.UserID,
		"username":  r.Username,
		"error":     r.Error,
	}
}

// Env returns the record as environment variable assignments, one
// CT_<KEY>=<value> entry per field.
func (r Record) Env() []string {
	fields := r.Fields()
	env := make([]string, 0, len(fields))
	for key, value := range fields {
		env = append(env, envPrefix+strings.ToUpper(key)+"="+value)
	}
	return env
}

// Manifest maps hook kinds to command templates. Template arguments may
// contain {field} placeholders, replaced verbatim at dispatch time; no
// shell is involved, so values with spaces or metacharacters are safe.
type Manifest struct {
	Hooks map[string]string `yaml:"hooks"`
}

// LoadManifest reads and parses a hook manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading hook manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing hook manifest: %w", err)
	}

	for kind, tmpl := range m.Hooks {
		if len(splitArgs(tmpl)) == 0 {
			return nil, fmt.Errorf("hook %q has an empty command", kind)
		}
	}

	return &m, nil
}

// Invocation is a fully rendered hook command, ready to execute.
type Invocation struct {
	Path string
	Args []string
	Env  []string
}

// Render builds the invocation for a record, or ok=false when the
// manifest has no command for its kind.
func (m *Manifest) Render(rec Record) (Invocation, bool) {
	if m == nil {
		return Invocation{}, false
	}
	tmpl, ok := m.Hooks[string(rec.Kind)]
	if !ok {
		return Invocation{}, false
	}

	args := splitArgs(tmpl)
	fields := rec.Fields()
	for i, arg := range args {
		for key, value := range fields {
			arg = strings.ReplaceAll(arg, "{"+key+"}", value)
		}
		args[i] = arg
	}

	return Invocation{
		Path: args[0],
		Args: args[1:],
		Env:  rec.Env(),
	}, true
}

// splitArgs splits a command template on whitespace, honoring single
// and double quotes so placeholders can expand to values with spaces.
func splitArgs(s string) []string {
	var args []string
	var cur strings.Builder
	var quote rune
	inArg := false

	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inArg = true
		case r == ' ' || r == '\t':
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if inArg {
		args = append(args, cur.String())
	}

	return args
}

// Dispatcher fires hook commands for session events. Dispatch is
// non-blocking; commands run in their own goroutines with a timeout.
// The manifest can be swapped at runtime (see Watcher).
type Dispatcher struct {
	logger *slog.Logger
	runner func(ctx context.Context, inv Invocation) error

	mu       sync.RWMutex
	manifest *Manifest
}

// NewDispatcher creates a dispatcher over a manifest. A nil manifest is
// valid and fires nothing.
func NewDispatcher(m *Manifest, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		manifest: m,
		runner:   runInvocation,
	}
}

// Swap replaces the active manifest.
func (d *Dispatcher) Swap(m *Manifest) {
	d.mu.Lock()
	d.manifest = m
	d.mu.Unlock()
}

// Dispatch fires the hook for a record, if one is configured. Returns
// immediately; failures are logged, never propagated, so a broken hook
// cannot disturb the session. A hook whose command fails is disabled so
// it does not fire again until the manifest is reloaded.
func (d *Dispatcher) Dispatch(rec Record) {
	d.mu.RLock()
	m := d.manifest
	d.mu.RUnlock()

	inv, ok := m.Render(rec)
	if !ok {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()

		if err := d.runner(ctx, inv); err != nil {
			d.logger.Warn("hook command failed, disabling hook",
				slog.String("kind", string(rec.Kind)),
				slog.String("command", inv.Path),
				slog.String("error", err.Error()),
			)
			d.disable(rec.Kind)
		}
	}()
}

// disable drops a hook kind from the active manifest. Manifests are
// treated as immutable once published, so the active one is replaced by
// a copy rather than mutated under concurrent Render calls.
func (d *Dispatcher) disable(kind Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.manifest == nil {
		return
	}
	if _, ok := d.manifest.Hooks[string(kind)]; !ok {
		return
	}

	hooks := make(map[string]string, len(d.manifest.Hooks))
	for k, v := range d.manifest.Hooks {
		if k != string(kind) {
			hooks[k] = v
		}
	}
	d.manifest = &Manifest{Hooks: hooks}
}

func runInvocation(ctx context.Context, inv Invocation) error {
	cmd := exec.CommandContext(ctx, inv.Path, inv.Args...)
	cmd.Env = append(os.Environ(), inv.Env...)

	out, err := cmd.CombinedOutput()
	if err != nil {
		if len(out) > 0 {
			return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
		}
		return err
	}
	return nil
}
