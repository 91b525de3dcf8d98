package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

//go:generate mockgen -source=realtime.go -destination=mock_conn_test.go -package=session -mock_names=wsConn=MockWSConn

const (
	// realtimeReadLimit caps inbound frame size. Push frames are small
	// JSON payloads; history never travels over this channel.
	realtimeReadLimit = 1 * 1024 * 1024

	// responseTimeout bounds how long a method call waits for its
	// result frame once the request is on the wire.
	responseTimeout = 30 * time.Second
)

var errResponseTimeout = fmt.Errorf("timed out waiting for server response")

// wsConn is the subset of *websocket.Conn the realtime client uses.
// Extracted for testability.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Inbound wraps a frame read from the websocket by the reader goroutine.
type Inbound struct {
	Data []byte
	Err  error
}

// RealtimeClient manages the push-event websocket.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames. The
// session event loop is the only consumer and the only writer to the
// connection, so no write mutex is needed. Method calls issued from the
// loop consume inboundCh inline until their result arrives; event frames
// received meanwhile are stashed and drained by the loop afterwards.
type RealtimeClient struct {
	logger *slog.Logger
	url    string

	// dial is swapped out in tests.
	dial func(ctx context.Context) (wsConn, error)

	conn       wsConn
	inboundCh  chan Inbound
	connCancel context.CancelFunc

	callSeq int64
	subSeq  int64

	// stash holds event frames that arrived while a method call was
	// waiting for its result. Only touched from the event loop.
	stash [][]byte

	lastTraffic time.Time
	lastMu      sync.Mutex
}

func NewRealtimeClient(url string, logger *slog.Logger) *RealtimeClient {
	c := &RealtimeClient{
		logger: logger,
		url:    url,
	}
	c.dial = func(ctx context.Context) (wsConn, error) {
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(realtimeReadLimit)
		return conn, nil
	}
	return c
}

// Connect dials the websocket and completes the protocol handshake. The
// reader goroutine is running when Connect returns; authentication is a
// separate step (Login).
func (c *RealtimeClient) Connect(ctx context.Context) error {
	// Cancel any previous reader goroutine from a prior connection.
	if c.connCancel != nil {
		c.connCancel()
	}

	c.logger.Debug("dialing realtime endpoint", slog.String("url", c.url))

	conn, err := c.dial(ctx)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("dialing websocket: %w", err)}
	}
	c.conn = conn
	c.touchTraffic()

	handshake := map[string]any{"msg": "connect", "version": "1", "support": []string{"1"}}
	if err := c.writeJSON(ctx, handshake); err != nil {
		c.conn.Close(websocket.StatusInternalError, "handshake failed")
		return fmt.Errorf("sending handshake: %w", err)
	}

	// Read directly until the server confirms the protocol session.
	// This happens before the reader goroutine starts, so no one else
	// is consuming the connection.
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.conn.Close(websocket.StatusInternalError, "handshake read failed")
			return &TransientError{Err: fmt.Errorf("reading handshake response: %w", err)}
		}
		c.touchTraffic()

		switch gjson.GetBytes(data, "msg").Str {
		case "connected":
			connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			c.connCancel = cancel
			c.startReader(connCtx)
			return nil
		case "ping":
			if err := c.Pong(ctx); err != nil {
				c.conn.Close(websocket.StatusInternalError, "pong failed")
				return fmt.Errorf("answering handshake ping: %w", err)
			}
		case "failed":
			c.conn.Close(websocket.StatusNormalClosure, "unsupported protocol")
			return fmt.Errorf("server rejected protocol version: %s", gjson.GetBytes(data, "version").Str)
		default:
			// "server_id" and similar banners.
		}
	}
}

// startReader launches a goroutine that reads from the websocket and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs; the error is delivered as the final message. The goroutine
// captures ch by value so a reader from a previous connection cannot
// send stale frames into the new channel.
func (c *RealtimeClient) startReader(connCtx context.Context) {
	ch := make(chan Inbound, 64)
	c.inboundCh = ch
	conn := c.conn

	go func() {
		for {
			_, data, err := conn.Read(connCtx)
			select {
			case ch <- Inbound{Data: data, Err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// Inbound returns the channel of raw frames for the current connection.
func (c *RealtimeClient) Inbound() <-chan Inbound {
	return c.inboundCh
}

// Login authenticates the realtime session. A non-empty token resumes
// it; otherwise the password travels as a SHA-256 digest.
func (c *RealtimeClient) Login(ctx context.Context, username, password, token string) error {
	var params any
	if token != "" {
		params = map[string]any{"resume": token}
	} else {
		params = map[string]any{
			"user":     map[string]string{"username": username},
			"password": map[string]string{"digest": passwordDigest(password), "algorithm": "sha-256"},
		}
	}

	if _, err := c.Call(ctx, "login", params); err != nil {
		return fmt.Errorf("realtime login: %w", err)
	}
	return nil
}

// Call invokes a server method and waits for its result frame. Event
// frames arriving in between are stashed for the loop to drain. Must be
// called from the event loop.
func (c *RealtimeClient) Call(ctx context.Context, method string, params ...any) (gjson.Result, error) {
	c.callSeq++
	id := strconv.FormatInt(c.callSeq, 10)

	frame := map[string]any{
		"msg":    "method",
		"method": method,
		"id":     id,
		"params": params,
	}
	if err := c.writeJSON(ctx, frame); err != nil {
		return gjson.Result{}, fmt.Errorf("calling %s: %w", method, err)
	}

	data, err := c.awaitFrame(ctx, func(frame gjson.Result) bool {
		return frame.Get("msg").Str == "result" && frame.Get("id").Str == id
	})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("waiting for %s result: %w", method, err)
	}

	if errField := gjson.GetBytes(data, "error"); errField.Exists() {
		return gjson.Result{}, methodError(method, errField)
	}

	return gjson.GetBytes(data, "result"), nil
}

// methodError classifies a method-call error payload.
func methodError(method string, errField gjson.Result) error {
	errType := errField.Get("error").Str
	reason := errField.Get("reason").Str
	if reason == "" {
		reason = errField.Raw
	}

	err := fmt.Errorf("method %s failed: %s", method, reason)
	switch errType {
	case "401", "403", "error-invalid-user", "error-login-blocked":
		return &AuthError{Err: err}
	case "too-many-requests":
		return &TransientError{Err: err}
	}
	return err
}

// Subscribe registers a stream subscription and waits for the server's
// ready acknowledgment. Returns the subscription id for Unsubscribe.
func (c *RealtimeClient) Subscribe(ctx context.Context, stream string, params ...any) (string, error) {
	c.subSeq++
	id := "sub-" + strconv.FormatInt(c.subSeq, 10)

	frame := map[string]any{
		"msg":    "sub",
		"id":     id,
		"name":   stream,
		"params": params,
	}
	if err := c.writeJSON(ctx, frame); err != nil {
		return "", fmt.Errorf("subscribing to %s: %w", stream, err)
	}

	_, err := c.awaitFrame(ctx, func(frame gjson.Result) bool {
		if frame.Get("msg").Str != "ready" {
			return false
		}
		for _, sub := range frame.Get("subs").Array() {
			if sub.Str == id {
				return true
			}
		}
		return false
	})
	if err != nil {
		return "", fmt.Errorf("waiting for %s ready: %w", stream, err)
	}

	return id, nil
}

// Unsubscribe tears down a stream subscription. The server's nosub
// confirmation arrives as a regular inbound frame and is ignored there.
func (c *RealtimeClient) Unsubscribe(ctx context.Context, subID string) error {
	return c.writeJSON(ctx, map[string]any{"msg": "unsub", "id": subID})
}

// awaitFrame reads inboundCh until a frame matches, answering pings and
// stashing event frames for the loop. Any traffic resets the response
// timeout: interleaved pushes prove the connection is alive and must
// not eat into the budget for detecting a dead one.
func (c *RealtimeClient) awaitFrame(ctx context.Context, match func(gjson.Result) bool) ([]byte, error) {
	timeout := time.NewTimer(responseTimeout)
	defer timeout.Stop()

	for {
		select {
		case in := <-c.inboundCh:
			if in.Err != nil {
				return nil, fmt.Errorf("reading response: %w", in.Err)
			}
			c.touchTraffic()

			if !timeout.Stop() {
				select {
				case <-timeout.C:
				default:
				}
			}
			timeout.Reset(responseTimeout)

			frame := gjson.ParseBytes(in.Data)
			switch {
			case match(frame):
				return in.Data, nil
			case frame.Get("msg").Str == "ping":
				if err := c.Pong(ctx); err != nil {
					return nil, fmt.Errorf("answering ping: %w", err)
				}
			default:
				c.stash = append(c.stash, in.Data)
			}

		case <-timeout.C:
			return nil, errResponseTimeout

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// DrainStash returns frames that arrived during method calls, oldest
// first, clearing the stash. Called by the loop after every call.
func (c *RealtimeClient) DrainStash() [][]byte {
	frames := c.stash
	c.stash = nil
	return frames
}

// SendMessage posts a chat message. The id is client-generated so a
// resend after a connection failure dedupes server-side.
func (c *RealtimeClient) SendMessage(ctx context.Context, msgID, roomID, body, threadRootID string) error {
	msg := map[string]any{
		"_id": msgID,
		"rid": roomID,
		"msg": body,
	}
	if threadRootID != "" {
		msg["tmid"] = threadRootID
	}

	_, err := c.Call(ctx, "sendMessage", msg)
	return err
}

// SetPresence changes the logged-in user's default presence status.
func (c *RealtimeClient) SetPresence(ctx context.Context, presence string) error {
	_, err := c.Call(ctx, "UserPresence:setDefaultStatus", presence)
	return err
}

// HideRoom removes a room from the visible room list. The resulting
// subscription change comes back on the push stream.
func (c *RealtimeClient) HideRoom(ctx context.Context, roomID string) error {
	_, err := c.Call(ctx, "hideRoom", roomID)
	return err
}

// OpenRoom makes a hidden room visible again.
func (c *RealtimeClient) OpenRoom(ctx context.Context, roomID string) error {
	_, err := c.Call(ctx, "openRoom", roomID)
	return err
}

// Ping sends a keepalive probe.
func (c *RealtimeClient) Ping(ctx context.Context) error {
	return c.writeJSON(ctx, map[string]string{"msg": "ping"})
}

// Pong answers a server keepalive.
func (c *RealtimeClient) Pong(ctx context.Context) error {
	return c.writeJSON(ctx, map[string]string{"msg": "pong"})
}

// Close tears the connection down and stops the reader goroutine.
func (c *RealtimeClient) Close(reason string) {
	if c.connCancel != nil {
		c.connCancel()
	}
	if c.conn != nil {
		c.conn.Close(websocket.StatusNormalClosure, reason)
	}
}

func (c *RealtimeClient) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// TouchTraffic records that the connection produced traffic. The loop
// calls it for every inbound frame it consumes.
func (c *RealtimeClient) TouchTraffic() {
	c.touchTraffic()
}

func (c *RealtimeClient) touchTraffic() {
	c.lastMu.Lock()
	c.lastTraffic = time.Now()
	c.lastMu.Unlock()
}

// SinceLastTraffic reports how long the connection has been silent.
// The keepalive check in the event loop treats prolonged silence as a
// dead connection even when the socket is still nominally open.
func (c *RealtimeClient) SinceLastTraffic() time.Duration {
	c.lastMu.Lock()
	defer c.lastMu.Unlock()
	return time.Since(c.lastTraffic)
}
