package session

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/chatterm/chatterm/internal/model"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory. History pages
	// are the largest responses and stay well below this.
	maxAPIResponseBytes = 4 * 1024 * 1024

	// restMaxAttempts bounds retries of throttled or flaky snapshot
	// queries before the error surfaces to the caller.
	restMaxAttempts = 4
	restBackoffMin  = 500 * time.Millisecond
	restBackoffMax  = 8 * time.Second

	// userListPageSize is the page size used when walking the full
	// server user directory.
	userListPageSize = 200
)

// LoginInfo is the result of a successful snapshot-API login.
type LoginInfo struct {
	UserID   string
	Username string
	Token    string
}

// HistoryPage is one page of a room's message history. Messages are
// ordered oldest first. Remaining counts messages older than this page
// still held by the server; Total is the room's full message count.
type HistoryPage struct {
	Messages  []*model.Message
	Total     int64
	Remaining int64
}

// RestClient talks to the server's request/response snapshot API. It is
// safe for concurrent use by the snapshot worker pool: auth state is set
// once at login and only read afterwards.
type RestClient struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	logger     *slog.Logger

	authMu    sync.RWMutex
	authToken string
	userID    string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents auth tokens from
// leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewRestClient creates a snapshot API client for the given server base
// URL. If httpClient is nil, a client with a 30-second timeout and
// same-host redirect policy is used. rps rate-limits outgoing queries
// client-side so bulk backfills stay under server throttling thresholds.
func NewRestClient(baseURL string, httpClient *http.Client, rps float64, logger *slog.Logger) *RestClient {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	burst := int(rps)
	if burst < 1 {
		burst = 1
	}

	return &RestClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		logger:     logger,
	}
}

// SetAuth installs the credentials attached to every subsequent request.
func (c *RestClient) SetAuth(token, userID string) {
	c.authMu.Lock()
	c.authToken = token
	c.userID = userID
	c.authMu.Unlock()
}

func (c *RestClient) auth() (token, userID string) {
	c.authMu.RLock()
	defer c.authMu.RUnlock()
	return c.authToken, c.userID
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

type apiError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// do sends one HTTP request and returns the raw response body. Errors
// are classified: auth failures are AuthError, throttling and network
// blips are TransientError, everything else is plain.
func (c *RestClient) do(ctx context.Context, method, endpoint string, query url.Values, contentType string, body io.Reader) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if token, userID := c.auth(); token != "" {
		req.Header.Set("X-Auth-Token", token)
		req.Header.Set("X-User-Id", userID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &AuthError{Err: fmt.Errorf("API %s returned status %d", endpoint, resp.StatusCode)}
	}

	if resp.StatusCode != http.StatusOK {
		var ae apiError
		msg := sanitizeResponseBody(respBody)
		if json.Unmarshal(respBody, &ae) == nil && ae.Error != "" {
			msg = ae.Error
		}

		err := fmt.Errorf("API %s returned status %d: %s", endpoint, resp.StatusCode, msg)
		if isTransientStatus(resp.StatusCode) {
			return nil, &TransientError{Err: err}
		}

		return nil, err
	}

	return respBody, nil
}

// doRetry wraps do with a bounded exponential backoff on transient
// errors. Throttled snapshot queries are retried here so callers only
// see a TransientError once the attempts are exhausted.
func (c *RestClient) doRetry(ctx context.Context, method, endpoint string, query url.Values) ([]byte, error) {
	backoff := restBackoffMin

	var lastErr error
	for attempt := 1; attempt <= restMaxAttempts; attempt++ {
		body, err := c.do(ctx, method, endpoint, query, "", nil)
		if err == nil {
			return body, nil
		}

		lastErr = err
		if !IsTransient(err) || ctx.Err() != nil {
			return nil, err
		}

		if attempt == restMaxAttempts {
			break
		}

		c.logger.Debug("transient snapshot error, backing off",
			slog.String("endpoint", endpoint),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*2, restBackoffMax)
	}

	return nil, lastErr
}

// passwordDigest hashes a password for transmission. The wire protocol
// accepts a SHA-256 hex digest so the raw password never leaves the
// process.
func passwordDigest(password string) string {
	h := sha256.Sum256([]byte(password))
	return hex.EncodeToString(h[:])
}

// Login authenticates against the snapshot API. A non-empty token is
// resumed directly; otherwise the password is sent as a SHA-256 digest.
// The returned credentials are installed on the client for all
// subsequent requests.
func (c *RestClient) Login(ctx context.Context, username, password, token string) (LoginInfo, error) {
	payload := map[string]any{}
	if token != "" {
		payload["resume"] = token
	} else {
		payload["user"] = username
		payload["password"] = map[string]string{
			"digest":    passwordDigest(password),
			"algorithm": "sha-256",
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return LoginInfo{}, fmt.Errorf("marshalling login request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/api/v1/login", nil, "application/json", bytes.NewReader(raw))
	if err != nil {
		return LoginInfo{}, fmt.Errorf("logging in: %w", err)
	}

	var resp struct {
		Data struct {
			UserID    string `json:"userId"`
			AuthToken string `json:"authToken"`
			Me        struct {
				Username string `json:"username"`
			} `json:"me"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return LoginInfo{}, fmt.Errorf("decoding login response: %w", err)
	}

	if resp.Data.UserID == "" || resp.Data.AuthToken == "" {
		return LoginInfo{}, &AuthError{Err: fmt.Errorf("login response missing credentials")}
	}

	c.SetAuth(resp.Data.AuthToken, resp.Data.UserID)

	return LoginInfo{
		UserID:   resp.Data.UserID,
		Username: resp.Data.Me.Username,
		Token:    resp.Data.AuthToken,
	}, nil
}

// Logout invalidates the current token server-side.
func (c *RestClient) Logout(ctx context.Context) error {
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/logout", nil, "application/json", strings.NewReader("{}")); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}

	c.SetAuth("", "")
	return nil
}

// JoinedRooms returns all rooms the logged-in user is subscribed to,
// including hidden ones.
func (c *RestClient) JoinedRooms(ctx context.Context) ([]model.Room, error) {
	body, err := c.doRetry(ctx, http.MethodGet, "/api/v1/rooms.joined", nil)
	if err != nil {
		return nil, fmt.Errorf("listing joined rooms: %w", err)
	}

	var resp struct {
		Rooms []json.RawMessage `json:"rooms"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding room list: %w", err)
	}

	rooms := make([]model.Room, 0, len(resp.Rooms))
	for _, raw := range resp.Rooms {
		room, err := parseRoom(raw)
		if err != nil {
			c.logger.Warn("skipping unparseable room", slog.String("error", err.Error()))
			continue
		}
		rooms = append(rooms, room)
	}

	return rooms, nil
}

// RoomHistory fetches one page of a room's history. beforeID pages
// backwards: an empty cursor returns the newest messages, a message id
// returns messages strictly older than it. Messages come back oldest
// first regardless of the server's wire order.
func (c *RestClient) RoomHistory(ctx context.Context, roomID, beforeID string, count int) (HistoryPage, error) {
	q := url.Values{}
	q.Set("roomId", roomID)
	q.Set("count", strconv.Itoa(count))
	if beforeID != "" {
		q.Set("before", beforeID)
	}

	body, err := c.doRetry(ctx, http.MethodGet, "/api/v1/rooms.history", q)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("fetching history for room %s: %w", roomID, err)
	}

	var resp struct {
		Messages  []json.RawMessage `json:"messages"`
		Total     int64             `json:"total"`
		Remaining int64             `json:"remaining"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return HistoryPage{}, fmt.Errorf("decoding history for room %s: %w", roomID, err)
	}

	page := HistoryPage{Total: resp.Total, Remaining: resp.Remaining}
	for _, raw := range resp.Messages {
		msg, err := parseMessage(raw)
		if err != nil {
			c.logger.Warn("skipping unparseable history message",
				slog.String("room", roomID),
				slog.String("error", err.Error()),
			)
			continue
		}
		page.Messages = append(page.Messages, msg)
	}

	// The wire sends newest first; flip to the append order the store
	// expects.
	for i, j := 0, len(page.Messages)-1; i < j; i, j = i+1, j-1 {
		page.Messages[i], page.Messages[j] = page.Messages[j], page.Messages[i]
	}

	return page, nil
}

// RoomMembers returns up to limit members of a room plus the room's
// total member count, which may be far larger than what was fetched.
func (c *RestClient) RoomMembers(ctx context.Context, roomID string, limit int) ([]model.User, int, error) {
	q := url.Values{}
	q.Set("roomId", roomID)
	q.Set("count", strconv.Itoa(limit))

	body, err := c.doRetry(ctx, http.MethodGet, "/api/v1/rooms.members", q)
	if err != nil {
		return nil, 0, fmt.Errorf("fetching members of room %s: %w", roomID, err)
	}

	var resp struct {
		Members []json.RawMessage `json:"members"`
		Total   int               `json:"total"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, 0, fmt.Errorf("decoding members of room %s: %w", roomID, err)
	}

	users := make([]model.User, 0, len(resp.Members))
	for _, raw := range resp.Members {
		users = append(users, parseUser(raw))
	}

	return users, resp.Total, nil
}

// UserByID looks up a single user by server id.
func (c *RestClient) UserByID(ctx context.Context, id string) (model.User, error) {
	return c.userInfo(ctx, url.Values{"userId": []string{id}})
}

// UserByName looks up a single user by username.
func (c *RestClient) UserByName(ctx context.Context, username string) (model.User, error) {
	return c.userInfo(ctx, url.Values{"username": []string{username}})
}

func (c *RestClient) userInfo(ctx context.Context, q url.Values) (model.User, error) {
	body, err := c.doRetry(ctx, http.MethodGet, "/api/v1/users.info", q)
	if err != nil {
		return model.User{}, fmt.Errorf("looking up user: %w", err)
	}

	var resp struct {
		User json.RawMessage `json:"user"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.User) == 0 {
		return model.User{}, fmt.Errorf("decoding user lookup response: %w", err)
	}

	u := parseUser(resp.User)
	u.FullyLoaded = true
	return u, nil
}

// AllUsers walks the full server user directory page by page. This is
// the expensive global path behind explicit full-directory loads; it is
// never triggered automatically.
func (c *RestClient) AllUsers(ctx context.Context) ([]model.User, error) {
	var users []model.User

	for offset := 0; ; {
		q := url.Values{}
		q.Set("count", strconv.Itoa(userListPageSize))
		q.Set("offset", strconv.Itoa(offset))

		body, err := c.doRetry(ctx, http.MethodGet, "/api/v1/users.list", q)
		if err != nil {
			return nil, fmt.Errorf("listing users at offset %d: %w", offset, err)
		}

		var resp struct {
			Users []json.RawMessage `json:"users"`
			Total int               `json:"total"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decoding user list at offset %d: %w", offset, err)
		}

		for _, raw := range resp.Users {
			u := parseUser(raw)
			u.FullyLoaded = true
			users = append(users, u)
		}

		offset += len(resp.Users)
		if len(resp.Users) == 0 || offset >= resp.Total {
			return users, nil
		}
	}
}

// Upload sends a file into a room and returns the server attachment id.
func (c *RestClient) Upload(ctx context.Context, roomID, filename string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("creating upload form: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("buffering upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("finalizing upload form: %w", err)
	}

	q := url.Values{}
	q.Set("roomId", roomID)

	body, err := c.do(ctx, http.MethodPost, "/api/v1/rooms.upload", q, mw.FormDataContentType(), &buf)
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", filename, err)
	}

	var resp struct {
		AttachmentID string `json:"attachmentId"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding upload response: %w", err)
	}

	return resp.AttachmentID, nil
}

// Download streams an attachment into w and returns the byte count.
func (c *RestClient) Download(ctx context.Context, attachmentID string, w io.Writer) (int64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/file-download/"+url.PathEscape(attachmentID), nil)
	if err != nil {
		return 0, fmt.Errorf("creating download request: %w", err)
	}

	if token, userID := c.auth(); token != "" {
		req.Header.Set("X-Auth-Token", token)
		req.Header.Set("X-User-Id", userID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &TransientError{Err: fmt.Errorf("downloading %s: %w", attachmentID, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("download %s returned status %d", attachmentID, resp.StatusCode)
		if isTransientStatus(resp.StatusCode) {
			return 0, &TransientError{Err: err}
		}
		return 0, err
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("streaming download %s: %w", attachmentID, err)
	}

	return n, nil
}
