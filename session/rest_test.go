package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRestClient(t *testing.T, srv *httptest.Server) *RestClient {
	t.Helper()
	return NewRestClient(srv.URL, srv.Client(), 1000, slog.Default())
}

// --- login ---

func TestLogin_SendsDigestNeverRawPassword(t *testing.T) {
	var body map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/login", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fmt.Fprint(w, `{"status":"success","data":{"userId":"u1","authToken":"tok","me":{"username":"alice"}}}`)
	}))
	defer srv.Close()

	c := newTestRestClient(t, srv)
	info, err := c.Login(context.Background(), "alice", "hunter2", "")
	require.NoError(t, err)

	assert.Equal(t, "u1", info.UserID)
	assert.Equal(t, "alice", info.Username)
	assert.Equal(t, "tok", info.Token)

	pw, ok := body["password"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sha-256", pw["algorithm"])
	assert.Equal(t, passwordDigest("hunter2"), pw["digest"])
	assert.NotContains(t, fmt.Sprint(body), "hunter2")
}

func TestLogin_TokenResume(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "cached-token", body["resume"])
		assert.NotContains(t, body, "password")
		fmt.Fprint(w, `{"data":{"userId":"u1","authToken":"cached-token","me":{"username":"alice"}}}`)
	}))
	defer srv.Close()

	c := newTestRestClient(t, srv)
	_, err := c.Login(context.Background(), "alice", "", "cached-token")
	require.NoError(t, err)
}

func TestLogin_BadCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestRestClient(t, srv)
	_, err := c.Login(context.Background(), "alice", "wrong", "")
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.False(t, IsTransient(err))
}

// --- auth headers and retries ---

func TestDo_AttachesAuthHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.Header.Get("X-Auth-Token"))
		assert.Equal(t, "u1", r.Header.Get("X-User-Id"))
		fmt.Fprint(w, `{"rooms":[]}`)
	}))
	defer srv.Close()

	c := newTestRestClient(t, srv)
	c.SetAuth("tok", "u1")

	_, err := c.JoinedRooms(context.Background())
	require.NoError(t, err)
}

func TestDoRetry_RecoversFromThrottling(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"rooms":[]}`)
	}))
	defer srv.Close()

	c := newTestRestClient(t, srv)
	rooms, err := c.JoinedRooms(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rooms)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDoRetry_AuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestRestClient(t, srv)
	_, err := c.JoinedRooms(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
	assert.Equal(t, int32(1), calls.Load())
}

// --- snapshot queries ---

func TestJoinedRooms_ParsesKindsAndOpenFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/rooms.joined", r.URL.Path)
		fmt.Fprint(w, `{"rooms":[
			{"_id":"r1","name":"general","t":"c","open":true},
			{"_id":"r2","name":"secrets","t":"p","open":false},
			{"_id":"r3","name":"bob","t":"d"}
		]}`)
	}))
	defer srv.Close()

	c := newTestRestClient(t, srv)
	rooms, err := c.JoinedRooms(context.Background())
	require.NoError(t, err)
	require.Len(t, rooms, 3)

	assert.Equal(t, "#general", rooms[0].Label())
	assert.True(t, rooms[0].Open)
	assert.Equal(t, "$secrets", rooms[1].Label())
	assert.False(t, rooms[1].Open)
	assert.Equal(t, "@bob", rooms[2].Label())
	assert.True(t, rooms[2].Open, "missing open flag defaults to visible")
}

func TestRoomHistory_OldestFirstWithCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "r1", r.URL.Query().Get("roomId"))
		assert.Equal(t, "m5", r.URL.Query().Get("before"))
		assert.Equal(t, "3", r.URL.Query().Get("count"))

		// Wire order is newest first.
		fmt.Fprint(w, `{"total":10,"remaining":2,"messages":[
			{"_id":"m4","rid":"r1","msg":"four","u":{"_id":"u1","username":"alice"}},
			{"_id":"m3","rid":"r1","msg":"three","u":{"_id":"u1","username":"alice"}},
			{"_id":"m2","rid":"r1","msg":"two","u":{"_id":"u1","username":"alice"}}
		]}`)
	}))
	defer srv.Close()

	c := newTestRestClient(t, srv)
	page, err := c.RoomHistory(context.Background(), "r1", "m5", 3)
	require.NoError(t, err)

	assert.Equal(t, int64(10), page.Total)
	assert.Equal(t, int64(2), page.Remaining)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, "m2", page.Messages[0].ID)
	assert.Equal(t, "m4", page.Messages[2].ID)
}

func TestUserInfo_MarksFullyLoaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "u1", r.URL.Query().Get("userId"))
		fmt.Fprint(w, `{"user":{"_id":"u1","username":"alice","status":"busy","statusText":"focus"}}`)
	}))
	defer srv.Close()

	c := newTestRestClient(t, srv)
	u, err := c.UserByID(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, "alice", u.Username)
	assert.True(t, u.FullyLoaded)
	assert.Equal(t, "focus", u.StatusText)
}

func TestAllUsers_WalksPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		if offset == "0" {
			fmt.Fprint(w, `{"total":3,"users":[{"_id":"u1","username":"a"},{"_id":"u2","username":"b"}]}`)
			return
		}
		fmt.Fprint(w, `{"total":3,"users":[{"_id":"u3","username":"c"}]}`)
	}))
	defer srv.Close()

	c := newTestRestClient(t, srv)
	users, err := c.AllUsers(context.Background())
	require.NoError(t, err)
	assert.Len(t, users, 3)
}

// --- body sanitation ---

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "plain text", sanitizeResponseBody([]byte("plain text")))
	assert.Equal(t, "a?b", sanitizeResponseBody([]byte("a\x00b")))

	long := make([]byte, 512)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, sanitizeResponseBody(long), 256)
}

// --- file transfer ---

func TestUpload_MultipartForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/rooms.upload", r.URL.Path)
		require.Equal(t, "r1", r.URL.Query().Get("roomId"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()

		assert.Equal(t, "notes.txt", header.Filename)
		content, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "meeting notes", string(content))

		fmt.Fprint(w, `{"success":true,"attachmentId":"att-1"}`)
	}))
	defer srv.Close()

	c := newTestRestClient(t, srv)
	id, err := c.Upload(context.Background(), "r1", "notes.txt", strings.NewReader("meeting notes"))
	require.NoError(t, err)
	assert.Equal(t, "att-1", id)
}

func TestDownload_StreamsAttachment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/file-download/att-1", r.URL.Path)
		assert.Equal(t, "tok", r.Header.Get("X-Auth-Token"))
		assert.Equal(t, "u1", r.Header.Get("X-User-Id"))
		fmt.Fprint(w, "attachment bytes")
	}))
	defer srv.Close()

	c := newTestRestClient(t, srv)
	c.SetAuth("tok", "u1")

	var buf bytes.Buffer
	n, err := c.Download(context.Background(), "att-1", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len("attachment bytes")), n)
	assert.Equal(t, "attachment bytes", buf.String())
}

func TestDownload_MissingAttachment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestRestClient(t, srv)

	var buf bytes.Buffer
	_, err := c.Download(context.Background(), "gone", &buf)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}
