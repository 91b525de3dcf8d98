package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setRequired sets the minimum environment for a valid config.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CHATTERM_SERVER", "https://chat.example.com")
	t.Setenv("CHATTERM_USERNAME", "alice")
	t.Setenv("CHATTERM_PASSWORD", "hunter2")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.HistoryBatchSize)
	assert.Equal(t, 50, cfg.RoomMemberCap)
	assert.Equal(t, 4, cfg.SnapshotWorkers)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, 90*time.Second, cfg.KeepaliveTimeout)
	assert.Equal(t, "development", cfg.Environment)
	assert.NotEmpty(t, cfg.DeviceName, "device name defaults to hostname")
}

func TestLoad_MissingServer(t *testing.T) {
	t.Setenv("CHATTERM_SERVER", "")
	t.Setenv("CHATTERM_USERNAME", "alice")
	t.Setenv("CHATTERM_PASSWORD", "hunter2")

	_, err := Load()
	assert.ErrorContains(t, err, "CHATTERM_SERVER")
}

func TestLoad_BadServerScheme(t *testing.T) {
	setRequired(t)
	t.Setenv("CHATTERM_SERVER", "ftp://chat.example.com")

	_, err := Load()
	assert.ErrorContains(t, err, "scheme")
}

func TestLoad_MissingCredentials(t *testing.T) {
	setRequired(t)
	t.Setenv("CHATTERM_PASSWORD", "")

	_, err := Load()
	assert.ErrorContains(t, err, "CHATTERM_PASSWORD or CHATTERM_TOKEN")
}

func TestLoad_TokenAlone_IsEnough(t *testing.T) {
	setRequired(t)
	t.Setenv("CHATTERM_PASSWORD", "")
	t.Setenv("CHATTERM_TOKEN", "tok_123")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "tok_123", cfg.Token)
}

func TestLoad_KeepaliveMustExceedPing(t *testing.T) {
	setRequired(t)
	t.Setenv("CHATTERM_PING_INTERVAL", "60s")
	t.Setenv("CHATTERM_KEEPALIVE_TIMEOUT", "30s")

	_, err := Load()
	assert.ErrorContains(t, err, "KEEPALIVE_TIMEOUT")
}

func TestLoad_BadBatchSize(t *testing.T) {
	setRequired(t)
	t.Setenv("CHATTERM_HISTORY_BATCH", "0")

	_, err := Load()
	assert.ErrorContains(t, err, "HISTORY_BATCH")
}

func TestWebsocketURL(t *testing.T) {
	cfg := &Config{Server: "https://chat.example.com"}
	assert.Equal(t, "wss://chat.example.com/websocket", cfg.WebsocketURL())

	cfg = &Config{Server: "http://localhost:3000"}
	assert.Equal(t, "ws://localhost:3000/websocket", cfg.WebsocketURL())
}
