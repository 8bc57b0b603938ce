package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	m, err := Load(path)
	require.NoError(t, err)
	defer m.Stop()

	cfg := m.Get()
	require.Equal(t, "file", cfg.Auth.CacheBackend)
	require.Equal(t, "ws://localhost:8080/chat", cfg.Chat.ServerURL)
	require.Equal(t, 5, cfg.Chat.MaxReconnectAttempts)
	require.NotEmpty(t, cfg.Player.DeviceID, "a device id is generated on first run")

	// The defaults land on disk so the user has something to edit.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "server_url")
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
debug: true
chat:
  server_url: ws://relay.local:9000/chat
  max_reconnect_attempts: 9
relay:
  port: 9000
`), 0o644))

	m, err := Load(path)
	require.NoError(t, err)
	defer m.Stop()

	cfg := m.Get()
	require.True(t, cfg.Debug)
	require.Equal(t, "ws://relay.local:9000/chat", cfg.Chat.ServerURL)
	require.Equal(t, 9, cfg.Chat.MaxReconnectAttempts)
	require.Equal(t, "0.0.0.0:9000", cfg.RelayAddr())
	// Untouched fields keep their defaults.
	require.Equal(t, 2, cfg.Chat.ReconnectDelaySecs)
}

func TestLoadJSONByExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"player":{"display_name":"Steve"}}`), 0o644))

	m, err := Load(path)
	require.NoError(t, err)
	defer m.Stop()

	require.Equal(t, "Steve", m.Get().Player.DisplayName)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chat:\n  server_url: ws://from-file/chat\n"), 0o644))

	t.Setenv("GOPHERSNAKE_CHAT_URL", "ws://from-env/chat")
	t.Setenv("GOPHERSNAKE_CACHE_BACKEND", "redis")
	t.Setenv("GOPHERSNAKE_RELAY_PORT", "not-a-port")

	m, err := Load(path)
	require.NoError(t, err)
	defer m.Stop()

	cfg := m.Get()
	require.Equal(t, "ws://from-env/chat", cfg.Chat.ServerURL)
	require.Equal(t, "redis", cfg.Auth.CacheBackend)
	require.Equal(t, 8080, cfg.Relay.Port, "invalid port override is ignored")
}

func TestOnChangeCallbacksFireOnReload(t *testing.T) {
	m, err := Load("")
	require.NoError(t, err)
	defer m.Stop()

	var got []string
	m.OnChange(func(old, new *Config) {
		got = append(got, old.Chat.ServerURL+"->"+new.Chat.ServerURL)
	})
	m.OnChange(func(_, _ *Config) {
		got = append(got, "second")
	})

	old := Default()
	updated := Default()
	updated.Chat.ServerURL = "ws://elsewhere/chat"
	m.emitChange(old, updated)

	require.Equal(t, []string{"ws://localhost:8080/chat->ws://elsewhere/chat", "second"}, got)
}

func TestLoadMalformedYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chat: [unclosed"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
