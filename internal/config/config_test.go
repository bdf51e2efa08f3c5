package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CHAT_API_URL", "http://localhost:8080")
	t.Setenv("CHAT_WS_URL", "ws://localhost:8080/ws")
	t.Setenv("CHAT_TOKEN", "token")
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	setRequired(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.SendTimeout)
	assert.Equal(t, 3*time.Second, cfg.TypingQuiet)
	assert.Equal(t, 50, cfg.PageSize)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	setRequired(t)
	t.Setenv("CHAT_SEND_TIMEOUT", "2s")
	t.Setenv("CHAT_RECONNECT_ATTEMPTS", "3")
	t.Setenv("CHAT_PAGE_SIZE", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.SendTimeout)
	assert.Equal(t, 3, cfg.ReconnectAttempts)
	assert.Equal(t, 50, cfg.PageSize, "unparseable values fall back")
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "chat.yaml")
	err := os.WriteFile(path, []byte(`
api_url: http://api.example.com
ws_url: wss://api.example.com/ws
token: from-file
typing_quiet: 5s
page_size: 20
`), 0o600)
	require.NoError(t, err)

	t.Setenv("CHAT_TOKEN", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://api.example.com", cfg.APIURL)
	assert.Equal(t, "from-env", cfg.Token)
	assert.Equal(t, 5*time.Second, cfg.TypingQuiet)
	assert.Equal(t, 20, cfg.PageSize)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	err := os.WriteFile(filepath.Join(dir, ".env"), []byte(
		"CHAT_API_URL=http://localhost:9000\nCHAT_WS_URL=ws://localhost:9000/ws\nCHAT_TOKEN=dotenv\n"), 0o600)
	require.NoError(t, err)

	// godotenv never overrides variables that are already set; make sure
	// the test process does not carry them.
	for _, k := range []string{"CHAT_API_URL", "CHAT_WS_URL", "CHAT_TOKEN"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "dotenv", cfg.Token)
	assert.Equal(t, "http://localhost:9000", cfg.APIURL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing_token", func(c *Config) { c.Token = "" }, true},
		{"ws_scheme_for_api", func(c *Config) { c.APIURL = "ws://x" }, true},
		{"http_scheme_for_ws", func(c *Config) { c.WSURL = "http://x" }, true},
		{"relative_url", func(c *Config) { c.APIURL = "/api" }, true},
		{"zero_timeout", func(c *Config) { c.SendTimeout = 0 }, true},
		{"backoff_inverted", func(c *Config) { c.ReconnectMax = c.ReconnectMin / 2 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.APIURL = "https://api.example.com"
			cfg.WSURL = "wss://api.example.com/ws"
			cfg.Token = "t"
			tt.mutate(&cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
