package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	assert.Equal(t, "127.0.0.1:50051", c.ServerEndpointAddr)
	assert.Equal(t, "transfers.db", c.HistoryDB)
	assert.Equal(t, 15*time.Second, c.RequestTimeout)
	assert.Empty(t, c.AccessToken)
}

func TestLoadConfig_Precedence(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	path := filepath.Join(t.TempDir(), "cli.json")
	b, err := json.Marshal(map[string]any{"history_db": "json.db", "request_timeout": "3s", "access_token": "json-token"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))

	t.Setenv(TokenEnv, "env-token")
	os.Args = []string{"brokerctl", "-c", path, "-a", "broker:1", "status", "t-1"}

	cfg := LoadConfig()
	assert.Empty(t, cmp.Diff(&Config{
		ServerEndpointAddr: "broker:1",
		AccessToken:        "json-token",
		HistoryDB:          "json.db",
		RequestTimeout:     3 * time.Second,
	}, cfg))
}

func TestParseFlags(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	tests := []struct {
		expected    *Config
		name        string
		args        []string
		expectPanic bool
	}{
		{
			name:     "globals before the command",
			args:     []string{"brokerctl", "-a", "127.0.0.1:9090", "-t", "tok", "-db", "h.db", "-timeout", "2s", "send", "-r", "R", "f.txt"},
			expected: &Config{ServerEndpointAddr: "127.0.0.1:9090", AccessToken: "tok", HistoryDB: "h.db", RequestTimeout: 2 * time.Second},
		},
		{
			name:        "bad timeout",
			args:        []string{"brokerctl", "-timeout", "soon"},
			expectPanic: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Args = tt.args
			cfg := &Config{}

			if tt.expectPanic {
				require.Panics(t, func() { parseFlags(cfg) })
				return
			}
			require.NotPanics(t, func() { parseFlags(cfg) })
			assert.Empty(t, cmp.Diff(tt.expected, cfg))
		})
	}
}
