package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestDefaults_Valid(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		path    string
		want    string
		wantErr bool
	}{
		{name: "http", base: "http://localhost:8000", path: "/ws", want: "ws://localhost:8000/ws"},
		{name: "https", base: "https://api.example.com", path: "/ws", want: "wss://api.example.com/ws"},
		{name: "base with prefix", base: "https://example.com/research/", path: "ws", want: "wss://example.com/research/ws"},
		{name: "empty path defaults", base: "http://h", path: "", want: "ws://h/ws"},
		{name: "bad scheme", base: "ftp://h", path: "/ws", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Server.BaseURL = tt.base
			cfg.Server.WSPath = tt.path
			got, err := cfg.WebSocketURL()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Server.BaseURL = ""
	cfg.Connection.ReconnectInitial = 0
	cfg.RequestTimeout = 0

	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "server.base_url")
	require.Contains(t, err.Error(), "reconnect_initial")
	require.Contains(t, err.Error(), "request_timeout")
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  base_url: https://research.example.com
connection:
  reconnect_initial: 2s
  reconnect_max: 1m
ui:
  markdown_style: light
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	require.Equal(t, "https://research.example.com", cfg.Server.BaseURL)
	require.Equal(t, "/ws", cfg.Server.WSPath)
	require.Equal(t, 2*time.Second, cfg.Connection.ReconnectInitial)
	require.Equal(t, time.Minute, cfg.Connection.ReconnectMax)
	require.Equal(t, "light", cfg.UI.MarkdownStyle)
	require.Equal(t, 10*time.Second, cfg.RequestTimeout)
}

func TestLoad_EnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("debug: false\n"), 0644))
	t.Setenv("DEEPSEARCH_SERVER_BASE_URL", "http://override:9000")
	t.Setenv("DEEPSEARCH_DEBUG", "true")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	require.Equal(t, "http://override:9000", cfg.Server.BaseURL)
	require.True(t, cfg.Debug)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestWriteDefaultConfig_LoadsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, WriteDefaultConfig(path, false))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)
}

func TestWriteDefaultConfig_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("debug: true\n"), 0644))

	require.Error(t, WriteDefaultConfig(path, false))
	require.NoError(t, WriteDefaultConfig(path, true))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "base_url: http://127.0.0.1:8000")
}
