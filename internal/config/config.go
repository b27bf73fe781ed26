// Package config provides configuration types, defaults, and persistence for deepsearch.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for deepsearch.
type Config struct {
	Server         ServerConfig     `mapstructure:"server" yaml:"server"`
	Connection     ConnectionConfig `mapstructure:"connection" yaml:"connection"`
	RequestTimeout time.Duration    `mapstructure:"request_timeout" yaml:"request_timeout"`
	UI             UIConfig         `mapstructure:"ui" yaml:"ui"`
	Debug          bool             `mapstructure:"debug" yaml:"debug"`
	LogPath        string           `mapstructure:"log_path" yaml:"log_path"`
}

// ServerConfig locates the research orchestrator.
type ServerConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	WSPath  string `mapstructure:"ws_path" yaml:"ws_path"`
}

// ConnectionConfig tunes the event stream connection.
type ConnectionConfig struct {
	DialTimeout      time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReconnectInitial time.Duration `mapstructure:"reconnect_initial" yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max" yaml:"reconnect_max"`
	PingInterval     time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
}

// UIConfig holds user interface options.
type UIConfig struct {
	MarkdownStyle   string `mapstructure:"markdown_style" yaml:"markdown_style"` // glamour style: "dark", "light", "notty"
	ShowStepContent bool   `mapstructure:"show_step_content" yaml:"show_step_content"`
}

// DefaultConfigPath is where `config init` writes and the first lookup location.
const DefaultConfigPath = ".deepsearch/config.yaml"

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			BaseURL: "http://127.0.0.1:8000",
			WSPath:  "/ws",
		},
		Connection: ConnectionConfig{
			DialTimeout:      5 * time.Second,
			ReconnectInitial: time.Second,
			ReconnectMax:     30 * time.Second,
			PingInterval:     25 * time.Second,
		},
		RequestTimeout: 10 * time.Second,
		UI: UIConfig{
			MarkdownStyle:   "dark",
			ShowStepContent: true,
		},
		LogPath: "deepsearch-debug.log",
	}
}

// WebSocketURL derives the event stream endpoint from the REST base URL.
func (c Config) WebSocketURL() (string, error) {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	path := c.Server.WSPath
	if path == "" {
		path = "/ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return u.String(), nil
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.Server.BaseURL == "" {
		errs = append(errs, errors.New("server.base_url is required"))
	} else if _, err := c.WebSocketURL(); err != nil {
		errs = append(errs, err)
	}
	if c.Connection.ReconnectInitial <= 0 {
		errs = append(errs, errors.New("connection.reconnect_initial must be positive"))
	}
	if c.Connection.ReconnectMax < c.Connection.ReconnectInitial {
		errs = append(errs, errors.New("connection.reconnect_max must be >= reconnect_initial"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// WriteDefaultConfig writes the defaults as YAML to path. An existing file is
// only replaced when force is set.
func WriteDefaultConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := Defaults().YAML()
	if err != nil {
		return err
	}
	header := "# deepsearch configuration\n# Environment variables with the DEEPSEARCH_ prefix override these values.\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// YAML encodes the configuration with durations as strings, so the file
// reads "5s" rather than nanosecond integers.
func (c Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c.document())
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return data, nil
}

func (c Config) document() map[string]any {
	return map[string]any{
		"server": map[string]any{
			"base_url": c.Server.BaseURL,
			"ws_path":  c.Server.WSPath,
		},
		"connection": map[string]any{
			"dial_timeout":      c.Connection.DialTimeout.String(),
			"reconnect_initial": c.Connection.ReconnectInitial.String(),
			"reconnect_max":     c.Connection.ReconnectMax.String(),
			"ping_interval":     c.Connection.PingInterval.String(),
		},
		"request_timeout": c.RequestTimeout.String(),
		"ui": map[string]any{
			"markdown_style":    c.UI.MarkdownStyle,
			"show_step_content": c.UI.ShowStepContent,
		},
		"debug":    c.Debug,
		"log_path": c.LogPath,
	}
}
