package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. DEEPSEARCH_SERVER_BASE_URL.
const EnvPrefix = "DEEPSEARCH"

// SetDefaults registers every default with v so env overrides apply to all keys.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("server.base_url", d.Server.BaseURL)
	v.SetDefault("server.ws_path", d.Server.WSPath)
	v.SetDefault("connection.dial_timeout", d.Connection.DialTimeout)
	v.SetDefault("connection.reconnect_initial", d.Connection.ReconnectInitial)
	v.SetDefault("connection.reconnect_max", d.Connection.ReconnectMax)
	v.SetDefault("connection.ping_interval", d.Connection.PingInterval)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("ui.markdown_style", d.UI.MarkdownStyle)
	v.SetDefault("ui.show_step_content", d.UI.ShowStepContent)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("log_path", d.LogPath)
}

// Load reads configuration into a Config.
//
// Lookup order when cfgFile is empty:
//  1. .deepsearch/config.yaml (current directory)
//  2. ~/.config/deepsearch/config.yaml (user config)
//
// A missing config file is not an error; defaults and env apply.
func Load(v *viper.Viper, cfgFile string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else if _, err := os.Stat(DefaultConfigPath); err == nil {
		v.SetConfigFile(DefaultConfigPath)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "deepsearch"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}
