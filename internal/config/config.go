// Package config loads varlinkd's settings as a layered file/environment
// overlay driven by koanf instead of a bare yaml.Unmarshal, so
// environment overrides and a .env file both participate without
// hand-written merge logic.
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is varlinkd's full settings surface: where to listen, what
// vendor metadata to report from org.varlink.service.GetInfo, and the
// log level to run at.
type Config struct {
	SocketPath   string `koanf:"socket_path"`
	Vendor       string `koanf:"vendor"`
	Product      string `koanf:"product"`
	Version      string `koanf:"version"`
	URL          string `koanf:"url"`
	LogLevel     string `koanf:"log_level"`
	MetricsAddr  string `koanf:"metrics_addr"`
	ShellEnabled bool   `koanf:"shell_enabled"`
}

// Default returns the built-in baseline every layer overlays onto.
func Default() Config {
	return Config{
		SocketPath:   "/run/varlinkd/varlinkd.sock",
		Vendor:       "govarlink",
		Product:      "varlinkd",
		Version:      "dev",
		LogLevel:     "info",
		MetricsAddr:  "",
		ShellEnabled: false,
	}
}

// Load builds a Config from, in increasing precedence: the built-in
// default, yamlPath if non-empty (a missing file is an error), a .env
// file in the working directory
// if present, and VARLINKD_-prefixed environment variables.
func Load(yamlPath string) (Config, error) {
	k := koanf.New(".")

	def := Default()
	defaults := map[string]any{
		"socket_path":   def.SocketPath,
		"vendor":        def.Vendor,
		"product":       def.Product,
		"version":       def.Version,
		"url":           def.URL,
		"log_level":     def.LogLevel,
		"metrics_addr":  def.MetricsAddr,
		"shell_enabled": def.ShellEnabled,
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	if yamlPath != "" {
		if err := k.Load(file.Provider(yamlPath), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load %s: %w", yamlPath, err)
		}
	}

	// godotenv only populates the process environment; a missing .env
	// file is not an error since it's an optional local override.
	_ = godotenv.Load()

	if err := k.Load(env.Provider("VARLINKD_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "VARLINKD_"))
	}), nil); err != nil {
		return Config{}, fmt.Errorf("config: load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
