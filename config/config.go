// Package config loads service configuration from an optional TOML file with
// DOCPIPE_ environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the fully resolved service configuration.
type Config struct {
	Server    Server    `koanf:"server"`
	Database  Database  `koanf:"database"`
	Storage   Storage   `koanf:"storage"`
	Pipeline  Pipeline  `koanf:"pipeline"`
	Broadcast Broadcast `koanf:"broadcast"`
	Log       Log       `koanf:"log"`
}

type Server struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type Database struct {
	// URL is a pgx connection string. Empty selects the in-memory stores,
	// which is only suitable for development.
	URL string `koanf:"url"`
}

type Storage struct {
	// Path is the artifact store root directory.
	Path string `koanf:"path"`
}

type Pipeline struct {
	FetchTimeout      time.Duration `koanf:"fetch_timeout"`
	UploadConcurrency int           `koanf:"upload_concurrency"`
	// StaleThreshold is how long a running job may go without checkpoint
	// activity before resume treats it as interrupted.
	StaleThreshold time.Duration `koanf:"stale_threshold"`
}

type Broadcast struct {
	RingSize    int           `koanf:"ring_size"`
	QueueSize   int           `koanf:"queue_size"`
	EmitTimeout time.Duration `koanf:"emit_timeout"`
	TerminalTTL time.Duration `koanf:"terminal_ttl"`
}

type Log struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

func defaults() map[string]any {
	return map[string]any{
		"server.host":                 "0.0.0.0",
		"server.port":                 8080,
		"database.url":                "",
		"storage.path":                "./data/artifacts",
		"pipeline.fetch_timeout":      "60s",
		"pipeline.upload_concurrency": 3,
		"pipeline.stale_threshold":    "5m",
		"broadcast.ring_size":         100,
		"broadcast.queue_size":        50,
		"broadcast.emit_timeout":      "500ms",
		"broadcast.terminal_ttl":      "5m",
		"log.level":                   "info",
		"log.pretty":                  false,
	}
}

// Load resolves configuration from defaults, then the TOML file at path (if
// it exists), then DOCPIPE_ environment variables. DOCPIPE_SERVER_PORT maps
// to server.port.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, val := range defaults() {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	// The first underscore separates the section from the key, so
	// DOCPIPE_PIPELINE_FETCH_TIMEOUT maps to pipeline.fetch_timeout.
	err := k.Load(env.ProviderWithValue("DOCPIPE_", ".", func(key, value string) (string, interface{}) {
		if value == "" {
			return "", nil
		}
		mapped := strings.ToLower(strings.TrimPrefix(key, "DOCPIPE_"))
		if i := strings.Index(mapped, "_"); i > 0 {
			mapped = mapped[:i] + "." + mapped[i+1:]
		}
		return mapped, value
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
