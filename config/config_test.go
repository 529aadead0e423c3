package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Broadcast.RingSize != 100 || cfg.Broadcast.QueueSize != 50 {
		t.Fatalf("broadcast defaults = %+v", cfg.Broadcast)
	}
	if cfg.Broadcast.EmitTimeout != 500*time.Millisecond {
		t.Fatalf("emit timeout = %s, want 500ms", cfg.Broadcast.EmitTimeout)
	}
	if cfg.Pipeline.StaleThreshold != 5*time.Minute {
		t.Fatalf("stale threshold = %s, want 5m", cfg.Pipeline.StaleThreshold)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docpipe.toml")
	content := `
[server]
port = 9090

[broadcast]
ring_size = 10
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Broadcast.RingSize != 10 {
		t.Fatalf("ring size = %d, want 10", cfg.Broadcast.RingSize)
	}
	// Untouched keys keep their defaults.
	if cfg.Broadcast.QueueSize != 50 {
		t.Fatalf("queue size = %d, want 50", cfg.Broadcast.QueueSize)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("DOCPIPE_SERVER_PORT", "7070")
	t.Setenv("DOCPIPE_DATABASE_URL", "postgres://localhost/docpipe")
	t.Setenv("DOCPIPE_PIPELINE_STALE_THRESHOLD", "90s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Database.URL != "postgres://localhost/docpipe" {
		t.Fatalf("database url = %q", cfg.Database.URL)
	}
	if cfg.Pipeline.StaleThreshold != 90*time.Second {
		t.Fatalf("stale threshold = %s, want 90s", cfg.Pipeline.StaleThreshold)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load with absent file: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("port = %d, want 8080", cfg.Server.Port)
	}
}
