package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.URL == "" {
		t.Fatal("expected a default server URL")
	}
	if cfg.Transport.DialAttempts != 3 {
		t.Fatalf("expected 3 dial attempts, got %d", cfg.Transport.DialAttempts)
	}
	if cfg.Session.ScoreboardTTL != 5*time.Second {
		t.Fatalf("expected 5s scoreboard TTL, got %s", cfg.Session.ScoreboardTTL)
	}
}

func TestLoadFileFillsUnsetFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("server:\n  url: ws://quiz.example:9000/ws\ntransport:\n  dial_attempts: 5\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.URL != "ws://quiz.example:9000/ws" {
		t.Fatalf("unexpected URL %q", cfg.Server.URL)
	}
	if cfg.Transport.DialAttempts != 5 {
		t.Fatalf("unexpected dial attempts %d", cfg.Transport.DialAttempts)
	}
	// Fields the file leaves out keep their defaults.
	if cfg.Transport.ReconnectDelay != time.Second {
		t.Fatalf("unexpected reconnect delay %s", cfg.Transport.ReconnectDelay)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("QUIZSYNC_SERVER_URL", "ws://override.example/ws")
	t.Setenv("QUIZSYNC_RECONNECT_DELAY", "250ms")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.URL != "ws://override.example/ws" {
		t.Fatalf("env override not applied: %q", cfg.Server.URL)
	}
	if cfg.Transport.ReconnectDelay != 250*time.Millisecond {
		t.Fatalf("env duration override not applied: %s", cfg.Transport.ReconnectDelay)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
