package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := New()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.MaxConnectionSenders != 8 {
		t.Fatalf("expected default max connection senders 8, got %d", cfg.MaxConnectionSenders)
	}
	if cfg.SmallBufferSize != 4096 {
		t.Fatalf("expected default small buffer size 4096, got %d", cfg.SmallBufferSize)
	}
	if cfg.HandshakeTimeout != 59*time.Second {
		t.Fatalf("expected default handshake timeout 59s, got %s", cfg.HandshakeTimeout)
	}
}

func TestParseFlagsOverridesDefaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := ParseFlags(fs, []string{"-listen", ":9000", "-log-level", "debug", "-max-connection-senders", "16"})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Fatalf("expected listen addr :9000, got %s", cfg.ListenAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level debug, got %s", cfg.LogLevel)
	}
	if cfg.MaxConnectionSenders != 16 {
		t.Fatalf("expected max connection senders 16, got %d", cfg.MaxConnectionSenders)
	}
}

func TestParseFlagsRejectsInvalidLogLevel(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if _, err := ParseFlags(fs, []string{"-log-level", "bogus"}); err == nil {
		t.Fatalf("expected error for invalid log level")
	}
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mesh.toml")
	contents := `
listen_addr = ":8080"
use_ssl = true
ack_wait_threshold_ms = 5000
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("expected listen addr :8080, got %s", cfg.ListenAddr)
	}
	if !cfg.UseSSL {
		t.Fatalf("expected use_ssl true")
	}
	if cfg.AckWaitThreshold != 5*time.Second {
		t.Fatalf("expected ack wait threshold 5s, got %s", cfg.AckWaitThreshold)
	}
	// untouched fields keep their defaults
	if cfg.MaxConnectionSenders != 8 {
		t.Fatalf("expected unmodified max connection senders 8, got %d", cfg.MaxConnectionSenders)
	}
}

func TestLoadFileMissingPathFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.ListenAddr != New().ListenAddr {
		t.Fatalf("expected default listen addr on missing file")
	}
}

func TestFlagsWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mesh.toml")
	if err := os.WriteFile(path, []byte(`listen_addr = ":8080"`), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := ParseFlags(fs, []string{"-config", path, "-listen", ":9999"})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Fatalf("expected flag to win over file, got %s", cfg.ListenAddr)
	}
}
