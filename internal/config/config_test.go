package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Database.Port != 5432 || cfg.Database.SSLMode != "disable" {
		t.Errorf("unexpected database defaults: %+v", cfg.Database)
	}
	if cfg.Reaper.Schedule != "@every 5m" {
		t.Errorf("unexpected reaper schedule %q", cfg.Reaper.Schedule)
	}
	if cfg.Reaper.Enabled == nil || !*cfg.Reaper.Enabled {
		t.Error("expected reaper enabled by default")
	}
	if cfg.Auth.Issuer != "accessdesk" {
		t.Errorf("unexpected issuer %q", cfg.Auth.Issuer)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "s3cret")

	raw := `
server:
  port: 9090
database:
  host: db.internal
  password: ${TEST_DB_PASSWORD}
reaper:
  enabled: false
resolver:
  bucket_accounts:
    shared-data: "222222222222"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Database.Password != "s3cret" {
		t.Errorf("environment not expanded: %q", cfg.Database.Password)
	}
	if cfg.Database.Host != "db.internal" {
		t.Errorf("unexpected host %q", cfg.Database.Host)
	}
	if cfg.Reaper.Enabled == nil || *cfg.Reaper.Enabled {
		t.Error("expected reaper disabled")
	}
	if got := cfg.Resolver.BucketAccounts["shared-data"]; got != "222222222222" {
		t.Errorf("unexpected bucket account %q", got)
	}

	// Unset fields still pick up defaults.
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("expected default write timeout, got %s", cfg.Server.WriteTimeout)
	}
}

func TestDSN(t *testing.T) {
	c := DatabaseConfig{
		Host: "localhost", Port: 5432, User: "accessdesk",
		Password: "pw", Database: "accessdesk", SSLMode: "disable",
	}
	want := "host=localhost port=5432 user=accessdesk password=pw dbname=accessdesk sslmode=disable"
	if got := c.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
