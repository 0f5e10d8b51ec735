//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileBackend_RoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	b := newPlatformBackend()
	if err := b.SetInt("server.port", 4200); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if err := b.SetString("scheduler.interval", "30m"); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	// A fresh backend sees what the first one persisted.
	b = newPlatformBackend()
	port, ok, err := b.GetInt("server.port")
	if err != nil || !ok || port != 4200 {
		t.Errorf("GetInt = %d, %v, %v", port, ok, err)
	}
	interval, ok, err := b.GetString("scheduler.interval")
	if err != nil || !ok || interval != "30m" {
		t.Errorf("GetString = %q, %v, %v", interval, ok, err)
	}

	if err := b.Delete("server.port"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := b.GetInt("server.port"); ok {
		t.Error("deleted key still present")
	}
}

func TestFileBackend_HandEditedValues(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	path := filepath.Join(dir, "sourcesync", "config.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	content := `{"scheduler.enabled": true, "ingest.workers": "6", "ingest.chunk_size": 1.5}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	b := newPlatformBackend()
	if v, _, _ := b.GetString("scheduler.enabled"); v != "true" {
		t.Errorf("scheduler.enabled = %q, want true", v)
	}
	if v, _, err := b.GetInt("ingest.workers"); err != nil || v != 6 {
		t.Errorf("ingest.workers = %d, %v", v, err)
	}
	if _, _, err := b.GetInt("ingest.chunk_size"); err == nil {
		t.Error("expected error for fractional integer")
	}
}

func TestSecretsFile(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	if _, err := keychainGet(secretService, tokenAccount); err == nil {
		t.Fatal("expected error before any secret is stored")
	}
	if err := keychainSet(secretService, tokenAccount, "s3cret"); err != nil {
		t.Fatalf("keychainSet: %v", err)
	}
	got, err := keychainGet(secretService, tokenAccount)
	if err != nil || string(got) != "s3cret" {
		t.Fatalf("keychainGet = %q, %v", got, err)
	}

	info, err := os.Stat(secretsFilePath())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("secrets file mode = %o, want 600", perm)
	}
}
