package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, addr string) {
	t.Helper()
	content := "[server]\naddr = \"" + addr + "\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoaderLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfig(t, path, "127.0.0.1:9100")

	l := NewLoader(path)
	defer l.Close()

	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9100" {
		t.Errorf("addr = %s", cfg.Server.Addr)
	}
	if l.Config() != cfg {
		t.Error("Config() must return the loaded config")
	}
}

func TestLoaderHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfig(t, path, "127.0.0.1:9100")

	l := NewLoader(path)
	defer l.Close()

	if _, err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	changed := make(chan *Config, 1)
	l.OnChange(func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})

	if err := l.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writeConfig(t, path, "127.0.0.1:9200")

	select {
	case cfg := <-changed:
		if cfg.Server.Addr != "127.0.0.1:9200" {
			t.Errorf("reloaded addr = %s", cfg.Server.Addr)
		}
		if l.Config().Server.Addr != "127.0.0.1:9200" {
			t.Error("Config() must reflect the reload")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestLoaderRejectsInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfig(t, path, "127.0.0.1:9100")

	l := NewLoader(path)
	defer l.Close()

	if _, err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := l.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writeConfig(t, path, "not-an-address")

	select {
	case err := <-l.Errors():
		if err == nil {
			t.Fatal("expected a validation error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload error")
	}

	// The previous configuration stays active.
	if l.Config().Server.Addr != "127.0.0.1:9100" {
		t.Errorf("addr = %s, old config must survive a bad reload", l.Config().Server.Addr)
	}
}
