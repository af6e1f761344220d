package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	dir := t.TempDir()

	settings, err := Load(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if settings.ListenAddr != DefaultListenAddr {
		t.Fatalf("unexpected listen addr %q", settings.ListenAddr)
	}
	if settings.EngineCommand != DefaultEngineCommand {
		t.Fatalf("unexpected engine command %q", settings.EngineCommand)
	}
	if settings.StartTimeout.Std() != DefaultStartTimeout {
		t.Fatalf("unexpected start timeout %v", settings.StartTimeout)
	}
	if settings.RegistryFile() != filepath.Join(dir, "Academy", "AcademyConfig.csv") {
		t.Fatalf("unexpected registry file %q", settings.RegistryFile())
	}
}

func TestLoadReadsFileAndNormalizes(t *testing.T) {
	dir := t.TempDir()
	academyDir := filepath.Join(dir, "Academy")
	if err := os.MkdirAll(academyDir, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	payload := []byte("listen_addr: \":7777\"\nengine_command: fake-engine\nstart_timeout: 5s\nclient_buffer: -1\n")
	if err := os.WriteFile(filepath.Join(academyDir, "academy.yaml"), payload, 0o644); err != nil {
		t.Fatalf("write settings failed: %v", err)
	}

	settings, err := Load(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if settings.ListenAddr != ":7777" {
		t.Fatalf("unexpected listen addr %q", settings.ListenAddr)
	}
	if settings.EngineCommand != "fake-engine" {
		t.Fatalf("unexpected engine command %q", settings.EngineCommand)
	}
	if settings.StartTimeout.Std() != 5*time.Second {
		t.Fatalf("unexpected start timeout %v", settings.StartTimeout)
	}
	if settings.ClientBuffer != DefaultClientBuffer {
		t.Fatalf("expected client buffer normalized, got %d", settings.ClientBuffer)
	}
}

func TestLoadEnvFallback(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BPOD_DIR", dir)

	settings, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if settings.Dir != dir {
		t.Fatalf("expected dir from env, got %q", settings.Dir)
	}
}

func TestLoadMissingDir(t *testing.T) {
	t.Setenv("BPOD_DIR", "")

	if _, err := Load(""); err != ErrDirRequired {
		t.Fatalf("expected ErrDirRequired, got %v", err)
	}
}
