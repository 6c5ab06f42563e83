package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "env: development\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FileStore.Retries != 5 {
		t.Errorf("retries = %d, want 5", cfg.FileStore.Retries)
	}
	if cfg.FileStore.ConnectTimeout().Seconds() != 5 {
		t.Errorf("connect timeout = %v, want 5s", cfg.FileStore.ConnectTimeout())
	}
	if cfg.Scheduler.Queue != "rpm_worker_observer" {
		t.Errorf("queue = %q", cfg.Scheduler.Queue)
	}
	if cfg.Live.Lines != 100 {
		t.Errorf("live lines = %d, want 100", cfg.Live.Lines)
	}
	if cfg.WorkDir != "./work" {
		t.Errorf("work_dir = %q", cfg.WorkDir)
	}
	if cfg.IsProduction() {
		t.Error("development config reported as production")
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
env: production
abf_url: https://abf.example.org
output_folder: /tmp/results
file_store:
  backend: s3
  token: secret
  s3:
    bucket: artifacts
scheduler:
  backend: amqp
  amqp:
    exchange: feedback
live:
  backend: none
inspector:
  max_silence_seconds: 120
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.IsProduction() {
		t.Error("expected production")
	}
	if cfg.ABFURL != "https://abf.example.org" {
		t.Errorf("abf_url = %q", cfg.ABFURL)
	}
	if cfg.FileStore.Backend != "s3" || cfg.FileStore.S3.Bucket != "artifacts" {
		t.Errorf("file store = %+v", cfg.FileStore)
	}
	if cfg.Scheduler.AMQP.Exchange != "feedback" {
		t.Errorf("exchange = %q", cfg.Scheduler.AMQP.Exchange)
	}
	if cfg.Inspector.MaxSilence().Seconds() != 120 {
		t.Errorf("max silence = %v", cfg.Inspector.MaxSilence())
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("WORKER_FILE_STORE_TOKEN", "from-env")
	cfg, err := Load(writeConfig(t, "file_store:\n  token: from-file\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FileStore.Token != "from-env" {
		t.Errorf("token = %q, want from-env", cfg.FileStore.Token)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	if _, err := Load(writeConfig(t, "scheduler:\n  backend: kafka\n")); err == nil {
		t.Fatal("expected error for unsupported scheduler backend")
	}
}
