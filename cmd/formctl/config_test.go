package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/formlink/internal/config"
	"github.com/danmuck/formlink/internal/protocol/session"
	"github.com/danmuck/formlink/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "formctl.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadClientConfigTemplate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "formctl.toml")
	if err := config.WriteTemplate(path, "formctl", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := loadClientConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServiceID != "form.mgr" || cfg.ServiceAddr != "127.0.0.1:7400" || cfg.Token != "formctl" {
		t.Fatalf("unexpected identity: %+v", cfg)
	}
	if cfg.MaxRetryAttempts != 30 || cfg.RetryInterval != time.Second || cfg.CleanupDelay != 20*time.Millisecond {
		t.Fatalf("unexpected timing: %+v", cfg)
	}
	mc := cfg.managerConfig()
	if mc.Retry.InitialDelay != time.Second || mc.Retry.Multiplier != 1 {
		t.Fatalf("retry must be a fixed interval: %+v", mc.Retry)
	}
}

func TestLoadClientConfigOverridesOnlyDefinedKeys(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadClientConfig(writeConfig(t, "retry_interval = \"250ms\"\nmax_retry_attempts = 5\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := defaultClientConfig()
	if cfg.RetryInterval != 250*time.Millisecond || cfg.MaxRetryAttempts != 5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.ServiceAddr != def.ServiceAddr || cfg.CleanupDelay != def.CleanupDelay {
		t.Fatalf("undefined keys must keep defaults: %+v", cfg)
	}
}

func TestLoadClientConfigRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	if _, err := loadClientConfig(writeConfig(t, "retry_interval = \"soon\"\n")); err == nil {
		t.Fatalf("expected duration parse error")
	}
	if _, err := loadClientConfig(writeConfig(t, "max_retry_attempts = 0\n")); err == nil {
		t.Fatalf("expected attempts error")
	}
	if _, err := loadClientConfig(writeConfig(t, "security_mode = \"production\"\n")); !errors.Is(err, session.ErrTLSRequired) {
		t.Fatalf("expected tls required, got=%v", err)
	}
}
