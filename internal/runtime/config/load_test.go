package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DUALRUN_MODE", "single_run")
	t.Setenv("DUALRUN_SAMPLING_PERCENT", "12.5")
	t.Setenv("DUALRUN_ALLOW_LIST", "orders, /users/*")
	t.Setenv("DUALRUN_SECONDARY_TIMEOUT", "750ms")
	t.Setenv("DUALRUN_SECONDARY_WORKERS", "8")
	t.Setenv("DUALRUN_METRICS_ENABLED", "true")

	c, err := LoadFromEnv(EnvPrefix)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if c.Mode != ModeSingleRun {
		t.Fatalf("expected SINGLE_RUN, got %q", c.Mode)
	}
	if c.SamplingPercent != 12.5 {
		t.Fatalf("expected sampling 12.5, got %v", c.SamplingPercent)
	}
	if len(c.AllowList) != 2 || c.AllowList[0] != "orders" || c.AllowList[1] != "/users/*" {
		t.Fatalf("unexpected allow list %#v", c.AllowList)
	}
	if c.SecondaryTimeout != 750*time.Millisecond {
		t.Fatalf("unexpected secondary timeout %v", c.SecondaryTimeout)
	}
	if c.SecondaryWorkers != 8 || !c.MetricsEnabled {
		t.Fatalf("unexpected snapshot %+v", c)
	}
	if c.EventBusCapacity != DefaultEventBusCapacity {
		t.Fatalf("expected defaults to be applied, got %d", c.EventBusCapacity)
	}
}

func TestLoadFromEnvRejectsInvalid(t *testing.T) {
	t.Setenv("DUALRUN_SAMPLING_PERCENT", "250")
	if _, err := LoadFromEnv(EnvPrefix); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadReadsDotenv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("DUALRUN_TEST_DOTENV_PRIMARY_URL=http://primary:8080\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("DUALRUN_TEST_DOTENV_PRIMARY_URL") })

	if _, err := Load(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := os.Getenv("DUALRUN_TEST_DOTENV_PRIMARY_URL"); got != "http://primary:8080" {
		t.Fatalf("expected dotenv variable to be loaded, got %q", got)
	}
}

func TestLoadIgnoresMissingDotenv(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("expected missing dotenv file to be ignored, got %v", err)
	}
}
