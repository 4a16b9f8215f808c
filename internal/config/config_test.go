package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CheckIn.OpensBeforeMinutes != defaultOpensBeforeMinutes {
		t.Fatalf("opens before = %d, want %d", cfg.CheckIn.OpensBeforeMinutes, defaultOpensBeforeMinutes)
	}
	if cfg.SafetyCode.Alphabet != DefaultAlphabet {
		t.Fatalf("alphabet = %q", cfg.SafetyCode.Alphabet)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 perms, got %v", info.Mode().Perm())
	}
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := strings.Join([]string{
		"timezone: America/Sao_Paulo",
		"storage_timeout: 2s",
		"checkin:",
		"  opens_before_minutes: 45",
		"  closes_after_minutes: -5",
		"safety_code:",
		"  length: 8",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Timezone != "America/Sao_Paulo" {
		t.Fatalf("timezone = %q", cfg.Timezone)
	}
	if cfg.StorageTimeout != 2*time.Second {
		t.Fatalf("storage timeout = %v", cfg.StorageTimeout)
	}
	if cfg.CheckIn.OpensBefore() != 45*time.Minute {
		t.Fatalf("opens before = %v", cfg.CheckIn.OpensBefore())
	}
	if cfg.CheckIn.ClosesAfterMinutes != 0 {
		t.Fatalf("negative closes_after should clamp to 0, got %d", cfg.CheckIn.ClosesAfterMinutes)
	}
	if cfg.SafetyCode.Length != 8 || cfg.SafetyCode.HashCost != defaultCodeHashCost {
		t.Fatalf("unexpected safety code config %+v", cfg.SafetyCode)
	}
	if cfg.MinorAge != defaultMinorAge || cfg.Scheduler.HorizonDays != defaultHorizonDays {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("minor_age: 18\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ROLLCALL_MINOR_AGE", "21")
	t.Setenv("ROLLCALL_CHECKIN_OPENS_BEFORE_MINUTES", "10")
	t.Setenv("ROLLCALL_SAFETY_CODE_CASE_SENSITIVE", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MinorAge != 21 {
		t.Fatalf("minor age = %d, want 21", cfg.MinorAge)
	}
	if cfg.CheckIn.OpensBeforeMinutes != 10 {
		t.Fatalf("opens before = %d, want 10", cfg.CheckIn.OpensBeforeMinutes)
	}
	if !cfg.SafetyCode.CaseSensitive {
		t.Fatal("expected case sensitive override")
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen: 127.0.0.1:9000\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ROLLCALL_MINOR_AGE", "not-an-int")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.BasicAuth = &BasicAuthConfig{Username: "staff", Password: "secret"}
	cfg.StorageTimeout = 3 * time.Second

	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if back.BasicAuth == nil || back.BasicAuth.Username != "staff" {
		t.Fatalf("basic auth lost: %+v", back.BasicAuth)
	}
	if back.StorageTimeout != 3*time.Second {
		t.Fatalf("storage timeout = %v", back.StorageTimeout)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg.Timezone = "Mars/Olympus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected bad timezone error")
	}
	cfg = DefaultConfig()
	cfg.SafetyCode.Length = 3
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected short code error")
	}
}

func TestEmptyPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected empty path error")
	}
	if err := Save("", DefaultConfig()); err == nil {
		t.Fatal("expected empty path error")
	}
}
