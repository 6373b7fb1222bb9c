package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Driver = %q, expected sqlite", cfg.Database.Driver)
	}
	if cfg.Mail.Port != 587 {
		t.Errorf("Mail.Port = %d, expected 587", cfg.Mail.Port)
	}
	if !cfg.Digest.Enabled {
		t.Error("digest should be enabled by default")
	}
}

func TestDigestSchedule(t *testing.T) {
	tests := []struct {
		time     string
		expected string
	}{
		{"18:00", "0 18 * * *"},
		{"00:05", "5 0 * * *"},
		{"7:30", "30 7 * * *"},
		{"25:00", "5 0 * * *"},
		{"garbage", "5 0 * * *"},
		{"", "5 0 * * *"},
	}

	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.Digest.Time = tt.time
		if got := cfg.DigestSchedule(); got != tt.expected {
			t.Errorf("DigestSchedule(%q) = %q, expected %q", tt.time, got, tt.expected)
		}
	}
}

func TestParseRedisURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.parseRedisURL("redis://:s3cret@cache:6380/2")

	if cfg.Redis.Addr != "cache:6380" {
		t.Errorf("Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Redis.Password != "s3cret" {
		t.Errorf("Password = %q", cfg.Redis.Password)
	}
	if cfg.Redis.DB != 2 {
		t.Errorf("DB = %d", cfg.Redis.DB)
	}
}

func TestLoad_FileKeepsDefaultsForMissingKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "server:\n  port: \"9090\"\ndigest:\n  time: \"06:15\"\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("Port = %q, expected 9090", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Driver = %q, expected default sqlite", cfg.Database.Driver)
	}
	if cfg.DigestSchedule() != "15 6 * * *" {
		t.Errorf("DigestSchedule = %q", cfg.DigestSchedule())
	}
}

func TestOverrideFromEnv(t *testing.T) {
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_PORT", "2525")
	t.Setenv("DIGEST_ENABLED", "false")

	cfg := DefaultConfig()
	cfg.overrideFromEnv()

	if !cfg.Mail.Enabled || cfg.Mail.Host != "smtp.example.com" {
		t.Errorf("mail not enabled from env: %+v", cfg.Mail)
	}
	if cfg.Mail.Port != 2525 {
		t.Errorf("Mail.Port = %d", cfg.Mail.Port)
	}
	if cfg.Digest.Enabled {
		t.Error("digest should be disabled from env")
	}
}
