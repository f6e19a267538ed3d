package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foxzi/sendgate/internal/config"
)

func TestGenerateRandomString(t *testing.T) {
	lengths := []int{8, 16, 32, 64}

	for _, length := range lengths {
		result := generateRandomString(length)
		if len(result) != length {
			t.Errorf("generateRandomString(%d) returned string of length %d", length, len(result))
		}
	}

	s1 := generateRandomString(32)
	s2 := generateRandomString(32)
	if s1 == s2 {
		t.Error("generateRandomString should generate unique strings")
	}
}

func resetInitFlags() {
	initHostname = "gate.example.com"
	initAPIKey = "testapikey"
	initAdminEmail = ""
	initDataDir = "/var/lib/sendgate"
	initBackend = "bolt"
	initDSN = ""
	initRedisURL = ""
}

// loadGenerated writes the generated config and loads it back
func loadGenerated(t *testing.T, data string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("generated config does not load: %v\n%s", err, data)
	}
	return cfg
}

func TestGenerateConfig(t *testing.T) {
	resetInitFlags()

	data := generateConfig("")

	checks := []string{
		`hostname: "gate.example.com"`,
		`api_key: "testapikey"`,
		`path: "/var/lib/sendgate/sendgate.db"`,
		`backend: memory`,
	}
	for _, check := range checks {
		if !strings.Contains(data, check) {
			t.Errorf("Generated config missing: %s", check)
		}
	}

	cfg := loadGenerated(t, data)
	if cfg.Storage.Backend != "bolt" {
		t.Errorf("Storage.Backend = %q, want bolt", cfg.Storage.Backend)
	}
	if cfg.Quota == nil || cfg.Quota.DefaultDomain == nil || cfg.Quota.DefaultDomain.MessagesPerDay != 10000 {
		t.Errorf("unexpected quota config %+v", cfg.Quota)
	}
	if len(cfg.Auth.Users) != 0 {
		t.Errorf("Users = %v, want none", cfg.Auth.Users)
	}
}

func TestGenerateConfigWithAdmin(t *testing.T) {
	resetInitFlags()
	initAdminEmail = "admin@example.com"

	cfg := loadGenerated(t, generateConfig("$2a$10$abcdefghijklmnopqrstuv"))
	if len(cfg.Auth.Users) != 1 {
		t.Fatalf("Users = %v, want one", cfg.Auth.Users)
	}
	if cfg.Auth.Users[0].Email != "admin@example.com" {
		t.Errorf("Email = %q", cfg.Auth.Users[0].Email)
	}
}

func TestGenerateConfigSharedState(t *testing.T) {
	resetInitFlags()
	initBackend = "postgres"
	initDSN = "postgres://sendgate@db/sendgate?sslmode=disable"
	initRedisURL = "redis://cache:6379/0"

	cfg := loadGenerated(t, generateConfig(""))
	if cfg.Storage.Backend != "postgres" || cfg.Storage.DSN != initDSN {
		t.Errorf("unexpected storage %+v", cfg.Storage)
	}
	if cfg.RateLimit.Backend != "redis" || cfg.RateLimit.RedisURL != initRedisURL {
		t.Errorf("unexpected rate limit %+v", cfg.RateLimit)
	}
}
