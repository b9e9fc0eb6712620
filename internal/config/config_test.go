package config

import (
	"os"
	"testing"
)

func loadWithEnv(t *testing.T, env map[string]string) (*Config, error) {
	t.Helper()
	for k, v := range env {
		t.Setenv(k, v)
	}
	// The loader tolerates a missing .env file; run from a temp directory
	// so a developer's local file cannot leak into the test.
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
	return Load()
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := loadWithEnv(t, map[string]string{
		"DIRECTORY_DATABASE_URL": "postgres://localhost:5432/directory",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Errorf("expected development env, got %s", cfg.Env)
	}
	if cfg.DBMaxConns != 10 {
		t.Errorf("expected default max conns 10, got %d", cfg.DBMaxConns)
	}
	if cfg.DirectoryMigrationsDir != "./migrations/directory" {
		t.Errorf("unexpected directory migrations dir %s", cfg.DirectoryMigrationsDir)
	}
	if cfg.TenantMigrationsDir != "./migrations/tenant" {
		t.Errorf("unexpected tenant migrations dir %s", cfg.TenantMigrationsDir)
	}
	if cfg.FallbackTenantAlias != "" {
		t.Errorf("fallback alias must default to empty, got %q", cfg.FallbackTenantAlias)
	}
}

func TestLoad_RequiresDirectoryURL(t *testing.T) {
	if _, err := loadWithEnv(t, map[string]string{
		"DIRECTORY_DATABASE_URL": "",
	}); err == nil {
		t.Error("expected error without DIRECTORY_DATABASE_URL")
	}
}

func TestLoad_ReadsEnvironment(t *testing.T) {
	cfg, err := loadWithEnv(t, map[string]string{
		"DIRECTORY_DATABASE_URL": "postgres://db:5432/dir",
		"PORT":                   "9000",
		"ENV":                    "production",
		"DEFAULT_TENANT_DOMAIN":  "default.example.com",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "9000" {
		t.Errorf("expected port 9000, got %s", cfg.Port)
	}
	if !cfg.IsProduction() {
		t.Error("expected production mode")
	}
	if cfg.DefaultTenantDomain != "default.example.com" {
		t.Errorf("unexpected default tenant domain %s", cfg.DefaultTenantDomain)
	}
}

func TestValidate_RefusesFallbackInProduction(t *testing.T) {
	cfg := &Config{Env: "production", FallbackTenantAlias: "clinic_a"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for fallback alias in production")
	}

	cfg = &Config{Env: "development", FallbackTenantAlias: "clinic_a"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("development fallback should be allowed: %v", err)
	}

	cfg = &Config{Env: "production"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("production without fallback should validate: %v", err)
	}
}

func TestValidate_TLSFiles(t *testing.T) {
	cfg := &Config{TLSEnabled: true}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when TLS enabled without cert")
	}
	cfg = &Config{TLSEnabled: true, TLSCertFile: "cert.pem"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when TLS enabled without key")
	}
	cfg = &Config{TLSEnabled: true, TLSCertFile: "cert.pem", TLSKeyFile: "key.pem"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
