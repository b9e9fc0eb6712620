package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port                   string   `mapstructure:"PORT"`
	Env                    string   `mapstructure:"ENV"`
	DirectoryDatabaseURL   string   `mapstructure:"DIRECTORY_DATABASE_URL"`
	DBMaxConns             int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns             int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultTenantDomain    string   `mapstructure:"DEFAULT_TENANT_DOMAIN"`
	FallbackTenantAlias    string   `mapstructure:"FALLBACK_TENANT_ALIAS"`
	DirectoryMigrationsDir string   `mapstructure:"DIRECTORY_MIGRATIONS_DIR"`
	TenantMigrationsDir    string   `mapstructure:"TENANT_MIGRATIONS_DIR"`
	CORSOrigins            []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS           float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst         int      `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled             bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile            string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile             string   `mapstructure:"TLS_KEY_FILE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 0)
	v.SetDefault("DIRECTORY_MIGRATIONS_DIR", "./migrations/directory")
	v.SetDefault("TENANT_MIGRATIONS_DIR", "./migrations/tenant")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DIRECTORY_DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("DEFAULT_TENANT_DOMAIN")
	v.BindEnv("FALLBACK_TENANT_ALIAS")
	v.BindEnv("DIRECTORY_MIGRATIONS_DIR")
	v.BindEnv("TENANT_MIGRATIONS_DIR")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("TLS_ENABLED")
	v.BindEnv("TLS_CERT_FILE")
	v.BindEnv("TLS_KEY_FILE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DirectoryDatabaseURL == "" {
		return nil, fmt.Errorf("DIRECTORY_DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.FallbackTenantAlias != "" {
		log.Printf("WARNING: FALLBACK_TENANT_ALIAS=%s: out-of-request data access will silently target this tenant", cfg.FallbackTenantAlias)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. In production a
// fallback tenant alias is refused: data access outside a request binding
// must fail closed rather than silently land in one tenant's database.
func (c *Config) Validate() error {
	if c.IsProduction() && c.FallbackTenantAlias != "" {
		return fmt.Errorf(
			"FALLBACK_TENANT_ALIAS must not be set in production (got %q); "+
				"out-of-request access has to fail closed", c.FallbackTenantAlias)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
