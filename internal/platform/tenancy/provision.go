package tenancy

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Provisioning step names reported through StepError.
const (
	StepValidate       = "validate"
	StepUpsertRecord   = "upsert directory record"
	StepRegisterPool   = "register pool"
	StepMigrate        = "migrate tenant schema"
	StepCreateAdmin    = "create admin account"
	StepRegisterDomain = "register domain"
)

// TenantInput collects the fields needed to onboard one tenant.
type TenantInput struct {
	Domain   string
	Database DatabaseConfig

	AdminUsername     string
	AdminEmail        string
	AdminPasswordHash string
}

// MigrateFunc applies schema migrations against one database pool and
// returns how many ran. fake marks them applied without executing.
type MigrateFunc func(ctx context.Context, pool *pgxpool.Pool, fake bool) (int, error)

// Provisioner drives the operator-facing tenant onboarding workflow:
// directory record, pool registration, schema migration, initial admin
// account, then domain registration, strictly in that order and stopping at the
// first failure. Nothing is rolled back automatically; this is an
// infrequent, human-supervised operation.
type Provisioner struct {
	dir     DirectoryAdmin
	reg     *Registry
	router  *Router
	migrate MigrateFunc
	logger  zerolog.Logger

	// createAdmin is swappable for tests; the default inserts into the
	// tenant's system_user table.
	createAdmin func(ctx context.Context, pool *pgxpool.Pool, in TenantInput) error
}

func NewProvisioner(dir DirectoryAdmin, reg *Registry, router *Router, migrate MigrateFunc, logger zerolog.Logger) *Provisioner {
	p := &Provisioner{
		dir:     dir,
		reg:     reg,
		router:  router,
		migrate: migrate,
		logger:  logger,
	}
	p.createAdmin = p.insertAdminAccount
	return p
}

// CreateTenant runs the full onboarding workflow for in. On failure the
// returned error is a *StepError naming the step that failed.
func (p *Provisioner) CreateTenant(ctx context.Context, in TenantInput) error {
	alias := AliasForDomain(in.Domain)

	if err := p.validate(alias, in); err != nil {
		return &StepError{Step: StepValidate, Err: err}
	}

	cfg, err := p.dir.UpsertTenant(ctx, alias, in.Database)
	if err != nil {
		return &StepError{Step: StepUpsertRecord, Err: err}
	}
	p.logger.Info().Str("tenant", alias).Msg("directory record upserted")

	if err := p.reg.EnsureRegistered(ctx, alias, *cfg); err != nil {
		return &StepError{Step: StepRegisterPool, Err: err}
	}
	pool, err := p.reg.Get(alias)
	if err != nil {
		return &StepError{Step: StepRegisterPool, Err: err}
	}
	p.logger.Info().Str("tenant", alias).Msg("connection pool registered")

	if !p.router.AllowSchemaMigration(alias, TenantModule) {
		return &StepError{Step: StepMigrate, Err: fmt.Errorf("schema migration not allowed against alias %q", alias)}
	}
	count, err := p.migrate(ctx, pool, false)
	if err != nil {
		return &StepError{Step: StepMigrate, Err: err}
	}
	p.logger.Info().Str("tenant", alias).Int("applied", count).Msg("tenant schema migrated")

	if err := p.createAdmin(ctx, pool, in); err != nil {
		return &StepError{Step: StepCreateAdmin, Err: err}
	}
	p.logger.Info().Str("tenant", alias).Str("username", in.AdminUsername).Msg("admin account created")

	if _, err := p.dir.RegisterDomain(ctx, in.Domain, cfg.ID); err != nil {
		return &StepError{Step: StepRegisterDomain, Err: err}
	}
	p.logger.Info().Str("tenant", alias).Str("domain", in.Domain).Msg("domain registered")

	return nil
}

func (p *Provisioner) validate(alias string, in TenantInput) error {
	if in.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if !aliasPattern.MatchString(alias) {
		return fmt.Errorf("domain %q yields invalid alias %q", in.Domain, alias)
	}
	if alias == DirectoryAlias {
		return fmt.Errorf("alias %q is reserved", DirectoryAlias)
	}
	if in.Database.Engine != "postgres" && in.Database.Engine != "postgresql" {
		return fmt.Errorf("unsupported db_engine %q", in.Database.Engine)
	}
	if in.Database.DBName == "" || in.Database.User == "" || in.Database.Host == "" {
		return fmt.Errorf("db_name, db_user and db_host are required")
	}
	if in.AdminUsername == "" || in.AdminPasswordHash == "" {
		return fmt.Errorf("admin username and password hash are required")
	}
	return nil
}

func (p *Provisioner) insertAdminAccount(ctx context.Context, pool *pgxpool.Pool, in TenantInput) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO system_user (username, email, password_hash, role, active)
		VALUES ($1, $2, $3, 'admin', TRUE)
		ON CONFLICT (username) DO UPDATE SET
			email = EXCLUDED.email,
			password_hash = EXCLUDED.password_hash`,
		in.AdminUsername, in.AdminEmail, in.AdminPasswordHash,
	)
	return err
}

// MigrateTenants applies schema migrations to every registered tenant
// database, or just the one named by only. Each tenant's pool is
// registered on demand from its directory record, mirroring the request
// path. fake marks migrations applied without executing them. The
// directory database is never touched here; its migrations run through
// the directory module path.
func (p *Provisioner) MigrateTenants(ctx context.Context, only string, fake bool) error {
	tenants, err := p.dir.ListTenants(ctx)
	if err != nil {
		return err
	}
	if only != "" {
		var match []DatabaseConfig
		for _, cfg := range tenants {
			if cfg.Name == only {
				match = append(match, cfg)
			}
		}
		if len(match) == 0 {
			return fmt.Errorf("no tenant named %q found", only)
		}
		tenants = match
	}

	for _, cfg := range tenants {
		alias := cfg.Name
		if !p.router.AllowSchemaMigration(alias, TenantModule) {
			return fmt.Errorf("schema migration not allowed against alias %q", alias)
		}
		if err := p.reg.EnsureRegistered(ctx, alias, cfg); err != nil {
			return fmt.Errorf("tenant %s: %w", alias, err)
		}
		pool, err := p.reg.Get(alias)
		if err != nil {
			return fmt.Errorf("tenant %s: %w", alias, err)
		}
		count, err := p.migrate(ctx, pool, fake)
		if err != nil {
			return fmt.Errorf("migrate tenant %s: %w", alias, err)
		}
		p.logger.Info().Str("tenant", alias).Int("applied", count).Bool("fake", fake).Msg("tenant migrated")
	}
	return nil
}
