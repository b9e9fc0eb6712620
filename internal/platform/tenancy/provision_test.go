package tenancy

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// stubAdmin records provisioning calls against the directory.
type stubAdmin struct {
	tenants       []DatabaseConfig
	upsertErr     error
	registerErr   error
	listErr       error
	domains       []string
	upsertAliases []string
}

func (s *stubAdmin) UpsertTenant(ctx context.Context, alias string, cfg DatabaseConfig) (*DatabaseConfig, error) {
	if s.upsertErr != nil {
		return nil, s.upsertErr
	}
	s.upsertAliases = append(s.upsertAliases, alias)
	out := cfg
	out.ID = int64(len(s.upsertAliases))
	out.Name = alias
	return &out, nil
}

func (s *stubAdmin) RegisterDomain(ctx context.Context, domain string, databaseID int64) (*Branding, error) {
	if s.registerErr != nil {
		return nil, s.registerErr
	}
	s.domains = append(s.domains, domain)
	return &Branding{ID: databaseID, DomainName: domain}, nil
}

func (s *stubAdmin) ListTenants(ctx context.Context) ([]DatabaseConfig, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.tenants, nil
}

type provisionFixture struct {
	admin    *stubAdmin
	reg      *Registry
	prov     *Provisioner
	migrated []string // db names in migration order
	steps    []string
}

func newProvisionFixture(t *testing.T) *provisionFixture {
	t.Helper()
	f := &provisionFixture{admin: &stubAdmin{}}
	f.reg = NewRegistry(func(ctx context.Context, cfg DatabaseConfig) (*pgxpool.Pool, error) {
		return fakePool(t), nil
	})
	t.Cleanup(f.reg.Close)
	directory := fakePool(t)
	t.Cleanup(directory.Close)
	router := NewRouter(f.reg, directory, "")

	migrate := func(ctx context.Context, pool *pgxpool.Pool, fake bool) (int, error) {
		f.steps = append(f.steps, "migrate")
		f.migrated = append(f.migrated, "pool")
		return 1, nil
	}
	f.prov = NewProvisioner(f.admin, f.reg, router, migrate, testLogger())
	f.prov.createAdmin = func(ctx context.Context, pool *pgxpool.Pool, in TenantInput) error {
		f.steps = append(f.steps, "admin")
		return nil
	}
	return f
}

func validInput() TenantInput {
	return TenantInput{
		Domain: "clinic.example.com",
		Database: DatabaseConfig{
			Engine: "postgres",
			DBName: "clinic_db",
			User:   "clinic_user",
			Host:   "127.0.0.1",
			Port:   5432,
		},
		AdminUsername:     "admin",
		AdminEmail:        "admin@clinic.example.com",
		AdminPasswordHash: "$2a$10$hash",
	}
}

func TestCreateTenant_Succeeds(t *testing.T) {
	f := newProvisionFixture(t)

	if err := f.prov.CreateTenant(context.Background(), validInput()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.admin.upsertAliases) != 1 || f.admin.upsertAliases[0] != "clinic_example_com" {
		t.Errorf("expected directory upsert for clinic_example_com, got %v", f.admin.upsertAliases)
	}
	if _, err := f.reg.Get("clinic_example_com"); err != nil {
		t.Errorf("expected registered pool: %v", err)
	}
	if len(f.admin.domains) != 1 || f.admin.domains[0] != "clinic.example.com" {
		t.Errorf("expected domain registration, got %v", f.admin.domains)
	}
	// Migration runs before the admin account is inserted.
	if len(f.steps) != 2 || f.steps[0] != "migrate" || f.steps[1] != "admin" {
		t.Errorf("unexpected step order %v", f.steps)
	}
}

func TestCreateTenant_ValidationFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TenantInput)
	}{
		{"missing domain", func(in *TenantInput) { in.Domain = "" }},
		{"bad engine", func(in *TenantInput) { in.Database.Engine = "mysql" }},
		{"missing db name", func(in *TenantInput) { in.Database.DBName = "" }},
		{"missing admin", func(in *TenantInput) { in.AdminUsername = "" }},
		{"missing password hash", func(in *TenantInput) { in.AdminPasswordHash = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newProvisionFixture(t)
			in := validInput()
			tt.mutate(&in)

			err := f.prov.CreateTenant(context.Background(), in)
			var stepErr *StepError
			if !errors.As(err, &stepErr) {
				t.Fatalf("expected *StepError, got %v", err)
			}
			if stepErr.Step != StepValidate {
				t.Errorf("expected step %q, got %q", StepValidate, stepErr.Step)
			}
			if len(f.admin.upsertAliases) != 0 {
				t.Error("validation failure must not touch the directory")
			}
		})
	}
}

func TestCreateTenant_StepErrorsNameTheFailedStep(t *testing.T) {
	boom := errors.New("boom")

	t.Run("directory upsert", func(t *testing.T) {
		f := newProvisionFixture(t)
		f.admin.upsertErr = boom
		err := f.prov.CreateTenant(context.Background(), validInput())
		assertStep(t, err, StepUpsertRecord, boom)
	})

	t.Run("pool registration", func(t *testing.T) {
		f := newProvisionFixture(t)
		f.reg = NewRegistry(func(ctx context.Context, cfg DatabaseConfig) (*pgxpool.Pool, error) {
			return nil, boom
		})
		f.prov.reg = f.reg
		err := f.prov.CreateTenant(context.Background(), validInput())
		assertStep(t, err, StepRegisterPool, boom)
		if len(f.steps) != 0 {
			t.Errorf("no later step may run after pool failure, got %v", f.steps)
		}
	})

	t.Run("migration", func(t *testing.T) {
		f := newProvisionFixture(t)
		f.prov.migrate = func(ctx context.Context, pool *pgxpool.Pool, fake bool) (int, error) {
			return 0, boom
		}
		err := f.prov.CreateTenant(context.Background(), validInput())
		assertStep(t, err, StepMigrate, boom)
	})

	t.Run("admin account", func(t *testing.T) {
		f := newProvisionFixture(t)
		f.prov.createAdmin = func(ctx context.Context, pool *pgxpool.Pool, in TenantInput) error {
			return boom
		}
		err := f.prov.CreateTenant(context.Background(), validInput())
		assertStep(t, err, StepCreateAdmin, boom)
		if len(f.admin.domains) != 0 {
			t.Error("domain must not be registered after admin failure")
		}
	})

	t.Run("domain registration", func(t *testing.T) {
		f := newProvisionFixture(t)
		f.admin.registerErr = boom
		err := f.prov.CreateTenant(context.Background(), validInput())
		assertStep(t, err, StepRegisterDomain, boom)
	})
}

func assertStep(t *testing.T, err error, step string, cause error) {
	t.Helper()
	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected *StepError, got %v", err)
	}
	if stepErr.Step != step {
		t.Errorf("expected step %q, got %q", step, stepErr.Step)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected wrapped cause %v in %v", cause, err)
	}
}

func TestMigrateTenants_All(t *testing.T) {
	f := newProvisionFixture(t)
	f.admin.tenants = []DatabaseConfig{
		testDBConfig("clinic_a"),
		testDBConfig("clinic_b"),
	}

	if err := f.prov.MigrateTenants(context.Background(), "", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.migrated) != 2 {
		t.Errorf("expected 2 migrations, got %d", len(f.migrated))
	}
	got := f.reg.Aliases()
	if len(got) != 2 || got[0] != "clinic_a" || got[1] != "clinic_b" {
		t.Errorf("expected both tenants registered, got %v", got)
	}
}

func TestMigrateTenants_OnlyOne(t *testing.T) {
	f := newProvisionFixture(t)
	f.admin.tenants = []DatabaseConfig{
		testDBConfig("clinic_a"),
		testDBConfig("clinic_b"),
	}

	if err := f.prov.MigrateTenants(context.Background(), "clinic_b", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.migrated) != 1 {
		t.Errorf("expected 1 migration, got %d", len(f.migrated))
	}
	got := f.reg.Aliases()
	if len(got) != 1 || got[0] != "clinic_b" {
		t.Errorf("expected only clinic_b registered, got %v", got)
	}
}

func TestMigrateTenants_UnknownAlias(t *testing.T) {
	f := newProvisionFixture(t)
	f.admin.tenants = []DatabaseConfig{testDBConfig("clinic_a")}

	err := f.prov.MigrateTenants(context.Background(), "clinic_ghost", false)
	if err == nil {
		t.Fatal("expected error for unknown tenant alias")
	}
}

func TestMigrateTenants_FakeFlagPropagates(t *testing.T) {
	f := newProvisionFixture(t)
	f.admin.tenants = []DatabaseConfig{testDBConfig("clinic_a")}

	var sawFake bool
	f.prov.migrate = func(ctx context.Context, pool *pgxpool.Pool, fake bool) (int, error) {
		sawFake = fake
		return 0, nil
	}
	if err := f.prov.MigrateTenants(context.Background(), "", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sawFake {
		t.Error("expected fake flag to reach the migration hook")
	}
}
