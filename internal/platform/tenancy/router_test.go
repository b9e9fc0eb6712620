package tenancy

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

func newTestRouter(t *testing.T, fallback string, aliases ...string) (*Router, map[string]*pgxpool.Pool) {
	t.Helper()
	pools := make(map[string]*pgxpool.Pool)
	reg := NewRegistry(func(ctx context.Context, cfg DatabaseConfig) (*pgxpool.Pool, error) {
		return fakePool(t), nil
	})
	t.Cleanup(reg.Close)
	for _, alias := range aliases {
		if err := reg.EnsureRegistered(context.Background(), alias, testDBConfig(alias)); err != nil {
			t.Fatalf("register %s: %v", alias, err)
		}
		pool, err := reg.Get(alias)
		if err != nil {
			t.Fatalf("get %s: %v", alias, err)
		}
		pools[alias] = pool
	}
	directory := fakePool(t)
	t.Cleanup(directory.Close)
	pools[DirectoryAlias] = directory
	return NewRouter(reg, directory, fallback), pools
}

func TestRouter_ResolvesBoundTenant(t *testing.T) {
	router, pools := newTestRouter(t, "", "clinic_a", "clinic_b")

	ctx := WithTenant(context.Background(), "clinic_a")
	alias, err := router.ResolveForRead(ctx, TenantOwned)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if alias != "clinic_a" {
		t.Errorf("expected clinic_a, got %q", alias)
	}

	pool, err := router.PoolForWrite(ctx, TenantOwned)
	if err != nil {
		t.Fatalf("pool for write: %v", err)
	}
	if pool != pools["clinic_a"] {
		t.Error("write pool does not match the bound tenant's pool")
	}
}

func TestRouter_DirectoryOwnedIgnoresBinding(t *testing.T) {
	router, pools := newTestRouter(t, "", "clinic_a")

	ctx := WithTenant(context.Background(), "clinic_a")
	alias, err := router.ResolveForRead(ctx, DirectoryOwned)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if alias != DirectoryAlias {
		t.Errorf("expected directory alias, got %q", alias)
	}

	pool, err := router.PoolForRead(ctx, DirectoryOwned)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if pool != pools[DirectoryAlias] {
		t.Error("directory-owned read did not use the directory pool")
	}
}

func TestRouter_NoBindingFailsClosed(t *testing.T) {
	router, _ := newTestRouter(t, "", "clinic_a")

	if _, err := router.ResolveForRead(context.Background(), TenantOwned); !errors.Is(err, ErrNoTenantBinding) {
		t.Errorf("expected ErrNoTenantBinding, got %v", err)
	}
	if _, err := router.PoolForWrite(context.Background(), TenantOwned); !errors.Is(err, ErrNoTenantBinding) {
		t.Errorf("expected ErrNoTenantBinding from pool resolution, got %v", err)
	}
}

func TestRouter_FallbackAliasUsedWithoutBinding(t *testing.T) {
	router, _ := newTestRouter(t, "clinic_default", "clinic_default")

	alias, err := router.ResolveForWrite(context.Background(), TenantOwned)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if alias != "clinic_default" {
		t.Errorf("expected fallback alias, got %q", alias)
	}

	// An explicit binding still wins over the fallback.
	ctx := WithTenant(context.Background(), "clinic_default")
	alias, err = router.ResolveForWrite(ctx, TenantOwned)
	if err != nil {
		t.Fatalf("resolve with binding: %v", err)
	}
	if alias != "clinic_default" {
		t.Errorf("expected bound alias, got %q", alias)
	}
}

func TestRouter_UnregisteredAliasFails(t *testing.T) {
	router, _ := newTestRouter(t, "", "clinic_a")

	ctx := WithTenant(context.Background(), "clinic_ghost")
	if _, err := router.PoolForRead(ctx, TenantOwned); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
}

func TestRouter_ConcurrentBindingsAreIsolated(t *testing.T) {
	router, pools := newTestRouter(t, "", "clinic_a", "clinic_b")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		alias := "clinic_a"
		if i%2 == 1 {
			alias = "clinic_b"
		}
		wg.Add(1)
		go func(alias string) {
			defer wg.Done()
			ctx := WithTenant(context.Background(), alias)
			for j := 0; j < 100; j++ {
				pool, err := router.PoolForRead(ctx, TenantOwned)
				if err != nil {
					t.Errorf("resolve %s: %v", alias, err)
					return
				}
				if pool != pools[alias] {
					t.Errorf("binding for %s resolved another tenant's pool", alias)
					return
				}
			}
		}(alias)
	}
	wg.Wait()
}

func TestRouter_CrossStoreRelations(t *testing.T) {
	router, _ := newTestRouter(t, "")

	tests := []struct {
		a, b  string
		allow bool
	}{
		{"clinic_a", "clinic_a", true},
		{"clinic_a", "clinic_b", false},
		{DirectoryAlias, DirectoryAlias, true},
		{"clinic_a", DirectoryAlias, false},
		{"", "", false},
		{"", "clinic_a", false},
	}
	for _, tt := range tests {
		if got := router.AllowCrossStoreRelation(tt.a, tt.b); got != tt.allow {
			t.Errorf("AllowCrossStoreRelation(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.allow)
		}
	}

	if err := router.CheckRelation("clinic_a", "clinic_b"); !errors.Is(err, ErrCrossStoreRelation) {
		t.Errorf("expected ErrCrossStoreRelation, got %v", err)
	}
	if err := router.CheckRelation("clinic_a", "clinic_a"); err != nil {
		t.Errorf("same-store relation rejected: %v", err)
	}
}

func TestRouter_SchemaMigrationPolicy(t *testing.T) {
	router, _ := newTestRouter(t, "")

	tests := []struct {
		alias  string
		module string
		allow  bool
	}{
		{DirectoryAlias, DirectoryModule, true},
		{"clinic_a", DirectoryModule, false},
		{"clinic_a", TenantModule, true},
		{DirectoryAlias, TenantModule, false},
	}
	for _, tt := range tests {
		if got := router.AllowSchemaMigration(tt.alias, tt.module); got != tt.allow {
			t.Errorf("AllowSchemaMigration(%q, %q) = %v, want %v", tt.alias, tt.module, got, tt.allow)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()

	if _, ok := TenantFromContext(ctx); ok {
		t.Error("expected no tenant on empty context")
	}
	if BrandingFromContext(ctx) != nil {
		t.Error("expected no branding on empty context")
	}
	if DocServiceFromContext(ctx) != nil {
		t.Error("expected no docservice config on empty context")
	}

	b := &Branding{DomainName: "clinic.example.com"}
	ds := &DocServiceConfig{JWTSecret: "s"}
	ctx = WithTenant(ctx, "clinic_example_com")
	ctx = WithBranding(ctx, b)
	ctx = WithDocService(ctx, ds)

	if alias, ok := TenantFromContext(ctx); !ok || alias != "clinic_example_com" {
		t.Errorf("TenantFromContext = %q, %v", alias, ok)
	}
	if got := BrandingFromContext(ctx); got != b {
		t.Error("BrandingFromContext did not round-trip")
	}
	if got := DocServiceFromContext(ctx); got != ds {
		t.Error("DocServiceFromContext did not round-trip")
	}

	// An empty alias does not count as a binding.
	if _, ok := TenantFromContext(WithTenant(context.Background(), "")); ok {
		t.Error("empty alias must not register as a binding")
	}
}
