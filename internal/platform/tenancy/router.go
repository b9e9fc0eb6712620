package tenancy

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const (
	tenantAliasKey contextKey = "tenant_alias"
	brandingKey    contextKey = "tenant_branding"
	docServiceKey  contextKey = "tenant_docservice"
)

// Ownership classifies an entity by which store its rows live in.
type Ownership int

const (
	// TenantOwned entities live in the database of the tenant bound to
	// the current request.
	TenantOwned Ownership = iota
	// DirectoryOwned entities live in the fixed administrative database
	// and are never tenant-routed.
	DirectoryOwned
)

// Migration module names used by the AllowSchemaMigration policy.
const (
	DirectoryModule = "directory"
	TenantModule    = "tenant"
)

// WithTenant binds a tenant alias to ctx. The binding lives only on the
// returned context, so its scope is exactly the logical request that
// carries it; it vanishes with the request and can never leak into a
// concurrently handled request.
func WithTenant(ctx context.Context, alias string) context.Context {
	return context.WithValue(ctx, tenantAliasKey, alias)
}

// TenantFromContext returns the alias bound to ctx, if any.
func TenantFromContext(ctx context.Context) (string, bool) {
	alias, ok := ctx.Value(tenantAliasKey).(string)
	return alias, ok && alias != ""
}

// WithBranding attaches the resolved branding record to ctx.
func WithBranding(ctx context.Context, b *Branding) context.Context {
	return context.WithValue(ctx, brandingKey, b)
}

// BrandingFromContext returns the branding record attached to ctx.
func BrandingFromContext(ctx context.Context) *Branding {
	b, _ := ctx.Value(brandingKey).(*Branding)
	return b
}

// WithDocService attaches the tenant's document service config to ctx.
func WithDocService(ctx context.Context, cfg *DocServiceConfig) context.Context {
	return context.WithValue(ctx, docServiceKey, cfg)
}

// DocServiceFromContext returns the document service config attached to ctx.
func DocServiceFromContext(ctx context.Context) *DocServiceConfig {
	cfg, _ := ctx.Value(docServiceKey).(*DocServiceConfig)
	return cfg
}

// Router answers "which physical store does this operation use?" for every
// data access during request handling. It holds the concurrency-safe
// registry and the fixed directory pool; the current tenant comes from the
// request context, never from a shared mutable field.
type Router struct {
	registry  *Registry
	directory *pgxpool.Pool

	// fallbackAlias is used when no binding is active (background jobs,
	// CLI paths). Empty means fail closed with ErrNoTenantBinding.
	fallbackAlias string
}

func NewRouter(registry *Registry, directory *pgxpool.Pool, fallbackAlias string) *Router {
	return &Router{
		registry:      registry,
		directory:     directory,
		fallbackAlias: fallbackAlias,
	}
}

// Registry exposes the router's registry for administrative tooling.
func (r *Router) Registry() *Registry { return r.registry }

// DirectoryPool returns the fixed directory pool.
func (r *Router) DirectoryPool() *pgxpool.Pool { return r.directory }

func (r *Router) resolve(ctx context.Context, own Ownership) (string, error) {
	if own == DirectoryOwned {
		return DirectoryAlias, nil
	}
	if alias, ok := TenantFromContext(ctx); ok {
		return alias, nil
	}
	if r.fallbackAlias != "" {
		return r.fallbackAlias, nil
	}
	return "", ErrNoTenantBinding
}

// ResolveForRead returns the alias reads of an entity class must target.
func (r *Router) ResolveForRead(ctx context.Context, own Ownership) (string, error) {
	return r.resolve(ctx, own)
}

// ResolveForWrite returns the alias writes of an entity class must target.
// Reads and writes follow the same policy; both are kept so callers state
// their intent and the policies can diverge later.
func (r *Router) ResolveForWrite(ctx context.Context, own Ownership) (string, error) {
	return r.resolve(ctx, own)
}

func (r *Router) pool(alias string) (*pgxpool.Pool, error) {
	if alias == DirectoryAlias {
		return r.directory, nil
	}
	return r.registry.Get(alias)
}

// PoolForRead resolves and returns the pool for a read.
func (r *Router) PoolForRead(ctx context.Context, own Ownership) (*pgxpool.Pool, error) {
	alias, err := r.ResolveForRead(ctx, own)
	if err != nil {
		return nil, err
	}
	return r.pool(alias)
}

// PoolForWrite resolves and returns the pool for a write.
func (r *Router) PoolForWrite(ctx context.Context, own Ownership) (*pgxpool.Pool, error) {
	alias, err := r.ResolveForWrite(ctx, own)
	if err != nil {
		return nil, err
	}
	return r.pool(alias)
}

// AllowCrossStoreRelation reports whether rows resolved to aliases a and b
// may reference each other. Relations are only permitted within one
// physical store.
func (r *Router) AllowCrossStoreRelation(a, b string) bool {
	return a != "" && a == b
}

// CheckRelation returns ErrCrossStoreRelation when a and b resolve to
// different stores. Invoked by repositories before any write that embeds a
// reference, so a tenant's row is never saved pointing into another
// tenant's store.
func (r *Router) CheckRelation(a, b string) error {
	if !r.AllowCrossStoreRelation(a, b) {
		return ErrCrossStoreRelation
	}
	return nil
}

// AllowSchemaMigration is the policy guard for migration tooling: the
// directory module migrates only against the directory alias, and every
// other module against any alias except the directory one.
func (r *Router) AllowSchemaMigration(alias, module string) bool {
	if module == DirectoryModule {
		return alias == DirectoryAlias
	}
	return alias != DirectoryAlias
}
