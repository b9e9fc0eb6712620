package tenancy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOpener opens a live connection pool for one tenant's database. The
// default opener is PgxOpener; tests inject their own.
type PoolOpener func(ctx context.Context, cfg DatabaseConfig) (*pgxpool.Pool, error)

type poolEntry struct {
	pool *pgxpool.Pool
	cfg  DatabaseConfig
}

// openCall tracks one in-flight pool open so that concurrent
// EnsureRegistered calls for the same alias share a single dial.
type openCall struct {
	done chan struct{}
	err  error
}

// Registry is the process-wide mapping from tenant alias to live
// connection pool. Entries are inserted lazily the first time a tenant is
// seen and reused for the lifetime of the process; the registry owns the
// pools and closes them at shutdown. All mutation goes through an atomic
// insert-if-absent path, never a bare check-then-insert.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*poolEntry
	inflight map[string]*openCall
	open     PoolOpener
}

func NewRegistry(open PoolOpener) *Registry {
	return &Registry{
		entries:  make(map[string]*poolEntry),
		inflight: make(map[string]*openCall),
		open:     open,
	}
}

// EnsureRegistered makes sure a pool exists for alias. If one is already
// registered this is a no-op: a live pool is never replaced while requests
// may be using it. Concurrent calls for the same alias result in exactly
// one pool being opened; the losers wait for the winner and observe its
// outcome. A failed open leaves no entry behind and returns a
// *PoolInitError so the request fails closed.
func (r *Registry) EnsureRegistered(ctx context.Context, alias string, cfg DatabaseConfig) error {
	if !aliasPattern.MatchString(alias) {
		return fmt.Errorf("invalid tenant alias %q", alias)
	}
	if alias == DirectoryAlias {
		return fmt.Errorf("alias %q is reserved for the directory database", DirectoryAlias)
	}

	r.mu.Lock()
	if _, ok := r.entries[alias]; ok {
		r.mu.Unlock()
		return nil
	}
	if call, ok := r.inflight[alias]; ok {
		r.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &openCall{done: make(chan struct{})}
	r.inflight[alias] = call
	r.mu.Unlock()

	pool, err := r.open(ctx, cfg)

	r.mu.Lock()
	delete(r.inflight, alias)
	if err == nil {
		r.entries[alias] = &poolEntry{pool: pool, cfg: cfg}
	}
	r.mu.Unlock()

	if err != nil {
		call.err = &PoolInitError{Alias: alias, Err: err}
	}
	close(call.done)
	return call.err
}

// Get returns the registered pool for alias. Callers borrow the handle;
// the registry retains ownership.
func (r *Registry) Get(alias string) (*pgxpool.Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, alias)
	}
	return e.pool, nil
}

// Config returns the config snapshot the pool for alias was opened with.
func (r *Registry) Config(alias string) (DatabaseConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[alias]
	if !ok {
		return DatabaseConfig{}, fmt.Errorf("%w: %s", ErrNotRegistered, alias)
	}
	return e.cfg, nil
}

// Aliases returns every registered alias, sorted.
func (r *Registry) Aliases() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for alias := range r.entries {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// Close shuts down every pool the registry owns. Called once at process
// teardown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for alias, e := range r.entries {
		e.pool.Close()
		delete(r.entries, alias)
	}
}

// PgxOpener returns the production PoolOpener: it builds a pgx pool from a
// directory record's connection parameters and verifies connectivity with
// a ping before the pool is handed to the registry.
func PgxOpener(maxConns, minConns int32) PoolOpener {
	return func(ctx context.Context, cfg DatabaseConfig) (*pgxpool.Pool, error) {
		if cfg.Engine != "postgres" && cfg.Engine != "postgresql" {
			return nil, fmt.Errorf("unsupported db_engine %q", cfg.Engine)
		}

		pc, err := pgxpool.ParseConfig("")
		if err != nil {
			return nil, fmt.Errorf("base pool config: %w", err)
		}
		pc.ConnConfig.Host = cfg.Host
		pc.ConnConfig.Port = uint16(cfg.Port)
		pc.ConnConfig.Database = cfg.DBName
		pc.ConnConfig.User = cfg.User
		pc.ConnConfig.Password = cfg.Password
		for k, v := range cfg.Options {
			pc.ConnConfig.RuntimeParams[k] = v
		}
		if cfg.Timezone != "" {
			pc.ConnConfig.RuntimeParams["timezone"] = cfg.Timezone
		}
		pc.MaxConns = maxConns
		pc.MinConns = minConns

		pool, err := pgxpool.NewWithConfig(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("create connection pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping tenant database: %w", err)
		}
		return pool, nil
	}
}
