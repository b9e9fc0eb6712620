package tenancy

import (
	"errors"
	"fmt"
)

var (
	// ErrTenantNotFound indicates that no branding record matches the
	// requested domain.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrNotRegistered indicates a lookup for an alias that has no pool
	// in the registry.
	ErrNotRegistered = errors.New("tenant alias not registered")

	// ErrNoTenantBinding indicates that data access was attempted outside
	// any request binding and no fallback alias is configured.
	ErrNoTenantBinding = errors.New("no tenant binding in context")

	// ErrCrossStoreRelation indicates an operation that would relate rows
	// living in two different tenant stores.
	ErrCrossStoreRelation = errors.New("cross-store relation rejected")
)

// DirectoryError wraps a failure talking to the directory database. It is
// distinct from ErrTenantNotFound: the directory answered "no such tenant"
// versus the directory could not be reached at all.
type DirectoryError struct {
	Op  string
	Err error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("tenant directory: %s: %v", e.Op, e.Err)
}

func (e *DirectoryError) Unwrap() error { return e.Err }

// PoolInitError wraps a failure opening the connection pool for a known
// tenant (bad credentials, unreachable host). The registry is left without
// an entry for the alias so a later request can retry.
type PoolInitError struct {
	Alias string
	Err   error
}

func (e *PoolInitError) Error() string {
	return fmt.Sprintf("pool initialization failed for tenant %q: %v", e.Alias, e.Err)
}

func (e *PoolInitError) Unwrap() error { return e.Err }

// StepError reports which provisioning step failed. Earlier steps are not
// rolled back; the operator re-runs or cleans up manually.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("provisioning step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
