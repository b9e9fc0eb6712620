package tenancy

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Echo context keys set by ResolveTenant for handler convenience. The
// authoritative binding lives on the request context.
const (
	CtxTenantAlias = "tenant_alias"
	CtxBranding    = "branding"
	CtxDocService  = "docservice_config"
)

// ResolveTenant returns the per-request tenant resolution middleware.
//
// For each request it strips the port from the host header, looks the
// domain up in the directory, makes sure the registry holds a pool for the
// derived alias, and binds that alias to the request context before
// invoking the downstream handler. The binding is carried by the request's
// own context, so it is scoped to exactly this request and is gone once
// the response is produced, on every exit path including errors and
// cancellation.
//
// defaultDomain, when non-empty, is used for hosts with no branding
// record; when empty, unknown hosts fail closed with 404. Directory
// failures and pool initialization failures are 5xx, never a silent
// fallback to another tenant's pool.
func ResolveTenant(dir Directory, reg *Registry, defaultDomain string, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			host := StripPort(c.Request().Host)

			branding, err := dir.FindBrandingByDomain(ctx, host)
			if errors.Is(err, ErrTenantNotFound) && defaultDomain != "" {
				branding, err = dir.FindBrandingByDomain(ctx, defaultDomain)
			}
			if errors.Is(err, ErrTenantNotFound) {
				logger.Warn().Str("host", host).Msg("no tenant for host")
				return echo.NewHTTPError(http.StatusNotFound, "unknown tenant domain")
			}
			if err != nil {
				logger.Error().Err(err).Str("host", host).Msg("tenant directory lookup failed")
				return echo.NewHTTPError(http.StatusServiceUnavailable, "tenant directory unavailable")
			}

			conn, err := dir.FindConnection(ctx, branding)
			if err != nil {
				logger.Error().Err(err).Str("domain", branding.DomainName).Msg("tenant connection lookup failed")
				return echo.NewHTTPError(http.StatusServiceUnavailable, "tenant directory unavailable")
			}

			alias := AliasForDomain(branding.DomainName)
			if err := reg.EnsureRegistered(ctx, alias, conn.Database); err != nil {
				logger.Error().Err(err).Str("tenant", alias).Msg("tenant pool initialization failed")
				return echo.NewHTTPError(http.StatusServiceUnavailable, "tenant database unavailable")
			}

			ctx = WithTenant(ctx, alias)
			ctx = WithBranding(ctx, branding)
			ctx = WithDocService(ctx, &conn.DocService)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set(CtxTenantAlias, alias)
			c.Set(CtxBranding, branding)
			c.Set(CtxDocService, &conn.DocService)

			return next(c)
		}
	}
}
