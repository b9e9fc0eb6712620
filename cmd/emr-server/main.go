package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/medrec/emr/internal/config"
	"github.com/medrec/emr/internal/domain/documents"
	"github.com/medrec/emr/internal/domain/labs"
	"github.com/medrec/emr/internal/domain/patients"
	"github.com/medrec/emr/internal/platform/db"
	"github.com/medrec/emr/internal/platform/middleware"
	"github.com/medrec/emr/internal/platform/tenancy"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "emr-server",
		Short: "Multi-tenant EMR API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the EMR API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// openDirectory loads config and connects the fixed directory pool, the
// shared setup for every subcommand.
func openDirectory(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DirectoryDatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connect directory database: %w", err)
	}
	return cfg, pool, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run directory database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending directory migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, pool, err := openDirectory(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			router := tenancy.NewRouter(nil, pool, cfg.FallbackTenantAlias)
			if !router.AllowSchemaMigration(tenancy.DirectoryAlias, tenancy.DirectoryModule) {
				return fmt.Errorf("directory migrations refused")
			}

			migrator := db.NewMigrator(pool, cfg.DirectoryMigrationsDir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) to the directory database.\n", count)
			return nil
		},
	}
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show directory migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, pool, err := openDirectory(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, cfg.DirectoryMigrationsDir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}
	cmd.AddCommand(tenantAddCmd())
	cmd.AddCommand(tenantMigrateCmd())
	cmd.AddCommand(tenantListCmd())
	return cmd
}

// prompt reads one line from in, returning def when the operator just
// presses enter.
func prompt(in *bufio.Reader, label, def string) (string, error) {
	if def != "" {
		fmt.Printf("%s [%s]: ", label, def)
	} else {
		fmt.Printf("%s: ", label)
	}
	line, err := in.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}

func promptPassword(label string) (string, error) {
	fmt.Printf("%s: ", label)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func tenantAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add",
		Short: "Interactively onboard a new tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			logger := newLogger()

			cfg, pool, err := openDirectory(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			in := bufio.NewReader(os.Stdin)
			domain, err := prompt(in, "Tenant domain (e.g. clinic.example.com)", "")
			if err != nil {
				return err
			}
			if domain == "" {
				return fmt.Errorf("domain is required")
			}
			alias := tenancy.AliasForDomain(domain)
			fmt.Printf("Derived alias: %s\n", alias)

			dbName, err := prompt(in, "Database name", alias+"_db")
			if err != nil {
				return err
			}
			dbUser, err := prompt(in, "Database user", alias+"_user")
			if err != nil {
				return err
			}
			dbPassword, err := promptPassword("Database password")
			if err != nil {
				return err
			}
			dbHost, err := prompt(in, "Database host", "127.0.0.1")
			if err != nil {
				return err
			}
			dbPortStr, err := prompt(in, "Database port", "5432")
			if err != nil {
				return err
			}
			dbPort, err := strconv.Atoi(dbPortStr)
			if err != nil {
				return fmt.Errorf("invalid port %q", dbPortStr)
			}
			timezone, err := prompt(in, "Database timezone", "UTC")
			if err != nil {
				return err
			}

			adminUser, err := prompt(in, "Admin username", "admin")
			if err != nil {
				return err
			}
			adminEmail, err := prompt(in, "Admin email", "admin@"+domain)
			if err != nil {
				return err
			}
			adminPassword, err := promptPassword("Admin password")
			if err != nil {
				return err
			}
			if adminPassword == "" {
				return fmt.Errorf("admin password is required")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash admin password: %w", err)
			}

			dirStore := tenancy.NewDirectoryStore(pool)
			registry := tenancy.NewRegistry(tenancy.PgxOpener(cfg.DBMaxConns, cfg.DBMinConns))
			defer registry.Close()
			router := tenancy.NewRouter(registry, pool, cfg.FallbackTenantAlias)

			prov := tenancy.NewProvisioner(dirStore, registry, router, tenantMigrateFunc(cfg), logger)
			err = prov.CreateTenant(ctx, tenancy.TenantInput{
				Domain: domain,
				Database: tenancy.DatabaseConfig{
					Engine:   "postgres",
					DBName:   dbName,
					User:     dbUser,
					Password: dbPassword,
					Host:     dbHost,
					Port:     dbPort,
					Timezone: timezone,
				},
				AdminUsername:     adminUser,
				AdminEmail:        adminEmail,
				AdminPasswordHash: string(hash),
			})
			if err != nil {
				return fmt.Errorf("tenant onboarding failed: %w", err)
			}
			fmt.Printf("Tenant %s (%s) onboarded successfully.\n", alias, domain)
			return nil
		},
	}
}

// tenantMigrateFunc adapts the file-based migrator to the provisioner's
// per-pool migration hook.
func tenantMigrateFunc(cfg *config.Config) tenancy.MigrateFunc {
	return func(ctx context.Context, pool *pgxpool.Pool, fake bool) (int, error) {
		migrator := db.NewMigrator(pool, cfg.TenantMigrationsDir)
		if fake {
			return migrator.UpFake(ctx)
		}
		return migrator.Up(ctx)
	}
}

func tenantMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations to tenant databases",
		RunE: func(cmd *cobra.Command, args []string) error {
			only, _ := cmd.Flags().GetString("tenant")
			fake, _ := cmd.Flags().GetBool("fake")

			ctx := context.Background()
			logger := newLogger()

			cfg, pool, err := openDirectory(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			// The directory schema moves first so tenant listing sees the
			// current layout.
			dirMigrator := db.NewMigrator(pool, cfg.DirectoryMigrationsDir)
			if _, err := dirMigrator.Up(ctx); err != nil {
				return fmt.Errorf("directory migration failed: %w", err)
			}

			dirStore := tenancy.NewDirectoryStore(pool)
			registry := tenancy.NewRegistry(tenancy.PgxOpener(cfg.DBMaxConns, cfg.DBMinConns))
			defer registry.Close()
			router := tenancy.NewRouter(registry, pool, cfg.FallbackTenantAlias)

			prov := tenancy.NewProvisioner(dirStore, registry, router, tenantMigrateFunc(cfg), logger)
			if err := prov.MigrateTenants(ctx, only, fake); err != nil {
				return err
			}
			fmt.Println("Tenant migrations complete.")
			return nil
		},
	}
	cmd.Flags().String("tenant", "", "Migrate only the tenant with this alias")
	cmd.Flags().Bool("fake", false, "Record migrations as applied without executing them")
	return cmd
}

func tenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, pool, err := openDirectory(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			dirStore := tenancy.NewDirectoryStore(pool)
			tenants, err := dirStore.ListTenants(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("%-30s %-30s %-20s %s\n", "ALIAS", "DATABASE", "HOST", "PORT")
			for _, t := range tenants {
				fmt.Printf("%-30s %-30s %-20s %d\n", t.Name, t.DBName, t.Host, t.Port)
			}
			return nil
		},
	}
}

func runServer() error {
	logger := newLogger()

	ctx := context.Background()
	cfg, directoryPool, err := openDirectory(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer directoryPool.Close()
	logger.Info().Msg("connected to directory database")

	dirStore := tenancy.NewDirectoryStore(directoryPool)
	registry := tenancy.NewRegistry(tenancy.PgxOpener(cfg.DBMaxConns, cfg.DBMinConns))
	defer registry.Close()
	router := tenancy.NewRouter(registry, directoryPool, cfg.FallbackTenantAlias)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Health check reports the directory pool plus every registered
	// tenant pool. Registered before the tenant middleware so probes work
	// from any address.
	e.GET("/health", func(c echo.Context) error {
		pools := map[string]*db.PoolStats{
			tenancy.DirectoryAlias: db.GetPoolStats(directoryPool),
		}
		for _, alias := range registry.Aliases() {
			if pool, err := registry.Get(alias); err == nil {
				pools[alias] = db.GetPoolStats(pool)
			}
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "ok",
			"pools":  pools,
		})
	})

	// API group: tenant resolution, audit trail and rate limiting apply to
	// every route under /api/v1.
	apiV1 := e.Group("/api/v1")
	apiV1.Use(tenancy.ResolveTenant(dirStore, registry, cfg.DefaultTenantDomain, logger))
	apiV1.Use(middleware.Audit(logger))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Branding for the resolved tenant, read straight off the binding.
	apiV1.GET("/branding", func(c echo.Context) error {
		branding := tenancy.BrandingFromContext(c.Request().Context())
		if branding == nil {
			return echo.NewHTTPError(http.StatusNotFound, "no branding for tenant")
		}
		return c.JSON(http.StatusOK, branding)
	})

	// Domain handlers
	patientRepo := patients.NewPatientRepo(router)
	patientHandler := patients.NewHandler(patients.NewService(patientRepo))
	patientHandler.RegisterRoutes(apiV1)

	labRepo := labs.NewLabRepo(router)
	labHandler := labs.NewHandler(labs.NewService(labRepo, router))
	labHandler.RegisterRoutes(apiV1)

	docRepo := documents.NewDocumentRepo(router)
	docHandler := documents.NewHandler(documents.NewService(docRepo, router))
	docHandler.RegisterRoutes(apiV1)

	// Start server with graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("server starting")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	registry.Close()
	return nil
}
