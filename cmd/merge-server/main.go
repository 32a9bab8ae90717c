package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/ehr/casemerge/internal/catalog"
	"github.com/ehr/casemerge/internal/config"
	"github.com/ehr/casemerge/internal/domain/casemgmt"
	"github.com/ehr/casemerge/internal/domain/person"
	"github.com/ehr/casemerge/internal/merge"
	"github.com/ehr/casemerge/internal/platform/auth"
	"github.com/ehr/casemerge/internal/platform/db"
	"github.com/ehr/casemerge/internal/platform/middleware"
	"github.com/ehr/casemerge/internal/platform/sessionstore"
	"github.com/ehr/casemerge/internal/platform/telemetry"
	"github.com/ehr/casemerge/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:           "merge-server",
		Short:         "Case and person record merge service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(mergeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the merge API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			target, _ := cmd.Flags().GetInt("to")

			ctx := cmd.Context()
			pool, _, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS)
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			var count int
			if target > 0 {
				count, err = migrator.UpTo(ctx, schema, target)
			} else {
				count, err = migrator.Up(ctx, schema)
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", db.SchemaName("default"), "Target schema for migrations")
	upCmd.Flags().Int("to", 0, "Stop after this version (0 applies all)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			ctx := cmd.Context()
			pool, _, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", db.SchemaName("default"), "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := cmd.Context()
			pool, _, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, db.NewMigrator(pool, migrations.FS)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

// connect loads the configuration and opens a pool for one-shot commands.
func connect(ctx context.Context) (*pgxpool.Pool, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
		AppName:     "merge-server",
	})
	if err != nil {
		return nil, nil, err
	}
	return pool, cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout)
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// engine holds the coordinators and repositories for both entity kinds.
type engine struct {
	cases      *merge.Coordinator[casemgmt.Case]
	persons    *merge.Coordinator[person.Person]
	caseRepo   casemgmt.Repository
	personRepo person.Repository
}

func newEngine(pool *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger, obs merge.Observer) (*engine, error) {
	cat, err := catalog.Load(cfg.CatalogFile)
	if err != nil {
		return nil, err
	}
	tx := db.NewTxManager(pool, cfg.DBLockTimeout)

	caseRepo := casemgmt.NewRepo(pool)
	caseStore, err := casemgmt.NewStore(caseRepo, cat)
	if err != nil {
		return nil, err
	}
	personRepo := person.NewRepo(pool)
	personStore, err := person.NewStore(personRepo, cat)
	if err != nil {
		return nil, err
	}

	return &engine{
		cases:      merge.NewCoordinator[casemgmt.Case](caseStore, tx, logger, obs),
		persons:    merge.NewCoordinator[person.Person](personStore, tx, logger, obs),
		caseRepo:   caseRepo,
		personRepo: personRepo,
	}, nil
}

// sessionBackend is a merge.SessionStore the health endpoint can probe.
type sessionBackend interface {
	merge.SessionStore
	Ping(ctx context.Context) error
}

func newSessionBackend(ctx context.Context, cfg *config.Config) (sessionBackend, func(), error) {
	if cfg.SessionStore == "redis" {
		r, err := sessionstore.NewRedis(ctx, cfg.RedisURL, cfg.SessionTTL)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	}
	return sessionstore.NewMemory(cfg.SessionTTL), func() {}, nil
}

// routeRegistrar is implemented by every handler mounted under /api/v1.
type routeRegistrar interface {
	RegisterRoutes(api *echo.Group, roles ...string)
}

type serverDeps struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	sessions sessionBackend
	gatherer prometheus.Gatherer
	handlers []routeRegistrar
}

func newEcho(d serverDeps) *echo.Echo {
	cfg := d.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(d.logger))
	e.Use(middleware.RequestID())
	e.Use(otelecho.Middleware("merge-server"))
	e.Use(middleware.Logger(d.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	// Auth middleware
	switch {
	case cfg.IsDev() && cfg.AuthSigningKey == "":
		e.Use(auth.DevAuthMiddleware(cfg.DefaultTenant))
	default:
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}
		if cfg.AuthSigningKey != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	// Health and metrics
	var checks []db.Check
	if d.sessions != nil {
		checks = append(checks, db.Check{Name: "sessions", Ping: d.sessions.Ping})
	}
	e.GET("/health", db.HealthHandler(d.pool, checks...))
	e.GET("/health/db", db.HealthHandler(d.pool))
	e.GET("/metrics", telemetry.Handler(d.gatherer))

	// API group: rate limit before a tenant connection is pinned.
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1",
		middleware.RateLimit(rateLimitCfg),
		db.TenantMiddleware(d.pool, cfg.DefaultTenant),
	)
	for _, h := range d.handlers {
		h.RegisterRoutes(apiV1, cfg.MergeRoles...)
	}
	return e
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	// Tracing
	shutdownTracing, err := telemetry.Init(ctx, telemetry.TelemetryConfig{
		ServiceName:    "merge-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		OTLPProtocol:   cfg.OTLPProtocol,
		Insecure:       cfg.OTLPInsecure,
		SampleRate:     cfg.TraceSample,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise tracing")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	// Database
	pool, err := db.NewPool(ctx, db.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
		AppName:     "merge-server",
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Session store
	sessions, closeSessions, err := newSessionBackend(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open session store")
	}
	defer closeSessions()
	logger.Info().Str("store", cfg.SessionStore).Dur("ttl", cfg.SessionTTL).Msg("session store ready")

	// Merge engine
	eng, err := newEngine(pool, cfg, logger, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build merge engine")
	}

	e := newEcho(serverDeps{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		sessions: sessions,
		gatherer: reg,
		handlers: []routeRegistrar{
			merge.NewHandler(eng.cases, sessions),
			merge.NewHandler(eng.persons, sessions),
			casemgmt.NewHandler(eng.caseRepo),
			person.NewHandler(eng.personRepo),
		},
	})

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
