package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/imis/insuree/internal/config"
	"github.com/imis/insuree/internal/domain/insuree"
	"github.com/imis/insuree/internal/insureenumber"
	"github.com/imis/insuree/internal/platform/auth"
	"github.com/imis/insuree/internal/platform/blobstore"
	"github.com/imis/insuree/internal/platform/cache"
	"github.com/imis/insuree/internal/platform/db"
	"github.com/imis/insuree/internal/platform/events"
	"github.com/imis/insuree/internal/platform/middleware"
	"github.com/imis/insuree/internal/platform/telemetry"
	"github.com/imis/insuree/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "insuree-server",
		Short: "openIMIS insuree and family registry API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(validateNumberCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the insuree API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationFS returns the migrations directory when dir is set, otherwise
// the migrations compiled into the binary.
func migrationFS(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
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
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationFS(dir))
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", db.SchemaName("default"), "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to the embedded migrations)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationFS(dir)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
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
	statusCmd.Flags().String("schema", db.SchemaName("default"), "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to the embedded migrations)")
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
		Short: "Create a tenant schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaName(name))
			migrator := db.NewMigrator(pool, migrationFS(cfg.MigrationsDir))
			if err := db.CreateTenantSchema(ctx, pool, name, migrator); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

// validateNumberCmd checks numbers against the configured format rules
// without touching the database.
func validateNumberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-number NUMBER...",
		Short: "Check insuree numbers against the configured format",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			v, err := insureenumber.New(cfg.InsureeNumber(), nil)
			if err != nil {
				return err
			}
			invalid := 0
			for _, number := range args {
				errs := v.Validate(cmd.Context(), number, false)
				if len(errs) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tvalid\n", number)
					continue
				}
				invalid++
				for _, e := range errs {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\n", number, e.Code, e.Message)
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d number(s) invalid", invalid, len(args))
			}
			return nil
		},
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serviceOptions(cfg *config.Config) insuree.Options {
	opts := insuree.DefaultOptions()
	opts.RowSecurity = cfg.RowSecurity
	opts.LocationLevels = cfg.LocationLevels
	opts.PhotoAgeAdult = cfg.RenewalPhotoAgeAdult
	opts.PhotoAgeChild = cfg.RenewalPhotoAgeChild
	opts.AgeOfMajority = cfg.AgeOfMajority
	if cfg.LookupCacheTTL > 0 {
		opts.LookupTTL = cfg.LookupCacheTTL
	}
	return opts
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	jc := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.AuthSigningKey != "" {
		jc.SigningKey = []byte(cfg.AuthSigningKey)
	}
	return jc
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Tracing
	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing())
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise tracing")
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Error().Err(err).Msg("failed to flush traces")
		}
	}()
	if cfg.OTLPEndpoint != "" {
		logger.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("exporting traces over otlp")
	}

	metrics := telemetry.NewMetrics()
	metrics.RegisterPool(pool)
	var checkers []db.Checker

	// Lookup cache
	var lookupCache cache.Cache = cache.NewMemoryCache()
	redisClient, err := cache.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to redis")
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		lookupCache = cache.NewRedisCache(redisClient.Client, "insuree:")
		checkers = append(checkers, db.Checker{Name: "redis", Check: redisClient.Health})
		logger.Info().Msg("using redis lookup cache")
	}

	// Mutation events
	publishers := events.Multi{events.NewLogPublisher(logger)}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			logger.Error().Err(err).Msg("failed to create kafka publisher")
			return err
		}
		defer kp.Close()
		publishers = append(publishers, kp)
		checkers = append(checkers, db.Checker{Name: "kafka", Check: kp.Health})
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing mutation events to kafka")
	}

	// Domain
	repos := insuree.Repositories{
		Insurees:  insuree.NewInsureeRepo(pool, cfg.LocationLevels),
		Families:  insuree.NewFamilyRepo(pool, cfg.LocationLevels),
		Photos:    insuree.NewPhotoRepo(pool),
		Policies:  insuree.NewPolicyRepo(pool, cfg.LocationLevels),
		Locations: insuree.NewLocationRepo(pool),
		Lookups:   insuree.NewLookupRepo(pool),
		Mutations: insuree.NewMutationRepo(pool),
	}
	numbers, err := insureenumber.New(cfg.InsureeNumber(), repos.Insurees,
		insureenumber.WithObserver(func(code insureenumber.Code) { metrics.ObserveValidation(int(code)) }))
	if err != nil {
		return fmt.Errorf("insuree number validator: %w", err)
	}

	svcOpts := []insuree.ServiceOption{
		insuree.WithCache(lookupCache),
		insuree.WithPublisher(publishers),
		insuree.WithMetrics(metrics),
	}
	if cfg.PhotosRootPath != "" {
		store, err := blobstore.NewFileStore(cfg.PhotosRootPath)
		if err != nil {
			return fmt.Errorf("photo store: %w", err)
		}
		svcOpts = append(svcOpts, insuree.WithBlobStore(store))
		logger.Info().Str("root", cfg.PhotosRootPath).Msg("storing photos as files")
	}
	svc := insuree.NewService(repos, db.NewTransactor(pool), numbers, serviceOptions(cfg), svcOpts...)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger, metrics.ObservePanic))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID",
			middleware.ClientMutationIDHeader, insuree.ClientMutationLabelHeader},
	}))
	e.Use(echomw.BodyLimit("10M"))
	e.Use(telemetry.TracingMiddleware())
	e.Use(metrics.Middleware())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool, checkers...))
	e.GET("/metrics", metrics.Handler())

	var authMW echo.MiddlewareFunc
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(jwtConfig(cfg))
	}

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}

	apiV1 := e.Group("/api/v1",
		authMW,
		db.TenantMiddleware(pool, cfg.DefaultTenant),
		middleware.Audit(logger),
		middleware.RateLimit(rl),
	)
	insuree.NewHandler(svc).RegisterRoutes(apiV1)

	e.Server.ReadHeaderTimeout = 10 * time.Second
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 60 * time.Second
	e.Server.IdleTimeout = 120 * time.Second

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
