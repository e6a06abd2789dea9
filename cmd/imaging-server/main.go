package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/imaging/internal/config"
	"github.com/ehr/imaging/internal/domain/imaging"
	"github.com/ehr/imaging/internal/platform/auth"
	"github.com/ehr/imaging/internal/platform/db"
	"github.com/ehr/imaging/internal/platform/middleware"
	"github.com/ehr/imaging/internal/platform/websocket"
	"github.com/ehr/imaging/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "imaging-server",
		Short: "Imaging reconciliation and browse API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(accessionCmd())
	rootCmd.AddCommand(orphansCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app holds the wired service and the backing stores it owns.
type app struct {
	svc    *imaging.Service
	pool   *pgxpool.Pool
	redis  *redis.Client
	logger zerolog.Logger
}

func (a *app) Close() {
	a.svc.Close()
	if a.redis != nil {
		a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// archiveConfigs converts ARCHIVES entries into archive configurations.
func archiveConfigs(cfg *config.Config) ([]imaging.OrthancConfiguration, error) {
	archives, err := cfg.Archives()
	if err != nil {
		return nil, err
	}
	out := make([]imaging.OrthancConfiguration, 0, len(archives))
	for _, a := range archives {
		out = append(out, imaging.OrthancConfiguration{ID: a.ID, BaseURL: a.BaseURL, ProxyURL: a.ProxyURL})
	}
	return out, nil
}

// newApp connects the optional Postgres and Redis stores, falling back to
// in-memory implementations when they are not configured, and loads the
// archive list from the registry.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{logger: logger}

	var ledger imaging.LedgerRepository = imaging.NewMemoryLedger()
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		ledger = imaging.NewLedgerRepoPG(pool)
		logger.Info().Msg("connected to database")
	} else {
		logger.Warn().Msg("DATABASE_URL not set, audit trail and orphans are kept in memory")
	}

	var reserver imaging.AccessionReserver = imaging.NewMemoryReserver()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		reserver = imaging.NewRedisReserver(a.redis, cfg.AccessionTTL)
		logger.Info().Msg("connected to redis")
	}

	seed, err := archiveConfigs(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	registry := imaging.NewRegistryClient(cfg.RegistryURL, cfg.RegistryUsername, cfg.RegistryPassword, logger)
	archives := imaging.NewArchiveRegistry(seed...)

	a.svc = imaging.NewService(imaging.Options{
		Registry: registry,
		Archives: archives,
		Dial:     imaging.NewArchiveDialer(logger),
		Ledger:   ledger,
		Reserver: reserver,
		PageSizes: imaging.PageSizes{
			Studies:   cfg.PageSizeStudies,
			Series:    cfg.PageSizeSeries,
			Instances: cfg.PageSizeInstances,
			Requests:  cfg.PageSizeRequests,
			Steps:     cfg.PageSizeSteps,
		},
		RevalidateAfter:    cfg.RevalidateAfter,
		MinMatchScore:      cfg.MinMatchScore,
		PreferServerScores: cfg.PreferServerScores,
		Logger:             logger,
	})

	if err := archives.Load(ctx, registry); err != nil {
		if len(seed) == 0 {
			a.Close()
			return nil, err
		}
		logger.Warn().Err(err).Int("archives", len(seed)).Msg("registry unavailable, using ARCHIVES")
	}
	logger.Info().Int("archives", len(archives.List())).Msg("archive configurations loaded")
	return a, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the imaging API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise services")
	}
	defer a.Close()

	hub := websocket.NewHub(logger)
	hub.SetObserver(imaging.NewTopicWatcher(a.svc.Cache()))
	imaging.ForwardEvents(a.svc.Cache(), hub.Notify)

	e := newEcho(cfg, logger)

	checks := []db.Check{{
		Name:     "archives",
		Optional: true,
		Run: func(ctx context.Context) error {
			return errors.Join(mapValues(a.svc.PingArchives(ctx))...)
		},
	}}
	if a.redis != nil {
		checks = append(checks, db.Check{Name: "redis", Run: func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}})
	}
	e.GET("/health", db.HealthHandler(a.pool, checks...))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	apiV1 := e.Group("/api/v1")
	imaging.NewHandler(a.svc).RegisterRoutes(apiV1)
	websocket.NewHandler(hub, imaging.ValidateTopic, cfg.CORSOrigins).RegisterRoutes(apiV1)

	scheduler, err := startScheduler(cfg, a.svc, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid SYNC_SCHEDULE")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newEcho(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit("1M", "250M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    jwksURL(cfg),
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}
	return e
}

// jwksURL returns AUTH_JWKS_URL, or the Keycloak-style certs endpoint under
// AUTH_ISSUER when only the issuer is configured.
func jwksURL(cfg *config.Config) string {
	if cfg.AuthJWKSURL != "" || cfg.AuthIssuer == "" {
		return cfg.AuthJWKSURL
	}
	return strings.TrimSuffix(cfg.AuthIssuer, "/") + "/protocol/openid-connect/certs"
}

// startScheduler runs SynchronizeAll on SYNC_SCHEDULE. It returns nil when no
// schedule is configured.
func startScheduler(cfg *config.Config, svc *imaging.Service, logger zerolog.Logger) (*cron.Cron, error) {
	if cfg.SyncSchedule == "" {
		return nil, nil
	}
	c := cron.New()
	option := imaging.FetchOption(cfg.SyncFetchOption)
	_, err := c.AddFunc(cfg.SyncSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		reports, err := svc.SynchronizeAll(ctx, option)
		if err != nil {
			logger.Error().Err(err).Msg("scheduled synchronization failed")
			return
		}
		logger.Info().Int("archives", len(reports)).Msg("scheduled synchronization finished")
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	logger.Info().Str("schedule", cfg.SyncSchedule).Msg("archive synchronization scheduled")
	return c, nil
}

func mapValues(m map[int]error) []error {
	out := make([]error, 0, len(m))
	for id, err := range m {
		if err != nil {
			out = append(out, fmt.Errorf("archive %d: %w", id, err))
		}
	}
	return out
}

// withApp loads the configuration, wires the service and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env).Level(zerolog.WarnLevel)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize archives with the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			archiveID, _ := cmd.Flags().GetInt("archive")
			option, _ := cmd.Flags().GetString("option")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var reports []imaging.SyncReport
				if archiveID > 0 {
					report, err := a.svc.Synchronize(ctx, archiveID, imaging.FetchOption(option))
					if err != nil {
						return err
					}
					reports = append(reports, report)
				} else {
					var err error
					reports, err = a.svc.SynchronizeAll(ctx, imaging.FetchOption(option))
					if err != nil {
						printSyncReports(cmd.OutOrStdout(), reports)
						return err
					}
				}
				printSyncReports(cmd.OutOrStdout(), reports)
				return nil
			})
		},
	}
	cmd.Flags().Int("archive", 0, "Archive id to synchronize (default: all archives)")
	cmd.Flags().String("option", string(imaging.FetchNewest), "Fetch option: all or newest")
	return cmd
}

func printSyncReports(w io.Writer, reports []imaging.SyncReport) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ARCHIVE\tOPTION\tFROM\tTO\tCHANGES\tNEW STUDIES")
	for _, r := range reports {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%d\n", r.ArchiveID, r.Option, r.FromIndex, r.ToIndex, r.Changes, r.NewStudy)
	}
	tw.Flush()
}

func accessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accession",
		Short: "Generate an accession number for an archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			archiveID, _ := cmd.Flags().GetInt("archive")
			if archiveID <= 0 {
				return fmt.Errorf("--archive is required")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				number, err := a.svc.GenerateAccessionNumber(ctx, archiveID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), number)
				return nil
			})
		},
	}
	cmd.Flags().Int("archive", 0, "Archive id")
	return cmd
}

func orphansCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "Inspect and purge archive studies left behind by partial deletes",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List orphaned archive studies",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				orphans, err := a.svc.Orphans(ctx, all)
				if err != nil {
					return err
				}
				printOrphans(cmd.OutOrStdout(), orphans)
				return nil
			})
		},
	}
	listCmd.Flags().Bool("all", false, "Include resolved orphans")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Retry archive deletion for every unresolved orphan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				purged, err := a.svc.PurgeOrphans(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %d orphan(s).\n", purged)
				return err
			})
		},
	})
	return cmd
}

func printOrphans(w io.Writer, orphans []*imaging.Orphan) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tARCHIVE\tSTUDY UID\tSTUDY\tCREATED\tRESOLVED")
	for _, o := range orphans {
		resolved := ""
		if o.ResolvedAt != nil {
			resolved = o.ResolvedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\t%s\n", o.ID, o.ArchiveID, o.ArchiveStudyUID, o.StudyID,
			o.CreatedAt.Format("2006-01-02 15:04:05"), resolved)
	}
	tw.Flush()
}

// migrationSource returns dir as a file system, or the embedded migrations
// when dir is empty.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	open := func(cmd *cobra.Command) (*db.Migrator, func(), error) {
		schema, _ := cmd.Flags().GetString("schema")
		dir, _ := cmd.Flags().GetString("dir")

		cfg, err := config.Load()
		if err != nil {
			return nil, nil, err
		}
		if cfg.DatabaseURL == "" {
			return nil, nil, fmt.Errorf("DATABASE_URL is required")
		}
		if dir == "" {
			dir = cfg.MigrationsDir
		}

		pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return nil, nil, err
		}
		return db.NewMigrator(pool, migrationSource(dir), schema), pool.Close, nil
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closePool, err := open(cmd)
			if err != nil {
				return err
			}
			defer closePool()

			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", migrator.Schema())
			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closePool, err := open(cmd)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migration status for schema: %s\n", migrator.Schema())
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "public", "Target schema for migrations")
		c.Flags().String("dir", "", "Path to migrations directory (default: embedded migrations)")
		cmd.AddCommand(c)
	}
	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Version, s.Name, status, appliedAt)
	}
	tw.Flush()
}
