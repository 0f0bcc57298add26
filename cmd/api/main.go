package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bryanwahyu/automaton-audit/internal/application"
	appaudits "github.com/bryanwahyu/automaton-audit/internal/application/audits"
	"github.com/bryanwahyu/automaton-audit/internal/config"
	domain "github.com/bryanwahyu/automaton-audit/internal/domain/audits"
	"github.com/bryanwahyu/automaton-audit/internal/infra/ai/openai"
	"github.com/bryanwahyu/automaton-audit/internal/infra/db/memory"
	mysqlp "github.com/bryanwahyu/automaton-audit/internal/infra/db/mysql"
	pgp "github.com/bryanwahyu/automaton-audit/internal/infra/db/postgres"
	"github.com/bryanwahyu/automaton-audit/internal/infra/db/sqlrepo"
	gitsnap "github.com/bryanwahyu/automaton-audit/internal/infra/git"
	"github.com/bryanwahyu/automaton-audit/internal/infra/httpserver"
	"github.com/bryanwahyu/automaton-audit/internal/infra/notify"
	minioStore "github.com/bryanwahyu/automaton-audit/internal/infra/storage"
	"github.com/bryanwahyu/automaton-audit/internal/middleware"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:          "api",
		Short:        "Serve the repository security audit API",
		SilenceUsage: true,
		RunE:         runServer,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config.yaml (default $CONFIG_PATH or ./config.yaml)")

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE:  runMigrate,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := cfgPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config load %s: %w", path, err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Log.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Str("service", "automaton-audit").Logger()
}

type repositories struct {
	audits   domain.Repository
	findings domain.FindingRepository
	projects domain.ProjectRepository
	db       *sql.DB // nil for the memory driver
}

func openStore(ctx context.Context, cfg *config.Config, migrate bool) (repositories, error) {
	var (
		db      *sql.DB
		dialect sqlrepo.Dialect
		schema  string
		err     error
	)
	switch cfg.Database.Driver {
	case "memory":
		st := memory.New()
		return repositories{audits: st.Audits(), findings: st.Findings(), projects: st.Projects()}, nil
	case "postgres":
		db, err = pgp.Connect(ctx, cfg.PostgresDSN())
		dialect, schema = pgp.Dialect{}, pgp.Schema
	default:
		db, err = mysqlp.Connect(ctx, cfg.MySQLDSN())
		dialect, schema = mysqlp.Dialect{}, mysqlp.Schema
	}
	if err != nil {
		return repositories{}, fmt.Errorf("%s connect: %w", cfg.Database.Driver, err)
	}
	if migrate {
		if err := sqlrepo.EnsureSchema(ctx, db, schema); err != nil {
			db.Close()
			return repositories{}, fmt.Errorf("%s schema: %w", cfg.Database.Driver, err)
		}
	}
	st := sqlrepo.New(db, dialect)
	return repositories{audits: st.Audits(), findings: st.Findings(), projects: st.Projects(), db: db}, nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	repos, err := openStore(cmd.Context(), cfg, true)
	if err != nil {
		return err
	}
	if repos.db != nil {
		repos.db.Close()
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("schema applied")
	return nil
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	ctx := logger.WithContext(cmd.Context())

	repos, err := openStore(ctx, cfg, cfg.Database.AutoMigrate)
	if err != nil {
		return err
	}
	health := map[string]middleware.HealthChecker{}
	if repos.db != nil {
		defer repos.db.Close()
		health["database"] = &middleware.DatabaseHealthChecker{DB: repos.db}
	}

	snapshots := gitsnap.NewService(cfg.Repos.WorkDir, cfg.Repos.Token, logger.With().Str("component", "git").Logger())
	if cfg.Repos.MaxFileBytes > 0 {
		snapshots.MaxFileBytes = cfg.Repos.MaxFileBytes
	}
	snapshots.Ignore = append(slices.Clip(snapshots.Ignore), cfg.Repos.Ignore...)

	metrics := middleware.NewMetrics()
	svc := &appaudits.Service{
		Audits:    repos.audits,
		Findings:  repos.findings,
		Projects:  repos.projects,
		Snapshots: snapshots,
		Model:     openai.NewClient(cfg.AI.APIKey, cfg.AI.BaseURL, cfg.AI.Model),
		Observer:  metrics,
		Clock:     application.SystemClock{},
		Policy: domain.Policy{
			RedactFrom:            domain.ParseSeverity(cfg.Policy.RedactFromSeverity),
			CriticalEmbargoMonths: cfg.Policy.CriticalEmbargoMonths,
			HighEmbargoMonths:     cfg.Policy.HighEmbargoMonths,
		},
		Settings: appaudits.Settings{
			Model:               cfg.AI.Model,
			MaxTokens:           cfg.AI.MaxTokens,
			PlannerBatchSize:    cfg.AI.PlannerBatchSize,
			PlannerMinBatchSize: cfg.AI.PlannerMinBatchSize,
			AnalyzerBatchTokens: cfg.AI.AnalyzerBatchTokens,
			InputPricePerMTok:   cfg.AI.InputPricePerMTok,
			OutputPricePerMTok:  cfg.AI.OutputPricePerMTok,
		},
		Log: logger.With().Str("component", "audits").Logger(),
	}

	if cfg.Minio.Enabled {
		store, err := minioStore.New(ctx,
			cfg.Minio.Endpoint,
			cfg.Minio.Region,
			cfg.Minio.BucketName,
			cfg.Minio.AccessKey,
			cfg.Minio.SecretKey,
			cfg.Minio.UseSSL,
		)
		if err != nil {
			return fmt.Errorf("minio init: %w", err)
		}
		svc.Artifacts = store
		health["storage"] = store
	}

	if cfg.Notify.WebhookURL != "" {
		hook := notify.NewWebhook(cfg.Notify.WebhookURL, []byte(cfg.Notify.SigningKey))
		hook.HTTP.Timeout = cfg.Notify.Timeout
		hook.MaxRetries = cfg.Notify.MaxRetries
		svc.Notifier = hook
	} else {
		svc.Notifier = notify.Log{Logger: logger.With().Str("component", "notify").Logger()}
	}

	handler := httpserver.NewRouter(svc, httpserver.Options{
		Logger:         logger,
		APIKeys:        cfg.Auth.APIKeys,
		Admins:         cfg.Auth.Admins,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		CORSOrigins:    cfg.Server.CORSOrigins,
		RateCapacity:   cfg.RateLimit.Capacity,
		RateRefill:     cfg.RateLimit.RefillPerSecond,
		Metrics:        metrics,
		Health:         health,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("driver", cfg.Database.Driver).Msg("server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-stop:
	}

	logger.Info().Msg("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}

	// audits already running get a grace period to reach a terminal status
	done := make(chan struct{})
	go func() {
		svc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("audits still running at exit")
	}
	return nil
}
