// bucketd is the multi-tenant bucket storage daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/bucketworks/bucketd/internal/access"
	"github.com/bucketworks/bucketd/internal/config"
	"github.com/bucketworks/bucketd/internal/core"
	"github.com/bucketworks/bucketd/internal/identity"
	"github.com/bucketworks/bucketd/internal/job"
	"github.com/bucketworks/bucketd/internal/server"
	"github.com/bucketworks/bucketd/internal/storage"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bucketd",
		Short: "bucketd - multi-tenant bucket storage with async file jobs",
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "/etc/bucketd/config.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (trace, debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bucketd server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	rootCmd.AddCommand(serveCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bucketd %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	l, err := zerolog.ParseLevel(level)
	if err != nil {
		l = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(l)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func runServe() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	setupLogging(cfg.LogLevel)

	log.Info().
		Str("version", Version).
		Str("data_dir", cfg.DataDir).
		Str("listen", cfg.Listen).
		Msg("starting bucketd")

	for _, dir := range []string{"staging", "jobs"} {
		if err := os.MkdirAll(filepath.Join(cfg.DataDir, dir), 0o755); err != nil {
			return fmt.Errorf("create %s dir: %w", dir, err)
		}
	}

	usage := storage.NewUsageTracker(cfg.Storage.MaxSizeGB)
	engine, err := storage.NewEngine(osfs.New(cfg.DataDir), usage, log.Logger)
	if err != nil {
		return fmt.Errorf("init storage engine: %w", err)
	}

	projects, err := access.OpenFileStore(cfg.Auth.ProjectsFile)
	if err != nil {
		return fmt.Errorf("init project store: %w", err)
	}
	guard := access.NewGuard(projects)
	verifier := identity.NewVerifier(cfg.Auth.JWTSecret)

	registry, err := job.OpenRegistry(filepath.Join(cfg.DataDir, "jobs"), log.Logger)
	if err != nil {
		return fmt.Errorf("open job registry: %w", err)
	}

	hub := job.NewHub()
	exec := core.NewExecutor(engine, storage.FetchOptions{
		MaxAttempts: cfg.Fetch.MaxAttempts,
		Backoff:     cfg.BackoffDuration(),
	})
	manager := job.NewManager(registry, exec, hub, job.InitMetrics(nil), job.Config{
		Workers:   cfg.Jobs.Workers,
		MaxQueued: cfg.Jobs.MaxQueued,
		Retention: cfg.RetentionDuration(),
	}, log.Logger)
	manager.Start()
	defer manager.Close()

	svc := core.NewService(guard, engine, manager, log.Logger)
	srv := server.New(svc, verifier, hub, server.InitMetrics(nil), filepath.Join(cfg.DataDir, "staging"), log.Logger)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Listen).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown did not complete cleanly")
	}
	return nil
}
