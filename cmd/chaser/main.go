package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaserhq/chaser/adminapi"
	"github.com/chaserhq/chaser/classifier"
	"github.com/chaserhq/chaser/config"
	"github.com/chaserhq/chaser/db"
	"github.com/chaserhq/chaser/engine"
	"github.com/chaserhq/chaser/logger"
	"github.com/chaserhq/chaser/pkg/errors"
	"github.com/chaserhq/chaser/pkg/health"
	"github.com/chaserhq/chaser/pkg/metrics"
	"github.com/chaserhq/chaser/retention"
	"github.com/chaserhq/chaser/storage"
	"github.com/chaserhq/chaser/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// daemonDependencies encapsulates the shared services wired together at startup.
type daemonDependencies struct {
	database          *db.Database
	journal           *transport.Journal
	archive           *storage.Archive
	supervisor        *engine.Supervisor
	sweeper           *retention.Sweeper
	healthIntegration *health.HealthIntegration
	metricsCollector  *metrics.Collector
	config            config.Config
}

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	// Parse command-line flags
	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("chaser version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	// Load and validate configuration
	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	// Initialize logging
	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CHASER: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			fmt.Fprintf(os.Stderr, "CHASER: Closing log file %s\n", f.Name())
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "CHASER: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Infof("CHASER starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Infof("Logging format: %s, level: %s", cfg.Logging.Format, cfg.Logging.Level)

	// Set up context and signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	// Initialize all core services
	deps, initErr := initializeServices(ctx, cfg, errorHandler)
	if initErr != nil {
		errorHandler.FatalError("initialize services", initErr)
		os.Exit(errorHandler.WaitForExit())
	}

	// Clean up resources on exit
	if deps.database != nil {
		defer deps.database.Close()
	}
	if deps.journal != nil {
		defer deps.journal.Close()
	}
	if deps.healthIntegration != nil {
		defer deps.healthIntegration.Stop()
	}
	if deps.metricsCollector != nil {
		defer deps.metricsCollector.Stop()
	}
	if deps.sweeper != nil {
		defer deps.sweeper.Stop()
	}

	// Start the engines and the configured listeners
	errChan := startServices(ctx, deps)

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
		logger.Info("Draining mailbox engines...")

		// Wait for in-flight ticks to finish before releasing the database
		done := make(chan struct{})
		go func() {
			deps.supervisor.Stop()
			close(done)
		}()

		select {
		case <-done:
			logger.Info("All mailbox engines stopped")
		case <-time.After(30 * time.Second):
			logger.Warn("Engine drain timeout reached after 30 seconds")
		}
	case err := <-errChan:
		errorHandler.FatalError("service operation", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

// loadAndValidateConfig loads configuration from file and validates it
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) {
			// If default config doesn't exist, that's okay - use defaults
			if configPath == "config.toml" {
				logger.Infof("WARNING: default configuration file '%s' not found. Using application defaults.", configPath)
			} else {
				// User specified a config file that doesn't exist - that's an error
				errorHandler.ConfigError(configPath, err)
				os.Exit(errorHandler.WaitForExit())
			}
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	} else {
		logger.Infof("loaded configuration from %s", configPath)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}

	logger.Infof("Found %d configured mailboxes", len(cfg.Mailboxes))
}

// initializeServices initializes all core services (database, journal,
// archive, classifier, engines, retention, health monitoring)
func initializeServices(ctx context.Context, cfg config.Config, errorHandler *errors.ErrorHandler) (*daemonDependencies, error) {
	deps := &daemonDependencies{config: cfg}

	// Apply pending schema migrations before anything touches the store
	logger.Info("Checking database schema...")
	if err := db.RunMigrations(ctx, cfg.Database.URL()); err != nil {
		errorHandler.FatalError("run database migrations", err)
		os.Exit(errorHandler.WaitForExit())
	}

	logger.Infof("Connecting to database at %s as user %s, using database %s",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Name)
	var err error
	deps.database, err = db.NewDatabase(ctx, &cfg.Database)
	if err != nil {
		errorHandler.FatalError("connect to database", err)
		os.Exit(errorHandler.WaitForExit())
	}
	deps.database.StartPoolMetrics(ctx)

	// Initialize health monitoring
	logger.Info("Initializing health monitoring...")
	deps.healthIntegration = health.NewHealthIntegration(deps.database)

	// Open the local send journal
	logger.Infof("Opening send journal at %s", cfg.Journal.Path)
	deps.journal, err = transport.OpenJournal(cfg.Journal.Path)
	if err != nil {
		errorHandler.FatalError("open send journal", err)
		os.Exit(errorHandler.WaitForExit())
	}
	deps.healthIntegration.RegisterJournalCheck(journalHealth{deps.journal})

	// Initialize the audit archive if configured
	if cfg.Archive.Enabled {
		logger.Infof("Connecting to archive endpoint '%s', bucket '%s'", cfg.Archive.Endpoint, cfg.Archive.Bucket)
		deps.archive, err = storage.New(cfg.Archive.Endpoint, cfg.Archive.AccessKey, cfg.Archive.SecretKey,
			cfg.Archive.Bucket, !cfg.Archive.DisableTLS, cfg.Archive.Trace)
		if err != nil {
			errorHandler.FatalError(fmt.Sprintf("initialize archive at endpoint '%s'", cfg.Archive.Endpoint), err)
			os.Exit(errorHandler.WaitForExit())
		}

		// Enable encryption if configured
		if cfg.Archive.Encrypt {
			if err := deps.archive.EnableEncryption(cfg.Archive.EncryptionKey); err != nil {
				errorHandler.FatalError("enable archive encryption", err)
				os.Exit(errorHandler.WaitForExit())
			}
		}

		deps.healthIntegration.RegisterArchiveCheck(deps.archive)
	} else {
		logger.Info("Audit archive disabled; reminder copies will not be retained")
	}

	// Build the reply classifier shared by all mailbox engines
	lookback, err := cfg.Scheduler.GetLookbackWindow()
	if err != nil {
		errorHandler.ValidationError("scheduler.lookback_window", err)
		os.Exit(errorHandler.WaitForExit())
	}
	cls, err := classifier.New(&cfg.Classifier, lookback)
	if err != nil {
		errorHandler.FatalError("compile classifier patterns", err)
		os.Exit(errorHandler.WaitForExit())
	}

	// Build one engine per configured mailbox
	deps.supervisor, err = engine.NewSupervisor(&cfg, deps.database, deps.journal, cls, deps.archive)
	if err != nil {
		errorHandler.FatalError("build mailbox engines", err)
		os.Exit(errorHandler.WaitForExit())
	}
	deps.supervisor.Each(func(eng *engine.Engine) {
		deps.healthIntegration.RegisterMailboxCheck(eng.Mailbox(), eng)
	})

	// Initialize the retention sweeper if enabled
	if cfg.Retention.Enabled {
		retainFor, err := cfg.Retention.GetRetainFor()
		if err != nil {
			errorHandler.ValidationError("retention.retain_for", err)
			os.Exit(errorHandler.WaitForExit())
		}
		sweepInterval, err := cfg.Retention.GetSweepInterval()
		if err != nil {
			errorHandler.ValidationError("retention.sweep_interval", err)
			os.Exit(errorHandler.WaitForExit())
		}
		logger.Infof("Retention sweeper enabled: terminal records older than %s removed every %s", retainFor, sweepInterval)
		deps.sweeper = retention.New(deps.database, deps.journal, retainFor, sweepInterval, cfg.Retention.BatchSize)
	}

	// Start health monitoring
	deps.healthIntegration.Start(ctx)
	logger.Info("Health monitoring started")

	// Start the collector for database-backed and journal-backed gauges
	deps.metricsCollector = metrics.NewCollectorWithJournal(deps.database, journalHealth{deps.journal}, 60*time.Second)
	go deps.metricsCollector.Start(ctx)

	return deps, nil
}

// startServices starts the engines, the retention sweeper, and the configured
// HTTP listeners, and returns an error channel for monitoring
func startServices(ctx context.Context, deps *daemonDependencies) chan error {
	errChan := make(chan error, 1)

	if err := deps.supervisor.Start(ctx); err != nil {
		errChan <- fmt.Errorf("failed to start mailbox engines: %w", err)
		return errChan
	}

	if deps.sweeper != nil {
		deps.sweeper.Start(ctx)
	}

	if deps.config.API.Start {
		options := adminapi.ServerOptions{
			Addr:         deps.config.API.Addr,
			APIKey:       deps.config.API.APIKey,
			APIKeyHash:   deps.config.API.APIKeyHash,
			AllowedHosts: deps.config.API.AllowedHosts,
			Defaults:     deps.config.Reminders,
			Supervisor:   deps.supervisor,
			Journal:      deps.journal,
			Health:       deps.healthIntegration,
		}
		go adminapi.Start(ctx, deps.database, options, errChan)
	}

	if deps.config.Metrics.Enabled {
		go startMetricsServer(ctx, deps.config.Metrics, errChan)
	}

	return errChan
}

// startMetricsServer exposes the Prometheus registry on its own listener.
func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Infof("Error shutting down metrics server: %v", err)
		}
	}()

	logger.Infof("Serving metrics on %s%s", cfg.Addr, cfg.Path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}

// journalHealth adapts the journal's map-form stats to the fixed columns the
// health check reads.
type journalHealth struct {
	journal *transport.Journal
}

func (j journalHealth) Stats() (inflight, accepted, failed int64, err error) {
	stats, err := j.journal.Stats()
	if err != nil {
		return 0, 0, 0, err
	}
	return stats[transport.JournalInflight], stats[transport.JournalAccepted], stats[transport.JournalFailed], nil
}
