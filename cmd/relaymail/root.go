package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaymail/internal/config"
	"github.com/agentworkforce/relaymail/internal/indexing"
	"github.com/agentworkforce/relaymail/internal/mailsync"
	"github.com/agentworkforce/relaymail/internal/maildb"
	"github.com/agentworkforce/relaymail/internal/metrics"
	"github.com/agentworkforce/relaymail/internal/notify"
)

const (
	configEnvVar   = "RELAYMAIL_CONFIG"
	defaultEnvFile = ".env"
	outboxCapacity = 1024
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relaymail",
		Short:         "relaymail keeps a local copy of webmail accounts in sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "Path to a config file (or set RELAYMAIL_CONFIG)")
	root.PersistentFlags().String("env-file", defaultEnvFile, "dotenv file loaded before the config")
	root.AddCommand(
		newServeCmd(),
		newStatCmd(),
		newResetCmd(),
		newExportCmd(),
		newTokenCmd(),
	)
	return root
}

// loadConfig reads the env file, then the config it points at.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	envFile, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return config.Config{}, err
	}
	if err := loadEnvFile(envFile); err != nil {
		return config.Config{}, err
	}
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	if strings.TrimSpace(path) == "" {
		path = os.Getenv(configEnvVar)
	}
	return config.Load(path)
}

func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// app is the wired set of components every command works on.
type app struct {
	cfg         config.Config
	logger      *slog.Logger
	level       *slog.LevelVar
	primary     *maildb.Database
	session     *maildb.Database
	bus         *notify.Bus
	metrics     *metrics.Metrics
	coordinator *indexing.Coordinator
	service     *mailsync.Service
}

func openApp(ctx context.Context, cmd *cobra.Command, cfg config.Config) (*app, error) {
	logger, level := config.NewLogger(cfg.Log, cmd.ErrOrStderr())
	a := &app{cfg: cfg, logger: logger, level: level}

	primary, err := openStore(ctx, "primary", cfg.State.DSN, logger)
	if err != nil {
		return nil, err
	}
	a.primary = primary
	session, err := openStore(ctx, "session", cfg.Session.DSN, logger)
	if err != nil {
		_ = primary.Close()
		return nil, err
	}
	a.session = session

	a.bus = notify.NewBus(notify.Options{Logger: logger})
	a.metrics = metrics.New()
	outbox, err := indexing.BuildOutboxFromDSN(cfg.Index.OutboxDSN, outboxCapacity)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("index outbox: %w", err)
	}
	a.coordinator = indexing.NewCoordinator(indexing.Options{
		PortionSize: cfg.Index.PortionSize,
		Outbox:      outbox,
		Source:      indexing.NewDatabaseSource(primary),
		Bus:         a.bus,
		Metrics:     a.metrics,
		Logger:      logger,
	})
	a.service, err = mailsync.NewService(mailsync.Options{
		Primary:       primary,
		Session:       session,
		Indexer:       a.coordinator,
		Bus:           a.bus,
		Metrics:       a.metrics,
		Logger:        logger,
		ExportTimeout: cfg.Export.Timeout,
		SearchTimeout: cfg.Index.Timeout,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func openStore(ctx context.Context, name, dsn string, logger *slog.Logger) (*maildb.Database, error) {
	backend, err := maildb.BuildStateBackendFromDSN(dsn, name)
	if err != nil {
		return nil, fmt.Errorf("%s store: %w", name, err)
	}
	db := maildb.NewDatabase(maildb.Options{Name: name, Backend: backend, Logger: logger})
	if err := db.LoadFromFile(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (a *app) Close() {
	if a.coordinator != nil {
		if err := a.coordinator.Close(); err != nil {
			a.logger.Warn("close index outbox", "error", err)
		}
	}
	if a.bus != nil {
		a.bus.Close()
	}
	for _, db := range []*maildb.Database{a.session, a.primary} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil {
			a.logger.Warn("close store", "store", db.Name(), "error", err)
		}
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
