package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/librarylend/ledger/config"
	"github.com/librarylend/ledger/lending"
	lendingstore "github.com/librarylend/ledger/lending/store"
	"github.com/librarylend/ledger/store/postgres"
	"github.com/librarylend/ledger/store/sqlite"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	driver     string
	sqlitePath string
	dsn        string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "libraryd",
		Short:         "Library lending ledger service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", config.DefaultPath, "YAML config file")
	pf.StringVar(&flags.driver, "driver", "", "storage driver: memory, sqlite or postgres")
	pf.StringVar(&flags.sqlitePath, "db", "", "SQLite database path (\":memory:\" for in-memory)")
	pf.StringVar(&flags.dsn, "dsn", "", "PostgreSQL connection string")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		newServeCommand(flags),
		newSeedCommand(flags),
		newAuditCommand(flags),
	)
	return root
}

// loadConfig resolves defaults, file, environment and flags, in that order.
// configure applies command-specific flags last; it may be nil.
func loadConfig(cmd *cobra.Command, flags *globalFlags, configure func(*config.Config)) (config.Config, error) {
	cfg, err := config.Load(flags.configPath, cmd.Flags().Changed("config"))
	if err != nil {
		return config.Config{}, err
	}

	changed := cmd.Flags().Changed
	if changed("driver") {
		cfg.Storage.Driver = flags.driver
	}
	if changed("db") {
		cfg.Storage.SQLitePath = flags.sqlitePath
		if !changed("driver") {
			cfg.Storage.Driver = config.DriverSQLite
		}
	}
	if changed("dsn") {
		cfg.Storage.PostgresDSN = flags.dsn
		if !changed("driver") {
			cfg.Storage.Driver = config.DriverPostgres
		}
	}
	if changed("log-level") {
		cfg.Log.Level = flags.logLevel
	}
	if configure != nil {
		configure(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured backend.
func openStore(ctx context.Context, cfg config.StorageConfig) (lending.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return lendingstore.NewMemory(), nil
	case config.DriverSQLite:
		return sqlite.New(cfg.SQLitePath)
	case config.DriverPostgres:
		return postgres.New(ctx, cfg.PostgresDSN, postgres.WithMaxConns(cfg.MaxConns))
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// app is what every command works with.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	library *lending.Library
}

func newApp(cmd *cobra.Command, flags *globalFlags, configure func(*config.Config), opts ...lending.GuardOption) (*app, error) {
	cfg, err := loadConfig(cmd, flags, configure)
	if err != nil {
		return nil, err
	}
	logger := cfg.NewLogger(os.Stderr)

	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	store, err := openStore(cmd.Context(), cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s store: %w", cfg.Storage.Driver, err)
	}

	guardOpts := append([]lending.GuardOption{
		lending.WithPolicy(policy),
		lending.WithRetryPolicy(cfg.RetryPolicy()),
		lending.WithLogger(logger),
	}, opts...)

	return &app{
		cfg:     cfg,
		logger:  logger,
		library: lending.NewLibrary(store, guardOpts...),
	}, nil
}

func (a *app) Close() error {
	return a.library.Close()
}
