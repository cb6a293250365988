/*
main.go - Application entry point

PURPOSE:
  Command line for the cost index engine: runs the HTTP server and manages
  the database schema.

COMMANDS:
  serve            Start the HTTP server, calc workers and scheduler
  migrate up       Apply pending schema migrations
  migrate down     Roll back every migration
  migrate version  Print the current schema version

CONFIGURATION:
  Read from --config (YAML), else ./config.yaml when present. Every key can
  be overridden by an environment variable with the COSTINDEX_ prefix and
  dots replaced by underscores:

    COSTINDEX_HTTP_PORT=3000
    COSTINDEX_DB_PATH=:memory:
    COSTINDEX_LOG_MODE=production
    COSTINDEX_RUNNER_WORKERS=4
    COSTINDEX_SCHEDULER_ENABLED=true

  See config.go for the full key list and defaults.

SIGNALS:
  SIGINT, SIGTERM  Graceful shutdown
  SIGHUP           Reload the dictionary file (serve only)

EXAMPLES:
  # Run with file database
  ./server serve --db ./data/costindex.db

  # Run with in-memory database
  ./server serve --db ":memory:"

  # Migrate only
  ./server migrate up --db ./data/costindex.db

SEE ALSO:
  - serve.go: Dependency wiring and graceful shutdown
  - reload.go: Dictionary reload on SIGHUP
  - config.go: Keys, defaults and validation
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/warp/cost-index-engine/logging"
)

var version = "dev"

// app carries state shared by subcommands once the root command resolved
// configuration.
type app struct {
	cfgFile string
	v       *viper.Viper
	cfg     Config
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: newViper()}

	root := &cobra.Command{
		Use:           "server",
		Short:         "Construction cost index engine",
		Long:          "Computes unit cost indexes from tagged project facts, publishes them as versions and serves estimations.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default: ./config.yaml)")
	flags.String("db", "", "SQLite database path; \":memory:\" for in-memory")
	flags.String("log-mode", "", "log mode (development, production)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	_ = a.v.BindPFlag("db.path", flags.Lookup("db"))
	_ = a.v.BindPFlag("log.mode", flags.Lookup("log-mode"))
	_ = a.v.BindPFlag("log.level", flags.Lookup("log-level"))

	root.AddCommand(a.serveCmd())
	root.AddCommand(a.migrateCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return root
}

// init reads the config file, resolves the configuration and builds the
// logger.
func (a *app) init() error {
	if err := readConfigFile(a.v, a.cfgFile); err != nil {
		return err
	}
	cfg, err := loadConfig(a.v)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogMode, cfg.LogLevel)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	if used := a.v.ConfigFileUsed(); used != "" {
		logger.Info("config loaded", zap.String("file", used))
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
