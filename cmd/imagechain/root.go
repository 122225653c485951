package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/imagechain/internal/engine"
	"github.com/rendis/imagechain/internal/logging"
	"github.com/rendis/imagechain/internal/store"
	"github.com/rendis/imagechain/internal/streaming"
)

// globalOptions holds the persistent flags and the state built from them
// before any subcommand runs.
type globalOptions struct {
	cfgFile   string
	logLevel  string
	logFormat string
	dbPath    string

	v      *viper.Viper
	cfg    *Config
	logger *slog.Logger
	stderr io.Writer
}

func newGlobalOptions() *globalOptions {
	return &globalOptions{v: newViper(), stderr: os.Stderr}
}

// addFlags binds the persistent flags and wires them into viper so they
// take precedence over env and config file values.
func (o *globalOptions) addFlags(cmd *cobra.Command) {
	if o == nil {
		return
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&o.cfgFile, "config", "", "config file (default ./imagechain.yaml or ~/.imagechain/config.yaml)")
	flags.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&o.logFormat, "log-format", "", "log format: text or json")
	flags.StringVar(&o.dbPath, "db", "", "path of the libSQL run history database")

	_ = o.v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = o.v.BindPFlag("log_format", flags.Lookup("log-format"))
	_ = o.v.BindPFlag("db_path", flags.Lookup("db"))
}

// validate loads the configuration and builds the logger.
func (o *globalOptions) validate() error {
	cfg, err := loadConfig(o.v, o.cfgFile)
	if err != nil {
		return err
	}
	o.cfg = cfg
	o.logger = logging.New(cfg.LogLevel, cfg.LogFormat, o.stderr)
	slog.SetDefault(o.logger)
	return nil
}

// openStore opens and migrates the run history database.
func (o *globalOptions) openStore(ctx context.Context) (*store.LibSQLStore, error) {
	path := o.cfg.DBPath
	if path == "" {
		return nil, fmt.Errorf("db_path is not set")
	}
	if !strings.HasPrefix(path, "file:") && !strings.Contains(path, "://") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		path = "file:" + path
	}

	s, err := store.NewLibSQLStore(path)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// newRunner builds a runner over s and hub from the loaded configuration.
func (o *globalOptions) newRunner(s store.Store, hub streaming.EventHub) *engine.Runner {
	return engine.NewRunner(s, hub, o.cfg.engineConfig(), o.logger)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// newCmdRoot creates the `imagechain` command tree.
func newCmdRoot() *cobra.Command {
	o := newGlobalOptions()

	cmds := &cobra.Command{
		Use:   "imagechain",
		Short: "Run batches of images through chains of AI image transformations",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return o.validate()
		},
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	o.addFlags(cmds)

	cmds.AddCommand(newCmdValidate(o))
	cmds.AddCommand(newCmdRun(o))
	cmds.AddCommand(newCmdServe(o))
	cmds.AddCommand(newCmdSchedule(o))
	cmds.AddCommand(newCmdRuns(o))
	cmds.AddCommand(newCmdRecords(o))
	cmds.AddCommand(newCmdDiagram(o))
	cmds.AddCommand(newCmdVersion())

	return cmds
}
