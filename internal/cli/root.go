// Package cli implements the gazegrid command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ayusman/gazegrid/internal/config"
	"github.com/ayusman/gazegrid/internal/logging"
)

// Version is the application version.
const Version = "0.1.0"

// globalOptions holds the flags shared by every command.
type globalOptions struct {
	ConfigPath string
	EnvFile    string
	LogLevel   string
	LogFile    string
	DBPath     string
}

// env is what the persistent pre-run prepares for subcommands.
type env struct {
	cfg *config.Config
	log *logrus.Logger
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	e := &env{}

	root := &cobra.Command{
		Use:           "gazegrid",
		Short:         "Webcam gaze estimation onto a screen grid",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.setup(cmd, opts)
		},
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "Path to the YAML config (default: ~/.gazegrid/config.yaml)")
	flags.StringVar(&opts.EnvFile, "env-file", ".env", "Path to a .env file")
	flags.StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&opts.LogFile, "log-file", "", "Also write logs to this rotated file")
	flags.StringVar(&opts.DBPath, "db", "", "SQLite database path")

	root.AddCommand(newRunCmd(e), newReplayCmd(e), newSizesCmd(e), newConfigCmd(e))
	return root
}

// setup loads the configuration in order of precedence: file, .env and
// environment, then flags.
func (e *env) setup(cmd *cobra.Command, opts *globalOptions) error {
	if err := config.LoadEnv(opts.EnvFile); err != nil {
		return err
	}

	path := opts.ConfigPath
	if path == "" {
		path = filepath.Join(config.DataDir(), "config.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFile != "" {
		cfg.Log.File = opts.LogFile
	}
	if opts.DBPath != "" {
		cfg.Store.Path = opts.DBPath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		File:   cfg.Log.File,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	e.cfg = cfg
	e.log = log
	return nil
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
