package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/phantom-sec/phantom/internal/config"
	"github.com/phantom-sec/phantom/internal/logging"
)

var (
	cfgFile  string
	logLevel string

	// loaded at init time
	paths     config.Paths
	log       *logging.Logger
	logCloser io.Closer
)

// ExitError carries a process exit code out of a command. Its message, if
// any, has already been shown to the user.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return exitInternal
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phantom",
		Short: "phantom - security module execution engine",
		Long:  "phantom discovers security plugins, runs them against targets under a concurrency and timeout contract, and records every outcome in a session.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			paths, err = config.ResolvePaths()
			if err != nil {
				return err
			}
			if cfgFile != "" {
				paths.Config = cfgFile
			}
			level := logLevel
			if level == "" {
				level = "info"
			}
			log = logging.New(nil, level)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.phantom/config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, fatal, silent)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newPluginsCmd())
	cmd.AddCommand(newSessionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// loadConfig reads and validates the config file, then rebuilds the root
// logger from its logging section. --log-level wins over the file.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return cfg, err
	}
	if issues := config.Validate(&cfg); len(issues) > 0 {
		for _, issue := range issues {
			log.Error().Str("path", issue.Path).Msg(issue.Message)
		}
		return cfg, fmt.Errorf("config validation failed with %d issue(s)", len(issues))
	}

	opts := logging.Options{
		Level:        cfg.Logging.Level,
		ConsoleStyle: cfg.Logging.ConsoleStyle,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
	}
	if logLevel != "" {
		opts.Level = logLevel
	}
	closeLog()
	log, logCloser = logging.NewWithOptions(opts)
	return cfg, nil
}

// Execute runs the root command.
func Execute() error {
	err := runRoot(newRootCmd())
	var ee *ExitError
	if err != nil && !errors.As(err, &ee) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

// runRoot executes cmd and then closes the log file, whether or not the
// command failed.
func runRoot(cmd *cobra.Command) error {
	err := cmd.Execute()
	if cerr := closeLog(); err == nil {
		err = cerr
	}
	return err
}

func closeLog() error {
	if logCloser == nil {
		return nil
	}
	err := logCloser.Close()
	logCloser = nil
	return err
}
