// Package cli implements the driftsync command line. Exit codes: 0 on
// success, 2 for configuration errors, 3 for reachability failures, 4 for
// runtime failures.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/driftsync/driftsync/cfg"
)

// Exit codes of the operational surface
const (
	ExitOK           = 0
	ExitConfigError  = 2
	ExitUnreachable  = 3
	ExitRuntimeError = 4
)

// Environment variable overrides
const (
	EnvConfig   = "DRIFTSYNC_CONFIG"
	EnvLogLevel = "DRIFTSYNC_LOG_LEVEL"
	EnvLogFile  = "DRIFTSYNC_LOG_FILE"
)

// exitError carries a process exit code up through cobra
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func configFailure(err error) error {
	return &exitError{code: ExitConfigError, err: err}
}

func reachabilityFailure(err error) error {
	return &exitError{code: ExitUnreachable, err: err}
}

func runtimeFailure(err error) error {
	return &exitError{code: ExitRuntimeError, err: err}
}

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "driftsync",
	Short:         "Replicate SQLite changes to MySQL and Oracle",
	Long:          "driftsync captures row-level changes in a SQLite database and continuously replicates them to one or more remote SQL targets.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(initCmd, validateCmd, syncCmd, statusCmd, resetCmd)
}

// Execute runs the CLI and returns the process exit code
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var exit *exitError
		if ok := asExitError(err, &exit); ok {
			return exit.code
		}
		return ExitRuntimeError
	}
	return ExitOK
}

func asExitError(err error, out **exitError) bool {
	for err != nil {
		if exit, ok := err.(*exitError); ok {
			*out = exit
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// resolveConfigPath applies the flag, then the environment override
func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	if env := os.Getenv(EnvConfig); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("no configuration file: pass --config or set %s", EnvConfig)
}

func loadConfig() (*cfg.Configuration, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, configFailure(err)
	}
	config, err := cfg.Load(path)
	if err != nil {
		return nil, configFailure(err)
	}
	return config, nil
}

func setupLogging() {
	level := logLevel
	if level == "" {
		level = os.Getenv(EnvLogLevel)
	}
	if level == "" {
		level = "info"
	}

	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		parsed = zerolog.InfoLevel
	}

	var writer io.Writer = zerolog.NewConsoleWriter()
	if logFile := os.Getenv(EnvLogFile); logFile != "" {
		if file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			writer = file
		} else {
			fmt.Fprintln(os.Stderr, "Warning: cannot open log file:", err)
		}
	}

	log.Logger = zerolog.New(writer).With().Timestamp().Logger().Level(parsed)
}

// applyConfigLogging re-levels the logger from the loaded configuration
// when no flag or environment override was given.
func applyConfigLogging(config *cfg.Configuration) {
	if logLevel != "" || os.Getenv(EnvLogLevel) != "" {
		return
	}
	if parsed, err := zerolog.ParseLevel(strings.ToLower(config.Logging.Level)); err == nil {
		log.Logger = log.Logger.Level(parsed)
	}
	if config.Logging.Format == "json" && os.Getenv(EnvLogFile) == "" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(log.Logger.GetLevel())
	}
}
