package main

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/pseudoshell/pkg/config"
)

// configureLogger creates the diagnostics logger. --log-level takes
// precedence over --verbose, which takes precedence over the configured
// level. Diagnostics go to cfg.DiagnosticsFile when set, since the terminal
// is in raw mode while the session runs. The returned closer releases that file.
func configureLogger(cmd *cobra.Command, cfg *config.Config, verboseFlagName string) (*logrus.Logger, func() error, error) {
	if logLevelStr, _ := cmd.Flags().GetString("log-level"); logLevelStr != "" {
		cfg.LogLevel = logLevelStr
	} else if verbose, _ := cmd.Flags().GetBool(verboseFlagName); verbose {
		cfg.LogLevel = "debug"
	}
	if _, err := cfg.Level(); err != nil {
		return nil, nil, err
	}

	var out io.Writer = cmd.ErrOrStderr()
	closer := func() error { return nil }
	if cfg.DiagnosticsFile != "" {
		f, err := os.OpenFile(cfg.DiagnosticsFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, err
		}
		out = f
		closer = f.Close
	}

	return cfg.NewLogger(out), closer, nil
}
