package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/renameio/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/pseudoshell/internal/session"
	"github.com/srg/pseudoshell/pkg/config"
)

// HostTerminal returns the streams the session runs on. Tests replace it.
var HostTerminal = func() session.Host {
	return session.Host{In: os.Stdin, Out: os.Stdout}
}

// RunSession starts a session. Tests replace it.
var RunSession = session.Run

func runSession(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, closeDiagnostics, err := configureLogger(cmd, cfg, "verbose")
	if err != nil {
		return err
	}
	defer func() { _ = closeDiagnostics() }()

	logger.WithFields(logrus.Fields{
		"shell":   cfg.Shell,
		"log_dir": cfg.LogDir,
		"version": formatVersion(version),
	}).Debug("Starting pseudoshell")

	report, runErr := RunSession(session.RunOptions{
		Host:             HostTerminal(),
		Shell:            cfg.Shell,
		LogDir:           cfg.LogDir,
		LogPattern:       cfg.LogPattern,
		InboundCapacity:  cfg.InboundCapacity,
		OutboundCapacity: cfg.OutboundCapacity,
		FlushTimeout:     cfg.FlushTimeout,
		Compress:         cfg.CompressLog,
		Logger:           logger,
	})
	if report == nil {
		return runErr
	}

	// the terminal is restored by now, so the report can be printed
	if err := emitReport(cmd, cfg, report); err != nil {
		logger.WithError(err).Error("Failed to write statistics")
		if runErr == nil {
			return err
		}
	}
	return runErr
}

// loadConfig applies defaults, then the --config file, then flags the user
// set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("shell") {
		cfg.Shell, _ = flags.GetString("shell")
	}
	if flags.Changed("log-dir") {
		cfg.LogDir, _ = flags.GetString("log-dir")
	}
	if flags.Changed("log-pattern") {
		cfg.LogPattern, _ = flags.GetString("log-pattern")
	}
	if flags.Changed("inbound-size") {
		cfg.InboundCapacity, _ = flags.GetInt("inbound-size")
	}
	if flags.Changed("outbound-size") {
		cfg.OutboundCapacity, _ = flags.GetInt("outbound-size")
	}
	if flags.Changed("flush-timeout") {
		cfg.FlushTimeout, _ = flags.GetDuration("flush-timeout")
	}
	if flags.Changed("diagnostics") {
		cfg.DiagnosticsFile, _ = flags.GetString("diagnostics")
	}
	if flags.Changed("stats") {
		cfg.PrintStats, _ = flags.GetBool("stats")
	}
	if flags.Changed("stats-file") {
		cfg.StatsFile, _ = flags.GetString("stats-file")
	}
	if flags.Changed("compress") {
		cfg.CompressLog, _ = flags.GetBool("compress")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func emitReport(cmd *cobra.Command, cfg *config.Config, report *session.Report) error {
	if !cfg.PrintStats && cfg.StatsFile == "" {
		return nil
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode statistics: %w", err)
	}
	data = append(data, '\n')

	if cfg.PrintStats {
		if _, err := cmd.ErrOrStderr().Write(data); err != nil {
			return fmt.Errorf("print statistics: %w", err)
		}
	}
	if cfg.StatsFile != "" {
		if err := renameio.WriteFile(cfg.StatsFile, data, 0o644); err != nil {
			return fmt.Errorf("write statistics file: %w", err)
		}
	}
	return nil
}
