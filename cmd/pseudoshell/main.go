package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd runs one recorded shell session
var rootCmd = &cobra.Command{
	Use:   "pseudoshell",
	Short: "Run a shell on a pseudo-terminal and record its output",
	Long: `Runs your shell on a fresh pseudo-terminal, relays the keyboard and the
screen in raw mode and records every byte the shell writes to a log file.

- The log is created with a unique name (log_* in the current directory by default)
- Terminal settings are restored when the shell exits, also after errors
- Optional JSON statistics and a zstd compressed copy of the log

Settings come from built-in defaults, an optional YAML file (--config) and
explicitly given flags, in increasing order of precedence.`,
	Version:      formatVersion(version),
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runSession,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("pseudoshell {{.Version}} (commit %s, built %s)\n", commit, date))

	flags := rootCmd.Flags()
	flags.String("config", "", "YAML configuration file")
	flags.String("shell", "", "Shell to run (default $SHELL or a well-known shell)")
	flags.String("log-dir", ".", "Directory for the session log")
	flags.String("log-pattern", "log_*", "Session log file name pattern, * is replaced by a random string")
	flags.Int("inbound-size", 32, "Keyboard buffer size in bytes")
	flags.Int("outbound-size", 4096, "Screen buffer size in bytes")
	flags.Duration("flush-timeout", 2*time.Second, "How long the screen may hold up the final output")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Bool("verbose", false, "Enable debug diagnostics")
	flags.String("diagnostics", "", "Write diagnostics to this file instead of stderr")
	flags.Bool("stats", false, "Print session statistics as JSON to stderr")
	flags.String("stats-file", "", "Write session statistics as JSON to this file")
	flags.Bool("compress", false, "Also write a zstd compressed copy of the log")

	// Add -v as a short flag for --version
	flags.BoolP("version", "v", false, "Show version information")
}
