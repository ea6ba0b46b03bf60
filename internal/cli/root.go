// Package cli wires the cobra command tree the godl binary exposes:
// add/start/ls/rm/clear, each opening the shared JSON task store under an
// advisory lock (internal/store) before delegating to a
// internal/scheduler.Scheduler. Grounded on the teacher's cmd package
// (root.go's rootCmd/Execute, add.go/ls.go/rm.go's per-command structure),
// trimmed of the TUI/HTTP-server control plane that package also carries,
// since presentation and multi-process remote control are out of spec's
// scope (spec §1's explicit exclusions).
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/surgekit/godl/internal/config"
	"github.com/surgekit/godl/internal/logging"
)

// Version is set via -ldflags at build time, matching the teacher's
// cmd/root.go convention.
var Version = "dev"

var (
	flagVerbose bool
	flagHome    string
)

var rootCmd = &cobra.Command{
	Use:     "godl",
	Short:   "A multi-connection download manager",
	Long:    "godl splits a download across several connections, persists its progress so it survives a crash or a pause, and resumes exactly where it left off.",
	Version: Version,
}

// Execute runs the command tree; main.go's sole job is to call this.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagHome, "home", "", "override godl's config/store directory (default: OS config dir)/godl")
	rootCmd.SetVersionTemplate("godl version {{.Version}}\n")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(clearCmd)
}

// homeDir resolves the effective godl directory, honoring --home.
func homeDir() (string, error) {
	if flagHome != "" {
		return flagHome, nil
	}
	return config.Dir()
}

func newLogger() zerolog.Logger {
	return logging.New(logging.Options{Verbose: flagVerbose})
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
