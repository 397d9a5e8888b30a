package main

import (
	"fmt"
	"os"

	"github.com/cuemby/rtrm/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rtrmd",
	Short: "rtrmd - single-host run-time resource manager daemon",
	Long: `rtrmd schedules execution contexts onto host resources for
applications linking the RTLib client, carrying them through recipe-defined
application working modes via a four-phase synchronization protocol.`,
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"rtrmd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a JSON configuration file (defaults baked in if omitted)")
	rootCmd.PersistentFlags().Bool("foreground", true, "Run in the foreground (the only supported mode; flag kept for operator familiarity)")
	rootCmd.PersistentFlags().String("plugins-dir", "", "Override the auxiliary platform-proxy plugins directory")
	rootCmd.PersistentFlags().Bool("test-plugins", false, "Run the built-in platform-proxy self-test suite and exit")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
		Output:     os.Stdout,
	})
}
