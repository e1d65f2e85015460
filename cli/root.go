// Package cli wires configuration, backends and the pipeline into commands.
package cli

import (
	"fmt"
	"log"
	"os"
	"time"

	"fileconvert/config"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

const shutdownTimeout = 30 * time.Second

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func NewRootCmd() *cobra.Command {
	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:          "fileconvert",
		Short:        "Asynchronous file conversion service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded := config.Load()
			if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
				loaded.Backend = backend
			}
			if err := loaded.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := initSentry(loaded); err != nil {
				log.Printf("sentry.Init: %v", err)
			}
			*cfg = *loaded
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			// Flush buffered events before the program terminates.
			sentry.Flush(2 * time.Second)
		},
	}

	rootCmd.PersistentFlags().String("backend", "", `storage backend: "postgres" or "memory" (overrides CONVERSION_BACKEND)`)

	rootCmd.AddCommand(newServeCmd(cfg))
	rootCmd.AddCommand(newWorkerCmd(cfg))
	rootCmd.AddCommand(newMigrateCmd(cfg))
	rootCmd.AddCommand(newResetQuotasCmd(cfg))
	rootCmd.AddCommand(newRecoverCmd(cfg))
	rootCmd.AddCommand(newWatchCmd(cfg))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func initSentry(cfg *config.Config) error {
	return sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.SentryEnvironment,
		Release:     Version,
	})
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "fileconvert", Version)
		},
	}
}
