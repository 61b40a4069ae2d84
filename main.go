package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"connectflow/pkg/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "connectflow",
	Short:         "Workflow execution engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: cfg.SlogLevel(),
		})
		slog.SetDefault(slog.New(logHandler))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, keygenCmd, credentialCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
