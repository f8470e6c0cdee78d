// Package commands implements acquirectl, which runs the acquisition
// services in-process against the same configuration as the server.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/acquire/internal/app"
	"github.com/jmylchreest/acquire/internal/config"
	"github.com/jmylchreest/acquire/internal/logging"
	"github.com/jmylchreest/acquire/internal/version"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:           "acquirectl",
	Short:         "acquirectl scrapes pages and manages third-party tokens without the server.",
	Version:       version.Get().String(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error).")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp builds the services from the environment, runs fn and releases
// them again.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	logger := logging.New(logLevel)

	a, err := app.New(ctx, config.Load(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("error releasing services", "error", err)
		}
	}()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
