package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/acquire/internal/app"
	"github.com/jmylchreest/acquire/internal/proxy"
)

func init() {
	proxiesCmd.AddCommand(proxiesListCmd, proxiesCheckCmd)
	rootCmd.AddCommand(proxiesCmd)
}

var proxiesCmd = &cobra.Command{
	Use:   "proxies",
	Short: "Inspects the proxy pool from PROXY_LIST.",
}

var proxiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Prints every proxy with credentials redacted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return printSnapshots(cmd, a.Proxies.Stats())
		})
	},
}

var proxiesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Probes every proxy through PROXY_TEST_URL and prints the result.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			total, _ := a.Proxies.Counts()
			n := a.Proxies.ProbeAll(ctx)
			if err := printSnapshots(cmd, a.Proxies.Stats()); err != nil {
				return err
			}
			if n < total {
				return fmt.Errorf("%d of %d proxies failed the probe", total-n, total)
			}
			return nil
		})
	},
}

func printSnapshots(cmd *cobra.Command, stats []proxy.Snapshot) error {
	for i := range stats {
		stats[i].Address = proxy.Redact(stats[i].Address)
	}
	return printJSON(cmd.OutOrStdout(), stats)
}
