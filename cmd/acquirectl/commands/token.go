package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/acquire/internal/app"
)

func init() {
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Prints the shared third-party token, minting one if the cached token is about to expire.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			rec, err := a.Tokens.Record(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"accessToken": rec.AccessToken,
				"tokenType":   rec.TokenType,
				"expiresAt":   rec.ExpiresAt,
				"expiresIn":   int64(time.Until(rec.ExpiresAt).Seconds()),
				"mintCount":   rec.MintCount,
			})
		})
	},
}
