package cmd

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/the-crypt-keeper/llama-srb-api/internal/apiclient"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the served model and engine state",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("url")
		client := apiclient.New(url)

		models, err := client.ListModels(cmd.Context())
		if err != nil {
			return fmt.Errorf("list models: %w", err)
		}
		health, err := client.Health(cmd.Context())
		if err != nil {
			return fmt.Errorf("health: %w", err)
		}

		color := isatty.IsTerminal(os.Stdout.Fd())
		fmt.Fprintln(cmd.OutOrStdout(), renderStatusTable(models.Data, health.Status, color))
		return nil
	},
}

func init() {
	statusCmd.Flags().String("url", defaultURL, "server URL")
	rootCmd.AddCommand(statusCmd)
}
