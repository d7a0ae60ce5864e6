package config

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomchat/loom/internal/appState"
	"github.com/loomchat/loom/internal/config"
)

var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "View the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := appState.Get().Config

		rendered, err := cfg.Render()
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		fmt.Print(rendered)

		return nil
	},
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the configuration JSON schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		schema, err := config.GenerateJSONSchema()
		if err != nil {
			return fmt.Errorf("failed to generate schema: %w", err)
		}

		out, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal schema: %w", err)
		}
		fmt.Println(string(out))

		return nil
	},
}

func init() {
	ConfigCmd.AddCommand(schemaCmd)
}
