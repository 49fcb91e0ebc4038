package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// configureCmd represents the configure command.
var configureCmd = &cobra.Command{
	Use:   "configure <plugin> <config-json>",
	Short: "Update plugin configuration",
	Long:  `Merge a JSON object into the plugin's configuration, delivering it live when the plugin supports reconfiguration.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Logger = log.Logger.Level(zerolog.Disabled)

		var cfg map[string]any
		if err := json.Unmarshal([]byte(args[1]), &cfg); err != nil {
			return fmt.Errorf("invalid config JSON: %w", err)
		}

		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Shutdown(cmd.Context())

		rt.LoadAll(cmd.Context())

		if err := rt.UpdateConfig(cmd.Context(), args[0], cfg); err != nil {
			return fmt.Errorf("failed to update plugin configuration: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "plugin %s configuration updated\n", args[0])

		return nil
	},
}

func init() {
	rootCmd.AddCommand(configureCmd)
}
