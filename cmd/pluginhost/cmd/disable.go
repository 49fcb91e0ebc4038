package cmd

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// disableCmd represents the disable command.
var disableCmd = &cobra.Command{
	Use:   "disable <plugin>",
	Short: "Disable a plugin",
	Long:  `Mark a plugin disabled in the persisted config and retire its live handle.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Logger = log.Logger.Level(zerolog.Disabled)

		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Shutdown(cmd.Context())

		rt.LoadAll(cmd.Context())

		if err := rt.Disable(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to disable plugin: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "plugin %s disabled\n", args[0])

		return nil
	},
}

func init() {
	rootCmd.AddCommand(disableCmd)
}
