package cmd

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// enableCmd represents the enable command.
var enableCmd = &cobra.Command{
	Use:   "enable <plugin>",
	Short: "Enable a plugin",
	Long:  `Mark a plugin enabled in the persisted config and load it immediately.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Logger = log.Logger.Level(zerolog.Disabled)

		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Shutdown(cmd.Context())

		rt.LoadAll(cmd.Context())

		if err := rt.Enable(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to enable plugin: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "plugin %s enabled\n", args[0])

		return nil
	},
}

func init() {
	rootCmd.AddCommand(enableCmd)
}
