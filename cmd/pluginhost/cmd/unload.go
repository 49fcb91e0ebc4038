package cmd

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// unloadCmd represents the unload command.
var unloadCmd = &cobra.Command{
	Use:   "unload <plugin>",
	Short: "Unload a plugin entirely",
	Long:  `Retire the plugin and remove its descriptor, artifact and config; the plugin must be re-installed to return.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Logger = log.Logger.Level(zerolog.Disabled)

		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Shutdown(cmd.Context())

		rt.LoadAll(cmd.Context())

		if err := rt.Unload(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to unload plugin: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "plugin %s unloaded\n", args[0])

		return nil
	},
}

func init() {
	rootCmd.AddCommand(unloadCmd)
}
