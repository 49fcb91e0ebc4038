package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var execParams string

// execCmd represents the exec command.
var execCmd = &cobra.Command{
	Use:   "exec <plugin> <action>",
	Short: "Execute a plugin action",
	Long:  `Invoke a single named action on a plugin with JSON parameters and print the invocation result.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Logger = log.Logger.Level(zerolog.Disabled)

		params := make(map[string]any)
		if execParams != "" {
			if err := json.Unmarshal([]byte(execParams), &params); err != nil {
				return fmt.Errorf("invalid --params JSON: %w", err)
			}
		}

		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Shutdown(cmd.Context())

		rt.LoadAll(cmd.Context())

		res, err := rt.ExecuteAction(cmd.Context(), args[0], args[1], params)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(execCmd)

	execCmd.Flags().StringVar(&execParams, "params", "", "Action parameters as a JSON object")
}
