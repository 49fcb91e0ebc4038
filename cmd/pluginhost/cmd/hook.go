package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var triggerParams string

// hookCmd groups hook operations.
var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Manage and trigger plugin hooks",
}

// hookRegisterCmd binds a plugin action to a named extension point.
var hookRegisterCmd = &cobra.Command{
	Use:   "register <hook> <plugin> <action>",
	Short: "Register a hook binding",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Logger = log.Logger.Level(zerolog.Disabled)

		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Shutdown(cmd.Context())

		rt.LoadAll(cmd.Context())

		if err := rt.RegisterHook(args[0], args[1], args[2]); err != nil {
			return fmt.Errorf("failed to register hook: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "hook %s registered for %s.%s\n", args[0], args[1], args[2])

		return nil
	},
}

// hookTriggerCmd fans parameters out to every binding on a hook.
var hookTriggerCmd = &cobra.Command{
	Use:   "trigger <hook>",
	Short: "Trigger a hook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Logger = log.Logger.Level(zerolog.Disabled)

		params := make(map[string]any)
		if triggerParams != "" {
			if err := json.Unmarshal([]byte(triggerParams), &params); err != nil {
				return fmt.Errorf("invalid --params JSON: %w", err)
			}
		}

		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Shutdown(cmd.Context())

		rt.LoadAll(cmd.Context())

		results, err := rt.TriggerHook(cmd.Context(), args[0], params)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(hookCmd)
	hookCmd.AddCommand(hookRegisterCmd)
	hookCmd.AddCommand(hookTriggerCmd)

	hookTriggerCmd.Flags().StringVar(&triggerParams, "params", "", "Hook parameters as a JSON object")
}
