package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// listCmd represents the list command.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed plugins",
	Long:  `List all installed plugins with their status and metadata.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// Disable logging for CLI commands.
		log.Logger = log.Logger.Level(zerolog.Disabled)

		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Shutdown(cmd.Context())

		rt.LoadAll(cmd.Context())
		resp := rt.ListPlugins()

		// Create tabwriter for aligned output.
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "Name\tStatus\tVersion\tDescription\tAuthor")
		fmt.Fprintln(w, "----\t------\t-------\t-----------\t------")

		names := make([]string, 0, len(resp.Plugins))
		for name := range resp.Plugins {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			info := resp.Plugins[name]
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				info.Name,
				info.Status,
				info.Version,
				info.Description,
				info.Author)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "\n%d total, %d enabled, %d disabled\n",
			resp.TotalCount, resp.EnabledCount, resp.DisabledCount)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
