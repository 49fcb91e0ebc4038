package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/axisml/pluginhost/internal/runtime"
)

var (
	installName   string
	installEnable bool
)

// installCmd represents the install command.
var installCmd = &cobra.Command{
	Use:   "install <file-or-url>",
	Short: "Install a plugin from a local file or URL",
	Long:  `Install a plugin artifact into the plugin directory, validate its shape, and optionally enable it immediately.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Logger = log.Logger.Level(zerolog.Disabled)

		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Shutdown(cmd.Context())

		source := args[0]

		var resp runtime.InstallResponse
		if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
			resp, err = rt.InstallFromURL(cmd.Context(), source, installEnable)
		} else {
			data, readErr := os.ReadFile(source)
			if readErr != nil {
				return fmt.Errorf("failed to read plugin file: %w", readErr)
			}
			name := installName
			if name == "" {
				base := filepath.Base(source)
				name = strings.TrimSuffix(base, filepath.Ext(base))
			}
			resp, err = rt.InstallFromBytes(cmd.Context(), name, data, installEnable)
		}
		if err != nil {
			return fmt.Errorf("install failed: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "installed plugin %s at %s (%s)\n",
			resp.Descriptor.Name,
			resp.Descriptor.FilePath,
			resp.InstalledAt.Format("2006-01-02 15:04:05"))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)

	installCmd.Flags().StringVar(&installName, "name", "", "Plugin name (defaults to the file basename)")
	installCmd.Flags().BoolVar(&installEnable, "enable", true, "Enable the plugin immediately after install")
}
