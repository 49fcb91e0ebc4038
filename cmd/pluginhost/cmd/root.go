// Package cmd provides the CLI commands for the pluginhost application.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/axisml/pluginhost/internal/config"
	"github.com/axisml/pluginhost/internal/runtime"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "pluginhost",
	Short: "Plugin runtime host and utilities",
	Long:  `A plugin runtime that discovers, loads and manages third-party extension plugins, dispatches their actions and fans out hook events.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// newRuntime builds a Runtime from the application configuration.
func newRuntime() (*runtime.Runtime, error) {
	if err := config.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}

	cfg := config.Get()

	return runtime.New(runtime.Options{
		PluginDir:    cfg.Plugins.Dir,
		ConfigPath:   cfg.Plugins.Config,
		FetchTimeout: cfg.Install.FetchTimeout,
		MaxFetchSize: cfg.Install.MaxSize,
	}), nil
}
