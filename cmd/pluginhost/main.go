package main

import (
	"os"

	"github.com/axisml/pluginhost/cmd/pluginhost/cmd"
)

// main dispatches to the CLI root command.
func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
