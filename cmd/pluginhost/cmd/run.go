package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/axisml/pluginhost/internal/logging"
)

var (
	debug bool
	human bool
)

// runCmd keeps the runtime resident: it loads every configured plugin,
// reloads the configured set on SIGHUP and drains handles on shutdown.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the plugin host",
	Long:  `Load all configured plugins and keep the runtime resident, reloading the configured set on SIGHUP.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logging.InitLogger(debug, human)

		rt, err := newRuntime()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		results := rt.LoadAll(ctx)
		loaded := 0
		for _, ok := range results {
			if ok {
				loaded++
			}
		}
		log.Info().
			Str("event", "runtime_started").
			Int("loaded", loaded).
			Int("configured", len(results)).
			Msg("plugin runtime started")

		// reload plugins on SIGHUP.
		reloadChan := make(chan os.Signal, 1)
		signal.Notify(reloadChan, syscall.SIGHUP)
		go func() {
			for range reloadChan {
				rt.LoadAll(ctx)
				log.Info().Msg("plugins reloaded")
			}
		}()

		// drain and exit on SIGINT or SIGTERM.
		stopChan := make(chan os.Signal, 1)
		signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-stopChan
		log.Info().Msgf("signal %v received, shutting down runtime", sig)

		rt.Shutdown(ctx)
		log.Info().Msg("runtime stopped gracefully")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	runCmd.Flags().BoolVar(&human, "human", false, "Enable human-readable logs")
}
