package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "weathergate"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Resilient weather gateway over the Weatherstack API",
		Version: version,
		Long: `Weathergate fronts the Weatherstack API with a dual-horizon cache,
a circuit breaker, and retrying upstream fetches. When the upstream is
down it serves stale cached data instead of failing.`,
		SilenceUsage: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "Optional YAML config overlay")
	serveCmd.Flags().String("listen", "", "Listen address override (e.g. :8000)")

	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
