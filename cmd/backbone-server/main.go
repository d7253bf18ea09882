// Command backbone-server runs the Backbone relay hub: it loads
// settings.toml, initializes the identity store under a state
// directory, starts the accept loop, and waits for SIGINT/SIGTERM to
// shut down cleanly. Grounded on cmd/server.go's cobra.Command +
// persistent-flags shape and cmd/relay-server/main.go's zerolog
// ConsoleWriter + signal.NotifyContext shutdown sequence.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/backbone-project/backbone/internal/backboneserver"
	"github.com/backbone-project/backbone/internal/config"
	"github.com/backbone-project/backbone/internal/identitystore"
)

var (
	flagConfigPath string
	flagStateDir   string
)

var rootCmd = &cobra.Command{
	Use:   "backbone-server",
	Short: "Authenticated message-relay hub for a closed set of known clients",
	RunE:  runServer,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfigPath, "config", "./settings.toml", "path to settings.toml")
	flags.StringVar(&flagStateDir, "state-dir", "", "directory for the server's identity store (overrides settings.toml's state_dir)")
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("[backbone-server] fatal")
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, err := loadSettings(flagConfigPath)
	if err != nil {
		return err
	}
	if flagStateDir != "" {
		settings.StateDir = flagStateDir
	}

	store, err := identitystore.Init(settings.StateDir)
	if err != nil {
		return err
	}

	srv := backboneserver.New(store, settings)
	if err := srv.Start(false); err != nil {
		return err
	}

	log.Info().Int("port", settings.Port).Str("state_dir", settings.StateDir).Msg("[backbone-server] running")

	<-ctx.Done()
	log.Info().Msg("[backbone-server] shutting down")
	srv.Stop()

	return nil
}

// loadSettings loads settings.toml, falling back to documented defaults
// when the file does not exist so a first run never fails on a missing
// config file.
func loadSettings(path string) (config.Settings, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Warn().Str("path", path).Msg("[backbone-server] no settings file, using defaults")
		return config.Default(), nil
	}
	return config.Load(path)
}
