package main

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/DotmacTech/isp-management-main-sub004/internal/config"
)

func newRootCommand() *cobra.Command {
	var cfg *config.Settings

	root := &cobra.Command{
		Use:   "activator",
		Short: "ISP service activation workflow engine",
		Long: `activator provisions customer services through a multi-step workflow:
payment verification, RADIUS account, NAS configuration, service provisioning,
customer status update and notification. Failed activations are rolled back
in reverse order.

Configuration is read from ACTIVATOR_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			cfg = loaded
			setupLogging(cfg.LogLevel)
			return nil
		},
	}

	settings := func() *config.Settings { return cfg }
	root.AddCommand(
		serveCommand(settings),
		migrateCommand(settings),
		createCommand(settings),
		startCommand(settings),
		showCommand(settings),
	)
	return root
}

// setupLogging configures zerolog based on log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
