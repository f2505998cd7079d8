// Package main is the entry point for the activator service and CLI.
package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		log.Debug().Msgf(format, args...)
	})); err != nil {
		log.Warn().Err(err).Msg("Failed to set GOMAXPROCS")
	}
	deadlock.Opts.OnPotentialDeadlock = func() {
		log.Error().Msg("Potential deadlock detected")
	}

	if err := newRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("activator failed")
		os.Exit(1)
	}
}
