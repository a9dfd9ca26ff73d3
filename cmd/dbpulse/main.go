// Package main provides the entry point for dbpulse.
//
// dbpulse periodically samples PostgreSQL statistics views on a set of
// servers and keeps the samples, with per-second rates, in a local SQLite
// store.
package main

import (
	"github.com/rs/zerolog/log"
)

// Version information set during build time
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("dbpulse failed")
	}
}
