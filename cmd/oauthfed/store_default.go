//go:build !sqlite && !postgres

package main

import (
	"oauthfed/internal/config"
	"oauthfed/internal/observability"
)

// selectBackends returns in-memory stores when built without the 'sqlite'
// or 'postgres' tags.
func selectBackends(logger observability.Logger, settings config.Settings) backends {
	if settings.DatabaseURL != "" {
		logger.Warn("DATABASE_URL set, but binary not built with -tags postgres; using in-memory stores")
	}
	logger.Info("using in-memory stores")
	return memoryBackends()
}

func migrationStatus(config.Settings) string { return "" }
