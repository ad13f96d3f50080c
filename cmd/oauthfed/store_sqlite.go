//go:build sqlite && !postgres

package main

import (
	"oauthfed/internal/audit"
	"oauthfed/internal/auth"
	"oauthfed/internal/config"
	"oauthfed/internal/observability"
	sqlitestore "oauthfed/internal/storage/sqlite"
)

// selectBackends opens SQLite at SQLITE_DSN. Sessions and the audit trail
// share the account database.
func selectBackends(logger observability.Logger, settings config.Settings) backends {
	st, err := sqlitestore.New(settings.SQLiteDSN)
	if err != nil {
		logger.Error("sqlite init failed; falling back to memory stores", "error", err)
		return memoryBackends()
	}
	logger.Info("using sqlite store", "dsn", settings.SQLiteDSN)
	return backends{
		accounts: st,
		sessions: auth.NewSQLiteSessionStoreFromDB(st.DB()),
		audit:    audit.NewSQLiteAuditLoggerFromDB(st.DB()),
	}
}

func migrationStatus(settings config.Settings) string {
	s, err := sqlitestore.Status(settings.SQLiteDSN)
	if err != nil {
		return ""
	}
	return s
}
