//go:build sqlite && postgres

package main

import (
	"oauthfed/internal/audit"
	"oauthfed/internal/auth"
	"oauthfed/internal/config"
	"oauthfed/internal/observability"
	pgstore "oauthfed/internal/storage/postgres"
	sqlitestore "oauthfed/internal/storage/sqlite"
)

// selectBackends picks PostgreSQL if DATABASE_URL is set, otherwise SQLite.
func selectBackends(logger observability.Logger, settings config.Settings) backends {
	if settings.DatabaseURL != "" {
		st, err := pgstore.New(settings.DatabaseURL)
		if err != nil {
			logger.Error("postgres init failed; falling back to sqlite", "error", err)
		} else {
			logger.Info("using postgres store")
			return backends{
				accounts: st,
				sessions: auth.NewPostgresSessionStoreFromPool(st.Pool()),
				audit:    audit.NewPostgresAuditLoggerFromPool(st.Pool()),
			}
		}
	}
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
	if settings.DatabaseURL != "" {
		if s, err := pgstore.Status(settings.DatabaseURL); err == nil {
			return s
		}
	}
	s, err := sqlitestore.Status(settings.SQLiteDSN)
	if err != nil {
		return ""
	}
	return s
}
