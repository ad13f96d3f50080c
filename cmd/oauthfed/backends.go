package main

import (
	"oauthfed/internal/audit"
	"oauthfed/internal/auth"
	"oauthfed/internal/storage"
)

// backends are the persistent stores the server runs on. Which database
// backs them depends on build tags (see store_*.go).
type backends struct {
	accounts storage.Store
	sessions auth.SessionStore
	audit    audit.AuditLogger
}

func memoryBackends() backends {
	return backends{
		accounts: storage.NewMemoryAccountStore(),
		sessions: auth.NewMemorySessionStore(),
		audit:    audit.NewMemoryAuditLogger(),
	}
}

func (b backends) close() error {
	return b.accounts.Close()
}
