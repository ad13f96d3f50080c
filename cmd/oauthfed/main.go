package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"oauthfed/internal/api"
	"oauthfed/internal/auth/groups"
	"oauthfed/internal/auth/login"
	"oauthfed/internal/auth/oauth"
	"oauthfed/internal/auth/oidc"
	"oauthfed/internal/auth/provider"
	"oauthfed/internal/config"
	"oauthfed/internal/observability"
)

func main() {
	logger := observability.NewLogger(observability.ConfigFromEnv())

	migrate := flag.String("migrate", "", "run migrations: 'up' to apply, 'status' to show status")
	flag.Parse()

	settings, configs, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	sentryEnabled := false
	if settings.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              settings.SentryDSN,
			Environment:      settings.SentryEnvironment,
			Release:          settings.Version,
			TracesSampleRate: 1.0,
			AttachStacktrace: true,
		})
		if err != nil {
			logger.Warn("sentry initialization failed", "error", err)
		} else {
			logger.Info("sentry initialized", "environment", settings.SentryEnvironment, "release", settings.Version)
			sentryEnabled = true
		}
	}

	if *migrate != "" {
		runMigrationsCLI(logger, settings, *migrate)
		return
	}

	var metrics *observability.Metrics
	if metricsCfg := observability.MetricsConfigFromEnv(); metricsCfg.Enabled {
		metrics = observability.NewMetrics(metricsCfg)
		logger.Info("metrics enabled", "namespace", metricsCfg.Namespace, "version", metricsCfg.Version)
	} else {
		logger.Info("metrics disabled")
	}

	httpClient := &http.Client{Timeout: settings.HTTPTimeout}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	configs, err = oidc.DiscoverAll(startupCtx, configs, httpClient, logger)
	cancelStartup()
	if err != nil {
		logger.Error("provider discovery failed", "error", err)
		os.Exit(1)
	}

	verifiers, closeVerifiers, err := selectVerifierStore(settings, logger)
	if err != nil {
		logger.Error("pkce store init failed", "error", err)
		os.Exit(1)
	}
	defer closeVerifiers()

	groupCache := groups.NewCache()
	providers, err := provider.DefaultRegistry(logger).Build(configs, provider.Deps{
		Logger:     logger,
		Metrics:    metrics,
		Verifiers:  verifiers,
		Groups:     groupCache,
		HTTPClient: httpClient,
	})
	if err != nil {
		logger.Error("provider setup failed", "error", err)
		os.Exit(1)
	}
	for _, p := range providers.All() {
		logger.Info("provider configured", "provider", p.ID(), "scheme", p.Scheme(), "verifying", p.Verifying())
	}

	st := selectBackends(logger, settings)

	proxies, err := api.ParseTrustedProxies(settings.TrustedProxies)
	if err != nil {
		logger.Error("invalid OAUTHFED_TRUSTED_PROXIES", "error", err)
		os.Exit(1)
	}

	coordinator := login.New(providers.Login(), st.accounts,
		login.WithAudit(st.audit),
		login.WithMetrics(metrics),
		login.WithLogger(logger),
	)

	mux := http.NewServeMux()
	srv := api.NewServer(mux, api.Config{
		Providers:      providers,
		Accounts:       st.accounts,
		Sessions:       st.sessions,
		Audit:          st.audit,
		Groups:         groups.NewBackend(groupCache, logger),
		Login:          coordinator,
		Logger:         logger,
		Metrics:        metrics,
		SessionTTL:     settings.SessionTTL,
		LoginRateLimit: settings.LoginRateLimit,
		Proxies:        proxies,
	})
	srv.RegisterRoutes()

	go func() {
		ticker := time.NewTicker(15 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			n, err := st.sessions.Cleanup(context.Background())
			if err != nil {
				logger.Warn("session cleanup error", "error", err)
			} else if n > 0 {
				logger.Info("cleaned up expired sessions", "count", n)
			}
		}
	}()

	server := &http.Server{
		Addr:              settings.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("oauthfed listening", "addr", settings.Addr, "callback", settings.CallbackURL())
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	}

	logger.Info("shutting down server", "timeout", "15s")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	} else {
		logger.Info("server stopped gracefully")
	}

	if err := st.close(); err != nil {
		logger.Error("error closing store", "error", err)
	}

	if sentryEnabled {
		sentry.Flush(2 * time.Second)
	}
	logger.Info("shutdown complete")
}

// selectVerifierStore picks where PKCE verifiers live between the redirect
// and the callback. Redis lets several replicas share one login flow.
func selectVerifierStore(settings config.Settings, logger observability.Logger) (oauth.VerifierStore, func(), error) {
	if settings.PKCEStore != config.PKCEStoreRedis {
		return oauth.NewMemoryVerifierStore(), func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := oauth.OpenRedis(ctx, settings.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using redis pkce store")
	return oauth.NewRedisVerifierStore(client), func() { _ = client.Close() }, nil
}

// runMigrationsCLI executes migration commands.
func runMigrationsCLI(logger observability.Logger, settings config.Settings, cmd string) {
	switch cmd {
	case "up":
		// Opening the backends applies pending migrations.
		st := selectBackends(logger, settings)
		_ = st.close()
		runMigrationsCLI(logger, settings, "status")
	case "status":
		status := migrationStatus(settings)
		if status == "" {
			status = "migrations status not available in this build"
		}
		logger.Info("migrations status", "status", status)
	default:
		logger.Warn("unknown migrate command", "command", cmd)
	}
}
