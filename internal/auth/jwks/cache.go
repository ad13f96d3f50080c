// Package jwks caches signing keys fetched from a provider's JSON Web Key
// Set endpoint.
//
// Keys are held in a size-bounded LRU whose entries expire after a TTL. A
// lookup miss may trigger a download of the key set, but downloads are
// throttled by a token bucket so forged key ids cannot hammer the endpoint.
// A miss that finds the bucket empty fails fast with ErrKeyUnavailable.
package jwks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"oauthfed/internal/autherr"
	"oauthfed/internal/domain"
	"oauthfed/internal/observability"
)

// maxKeySetSize bounds the key set response body.
const maxKeySetSize = 1 << 20

// Config describes one provider's key endpoint and cache policy.
type Config struct {
	ProviderID string
	URL        string
	// Size is the maximum number of cached keys and the burst of the fetch limiter.
	Size int
	// TTL is how long a key stays cached after it was fetched.
	TTL time.Duration
	// RefillRate is the window over which Size fetches are allowed.
	RefillRate time.Duration
	// Algorithms lists accepted signature algorithms (default RS256).
	Algorithms []string
	HTTPClient *http.Client
}

// Cache resolves signing keys by key id. It is safe for concurrent use and
// is meant to be created once per provider at startup.
type Cache struct {
	cfg     Config
	algs    []jose.SignatureAlgorithm
	keys    *expirable.LRU[string, domain.JWKCacheEntry]
	limiter *rate.Limiter
	group   singleflight.Group
	client  *http.Client
	logger  observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithMetrics records lookups and fetches in m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l observability.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// New builds a cache for cfg. Zero values fall back to the provider defaults.
func New(cfg Config, opts ...Option) *Cache {
	if cfg.Size <= 0 {
		cfg.Size = domain.DefaultJWKSCacheSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = domain.DefaultJWKSCacheTTL
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = domain.DefaultJWKSRefillRate
	}
	if len(cfg.Algorithms) == 0 {
		cfg.Algorithms = []string{string(jose.RS256)}
	}

	c := &Cache{
		cfg:     cfg,
		keys:    expirable.NewLRU[string, domain.JWKCacheEntry](cfg.Size, nil, cfg.TTL),
		limiter: rate.NewLimiter(rate.Every(cfg.RefillRate/time.Duration(cfg.Size)), cfg.Size),
		client:  cfg.HTTPClient,
		logger:  observability.NopLogger(),
		now:     time.Now,
	}
	for _, a := range cfg.Algorithms {
		c.algs = append(c.algs, jose.SignatureAlgorithm(a))
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: 10 * time.Second}
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("jwks").With("provider", cfg.ProviderID)
	return c
}

// Len returns the number of cached keys.
func (c *Cache) Len() int {
	return c.keys.Len()
}

// Contains reports whether kid is cached, without touching its recency.
func (c *Cache) Contains(kid string) bool {
	return c.keys.Contains(kid)
}

// Key returns the cached key for kid, fetching the key set on a miss when
// the rate limiter allows it.
func (c *Cache) Key(ctx context.Context, kid string) (domain.JWKCacheEntry, error) {
	if entry, ok := c.keys.Get(kid); ok {
		c.metrics.RecordJWKSLookup(c.cfg.ProviderID, "hit")
		return entry, nil
	}

	// Callers missing the same kid share one fetch and one limiter token.
	v, err, _ := c.group.Do(kid, func() (any, error) {
		if entry, ok := c.keys.Peek(kid); ok {
			return entry, nil
		}
		if !c.limiter.Allow() {
			c.metrics.RecordJWKSLookup(c.cfg.ProviderID, "limited")
			c.logger.WarnContext(ctx, "key set fetch rate limited", "kid", kid)
			return nil, autherr.New(autherr.ErrKeyUnavailable, "jwks lookup",
				fmt.Sprintf("key %q not cached and fetch rate limit reached", kid))
		}
		c.metrics.RecordJWKSLookup(c.cfg.ProviderID, "miss")
		return c.fetch(ctx, kid)
	})
	if err != nil {
		return domain.JWKCacheEntry{}, err
	}
	entry := v.(domain.JWKCacheEntry)
	c.keys.Add(kid, entry)
	return entry, nil
}

// fetch downloads the key set and returns the key matching kid.
func (c *Cache) fetch(ctx context.Context, kid string) (entry domain.JWKCacheEntry, err error) {
	ctx, span := observability.StartSpan(ctx, "jwks.fetch",
		attribute.String("provider", c.cfg.ProviderID),
		attribute.String("kid", kid))
	defer func() {
		c.metrics.RecordJWKSFetch(c.cfg.ProviderID, err)
		observability.FinishSpan(span, err)
	}()

	set, err := c.download(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "key set fetch failed", "error", err)
		return domain.JWKCacheEntry{}, autherr.Wrap(autherr.ErrKeyUnavailable, "fetch jwks", err)
	}

	matches := set.Key(kid)
	if len(matches) == 0 {
		return domain.JWKCacheEntry{}, autherr.New(autherr.ErrKeyUnavailable, "fetch jwks",
			fmt.Sprintf("no key with id %q in key set", kid))
	}
	key := matches[0]
	if !key.Valid() {
		return domain.JWKCacheEntry{}, autherr.New(autherr.ErrKeyUnavailable, "fetch jwks",
			fmt.Sprintf("key %q is not a valid key", kid))
	}
	c.logger.DebugContext(ctx, "fetched signing key", "kid", kid, "alg", key.Algorithm)
	return domain.JWKCacheEntry{
		KeyID:     kid,
		Algorithm: key.Algorithm,
		PublicKey: key.Public().Key,
		FetchedAt: c.now(),
	}, nil
}

func (c *Cache) download(ctx context.Context) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetSize))
	if err != nil {
		return nil, fmt.Errorf("read key set: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, autherr.HTTP(autherr.ErrResourceFetch, "fetch jwks", resp.StatusCode, body)
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("decode key set: %w", err)
	}
	return &set, nil
}

// VerifySignature implements the go-oidc KeySet interface: it resolves the
// token's key by kid and returns the verified payload.
func (c *Cache) VerifySignature(ctx context.Context, raw string) ([]byte, error) {
	jws, err := jose.ParseSigned(raw, c.algs)
	if err != nil {
		return nil, autherr.Wrap(autherr.ErrTokenVerification, "parse jws", err)
	}
	if len(jws.Signatures) != 1 {
		return nil, autherr.New(autherr.ErrTokenVerification, "parse jws",
			fmt.Sprintf("expected one signature, got %d", len(jws.Signatures)))
	}

	kid := jws.Signatures[0].Header.KeyID
	if kid == "" {
		return nil, autherr.New(autherr.ErrTokenVerification, "parse jws", "token has no key id")
	}

	entry, err := c.Key(ctx, kid)
	if err != nil {
		return nil, err
	}

	payload, err := jws.Verify(entry.PublicKey)
	if err != nil {
		if errors.Is(err, jose.ErrCryptoFailure) {
			return nil, autherr.New(autherr.ErrTokenVerification, "verify jws", "signature mismatch")
		}
		return nil, autherr.Wrap(autherr.ErrTokenVerification, "verify jws", err)
	}
	return payload, nil
}
