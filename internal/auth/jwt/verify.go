package jwt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"

	"oauthfed/internal/autherr"
	"oauthfed/internal/observability"
)

// KeySource verifies the signature of a compact JWS and returns its payload.
// It has the same shape as the go-oidc KeySet interface.
type KeySource interface {
	VerifySignature(ctx context.Context, jwt string) ([]byte, error)
}

// VerifierConfig controls claim validation of signed tokens.
type VerifierConfig struct {
	// Issuer, when set, must match the "iss" claim.
	Issuer string
	// Algorithms lists accepted signing algorithms (default RS256).
	Algorithms []string
	// Now overrides the clock used for exp/nbf checks.
	Now func() time.Time
}

// Verifier checks tokens for one provider. Without a key source it only
// decodes; that mode is explicit and logged when the verifier is built.
type Verifier struct {
	keys   KeySource
	issuer string
	algs   []string
	now    func() time.Time
}

// NewVerifier returns a verifier backed by keys. A nil keys puts the
// verifier in decode-only mode.
func NewVerifier(keys KeySource, cfg VerifierConfig, logger observability.Logger) *Verifier {
	logger = observability.OrDefault(logger).WithComponent("jwt")
	if keys == nil {
		logger.Warn("no JWKS endpoint configured, tokens are decoded without signature verification")
		return &Verifier{}
	}

	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = []string{string(jose.RS256)}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Verifier{keys: keys, issuer: cfg.Issuer, algs: algs, now: now}
}

// DecodeOnly reports whether signatures are skipped.
func (v *Verifier) DecodeOnly() bool {
	return v.keys == nil
}

// Verify decodes compact and, unless in decode-only mode, checks its
// signature and registered claims.
func (v *Verifier) Verify(ctx context.Context, compact string) (*Token, error) {
	tok, err := Decode(compact)
	if err != nil {
		return nil, err
	}
	if v.keys == nil {
		return tok, nil
	}

	if _, err := v.keys.VerifySignature(ctx, compact); err != nil {
		if errors.Is(err, autherr.ErrKeyUnavailable) || errors.Is(err, autherr.ErrTokenVerification) {
			return nil, err
		}
		return nil, autherr.Wrap(autherr.ErrTokenVerification, "verify signature", err)
	}

	if err := v.checkClaims(tok); err != nil {
		return nil, autherr.Wrap(autherr.ErrTokenVerification, "verify claims", err)
	}
	return tok, nil
}

// Google sometimes omits the scheme from the iss claim.
const (
	googleIssuer         = "https://accounts.google.com"
	googleIssuerNoScheme = "accounts.google.com"
)

// timeClaims holds exp and nbf only, so odd types in other registered
// claims (a numeric sub, say) do not fail verification.
type timeClaims struct {
	Expiry    *josejwt.NumericDate `json:"exp,omitempty"`
	NotBefore *josejwt.NumericDate `json:"nbf,omitempty"`
}

// checkClaims validates alg, iss, exp and nbf. Time claims are only
// enforced when the token carries them.
func (v *Verifier) checkClaims(tok *Token) error {
	if alg := tok.Algorithm(); !slices.Contains(v.algs, alg) {
		return fmt.Errorf("unsupported signing algorithm %q", alg)
	}

	var times timeClaims
	if err := json.Unmarshal(tok.Payload, &times); err != nil {
		return fmt.Errorf("time claims: %w", err)
	}
	iss, _ := tok.StringClaim("iss")
	if v.issuer == googleIssuer && iss == googleIssuerNoScheme {
		iss = googleIssuer
	}
	claims := josejwt.Claims{Issuer: iss, Expiry: times.Expiry, NotBefore: times.NotBefore}
	err := claims.ValidateWithLeeway(josejwt.Expected{Issuer: v.issuer, Time: v.now()}, 0)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, josejwt.ErrExpired):
		return fmt.Errorf("token expired at %s", claims.Expiry.Time().UTC().Format(time.RFC3339))
	case errors.Is(err, josejwt.ErrNotValidYet):
		return fmt.Errorf("token not valid before %s", claims.NotBefore.Time().UTC().Format(time.RFC3339))
	case errors.Is(err, josejwt.ErrInvalidIssuer):
		return fmt.Errorf("issuer %q, want %q", claims.Issuer, v.issuer)
	default:
		return err
	}
}
