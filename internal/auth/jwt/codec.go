// Package jwt decodes compact JSON Web Tokens and verifies them against a
// provider key source.
package jwt

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"oauthfed/internal/autherr"
)

// Token is a decoded compact JWT. Payload holds the exact decoded payload
// bytes; Claims is the same payload parsed as a JSON object, with numbers
// kept as json.Number.
type Token struct {
	Raw       string
	Header    map[string]any
	Claims    map[string]any
	Payload   []byte
	Signature string
}

// Decode splits a compact JWT and base64url-decodes its header and payload.
// It does not check the signature.
func Decode(compact string) (*Token, error) {
	parts := strings.Split(compact, ".")
	if len(parts) != 3 {
		return nil, malformed("expected 3 segments, got %d", len(parts))
	}
	for i, part := range parts {
		if part == "" {
			return nil, malformed("segment %d is empty", i)
		}
	}

	headerBytes, err := decodeSegment(parts[0])
	if err != nil {
		return nil, malformed("header: %v", err)
	}
	payload, err := decodeSegment(parts[1])
	if err != nil {
		return nil, malformed("payload: %v", err)
	}

	tok := &Token{Raw: compact, Payload: payload, Signature: parts[2]}
	if err := json.Unmarshal(headerBytes, &tok.Header); err != nil || tok.Header == nil {
		return nil, malformed("header is not a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&tok.Claims); err != nil || tok.Claims == nil {
		return nil, malformed("payload is not a JSON object")
	}
	return tok, nil
}

// decodeSegment accepts both padded and unpadded base64url.
func decodeSegment(seg string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(seg, "="))
}

func malformed(format string, args ...any) error {
	return autherr.New(autherr.ErrMalformedToken, "decode jwt", fmt.Sprintf(format, args...))
}

// StringClaim returns a claim if it is present and a string.
func (t *Token) StringClaim(name string) (string, bool) {
	s, ok := t.Claims[name].(string)
	return s, ok
}

// KeyID returns the "kid" header.
func (t *Token) KeyID() string {
	kid, _ := t.Header["kid"].(string)
	return kid
}

// Algorithm returns the "alg" header.
func (t *Token) Algorithm() string {
	alg, _ := t.Header["alg"].(string)
	return alg
}

// LooksLikeJWT reports whether s has the three-segment compact shape.
// It is a cheap pre-check; Decode is authoritative.
func LooksLikeJWT(s string) bool {
	return strings.Count(s, ".") == 2
}
