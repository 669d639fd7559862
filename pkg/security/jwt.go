// Package security implements the fabric's security kit: JWT bearer
// verification, nested capability tokens, HMAC envelope signing, replay
// freshness checks, and idempotency-key derivation.
//
// Tokens are plain HS256/RS256 JWS compact serialization on stdlib crypto.
// It intentionally avoids external JWT libraries to keep the dependency
// surface minimal.
package security

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	cmoerrors "github.com/wesign-qa/cmo/pkg/errors"
)

// Algorithm is a supported JWT/capability-token signing algorithm.
type Algorithm string

const (
	HS256 Algorithm = "HS256"
	RS256 Algorithm = "RS256"
)

// VerifyError names the exact taxonomy code a verification failure maps to,
// so callers can branch on it without parsing error strings.
type VerifyError struct {
	Code cmoerrors.Code
	msg  string
}

func (e *VerifyError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.msg) }

func verifyErr(code cmoerrors.Code, msg string) error { return &VerifyError{Code: code, msg: msg} }

// Claims is the JWT bearer payload. Subject, Tenant, Project, and Scopes
// are required; Issuer, Audience, NotBefore, ExpiresAt, and JTI are
// optional.
type Claims struct {
	Subject  string   `json:"sub"`
	Tenant   string   `json:"tenant"`
	Project  string   `json:"project"`
	Scopes   []string `json:"scopes"`
	Issuer   string   `json:"iss,omitempty"`
	Audience string   `json:"aud,omitempty"`
	NotBefore int64   `json:"nbf,omitempty"`
	ExpiresAt int64   `json:"exp,omitempty"`
	JTI       string  `json:"jti,omitempty"`
}

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Provider signs and verifies bearer tokens under one algorithm.
type Provider struct {
	alg        Algorithm
	hmacSecret []byte
	rsaPriv    *rsa.PrivateKey
	rsaPub     *rsa.PublicKey

	// Expected issuer/audience; empty means "don't check".
	expectIssuer   string
	expectAudience string
}

// NewHS256Provider builds a Provider that signs and verifies with HMAC-SHA256.
func NewHS256Provider(secret []byte, expectIssuer, expectAudience string) (*Provider, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("security: HS256 secret is required")
	}
	return &Provider{
		alg:            HS256,
		hmacSecret:     append([]byte{}, secret...),
		expectIssuer:   expectIssuer,
		expectAudience: expectAudience,
	}, nil
}

// NewRS256Provider builds a Provider that signs and/or verifies with
// RSASSA-PKCS1-v1_5 using SHA-256. Either key may be nil: a verifier-only
// provider passes priv=nil, a signer-only provider passes pub=nil.
func NewRS256Provider(priv *rsa.PrivateKey, pub *rsa.PublicKey, expectIssuer, expectAudience string) (*Provider, error) {
	if priv == nil && pub == nil {
		return nil, fmt.Errorf("security: RS256 requires at least one of priv/pub")
	}
	return &Provider{
		alg:            RS256,
		rsaPriv:        priv,
		rsaPub:         pub,
		expectIssuer:   expectIssuer,
		expectAudience: expectAudience,
	}, nil
}

// Sign issues a bearer token for c.
func (p *Provider) Sign(c Claims) (string, error) {
	c.Scopes = normalizeScopes(c.Scopes)

	h := jwtHeader{Alg: string(p.alg), Typ: "JWT"}
	hb, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	pb, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	signingInput := b64url(hb) + "." + b64url(pb)

	sig, err := p.sign([]byte(signingInput))
	if err != nil {
		return "", err
	}
	return signingInput + "." + b64url(sig), nil
}

// Verify validates a bearer token's signature, required claims, and
// temporal bounds against now. clockSkewTolerance widens the exp/nbf
// checks; pass 0 for strict behavior ("exp == now" is still expired, per
// the fabric's boundary rule).
func (p *Provider) Verify(tok string, now time.Time, clockSkewTolerance time.Duration) (Claims, error) {
	parts := strings.Split(strings.TrimSpace(tok), ".")
	if len(parts) != 3 {
		return Claims{}, verifyErr(cmoerrors.Malformed, "token must have 3 parts")
	}

	signingInput := parts[0] + "." + parts[1]
	sig, err := b64urlDecode(parts[2])
	if err != nil {
		return Claims{}, verifyErr(cmoerrors.Malformed, "bad signature encoding")
	}
	if err := p.verifySig([]byte(signingInput), sig); err != nil {
		return Claims{}, verifyErr(cmoerrors.InvalidSignature, err.Error())
	}

	pb, err := b64urlDecode(parts[1])
	if err != nil {
		return Claims{}, verifyErr(cmoerrors.Malformed, "bad claims encoding")
	}
	var c Claims
	if err := json.Unmarshal(pb, &c); err != nil {
		return Claims{}, verifyErr(cmoerrors.Malformed, "bad claims json")
	}

	if c.Subject == "" || c.Tenant == "" || c.Project == "" || len(c.Scopes) == 0 {
		return Claims{}, verifyErr(cmoerrors.InvalidClaims, "sub/tenant/project/scopes are required")
	}

	if p.expectIssuer != "" && c.Issuer != p.expectIssuer {
		return Claims{}, verifyErr(cmoerrors.InvalidIssuer, "issuer mismatch")
	}
	if p.expectAudience != "" && c.Audience != p.expectAudience {
		return Claims{}, verifyErr(cmoerrors.InvalidAudience, "audience mismatch")
	}

	if c.ExpiresAt != 0 {
		exp := time.Unix(c.ExpiresAt, 0)
		if !now.Before(exp.Add(clockSkewTolerance)) {
			return Claims{}, verifyErr(cmoerrors.Expired, "token expired")
		}
	}
	if c.NotBefore != 0 {
		nbf := time.Unix(c.NotBefore, 0)
		if now.Before(nbf.Add(-clockSkewTolerance)) {
			return Claims{}, verifyErr(cmoerrors.NotBefore, "token not yet valid")
		}
	}

	return c, nil
}

func (p *Provider) sign(data []byte) ([]byte, error) {
	switch p.alg {
	case HS256:
		m := hmac.New(sha256.New, p.hmacSecret)
		_, _ = m.Write(data)
		return m.Sum(nil), nil
	case RS256:
		if p.rsaPriv == nil {
			return nil, fmt.Errorf("security: no RSA private key configured for signing")
		}
		sum := sha256.Sum256(data)
		return rsa.SignPKCS1v15(rand.Reader, p.rsaPriv, crypto.SHA256, sum[:])
	default:
		return nil, fmt.Errorf("security: unsupported algorithm %q", p.alg)
	}
}

func (p *Provider) verifySig(data, sig []byte) error {
	switch p.alg {
	case HS256:
		m := hmac.New(sha256.New, p.hmacSecret)
		_, _ = m.Write(data)
		if !hmac.Equal(m.Sum(nil), sig) {
			return fmt.Errorf("signature mismatch")
		}
		return nil
	case RS256:
		if p.rsaPub == nil {
			return fmt.Errorf("no RSA public key configured for verification")
		}
		sum := sha256.Sum256(data)
		return rsa.VerifyPKCS1v15(p.rsaPub, crypto.SHA256, sum[:], sig)
	default:
		return fmt.Errorf("unsupported algorithm %q", p.alg)
	}
}

// MatchScope reports whether granted covers required, using the fabric's
// wildcard rules: an exact match; "admin" or "*" granting everything; and
// "prefix:*" or "prefix/*" granting anything sharing that prefix.
func MatchScope(granted []string, required string) bool {
	for _, g := range granted {
		if scopeGrants(g, required) {
			return true
		}
	}
	return false
}

func scopeGrants(granted, required string) bool {
	if granted == required || granted == "admin" || granted == "*" {
		return true
	}
	for _, sep := range []string{":", "/"} {
		suffix := sep + "*"
		if strings.HasSuffix(granted, suffix) {
			prefix := strings.TrimSuffix(granted, suffix)
			if strings.HasPrefix(required, prefix+sep) || required == prefix {
				return true
			}
		}
	}
	return false
}

func normalizeScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func b64url(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func b64urlDecode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

// signClaims signs an arbitrary claims payload with p's algorithm and keys,
// reusing the same header/signing-input shape as Provider.Sign. It lets
// CapabilityProvider share signing machinery with the bearer Provider
// without assuming the Claims type.
func signClaims(p *Provider, claims any) (string, error) {
	h := jwtHeader{Alg: string(p.alg), Typ: "JWT"}
	hb, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	pb, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signingInput := b64url(hb) + "." + b64url(pb)

	sig, err := p.sign([]byte(signingInput))
	if err != nil {
		return "", err
	}
	return signingInput + "." + b64url(sig), nil
}

// verifyClaimsInto verifies tok's signature under p and decodes its claims
// into out, without assuming the Claims type. Temporal/issuer/audience
// checks are the caller's responsibility since capability tokens validate a
// different claim set than bearer tokens.
func verifyClaimsInto(p *Provider, tok string, out any) error {
	parts := strings.Split(strings.TrimSpace(tok), ".")
	if len(parts) != 3 {
		return verifyErr(cmoerrors.Malformed, "token must have 3 parts")
	}

	signingInput := parts[0] + "." + parts[1]
	sig, err := b64urlDecode(parts[2])
	if err != nil {
		return verifyErr(cmoerrors.Malformed, "bad signature encoding")
	}
	if err := p.verifySig([]byte(signingInput), sig); err != nil {
		return verifyErr(cmoerrors.InvalidSignature, err.Error())
	}

	pb, err := b64urlDecode(parts[1])
	if err != nil {
		return verifyErr(cmoerrors.Malformed, "bad claims encoding")
	}
	if err := json.Unmarshal(pb, out); err != nil {
		return verifyErr(cmoerrors.Malformed, "bad claims json")
	}
	return nil
}
