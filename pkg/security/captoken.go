package security

import (
	"time"

	cmoerrors "github.com/wesign-qa/cmo/pkg/errors"
)

// CapabilityClaims is the payload of a nested capability token: fine-grained
// grants layered on top of (or nested inside) a bearer JWT, optionally
// scoped to one resource and operation.
type CapabilityClaims struct {
	Subject      string   `json:"sub"`
	Issuer       string   `json:"iss,omitempty"`
	Capabilities []string `json:"capabilities"`
	Resource     string   `json:"resource,omitempty"`
	Operation    string   `json:"operation,omitempty"`
	ExpiresAt    int64    `json:"exp,omitempty"`
}

// CapabilityProvider signs and verifies capability tokens. It reuses the
// same HS256/RS256 signing machinery as bearer JWTs (Provider), since the
// spec settles on exactly those two mechanisms for identity-adjacent
// tokens; it is a distinct type from the bearer Provider because the claim
// sets and validation rules differ.
type CapabilityProvider struct {
	bearer *Provider
}

// NewCapabilityProvider wraps an existing bearer Provider to sign/verify
// capability tokens with the same algorithm and keys.
func NewCapabilityProvider(bearer *Provider) *CapabilityProvider {
	return &CapabilityProvider{bearer: bearer}
}

// Sign issues a capability token for c.
func (p *CapabilityProvider) Sign(c CapabilityClaims) (string, error) {
	return signClaims(p.bearer, c)
}

// Verify validates a capability token's signature and expiry, returning its
// claims. It does not itself check the requested capability/resource; call
// CheckCapability with the result.
func (p *CapabilityProvider) Verify(tok string, now time.Time, clockSkewTolerance time.Duration) (CapabilityClaims, error) {
	var c CapabilityClaims
	if err := verifyClaimsInto(p.bearer, tok, &c); err != nil {
		return CapabilityClaims{}, err
	}
	if len(c.Capabilities) == 0 {
		return CapabilityClaims{}, verifyErr(cmoerrors.InvalidClaims, "capabilities is required")
	}
	if c.ExpiresAt != 0 {
		exp := time.Unix(c.ExpiresAt, 0)
		if !now.Before(exp.Add(clockSkewTolerance)) {
			return CapabilityClaims{}, verifyErr(cmoerrors.Expired, "capability token expired")
		}
	}
	return c, nil
}

// CheckCapability reports whether tok grants requiredCapability against
// resource. When tok.Resource is set the token is resource-scoped: resource
// must match it under the same wildcard rules used for scopes (so
// "trace:*" permits any resource starting with "trace:"). An unscoped
// token (Resource == "") grants across all resources.
func CheckCapability(tok CapabilityClaims, requiredCapability, resource string) error {
	if !MatchScope(tok.Capabilities, requiredCapability) {
		return verifyErr(cmoerrors.InsufficientCapabilities, "capability not granted: "+requiredCapability)
	}
	if tok.Resource == "" {
		return nil
	}
	if scopeGrants(tok.Resource, resource) || tok.Resource == resource {
		return nil
	}
	return verifyErr(cmoerrors.ResourceNotScoped, "token is scoped to "+tok.Resource)
}
