package security

import (
	"testing"
	"time"

	cmoerrors "github.com/wesign-qa/cmo/pkg/errors"
)

func TestHS256SignVerifyRoundTrip(t *testing.T) {
	p, err := NewHS256Provider([]byte("secret"), "cmo", "specialists")
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	claims := Claims{Subject: "planner", Tenant: "wesign", Project: "qa", Scopes: []string{"task:invoke"}, Issuer: "cmo", Audience: "specialists"}
	tok, err := p.Sign(claims)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	got, err := p.Verify(tok, time.Now(), 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Subject != "planner" {
		t.Fatalf("expected subject planner, got %q", got.Subject)
	}
}

func TestVerifyRejectsExpiryEqualToNow(t *testing.T) {
	p, err := NewHS256Provider([]byte("secret"), "", "")
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	now := time.Now()
	claims := Claims{Subject: "planner", Tenant: "wesign", Project: "qa", Scopes: []string{"*"}, ExpiresAt: now.Unix()}
	tok, err := p.Sign(claims)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = p.Verify(tok, time.Unix(now.Unix(), 0), 0)
	ve, ok := err.(*VerifyError)
	if !ok || ve.Code != cmoerrors.Expired {
		t.Fatalf("expected Expired for exp == now with zero tolerance, got %v", err)
	}
}

func TestMatchScopeWildcards(t *testing.T) {
	cases := []struct {
		granted  []string
		required string
		want     bool
	}{
		{[]string{"task:invoke"}, "task:invoke", true},
		{[]string{"admin"}, "anything", true},
		{[]string{"*"}, "anything", true},
		{[]string{"task:*"}, "task:invoke", true},
		{[]string{"task:*"}, "memory:read", false},
		{[]string{"task/*"}, "task/invoke", true},
	}
	for _, c := range cases {
		if got := MatchScope(c.granted, c.required); got != c.want {
			t.Errorf("MatchScope(%v, %q) = %v, want %v", c.granted, c.required, got, c.want)
		}
	}
}

func TestCapabilityTokenSignVerifyAndScopeCheck(t *testing.T) {
	bearer, err := NewHS256Provider([]byte("secret"), "", "")
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	cp := NewCapabilityProvider(bearer)
	claims := CapabilityClaims{Subject: "planner", Capabilities: []string{"trace:*"}, Resource: "trace:T1"}
	tok, err := cp.Sign(claims)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	got, err := cp.Verify(tok, time.Now(), 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := CheckCapability(got, "trace:read", "trace:T1"); err != nil {
		t.Fatalf("expected capability grant, got %v", err)
	}
	if err := CheckCapability(got, "trace:read", "trace:T2"); err == nil {
		t.Fatalf("expected resource scoping to reject a different trace")
	}
}
