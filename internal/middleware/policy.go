// Package middleware implements the fabric's two cross-cutting request
// gates: the policy check and the idempotency guard. Both sit ahead of
// dispatch and decide deterministically off the envelope, before any
// handler runs.
package middleware

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Verdict is the policy gate's three-way outcome.
type Verdict string

const (
	VerdictAllow            Verdict = "allow"
	VerdictAllowWithCaveat  Verdict = "allow_with_caveat"
	VerdictDeny             Verdict = "deny"
)

// Constraint records one restriction attached to an allow_with_caveat
// verdict. It stays attached to the envelope through dispatch and onto the
// resulting DecisionNotice so downstream components can honor it.
type Constraint struct {
	Field  string
	Action string // e.g. "mask", "redact", "limit"
	Params map[string]string
}

// Decision is the result of evaluating one request against a Policy.
type Decision struct {
	Verdict     Verdict
	Reason      string
	Constraints []Constraint
}

// Rule is one policy statement: if Resource and Action both match, the rule
// applies and Verdict/Constraints are returned. Resource and Action match
// exactly, or by wildcard: "*" (or empty) matches anything, and a pattern
// ending in ".*", ":*" or "/*" matches any value that starts with the text
// before the "*". Unlike pkg/topic's single-segment "*", this prefix
// wildcard can span several segments ("qa.acme.*" matches
// "qa.acme.proj.specialist.result").
type Rule struct {
	Resource    string
	Action      string
	Verdict     Verdict
	Constraints []Constraint
	Reason      string
}

// Policy is an ordered list of rules; the first matching rule wins. A
// request matching no rule is denied (closed-by-default).
type Policy struct {
	Name  string
	Rules []Rule
}

// Evaluate returns the Decision for the first matching rule, or a
// closed-by-default deny if none match.
func (p Policy) Evaluate(resource, action string) Decision {
	for _, r := range p.Rules {
		if matchSegment(r.Resource, resource) && matchSegment(r.Action, action) {
			return Decision{Verdict: r.Verdict, Reason: r.Reason, Constraints: r.Constraints}
		}
	}
	return Decision{Verdict: VerdictDeny, Reason: "no matching policy rule"}
}

func matchSegment(pattern, value string) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	}
	if strings.HasSuffix(pattern, ":*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	}
	if strings.HasSuffix(pattern, "/*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == value
}

// Validate reports the first structural problem with p's rules: unknown
// verdicts or an allow_with_caveat rule carrying no constraints (which
// would be indistinguishable from a plain allow).
func (p Policy) Validate() error {
	for i, r := range p.Rules {
		switch r.Verdict {
		case VerdictAllow, VerdictAllowWithCaveat, VerdictDeny:
		default:
			return fmt.Errorf("middleware: rule %d: unknown verdict %q", i, r.Verdict)
		}
		if r.Verdict == VerdictAllowWithCaveat && len(r.Constraints) == 0 {
			return fmt.Errorf("middleware: rule %d: allow_with_caveat requires at least one constraint", i)
		}
	}
	return nil
}

type constraintsKey struct{}

// WithConstraints returns a context carrying the constraints an
// allow_with_caveat verdict attached, so handlers downstream of the gate
// can honor them.
func WithConstraints(ctx context.Context, cs []Constraint) context.Context {
	if len(cs) == 0 {
		return ctx
	}
	return context.WithValue(ctx, constraintsKey{}, cs)
}

// ConstraintsFromContext returns the constraints attached by the policy
// gate, or nil when the envelope was allowed unconditionally.
func ConstraintsFromContext(ctx context.Context) []Constraint {
	cs, _ := ctx.Value(constraintsKey{}).([]Constraint)
	return cs
}

// SortedConstraintFields returns c's constraint field names in deterministic
// order, for stable logging/explanation text.
func SortedConstraintFields(cs []Constraint) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Field)
	}
	sort.Strings(out)
	return out
}
