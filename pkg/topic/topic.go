// Package topic builds, parses, and pattern-matches the fabric's
// hierarchical topic names, and derives the partition key used to keep a
// trace's messages on one broker partition.
package topic

import (
	"fmt"
	"regexp"
	"strings"
)

// Prefix is the fixed leading segment of every topic this fabric names.
const Prefix = "qa"

var (
	scopeCharset   = regexp.MustCompile(`^[a-z0-9_-]+$`)
	segmentCharset = regexp.MustCompile(`^[a-z0-9_.-]+$`)
)

// Components is the decomposed form of a topic:
// qa.<tenant>.<project>.<domain>[.<entity>][.<verb>]
type Components struct {
	Tenant  string
	Project string
	Domain  string
	Entity  string
	Verb    string
}

// Build assembles a topic string from its components. Entity and verb are
// omitted from the topic when empty.
func Build(c Components) (string, error) {
	if err := validateScope("tenant", c.Tenant); err != nil {
		return "", err
	}
	if err := validateScope("project", c.Project); err != nil {
		return "", err
	}
	if err := validateSegment("domain", c.Domain); err != nil {
		return "", err
	}
	segs := []string{Prefix, c.Tenant, c.Project, c.Domain}
	if c.Entity != "" {
		if err := validateSegment("entity", c.Entity); err != nil {
			return "", err
		}
		segs = append(segs, c.Entity)
	}
	if c.Verb != "" {
		if c.Entity == "" {
			return "", fmt.Errorf("topic: verb requires entity")
		}
		if err := validateSegment("verb", c.Verb); err != nil {
			return "", err
		}
		segs = append(segs, c.Verb)
	}
	return strings.Join(segs, "."), nil
}

// Parse is the inverse of Build: Parse(Build(c)) == c whenever no component
// contains a ".". Build accepts dotted domain/entity/verb values, but Parse
// splits on every ".", so such topics do not round-trip.
func Parse(t string) (Components, error) {
	segs := strings.Split(t, ".")
	if len(segs) < 4 || len(segs) > 6 {
		return Components{}, fmt.Errorf("topic: expected 4-6 segments, got %d", len(segs))
	}
	if segs[0] != Prefix {
		return Components{}, fmt.Errorf("topic: must start with %q", Prefix)
	}
	c := Components{Tenant: segs[1], Project: segs[2], Domain: segs[3]}
	if len(segs) >= 5 {
		c.Entity = segs[4]
	}
	if len(segs) == 6 {
		c.Verb = segs[5]
	}
	if err := validateScope("tenant", c.Tenant); err != nil {
		return Components{}, err
	}
	if err := validateScope("project", c.Project); err != nil {
		return Components{}, err
	}
	if err := validateSegment("domain", c.Domain); err != nil {
		return Components{}, err
	}
	if c.Entity != "" {
		if err := validateSegment("entity", c.Entity); err != nil {
			return Components{}, err
		}
	}
	if c.Verb != "" {
		if err := validateSegment("verb", c.Verb); err != nil {
			return Components{}, err
		}
	}
	return c, nil
}

// Matches reports whether topic t satisfies pattern p. A pattern segment of
// "*" matches any single segment of t; both must have the same segment
// count. Matches is reflexive (Matches(t, t) == true) and monotone: turning
// any literal segment of p into "*" can only add matches, never remove one.
func Matches(p, t string) bool {
	pSegs := strings.Split(p, ".")
	tSegs := strings.Split(t, ".")
	if len(pSegs) != len(tSegs) {
		return false
	}
	for i := range pSegs {
		if pSegs[i] == "*" {
			continue
		}
		if pSegs[i] != tSegs[i] {
			return false
		}
	}
	return true
}

// PartitionKey returns the ordering key for a message: tenant:project, or
// tenant:project:trace_id when a trace is present.
func PartitionKey(tenant, project, traceID string) string {
	if traceID == "" {
		return tenant + ":" + project
	}
	return tenant + ":" + project + ":" + traceID
}

func validateScope(label, s string) error {
	if s == "" {
		return fmt.Errorf("topic: %s is required", label)
	}
	if !scopeCharset.MatchString(s) {
		return fmt.Errorf("topic: %s must match [a-z0-9_-]+: %q", label, s)
	}
	return nil
}

func validateSegment(label, s string) error {
	if s == "" {
		return fmt.Errorf("topic: %s is required", label)
	}
	if !segmentCharset.MatchString(s) {
		return fmt.Errorf("topic: %s must match [a-z0-9_.-]+: %q", label, s)
	}
	return nil
}

// DLQ returns the dead-letter stream name for a topic.
func DLQ(t string) string { return t + ".dlq" }

// Well-known builders, one per fabric-defined topic family.

func SpecialistInvoke(tenant, project, specialist string) (string, error) {
	return Build(Components{Tenant: tenant, Project: project, Domain: "specialist", Entity: specialist, Verb: "invoke"})
}

func SpecialistResult(tenant, project, specialist string) (string, error) {
	return Build(Components{Tenant: tenant, Project: project, Domain: "specialist", Entity: specialist, Verb: "result"})
}

func CMODecisions(tenant, project string) (string, error) {
	return Build(Components{Tenant: tenant, Project: project, Domain: "cmo", Entity: "decisions"})
}

func RegistryHeartbeats(tenant, project string) (string, error) {
	return Build(Components{Tenant: tenant, Project: project, Domain: "registry", Entity: "heartbeats"})
}

// CMOEscalations is the escalation topic, separate from the ordinary
// decisions topic so escalations can be consumed independently.
func CMOEscalations(tenant, project string) (string, error) {
	return Build(Components{Tenant: tenant, Project: project, Domain: "cmo", Entity: "escalations"})
}

func MemoryEvents(tenant, project string) (string, error) {
	return Build(Components{Tenant: tenant, Project: project, Domain: "memory", Entity: "events"})
}

func ContextRequests(tenant, project string) (string, error) {
	return Build(Components{Tenant: tenant, Project: project, Domain: "context", Entity: "requests"})
}

func ContextResults(tenant, project string) (string, error) {
	return Build(Components{Tenant: tenant, Project: project, Domain: "context", Entity: "results"})
}
