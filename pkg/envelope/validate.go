package envelope

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// scopeCharset matches tenant/project identifiers and AgentID.ID values:
// lowercase alnum with hyphens and underscores.
var scopeCharset = regexp.MustCompile(`^[a-z0-9_-]+$`)

// FieldError names the exact field path that failed validation, so callers
// can surface a precise diagnostic rather than a single opaque message.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationResult is the outcome of Validate: either Valid with no errors,
// or invalid with one FieldError per violated rule.
type ValidationResult struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors,omitempty"`
}

// Validate enforces the envelope's structural contract: required meta
// fields are present, `to` is non-empty, tenant/project/agent-id charset is
// respected, `type` is a recognized variant, and the payload is present
// where the variant requires one. It never mutates env.
func Validate(env Envelope) ValidationResult {
	var errs []FieldError
	add := func(field, msg string) { errs = append(errs, FieldError{Field: field, Message: msg}) }

	if env.Meta.A2AVersion == "" {
		add("meta.a2a_version", "required")
	} else if env.Meta.A2AVersion != CurrentVersion {
		add("meta.a2a_version", "unsupported version")
	}

	if env.Meta.MessageID == "" {
		add("meta.message_id", "required")
	}
	if env.Meta.TraceID == "" {
		add("meta.trace_id", "required")
	}

	if env.Meta.TS == "" {
		add("meta.ts", "required")
	} else if _, err := time.Parse(time.RFC3339Nano, env.Meta.TS); err != nil {
		if _, err2 := time.Parse(time.RFC3339, env.Meta.TS); err2 != nil {
			add("meta.ts", "must be RFC 3339 UTC")
		}
	}

	validateAgentID("meta.from", env.Meta.From, &errs)

	if len(env.Meta.To) == 0 {
		add("meta.to", "must be non-empty")
	} else {
		for i, a := range env.Meta.To {
			validateAgentID(fmt.Sprintf("meta.to[%d]", i), a, &errs)
		}
	}

	if env.Meta.Tenant == "" {
		add("meta.tenant", "required")
	} else if !scopeCharset.MatchString(env.Meta.Tenant) {
		add("meta.tenant", "must match [a-z0-9_-]+")
	}
	if env.Meta.Project == "" {
		add("meta.project", "required")
	} else if !scopeCharset.MatchString(env.Meta.Project) {
		add("meta.project", "must match [a-z0-9_-]+")
	}

	if env.Meta.Type == "" {
		add("meta.type", "required")
	} else if !env.Meta.Type.Known() {
		add("meta.type", "unrecognized envelope type")
	} else if requiresPayload(env.Meta.Type) && len(env.Payload) == 0 {
		add("payload", "required for this envelope type")
	} else if len(env.Payload) > 0 && !json.Valid(env.Payload) {
		add("payload", "must be valid JSON")
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func validateAgentID(field string, a AgentID, errs *[]FieldError) {
	add := func(msg string) { *errs = append(*errs, FieldError{Field: field, Message: msg}) }
	if a.ID == "" {
		add("id is required")
	} else if !scopeCharset.MatchString(strings.ToLower(a.ID)) {
		add("id must match [a-z0-9_-]+")
	}
	if a.Type == "" {
		add("type is required")
	} else if !a.Type.Known() {
		add("type must be one of agent|topic|service")
	}
}

// requiresPayload reports whether a variant must not publish with an empty
// payload. Heartbeat carries only metadata and is allowed to be empty.
func requiresPayload(t Type) bool {
	return t != Heartbeat
}
