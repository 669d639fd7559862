package envelope

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Canonicalize returns the deterministic byte representation of env used
// for signing and hashing: meta.signature is excluded, and object keys are
// sorted recursively at every nesting level so the same logical envelope
// always produces identical bytes regardless of how it was constructed.
func Canonicalize(env Envelope) ([]byte, error) {
	m := env.Meta
	m.Signature = ""

	metaBytes, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	sortedMeta, err := sortedJSON(metaBytes)
	if err != nil {
		return nil, err
	}

	var sortedPayload json.RawMessage
	if len(env.Payload) > 0 {
		sortedPayload, err = sortedJSON(env.Payload)
		if err != nil {
			return nil, err
		}
	}

	out := struct {
		Meta    json.RawMessage `json:"meta"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}{Meta: sortedMeta, Payload: sortedPayload}

	return json.Marshal(out)
}

// StableEnvelopeHash returns the lowercase hex SHA-256 of the envelope's
// canonical bytes.
func StableEnvelopeHash(env Envelope) (string, error) {
	b, err := Canonicalize(env)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// sortedJSON decodes arbitrary JSON while preserving number literals
// exactly (via json.Number, so "10" stays "10" rather than round-tripping
// through float64), then re-encodes it. encoding/json already emits
// map[string]any keys in sorted order, so re-marshaling a decoded value
// yields a stable byte representation at every nesting depth.
func sortedJSON(raw json.RawMessage) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
