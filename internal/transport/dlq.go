package transport

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wesign-qa/cmo/pkg/envelope"
)

// Bounds keep a dead-lettered envelope from growing an unbounded
// investigation record.
const (
	MaxDLQReasonLen  = 512
	MaxDLQExtraField = 32
	MaxDLQExtraKeLen = 64
	MaxDLQExtraValLn = 256
)

// DLQRecord captures why an envelope was dead-lettered, with enough
// structure to investigate later: the envelope itself, the final attempt
// count, bounded metadata, and a stable content hash.
//
// FirstSeenAt is the first failed delivery that led to this entry;
// LastSeenAt tracks the most recent one; DeadLetteredAt is when Reject
// actually wrote the record.
type DLQRecord struct {
	RecordID string `json:"record_id,omitempty"`

	Topic    string            `json:"topic"`
	Envelope envelope.Envelope `json:"envelope"`

	// FinalAttempt is the delivery count at the time of dead-lettering.
	FinalAttempt int64  `json:"final_attempt"`
	Reason       string `json:"reason"`

	FirstSeenAt    time.Time `json:"first_seen_at,omitempty"`
	LastSeenAt     time.Time `json:"last_seen_at,omitempty"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`

	// Extra is small, low-cardinality metadata for investigations.
	Extra map[string]string `json:"extra,omitempty"`

	RecordHash string `json:"record_hash,omitempty"`
}

var ErrDLQRecordInvalid = errors.New("transport: dlq record invalid")

// NewDLQRecord builds a normalized, validated DLQRecord. now defaults to
// time.Now().UTC() when zero.
func NewDLQRecord(topic string, env envelope.Envelope, finalAttempt int64, reason string, now time.Time) (DLQRecord, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	rec := DLQRecord{
		Topic:          topic,
		Envelope:       env,
		FinalAttempt:   finalAttempt,
		Reason:         reason,
		DeadLetteredAt: now.UTC(),
	}
	return NormalizeDLQRecord(rec)
}

// NormalizeDLQRecord trims/bounds Reason and Extra, forces timestamps to
// UTC, and validates the result.
func NormalizeDLQRecord(r DLQRecord) (DLQRecord, error) {
	out := r
	out.RecordID = strings.TrimSpace(out.RecordID)
	out.Topic = strings.TrimSpace(out.Topic)

	out.Reason = strings.TrimSpace(out.Reason)
	if len(out.Reason) > MaxDLQReasonLen {
		out.Reason = out.Reason[:MaxDLQReasonLen]
	}
	if out.FinalAttempt < 0 {
		out.FinalAttempt = 0
	}

	if !out.FirstSeenAt.IsZero() {
		out.FirstSeenAt = out.FirstSeenAt.UTC()
	}
	if !out.LastSeenAt.IsZero() {
		out.LastSeenAt = out.LastSeenAt.UTC()
	}
	if !out.DeadLetteredAt.IsZero() {
		out.DeadLetteredAt = out.DeadLetteredAt.UTC()
	}

	if out.Extra != nil {
		keys := make([]string, 0, len(out.Extra))
		for k := range out.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		clean := make(map[string]string, len(out.Extra))
		for _, k := range keys {
			k2 := strings.ToLower(strings.TrimSpace(k))
			if k2 == "" || len(k2) > MaxDLQExtraKeLen {
				continue
			}
			v := strings.TrimSpace(out.Extra[k])
			if len(v) > MaxDLQExtraValLn {
				v = v[:MaxDLQExtraValLn]
			}
			clean[k2] = v
			if len(clean) >= MaxDLQExtraField {
				break
			}
		}
		if len(clean) == 0 {
			out.Extra = nil
		} else {
			out.Extra = clean
		}
	}

	out.RecordHash = strings.ToLower(strings.TrimSpace(out.RecordHash))

	if err := out.Validate(); err != nil {
		return DLQRecord{}, err
	}
	return out, nil
}

func (r DLQRecord) Validate() error {
	if strings.TrimSpace(r.Topic) == "" {
		return fmt.Errorf("%w: topic required", ErrDLQRecordInvalid)
	}
	if r.FinalAttempt < 0 {
		return fmt.Errorf("%w: final_attempt cannot be negative", ErrDLQRecordInvalid)
	}
	if r.DeadLetteredAt.IsZero() {
		return fmt.Errorf("%w: dead_lettered_at required", ErrDLQRecordInvalid)
	}
	if len(r.Reason) > MaxDLQReasonLen {
		return fmt.Errorf("%w: reason too long", ErrDLQRecordInvalid)
	}
	if len(r.Extra) > MaxDLQExtraField {
		return fmt.Errorf("%w: too many extra fields", ErrDLQRecordInvalid)
	}
	for k, v := range r.Extra {
		if k == "" || len(k) > MaxDLQExtraKeLen {
			return fmt.Errorf("%w: invalid extra key", ErrDLQRecordInvalid)
		}
		if len(v) > MaxDLQExtraValLn {
			return fmt.Errorf("%w: extra value too long", ErrDLQRecordInvalid)
		}
	}
	if r.RecordHash != "" && (len(r.RecordHash) != 64 || !isHexLower(r.RecordHash)) {
		return fmt.Errorf("%w: invalid record_hash", ErrDLQRecordInvalid)
	}
	return nil
}

// StableHash is a deterministic sha256 over the normalized record,
// excluding RecordID/RecordHash themselves, so retries that re-dead-letter
// the same envelope for the same reason produce the same hash.
func (r DLQRecord) StableHash() (string, error) {
	tmp, err := NormalizeDLQRecord(r)
	if err != nil {
		return "", err
	}
	tmp.RecordHash = ""
	tmp.RecordID = ""

	envBytes, err := json.Marshal(tmp.Envelope)
	if err != nil {
		return "", fmt.Errorf("transport: marshal envelope for dlq hash: %w", err)
	}

	h := sha256.New()
	write := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	write(tmp.Topic)
	write(tmp.Envelope.Meta.MessageID)
	write(string(tmp.Envelope.Meta.Type))
	write(tmp.Envelope.Meta.Tenant)
	write(fmt.Sprintf("%d", tmp.FinalAttempt))
	write(tmp.Reason)
	write(tmp.DeadLetteredAt.Format(time.RFC3339Nano))
	if !tmp.FirstSeenAt.IsZero() {
		write("first_seen_at")
		write(tmp.FirstSeenAt.Format(time.RFC3339Nano))
	}
	if !tmp.LastSeenAt.IsZero() {
		write("last_seen_at")
		write(tmp.LastSeenAt.Format(time.RFC3339Nano))
	}
	if tmp.Extra != nil {
		keys := make([]string, 0, len(tmp.Extra))
		for k := range tmp.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			write("x:" + k)
			write(tmp.Extra[k])
		}
	}
	write("env")
	h.Write(envBytes)

	return hex.EncodeToString(h.Sum(nil)), nil
}

func isHexLower(s string) bool {
	for _, r := range s {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			continue
		}
		return false
	}
	return true
}
