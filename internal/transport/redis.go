package transport

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wesign-qa/cmo/pkg/envelope"
)

// field names on the Redis Stream entry.
const (
	fieldEnvelope = "envelope"
	fieldReason   = "reason"
	fieldTopic    = "topic"
	fieldDLQ      = "dlq_record"
)

const (
	defaultBlockTimeout = 2 * time.Second
	initGroup           = "cmo-init" // bootstrap group used only to force XGROUP CREATE MKSTREAM

	// defaultReclaimMinIdle bounds how long a pending entry sits unclaimed
	// (nacked, or left behind by a consumer that died before acking)
	// before Subscribe's read loop reclaims it back to the live consumer.
	// It approximates RetryPolicy's backoff window rather than honoring
	// each attempt's exact jittered Delay: Nack's signature carries no
	// per-call timing, and Redis Streams reclaim here is poll-driven, not
	// scheduled, so a single fixed threshold is what the loop can act on.
	defaultReclaimMinIdle = 3 * time.Second
)

// RedisTransport is the fabric's one live Transport variant: one stream key
// per topic, one consumer group per logical subscriber role, DLQ streams
// named "<topic>.dlq". RetryPolicy's backoff jitter (deterministicJitter) is
// sha256-seeded rather than math/rand so computed delays are reproducible in
// tests; actual redelivery happens after the fixed defaultReclaimMinIdle.
type RedisTransport struct {
	client      *redis.Client
	groupPrefix string
}

// NewRedisTransport wraps an already-configured *redis.Client. The client's
// connection options (address, TLS, auth) are the caller's responsibility;
// this type owns only the stream protocol on top of it.
func NewRedisTransport(client *redis.Client, groupPrefix string) *RedisTransport {
	if groupPrefix == "" {
		groupPrefix = "cmo"
	}
	return &RedisTransport{client: client, groupPrefix: groupPrefix}
}

func (t *RedisTransport) Connect(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTransport) Disconnect(ctx context.Context) error {
	return t.client.Close()
}

func (t *RedisTransport) HealthCheck(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, env envelope.Envelope) (string, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("transport: marshal envelope: %w", err)
	}
	id, err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{fieldEnvelope: b},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("transport: publish %s: %w", topic, err)
	}
	return id, nil
}

func (t *RedisTransport) CreateTopic(ctx context.Context, topic string) error {
	err := t.client.XGroupCreateMkStream(ctx, topic, initGroup, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("transport: create topic %s: %w", topic, err)
	}
	return nil
}

func (t *RedisTransport) DeleteTopic(ctx context.Context, topic string) error {
	return t.client.Del(ctx, topic).Err()
}

func (t *RedisTransport) PurgeTopic(ctx context.Context, topic string) error {
	return t.client.XTrimMaxLen(ctx, topic, 0).Err()
}

func (t *RedisTransport) Stats(ctx context.Context, topic string) (TopicStats, error) {
	length, err := t.client.XLen(ctx, topic).Result()
	if err != nil {
		return TopicStats{}, fmt.Errorf("transport: xlen %s: %w", topic, err)
	}
	groups, err := t.client.XInfoGroups(ctx, topic).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		// A stream with no groups yet (ERR no such key or empty) is not an
		// error for Stats; treat it as zero groups.
		groups = nil
	}
	out := TopicStats{Topic: topic, Length: length, ConsumerGroups: map[string]GroupStats{}}
	for _, g := range groups {
		out.ConsumerGroups[g.Name] = GroupStats{
			Pending:       g.Pending,
			Consumers:     g.Consumers,
			LastDelivered: g.LastDeliveredID,
		}
	}
	return out, nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, topic string, opts SubscribeOptions) (<-chan Delivery, error) {
	if opts.ConsumerGroup == "" {
		return nil, fmt.Errorf("transport: consumer group is required")
	}
	if opts.ConsumerName == "" {
		return nil, fmt.Errorf("transport: consumer name is required")
	}
	block := opts.BlockTimeout
	if block <= 0 {
		block = defaultBlockTimeout
	}
	maxPending := opts.MaxPending

	err := t.client.XGroupCreateMkStream(ctx, topic, opts.ConsumerGroup, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("transport: ensure group %s/%s: %w", topic, opts.ConsumerGroup, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		backoff := 200 * time.Millisecond
		for {
			if ctx.Err() != nil {
				return
			}

			if maxPending > 0 {
				pending, perr := t.pendingCount(ctx, topic, opts.ConsumerGroup, opts.ConsumerName)
				if perr == nil && pending >= maxPending {
					// Backpressure: pause reads until some deliveries are
					// acked/nacked/rejected.
					if !sleepOrDone(ctx, backoff) {
						return
					}
					continue
				}
			}

			if reclaimed, rerr := t.reclaimDueRetries(ctx, topic, opts.ConsumerGroup, opts.ConsumerName); rerr == nil {
				for _, del := range reclaimed {
					select {
					case out <- del:
					case <-ctx.Done():
						return
					}
				}
			}

			res, rerr := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    opts.ConsumerGroup,
				Consumer: opts.ConsumerName,
				Streams:  []string{topic, ">"},
				Count:    10,
				Block:    block,
			}).Result()
			if rerr != nil {
				if errors.Is(rerr, redis.Nil) || isTimeout(rerr) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				if !sleepOrDone(ctx, backoff) {
					return
				}
				continue
			}

			for _, stream := range res {
				for _, msg := range stream.Messages {
					del, derr := deliveryFromMessage(topic, msg)
					if derr != nil {
						// Malformed entry: ack it so it doesn't block the
						// group forever, then move on.
						_ = t.client.XAck(ctx, topic, opts.ConsumerGroup, msg.ID).Err()
						continue
					}
					select {
					case out <- del:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func (t *RedisTransport) Ack(ctx context.Context, topic, consumerGroup, id string) error {
	if err := t.client.XAck(ctx, topic, consumerGroup, id).Err(); err != nil {
		return fmt.Errorf("transport: ack %s/%s/%s: %w", topic, consumerGroup, id, err)
	}
	return nil
}

// Nack hands the message to a shared holding consumer with idle reset to 0,
// since Nack's signature carries no consumer name to reclaim it to directly.
// Subscribe's periodic reclaimDueRetries sweep, not Nack itself, actually
// redelivers the message once it has sat idle past defaultReclaimMinIdle.
func (t *RedisTransport) Nack(ctx context.Context, topic, consumerGroup, id string) error {
	_, err := t.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   topic,
		Group:    consumerGroup,
		Consumer: initGroup,
		MinIdle:  0,
		Messages: []string{id},
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("transport: nack %s/%s/%s: %w", topic, consumerGroup, id, err)
	}
	return nil
}

// reclaimDueRetries sweeps consumerGroup's pending entries for topic and
// reassigns any idle at least defaultReclaimMinIdle to consumerName,
// regardless of current owner: messages Nack left on the shared holding
// consumer, and messages whose original consumer died before acking. This
// is what makes a Nack (and crash recovery) actually redeliver; Subscribe's
// XReadGroup("...", ">") alone never returns an already-delivered entry.
func (t *RedisTransport) reclaimDueRetries(ctx context.Context, topic, consumerGroup, consumerName string) ([]Delivery, error) {
	msgs, _, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   topic,
		Group:    consumerGroup,
		Consumer: consumerName,
		MinIdle:  defaultReclaimMinIdle,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("transport: reclaim %s/%s: %w", topic, consumerGroup, err)
	}
	out := make([]Delivery, 0, len(msgs))
	for _, msg := range msgs {
		del, derr := deliveryFromMessage(topic, msg)
		if derr != nil {
			// Malformed entry: ack it so it doesn't block the group
			// forever, then move on.
			_ = t.client.XAck(ctx, topic, consumerGroup, msg.ID).Err()
			continue
		}
		out = append(out, del)
	}
	return out, nil
}

// Reject dead-letters the message as a structured DLQRecord (RecordID,
// LastSeenAt, and a stable content hash) rather than a bare reason string.
// FirstSeenAt and Extra are left empty.
func (t *RedisTransport) Reject(ctx context.Context, topic, consumerGroup, id, reason string) error {
	msgs, err := t.client.XRange(ctx, topic, id, id).Result()
	if err != nil {
		return fmt.Errorf("transport: reject read %s/%s: %w", topic, id, err)
	}
	dlq := topic + ".dlq"
	if len(msgs) == 1 {
		del, derr := deliveryFromMessage(topic, msgs[0])
		values := map[string]any{fieldReason: reason, fieldTopic: topic}
		if raw, ok := msgs[0].Values[fieldEnvelope]; ok {
			values[fieldEnvelope] = raw
		}
		if derr == nil {
			rec, rerr := NewDLQRecord(topic, del.Envelope, del.DeliveryCount, reason, time.Now())
			if rerr == nil {
				rec.RecordID = id
				rec.LastSeenAt = rec.DeadLetteredAt
				if hash, herr := rec.StableHash(); herr == nil {
					rec.RecordHash = hash
				}
				if b, merr := json.Marshal(rec); merr == nil {
					values[fieldDLQ] = b
				}
			}
		}
		if _, err := t.client.XAdd(ctx, &redis.XAddArgs{Stream: dlq, Values: values}).Result(); err != nil {
			return fmt.Errorf("transport: reject dlq-add %s: %w", dlq, err)
		}
	}
	return t.Ack(ctx, topic, consumerGroup, id)
}

func (t *RedisTransport) Request(ctx context.Context, topic string, req envelope.Envelope, timeout time.Duration) (envelope.Envelope, error) {
	correlationID := req.Meta.MessageID
	req.Meta.CorrelationID = correlationID
	replyTopic := topic + ".reply." + correlationID

	if _, err := t.Publish(ctx, topic, req); err != nil {
		return envelope.Envelope{}, fmt.Errorf("transport: request publish: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	consumerName := "req-" + correlationID
	deliveries, err := t.Subscribe(reqCtx, replyTopic, SubscribeOptions{
		ConsumerGroup: "request-" + correlationID,
		ConsumerName:  consumerName,
		BlockTimeout:  500 * time.Millisecond,
	})
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("transport: request subscribe: %w", err)
	}

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return envelope.Envelope{}, &TransportTimeoutError{Topic: replyTopic}
			}
			_ = t.Ack(ctx, replyTopic, "request-"+correlationID, d.ID)
			if d.Envelope.Meta.CorrelationID == correlationID {
				return d.Envelope, nil
			}
		case <-reqCtx.Done():
			return envelope.Envelope{}, &TransportTimeoutError{Topic: replyTopic}
		}
	}
}

func (t *RedisTransport) pendingCount(ctx context.Context, topic, group, consumer string) (int64, error) {
	summary, err := t.client.XPending(ctx, topic, group).Result()
	if err != nil {
		return 0, err
	}
	return summary.Consumers[consumer], nil
}

func deliveryFromMessage(topic string, msg redis.XMessage) (Delivery, error) {
	raw, ok := msg.Values[fieldEnvelope]
	if !ok {
		return Delivery{}, fmt.Errorf("transport: message %s missing envelope field", msg.ID)
	}
	s, ok := raw.(string)
	if !ok {
		return Delivery{}, fmt.Errorf("transport: message %s envelope field is not a string", msg.ID)
	}
	var env envelope.Envelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return Delivery{}, fmt.Errorf("transport: unmarshal envelope: %w", err)
	}
	return Delivery{Envelope: env, Topic: topic, ID: msg.ID, DeliveryCount: deliveryCountFromID(msg.ID)}, nil
}

// deliveryCountFromID is a deterministic stand-in for a per-message
// attempt counter: Redis Streams does not track delivery count directly,
// so callers that need it track it themselves (e.g. the decision engine's
// retry_depth, which is carried on the envelope, not inferred from the
// stream).
func deliveryCountFromID(id string) int64 {
	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 {
		return 0
	}
	n, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func isTimeout(err error) bool {
	return err != nil && strings.Contains(err.Error(), "i/o timeout")
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// deterministicJitter derives a sha256-seeded offset instead of using
// math/rand, so retry timing is reproducible given the same inputs.
func deterministicJitter(base time.Duration, pct int, parts ...any) time.Duration {
	if pct <= 0 {
		return base
	}
	if pct > 50 {
		pct = 50
	}
	h := sha256.New()
	for _, p := range parts {
		_, _ = h.Write([]byte(fmt.Sprint(p)))
		_, _ = h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	u := binary.LittleEndian.Uint64(sum[:8])
	span := uint64(pct*2 + 1)
	deltaPct := int(u%span) - pct
	delta := (base * time.Duration(deltaPct)) / 100
	return base + delta
}
