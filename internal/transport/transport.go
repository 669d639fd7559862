// Package transport defines the fabric's broker abstraction: one capability
// set (connect/disconnect/publish/subscribe/ack/nack/reject/createTopic/
// deleteTopic/purgeTopic/stats/healthCheck) with a single live variant,
// Redis Streams, and a compile-time-only NATS stub. Backends are a variant
// set behind one interface: callers hold a Transport value, never a
// concrete backend type switch.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/wesign-qa/cmo/pkg/envelope"
	cmoerrors "github.com/wesign-qa/cmo/pkg/errors"
)

// ErrNotImplemented is returned by every method of a stub variant (NATS).
var ErrNotImplemented = errors.New("transport: variant not implemented")

// TransportTimeoutError reports a request/response or dequeue wait that exceeded
// its deadline.
type TransportTimeoutError struct{ Topic string }

func (e *TransportTimeoutError) Error() string {
	return "transport: timeout waiting on " + e.Topic
}

func (e *TransportTimeoutError) Code() cmoerrors.Code { return cmoerrors.TransportTimeout }

// Delivery is one consumed envelope, owned by the caller from delivery until
// Ack/Nack/Reject.
type Delivery struct {
	Envelope      envelope.Envelope
	Topic         string
	ID            string // broker-assigned handle (e.g. a Redis Stream ID)
	DeliveryCount int64
}

// SubscribeOptions configures a consumer-group subscription.
type SubscribeOptions struct {
	ConsumerGroup string
	ConsumerName  string

	// MaxPending caps in-flight (delivered, unacked) messages for this
	// consumer; once hit, Subscribe stops issuing new reads until some are
	// acked/nacked/rejected.
	MaxPending int64

	// BlockTimeout bounds a single read poll; zero picks a sane default.
	BlockTimeout time.Duration
}

// TopicStats summarizes a topic's current depth and consumer-group lag.
type TopicStats struct {
	Topic         string
	Length        int64
	ConsumerGroups map[string]GroupStats
}

// GroupStats summarizes one consumer group's pending entries.
type GroupStats struct {
	Pending    int64
	Consumers  int64
	LastDelivered string
}

// Transport is the capability set every variant implements. Every method
// that contacts the broker takes a context and must honor its deadline and
// cancellation.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Publish appends env to topic and returns the broker-assigned message
	// handle (e.g. a Redis Stream ID).
	Publish(ctx context.Context, topic string, env envelope.Envelope) (string, error)

	// Subscribe starts a consumer-group read loop and returns a channel of
	// deliveries; the channel closes when ctx is done or the subscription
	// is torn down. Deliveries MUST be acked, nacked, or rejected.
	Subscribe(ctx context.Context, topic string, opts SubscribeOptions) (<-chan Delivery, error)

	// Ack permanently removes a delivered message from its consumer
	// group's pending list.
	Ack(ctx context.Context, topic, consumerGroup, id string) error

	// Nack returns a delivered message to the group's pending list for
	// redelivery. Redelivery itself happens on Subscribe's own schedule
	// (a periodic reclaim of entries idle past a threshold), not
	// synchronously with this call; Nack only releases ownership.
	Nack(ctx context.Context, topic, consumerGroup, id string) error

	// Reject routes the message to topic's DLQ stream with reason attached
	// and acks the original so it does not redeliver.
	Reject(ctx context.Context, topic, consumerGroup, id, reason string) error

	// Request publishes req to topic with an ephemeral reply topic and
	// correlation ID (req.Meta.MessageID), then waits up to timeout for the
	// first envelope whose correlation_id matches. Returns
	// TransportTimeoutError on expiry.
	Request(ctx context.Context, topic string, req envelope.Envelope, timeout time.Duration) (envelope.Envelope, error)

	CreateTopic(ctx context.Context, topic string) error
	DeleteTopic(ctx context.Context, topic string) error
	PurgeTopic(ctx context.Context, topic string) error

	Stats(ctx context.Context, topic string) (TopicStats, error)
	HealthCheck(ctx context.Context) error
}
