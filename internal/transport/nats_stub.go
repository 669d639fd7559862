package transport

import (
	"context"
	"time"

	"github.com/wesign-qa/cmo/pkg/envelope"
)

// NATSTransport is a compile-time-only placeholder for a future NATS
// JetStream variant. It carries the same Transport contract as
// RedisTransport, but every method currently returns ErrNotImplemented
// rather than touching a network connection.
type NATSTransport struct {
	URL string
}

// NewNATSTransport records the intended server URL; it does not dial.
func NewNATSTransport(url string) *NATSTransport {
	return &NATSTransport{URL: url}
}

func (n *NATSTransport) Connect(ctx context.Context) error    { return ErrNotImplemented }
func (n *NATSTransport) Disconnect(ctx context.Context) error { return ErrNotImplemented }
func (n *NATSTransport) HealthCheck(ctx context.Context) error { return ErrNotImplemented }

func (n *NATSTransport) Publish(ctx context.Context, topic string, env envelope.Envelope) (string, error) {
	return "", ErrNotImplemented
}

func (n *NATSTransport) Subscribe(ctx context.Context, topic string, opts SubscribeOptions) (<-chan Delivery, error) {
	return nil, ErrNotImplemented
}

func (n *NATSTransport) Ack(ctx context.Context, topic, consumerGroup, id string) error {
	return ErrNotImplemented
}

func (n *NATSTransport) Nack(ctx context.Context, topic, consumerGroup, id string) error {
	return ErrNotImplemented
}

func (n *NATSTransport) Reject(ctx context.Context, topic, consumerGroup, id, reason string) error {
	return ErrNotImplemented
}

func (n *NATSTransport) Request(ctx context.Context, topic string, req envelope.Envelope, timeout time.Duration) (envelope.Envelope, error) {
	return envelope.Envelope{}, ErrNotImplemented
}

func (n *NATSTransport) CreateTopic(ctx context.Context, topic string) error { return ErrNotImplemented }
func (n *NATSTransport) DeleteTopic(ctx context.Context, topic string) error { return ErrNotImplemented }
func (n *NATSTransport) PurgeTopic(ctx context.Context, topic string) error  { return ErrNotImplemented }

func (n *NATSTransport) Stats(ctx context.Context, topic string) (TopicStats, error) {
	return TopicStats{}, ErrNotImplemented
}

var (
	_ Transport = (*RedisTransport)(nil)
	_ Transport = (*NATSTransport)(nil)
)
