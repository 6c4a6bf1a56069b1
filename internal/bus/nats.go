package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/riskgate/internal/metrics"
	"github.com/Checker-Finance/riskgate/pkg/model"
)

const natsStreamName = "RISKGATE"

// NATSBus adapts the Bus contract onto NATS JetStream. One stream covers every
// channel subject (risk.<channel>); queue groups give consumer-group
// semantics, and explicit acks give at-least-once delivery.
type NATSBus struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	service string
	logger  *zap.Logger
	subs    []*nats.Subscription
}

// NewNATS connects the adapter to an existing NATS connection and provisions
// the stream if it does not exist yet.
func NewNATS(nc *nats.Conn, service string, logger *zap.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      natsStreamName,
		Subjects:  []string{"risk.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    48 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil, fmt.Errorf("provision stream: %w", err)
	}

	return &NATSBus{nc: nc, js: js, service: service, logger: logger}, nil
}

func subject(ch Channel) string {
	return "risk." + string(ch)
}

func (b *NATSBus) Publish(ctx context.Context, ch Channel, env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		metrics.IncError("bus", "marshal_failed")
		return err
	}

	msg := &nats.Msg{
		Subject: subject(ch),
		Data:    data,
		Header: nats.Header{
			"event_type":     []string{env.EventType},
			"correlation_id": []string{env.CorrelationID.String()},
			"service":        []string{b.service},
			"content_type":   []string{"application/json"},
		},
	}

	start := time.Now()
	_, err = b.js.PublishMsg(msg, nats.Context(ctx))
	metrics.ObserveDuration(metrics.BusPublishLatency, start, string(ch))

	if err != nil {
		b.logger.Error("bus.nats.publish_failed",
			zap.String("channel", string(ch)),
			zap.String("event_type", env.EventType),
			zap.Error(err))
		metrics.IncBusMessage(string(ch), "publish", "error")
		return err
	}

	metrics.IncBusMessage(string(ch), "publish", "ok")
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, ch Channel, group string, h Handler) error {
	sub, err := b.js.QueueSubscribe(subject(ch), group, func(msg *nats.Msg) {
		var env model.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			// Malformed payloads can never succeed; park them instead of
			// redelivering forever.
			b.logger.Error("bus.nats.decode_failed",
				zap.String("channel", string(ch)),
				zap.Error(err))
			metrics.IncBusMessage(string(ch), "consume", "error")
			_ = msg.Term()
			return
		}

		if err := h(ctx, &env); err != nil {
			metrics.IncBusMessage(string(ch), "consume", "error")
			_ = msg.NakWithDelay(Backoff(deliveryAttempt(msg)))
			return
		}
		metrics.IncBusMessage(string(ch), "consume", "ok")
		_ = msg.Ack()
	},
		nats.Durable(group),
		nats.ManualAck(),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", ch, err)
	}
	b.subs = append(b.subs, sub)
	return nil
}

func deliveryAttempt(msg *nats.Msg) int {
	meta, err := msg.Metadata()
	if err != nil {
		return 0
	}
	return int(meta.NumDelivered)
}

func (b *NATSBus) Close() error {
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	if b.nc != nil && b.nc.IsConnected() {
		return b.nc.Drain()
	}
	return nil
}
