package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/riskgate/internal/metrics"
	"github.com/Checker-Finance/riskgate/pkg/model"
)

// RabbitBus adapts the Bus contract onto RabbitMQ. Each channel maps to a
// durable fanout exchange (risk.<channel>); each consumer group binds its own
// durable queue to it. Manual acks with nack-requeue give at-least-once
// delivery, and a single consumer goroutine per queue preserves FIFO order.
type RabbitBus struct {
	conn    *amqp.Connection
	pubCh   *amqp.Channel
	service string
	logger  *zap.Logger
	done    chan struct{}
}

// NewRabbit dials RabbitMQ and opens the publish channel.
func NewRabbit(url, service string, logger *zap.Logger) (*RabbitBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return &RabbitBus{
		conn:    conn,
		pubCh:   pubCh,
		service: service,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

func exchangeName(ch Channel) string {
	return "risk." + string(ch)
}

func (b *RabbitBus) declareExchange(amqpCh *amqp.Channel, ch Channel) error {
	return amqpCh.ExchangeDeclare(exchangeName(ch), "fanout", true, false, false, false, nil)
}

func (b *RabbitBus) Publish(ctx context.Context, ch Channel, env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		metrics.IncError("bus", "marshal_failed")
		return err
	}

	if err := b.declareExchange(b.pubCh, ch); err != nil {
		metrics.IncBusMessage(string(ch), "publish", "error")
		return fmt.Errorf("declare exchange %s: %w", ch, err)
	}

	start := time.Now()
	err = b.pubCh.PublishWithContext(ctx, exchangeName(ch), "", false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.ID.String(),
		CorrelationId: env.CorrelationID.String(),
		Timestamp:     env.Timestamp,
		AppId:         b.service,
		Body:          data,
	})
	metrics.ObserveDuration(metrics.BusPublishLatency, start, string(ch))

	if err != nil {
		b.logger.Error("bus.rabbitmq.publish_failed",
			zap.String("channel", string(ch)),
			zap.Error(err))
		metrics.IncBusMessage(string(ch), "publish", "error")
		return err
	}
	metrics.IncBusMessage(string(ch), "publish", "ok")
	return nil
}

func (b *RabbitBus) Subscribe(ctx context.Context, ch Channel, group string, h Handler) error {
	amqpCh, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}

	if err := b.declareExchange(amqpCh, ch); err != nil {
		return fmt.Errorf("declare exchange %s: %w", ch, err)
	}

	queueName := fmt.Sprintf("%s.%s", exchangeName(ch), group)
	if _, err := amqpCh.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	if err := amqpCh.QueueBind(queueName, "", exchangeName(ch), false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queueName, err)
	}
	// Prefetch 1 keeps redeliveries ordered with the rest of the queue.
	if err := amqpCh.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := amqpCh.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queueName, err)
	}

	go func() {
		defer amqpCh.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				b.handleDelivery(ctx, ch, d, h)
			}
		}
	}()

	b.logger.Info("bus.rabbitmq.subscribed",
		zap.String("channel", string(ch)),
		zap.String("queue", queueName))
	return nil
}

func (b *RabbitBus) handleDelivery(ctx context.Context, ch Channel, d amqp.Delivery, h Handler) {
	var env model.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		b.logger.Error("bus.rabbitmq.decode_failed",
			zap.String("channel", string(ch)),
			zap.Error(err))
		metrics.IncBusMessage(string(ch), "consume", "error")
		_ = d.Nack(false, false) // unparseable, do not requeue
		return
	}

	if err := h(ctx, &env); err != nil {
		metrics.IncBusMessage(string(ch), "consume", "error")
		if d.Redelivered {
			// Second failure: back off briefly before requeueing so a hot
			// failure loop does not spin the queue.
			time.Sleep(Backoff(1))
		}
		_ = d.Nack(false, true)
		return
	}
	metrics.IncBusMessage(string(ch), "consume", "ok")
	_ = d.Ack(false)
}

func (b *RabbitBus) Close() error {
	close(b.done)
	if b.pubCh != nil {
		_ = b.pubCh.Close()
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn.Close()
	}
	return nil
}
