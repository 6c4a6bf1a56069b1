package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/riskgate/internal/metrics"
	"github.com/Checker-Finance/riskgate/pkg/model"
)

// swappable in tests to keep redelivery fast
var timeAfter = time.After

// memorySub is one subscriber's private FIFO queue.
type memorySub struct {
	group string
	ch    chan *model.Envelope
}

// MemoryBus is an in-process Bus for tests and single-node runs. Each
// subscriber drains its own buffered queue on a dedicated goroutine, so
// per-channel publish order is preserved per consumer and a slow handler only
// stalls its own stream.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[Channel][]*memorySub
	logger *zap.Logger
	closed bool
	wg     sync.WaitGroup
	quit   chan struct{}

	// redeliverMax bounds in-process redelivery attempts per message.
	redeliverMax int
}

// NewMemory creates a MemoryBus.
func NewMemory(logger *zap.Logger) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBus{
		subs:         make(map[Channel][]*memorySub),
		logger:       logger,
		quit:         make(chan struct{}),
		redeliverMax: 3,
	}
}

func (b *MemoryBus) Publish(ctx context.Context, ch Channel, env *model.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("memory bus closed")
	}

	for _, sub := range b.subs[ch] {
		select {
		case sub.ch <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	metrics.IncBusMessage(string(ch), "publish", "ok")
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, ch Channel, group string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("memory bus closed")
	}

	// One queue per group keeps group semantics: a second subscriber in an
	// existing group shares its queue instead of duplicating deliveries.
	for _, sub := range b.subs[ch] {
		if sub.group == group {
			b.wg.Add(1)
			go b.consume(ctx, ch, sub, h)
			return nil
		}
	}

	sub := &memorySub{group: group, ch: make(chan *model.Envelope, 256)}
	b.subs[ch] = append(b.subs[ch], sub)
	b.wg.Add(1)
	go b.consume(ctx, ch, sub, h)
	return nil
}

func (b *MemoryBus) consume(ctx context.Context, ch Channel, sub *memorySub, h Handler) {
	defer b.wg.Done()
	for {
		select {
		case env := <-sub.ch:
			b.deliver(ctx, ch, env, h)
		case <-ctx.Done():
			return
		case <-b.quit:
			return
		}
	}
}

// deliver runs the handler with bounded in-line redelivery. Retrying on the
// consumer goroutine keeps the queue FIFO.
func (b *MemoryBus) deliver(ctx context.Context, ch Channel, env *model.Envelope, h Handler) {
	var err error
	for attempt := 0; attempt <= b.redeliverMax; attempt++ {
		if err = h(ctx, env); err == nil {
			metrics.IncBusMessage(string(ch), "consume", "ok")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-b.quit:
			return
		case <-timeAfter(Backoff(attempt)):
		}
	}
	metrics.IncBusMessage(string(ch), "consume", "error")
	b.logger.Error("bus.memory.delivery_exhausted",
		zap.String("channel", string(ch)),
		zap.String("event_id", env.ID.String()),
		zap.Error(err))
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.quit)
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
