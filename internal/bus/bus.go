package bus

import (
	"context"
	"time"

	"github.com/Checker-Finance/riskgate/pkg/model"
)

// Channel names the event streams connecting market data, strategy, gate,
// reconciler and alerting.
type Channel string

const (
	ChannelTicker         Channel = "ticker"
	ChannelOrderIntent    Channel = "order_intent"
	ChannelFill           Channel = "fill"
	ChannelExposureUpdate Channel = "exposure_update"
	ChannelPnLUpdate      Channel = "pnl_update"
	ChannelKillSwitch     Channel = "kill_switch"
)

// Handler processes one delivered envelope. Returning an error requests
// redelivery; handlers must therefore be idempotent.
type Handler func(ctx context.Context, env *model.Envelope) error

// Bus is the transport-agnostic event substrate. The contract every adapter
// honors:
//
//   - messages published to the same channel by the same producer are
//     delivered to each consumer in publish order;
//   - delivery is at-least-once (a handler error triggers redelivery);
//   - no ordering is guaranteed across channels.
type Bus interface {
	Publish(ctx context.Context, ch Channel, env *model.Envelope) error
	// Subscribe registers h for ch. Consumers sharing a group split the
	// stream between them; distinct groups each see every message.
	Subscribe(ctx context.Context, ch Channel, group string, h Handler) error
	Close() error
}

// Backoff returns the redelivery sleep for the given attempt number, matching
// the retry ladder used elsewhere in the service.
func Backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 100 * time.Millisecond
	case 1:
		return 250 * time.Millisecond
	default:
		return 500 * time.Millisecond
	}
}
