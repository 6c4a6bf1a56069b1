package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/riskgate/pkg/model"
)

func fastRedelivery(t *testing.T) {
	t.Helper()
	orig := timeAfter
	timeAfter = func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
	t.Cleanup(func() { timeAfter = orig })
}

func envelope(t *testing.T, payload any) *model.Envelope {
	t.Helper()
	env, err := model.NewEnvelope(string(ChannelFill), "test", uuid.Nil, payload)
	require.NoError(t, err)
	return env
}

func TestMemoryBusDeliversInOrder(t *testing.T) {
	b := NewMemory(zap.NewNop())
	defer b.Close()
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	err := b.Subscribe(ctx, ChannelFill, "riskgate", func(_ context.Context, env *model.Envelope) error {
		var s string
		require.NoError(t, env.Decode(&s))
		mu.Lock()
		got = append(got, s)
		if len(got) == 5 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	want := []string{"a", "b", "c", "d", "e"}
	for _, s := range want {
		require.NoError(t, b.Publish(ctx, ChannelFill, envelope(t, s)))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got, "per-channel publish order must be preserved")
}

func TestMemoryBusRedeliversOnHandlerError(t *testing.T) {
	fastRedelivery(t)
	b := NewMemory(zap.NewNop())
	defer b.Close()
	ctx := context.Background()

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})

	err := b.Subscribe(ctx, ChannelFill, "riskgate", func(context.Context, *model.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, ChannelFill, envelope(t, "fill")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not redelivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestMemoryBusGroupsReceiveIndependently(t *testing.T) {
	b := NewMemory(zap.NewNop())
	defer b.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	counts := make(map[string]int)
	var mu sync.Mutex

	for _, group := range []string{"alerts", "audit"} {
		g := group
		err := b.Subscribe(ctx, ChannelPnLUpdate, g, func(context.Context, *model.Envelope) error {
			mu.Lock()
			counts[g]++
			mu.Unlock()
			wg.Done()
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish(ctx, ChannelPnLUpdate, envelope(t, "pnl")))

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for both groups")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, counts["alerts"], "each group gets its own copy")
	assert.Equal(t, 1, counts["audit"])
}

func TestMemoryBusClosedRejectsPublish(t *testing.T) {
	b := NewMemory(zap.NewNop())
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), ChannelFill, envelope(t, "late"))
	assert.Error(t, err)

	err = b.Subscribe(context.Background(), ChannelFill, "riskgate", func(context.Context, *model.Envelope) error {
		return nil
	})
	assert.Error(t, err)
	assert.NoError(t, b.Close(), "double close is a no-op")
}

func TestBackoffLadder(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, Backoff(0))
	assert.Equal(t, 250*time.Millisecond, Backoff(1))
	assert.Equal(t, 500*time.Millisecond, Backoff(2))
	assert.Equal(t, 500*time.Millisecond, Backoff(9))
}
