package rbac

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultInvalidationChannel is the pub/sub channel replicas listen on.
const DefaultInvalidationChannel = "rbac:invalidate"

// InvalidationBus propagates tenant-level index invalidations between
// replicas over redis pub/sub. Each mutation publishes its tenant ID; a
// subscriber resyncs that tenant's index from canonical storage. Because
// resync is idempotent, the publishing replica may safely receive its own
// message.
type InvalidationBus struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewInvalidationBus wires a bus on the given channel. An empty channel name
// falls back to DefaultInvalidationChannel.
func NewInvalidationBus(client *redis.Client, channel string, logger *slog.Logger) *InvalidationBus {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InvalidationBus{client: client, channel: channel, logger: logger}
}

// Publish announces that the tenant's canonical state changed.
func (b *InvalidationBus) Publish(ctx context.Context, tenantID string) error {
	if err := b.client.Publish(ctx, b.channel, tenantID).Err(); err != nil {
		return fmt.Errorf("rbac: publish invalidation for %s: %w", tenantID, err)
	}
	return nil
}

// Subscribe blocks until ctx is done, invoking resync for every announced
// tenant. Resync failures are logged and do not stop the loop.
func (b *InvalidationBus) Subscribe(ctx context.Context, resync func(context.Context, string) error) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer func() {
		_ = sub.Close()
	}()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("rbac: invalidation subscription closed")
			}
			if err := resync(ctx, msg.Payload); err != nil {
				b.logger.Error("invalidation resync failed",
					slog.String("tenant", msg.Payload),
					slog.Any("error", err))
			}
		}
	}
}
