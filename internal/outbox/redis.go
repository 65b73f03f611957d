package outbox

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/bankroll/settlement-engine/internal/model"
)

// Channel is the pub/sub channel balance changes are published on.
const Channel = "balance_change"

// RedisPublisher publishes balance changes on a Redis pub/sub channel so
// that other processes (app backends, the auth UI) can follow balances.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

// NewRedisPublisher publishes on Channel.
func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: Channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, c model.BalanceChange) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.channel, payload).Err()
}
