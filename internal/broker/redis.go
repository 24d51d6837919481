package broker

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const redisChannelPrefix = "ridechat:group:"

// RedisChannel is the pub/sub channel carrying groupID's payloads.
func RedisChannel(groupID string) string {
	return redisChannelPrefix + groupID
}

// Redis fans out over Redis pub/sub, one channel per group.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return NewRedisClient(redis.NewClient(opts)), nil
}

func NewRedisClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) Publish(ctx context.Context, groupID string, payload []byte) error {
	channel := RedisChannel(groupID)
	if err := r.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, fn HandlerFunc) error {
	pubsub := r.rdb.PSubscribe(ctx, redisChannelPrefix+"*")
	// wait for the subscription to be confirmed before returning
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s*: %w", redisChannelPrefix, err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				groupID, found := strings.CutPrefix(msg.Channel, redisChannelPrefix)
				if !found {
					log.Warn().Str("channel", msg.Channel).Msg("[broker] unexpected redis channel")
					continue
				}
				fn(groupID, []byte(msg.Payload))
			}
		}
	}()
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
