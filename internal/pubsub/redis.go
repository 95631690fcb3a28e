package pubsub

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel is the redis pub/sub channel carrying broadcast envelopes between
// server instances.
const Channel = "oddsmarket_broadcast"

// ConnectRedis opens and pings a redis client.
func ConnectRedis(addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return rdb, nil
}

// Broadcaster publishes envelopes to the shared redis channel.
type Broadcaster struct {
	r   *redis.Client
	log *zap.Logger
}

func NewBroadcaster(r *redis.Client, log *zap.Logger) *Broadcaster {
	return &Broadcaster{r: r, log: log}
}

// Publish implements PublishFunc. Failures are logged and swallowed: the
// broadcast contract is fire-and-forget and must never affect core state.
func (b *Broadcaster) Publish(topic, msgType string, data any) {
	payload, err := json.Marshal(Envelope{Topic: topic, Type: msgType, Data: data})
	if err != nil {
		return
	}
	if err := b.r.Publish(context.Background(), Channel, payload).Err(); err != nil {
		b.log.Warn("redis publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

// StartSubscriber listens on the redis channel and replays remote envelopes
// into the local sink until ctx is cancelled.
func StartSubscriber(ctx context.Context, r *redis.Client, sink PublishFunc, log *zap.Logger) {
	sub := r.Subscribe(ctx, Channel)
	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					log.Warn("redis subscriber unmarshal failed", zap.Error(err))
					continue
				}
				sink(env.Topic, env.Type, env.Data)
			}
		}
	}()
}
