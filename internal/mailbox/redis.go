package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisKeyPrefix = "aero-signal"

// RedisConfig configures the Redis-backed Accumulator and Notifier.
type RedisConfig struct {
	Client    redis.UniversalClient
	KeyPrefix string
	Clock     Clock

	// MaxEventAge drops events older than this on take. Each recipient's list
	// also expires this long after its most recent append, which bounds the
	// memory held for recipients that never poll. Zero disables both.
	MaxEventAge time.Duration

	OnEvict func(n int)
}

// RedisAccumulator stores each recipient's batch as a Redis list so several
// gateway instances can share mailboxes. Take-and-clear runs in a MULTI/EXEC
// transaction, so an event is handed to at most one poll across instances.
type RedisAccumulator struct {
	client  redis.UniversalClient
	prefix  string
	clock   Clock
	maxAge  time.Duration
	onEvict func(int)
}

type redisEnvelope struct {
	At   int64           `json:"at"`
	Data json.RawMessage `json:"data"`
}

func NewRedisAccumulator(cfg RedisConfig) *RedisAccumulator {
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultRedisKeyPrefix
	}
	return &RedisAccumulator{
		client:  cfg.Client,
		prefix:  cfg.KeyPrefix,
		clock:   cfg.Clock,
		maxAge:  cfg.MaxEventAge,
		onEvict: cfg.OnEvict,
	}
}

func (a *RedisAccumulator) key(recipient string) string {
	return a.prefix + ":mailbox:" + recipient
}

// Append pushes every event with a single RPUSH inside MULTI, so a failed
// call leaves nothing behind.
func (a *RedisAccumulator) Append(ctx context.Context, recipient string, events ...json.RawMessage) error {
	if len(events) == 0 {
		return nil
	}
	at := a.clock.Now().UnixNano()
	values := make([]any, len(events))
	for i, event := range events {
		data, err := json.Marshal(redisEnvelope{At: at, Data: event})
		if err != nil {
			return fmt.Errorf("encode event %d: %w", i, err)
		}
		values[i] = data
	}
	key := a.key(recipient)
	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		if a.maxAge > 0 {
			pipe.PExpire(ctx, key, a.maxAge)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis append %s: %w", key, err)
	}
	return nil
}

func (a *RedisAccumulator) TakeBatch(ctx context.Context, recipient string) (Batch, error) {
	key := a.key(recipient)
	var rng *redis.StringSliceCmd
	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rng = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis take %s: %w", key, err)
	}
	raw, err := rng.Result()
	if err != nil {
		return nil, fmt.Errorf("redis take %s: %w", key, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	now := a.clock.Now()
	batch := make(Batch, 0, len(raw))
	evicted := 0
	for _, item := range raw {
		var env redisEnvelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			// Not written by us; skip rather than poison the whole batch.
			evicted++
			continue
		}
		if a.maxAge > 0 && now.Sub(time.Unix(0, env.At)) > a.maxAge {
			evicted++
			continue
		}
		batch = append(batch, env.Data)
	}
	if evicted > 0 && a.onEvict != nil {
		a.onEvict(evicted)
	}
	if len(batch) == 0 {
		return nil, nil
	}
	return batch, nil
}

func (a *RedisAccumulator) Forget(ctx context.Context, recipient string) error {
	key := a.key(recipient)
	if err := a.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

// Sweep is a no-op: Redis expires idle lists on its own and aged events in a
// live list are dropped on take.
func (a *RedisAccumulator) Sweep(context.Context) (int, error) {
	return 0, nil
}

// HealthCheck reports whether Redis is reachable.
func (a *RedisAccumulator) HealthCheck(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

// RedisNotifier publishes recipient keys on a Redis channel so every gateway
// instance can run Notify for polls it holds locally.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
	nodeID  string
	log     *slog.Logger
}

// NewRedisNotifier returns a notifier for this instance. nodeID must be
// unique per process; messages published by the same node are ignored on
// receipt since the publisher already notified locally.
func NewRedisNotifier(cfg RedisConfig, nodeID string, logger *slog.Logger) *RedisNotifier {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisNotifier{
		client:  cfg.Client,
		channel: prefix + ":notify",
		nodeID:  nodeID,
		log:     logger,
	}
}

func (n *RedisNotifier) Channel() string { return n.channel }

func (n *RedisNotifier) Publish(ctx context.Context, recipient string) error {
	return n.client.Publish(ctx, n.channel, n.nodeID+"\n"+recipient).Err()
}

func (n *RedisNotifier) Listen(ctx context.Context, fn func(recipient string)) error {
	sub := n.client.Subscribe(ctx, n.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed so a failure to reach Redis
	// surfaces here rather than as a silently closed channel.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis subscribe %s: %w", n.channel, err)
	}
	n.log.Info("listening for remote notifications", "channel", n.channel, "node_id", n.nodeID)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			node, recipient, found := strings.Cut(msg.Payload, "\n")
			if !found || node == n.nodeID {
				continue
			}
			fn(recipient)
		}
	}
}
