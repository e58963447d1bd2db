package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/session"
)

// backend is the storage selected by STORE_BACKEND: mailboxes, the
// cross-node notifier (redis only) and the session store.
type backend struct {
	accumulator mailbox.Accumulator
	notifier    mailbox.Notifier
	sessions    session.Store
	checks      map[string]httpserver.ReadinessCheck
	nodeID      string

	client *redis.Client
}

func newBackend(cfg config.Config, m *metrics.Metrics, logger *slog.Logger) (*backend, error) {
	sessionCfg := session.Config{MaxSessions: cfg.MaxSessions, TTL: cfg.SessionTTL}

	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		return &backend{
			accumulator: mailbox.NewMemoryAccumulator(mailbox.MemoryConfig{
				MaxEventAge: cfg.MaxEventAge,
				OnEvict:     m.EventsEvicted,
			}),
			sessions: session.NewMemoryStore(sessionCfg),
			checks:   map[string]httpserver.ReadinessCheck{},
		}, nil

	case config.StoreBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisCfg := mailbox.RedisConfig{
			Client:      client,
			KeyPrefix:   cfg.Redis.KeyPrefix,
			MaxEventAge: cfg.MaxEventAge,
			OnEvict:     m.EventsEvicted,
		}
		acc := mailbox.NewRedisAccumulator(redisCfg)
		store := session.NewRedisStore(client, cfg.Redis.KeyPrefix, sessionCfg)
		nodeID := uuid.NewString()

		return &backend{
			accumulator: acc,
			notifier: &countingNotifier{
				Notifier: mailbox.NewRedisNotifier(redisCfg, nodeID, logger),
				metrics:  m,
			},
			sessions: store,
			checks: map[string]httpserver.ReadinessCheck{
				"redis": acc.HealthCheck,
			},
			nodeID: nodeID,
			client: client,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
}

func (b *backend) Close() error {
	if err := b.sessions.Close(); err != nil {
		return err
	}
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

// countingNotifier records failed publishes. The dispatcher only logs them
// since local delivery already happened.
type countingNotifier struct {
	mailbox.Notifier
	metrics *metrics.Metrics
}

func (n *countingNotifier) Publish(ctx context.Context, recipient string) error {
	err := n.Notifier.Publish(ctx, recipient)
	if err != nil {
		n.metrics.Inc(metrics.NotifyPublishFailed)
	}
	return err
}
