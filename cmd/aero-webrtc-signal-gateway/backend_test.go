package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewBackend_Memory(t *testing.T) {
	b, err := newBackend(config.Config{
		StoreBackend: config.StoreBackendMemory,
		MaxSessions:  1,
		SessionTTL:   time.Minute,
	}, metrics.New(), discardLogger())
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, &mailbox.MemoryAccumulator{}, b.accumulator)
	assert.Nil(t, b.notifier)
	assert.Empty(t, b.checks)

	ctx := context.Background()
	_, err = b.sessions.Create(ctx)
	require.NoError(t, err)
	_, err = b.sessions.Create(ctx)
	assert.ErrorIs(t, err, session.ErrTooManySessions)
}

func TestNewBackend_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	m := metrics.New()

	b, err := newBackend(config.Config{
		StoreBackend: config.StoreBackendRedis,
		Redis:        config.RedisConfig{Addr: mr.Addr(), KeyPrefix: "gw"},
		SessionTTL:   time.Minute,
	}, m, discardLogger())
	require.NoError(t, err)
	defer b.Close()

	require.NotEmpty(t, b.nodeID)
	require.Contains(t, b.checks, "redis")

	ctx := context.Background()
	require.NoError(t, b.checks["redis"](ctx))

	sess, err := b.sessions.Create(ctx)
	require.NoError(t, err)
	assert.True(t, mr.Exists("gw:session:"+sess.ID))

	require.NoError(t, b.accumulator.Append(ctx, sess.ID, json.RawMessage(`{"type":"bye"}`)))
	assert.True(t, mr.Exists("gw:mailbox:"+sess.ID))

	require.NoError(t, b.notifier.Publish(ctx, sess.ID))
	assert.Equal(t, uint64(0), m.Get(metrics.NotifyPublishFailed))

	mr.Close()
	assert.Error(t, b.checks["redis"](ctx))
	assert.Error(t, b.notifier.Publish(ctx, sess.ID))
	assert.Equal(t, uint64(1), m.Get(metrics.NotifyPublishFailed))
}

func TestNewBackend_Unknown(t *testing.T) {
	_, err := newBackend(config.Config{StoreBackend: "etcd"}, metrics.New(), discardLogger())
	require.Error(t, err)
}

type failingNotifier struct{}

func (failingNotifier) Publish(context.Context, string) error { return errors.New("down") }

func (failingNotifier) Listen(ctx context.Context, _ func(string)) error {
	<-ctx.Done()
	return nil
}

func TestCountingNotifier(t *testing.T) {
	m := metrics.New()
	n := &countingNotifier{Notifier: failingNotifier{}, metrics: m}

	require.Error(t, n.Publish(context.Background(), "r"))
	require.Error(t, n.Publish(context.Background(), "r"))
	assert.Equal(t, uint64(2), m.Get(metrics.NotifyPublishFailed))
}
