package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeNow() *fakeNow { return &fakeNow{t: time.Unix(1_700_000_000, 0)} }

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func TestMemoryStore_CreateFindDelete(t *testing.T) {
	ctx := context.Background()
	clk := newFakeNow()
	s := NewMemoryStore(Config{TTL: time.Minute, Now: clk.Now})

	sess, err := s.Create(ctx)
	require.NoError(t, err)
	_, err = uuid.Parse(sess.ID)
	require.NoError(t, err, "id %q is not a uuid", sess.ID)
	assert.True(t, sess.ExpiresAt.Equal(clk.Now().Add(time.Minute)), "expiresAt=%v", sess.ExpiresAt)

	got, err := s.Find(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess, got)

	require.NoError(t, s.Delete(ctx, sess.ID))
	_, err = s.Find(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, sess.ID), ErrNotFound)
}

func TestMemoryStore_ExpiryTouchAndReap(t *testing.T) {
	ctx := context.Background()
	clk := newFakeNow()
	s := NewMemoryStore(Config{TTL: time.Minute, Now: clk.Now})

	kept, err := s.Create(ctx)
	require.NoError(t, err)
	dropped, err := s.Create(ctx)
	require.NoError(t, err)

	clk.Advance(45 * time.Second)
	touched, err := s.Touch(ctx, kept.ID)
	require.NoError(t, err)
	assert.True(t, touched.ExpiresAt.Equal(clk.Now().Add(time.Minute)), "touch did not extend expiry: %v", touched.ExpiresAt)

	clk.Advance(30 * time.Second)
	_, err = s.Find(ctx, dropped.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Touch(ctx, dropped.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	reaped, err := s.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{dropped.ID}, reaped)

	_, err = s.Find(ctx, kept.ID)
	assert.NoError(t, err, "touched session expired")
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_MaxSessions(t *testing.T) {
	ctx := context.Background()
	clk := newFakeNow()
	s := NewMemoryStore(Config{MaxSessions: 2, TTL: time.Minute, Now: clk.Now})

	first, err := s.Create(ctx)
	require.NoError(t, err)
	_, err = s.Create(ctx)
	require.NoError(t, err)
	_, err = s.Create(ctx)
	assert.ErrorIs(t, err, ErrTooManySessions)

	require.NoError(t, s.Delete(ctx, first.ID))
	_, err = s.Create(ctx)
	require.NoError(t, err, "create after delete")

	clk.Advance(2 * time.Minute)
	_, err = s.Create(ctx)
	require.NoError(t, err, "create after expiry")

	// The two sessions that expired were collected by Create.
	reaped, err := s.Reap(ctx)
	require.NoError(t, err)
	assert.Len(t, reaped, 2)
}
