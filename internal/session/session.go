// Package session tracks the signaling sessions that own mailboxes. A session
// id doubles as the recipient key events are addressed to.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrTooManySessions = errors.New("too many sessions")
)

type Session struct {
	ID        string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Store persists sessions. Sessions expire SessionTTL after creation or the
// last Touch.
type Store interface {
	Create(ctx context.Context) (Session, error)
	Find(ctx context.Context, id string) (Session, error)
	// Touch extends the session's lifetime and returns the updated session.
	Touch(ctx context.Context, id string) (Session, error)
	Delete(ctx context.Context, id string) error
	// Reap removes expired sessions and returns their ids so their mailboxes
	// can be released.
	Reap(ctx context.Context) ([]string, error)
	Close() error
}

type Config struct {
	// MaxSessions caps live sessions. Zero means unlimited.
	MaxSessions int
	TTL         time.Duration
	Now         func() time.Time
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

func newID() string {
	return uuid.NewString()
}
