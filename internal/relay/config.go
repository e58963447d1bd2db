package relay

import "time"

type Config struct {
	// MaxPeers caps concurrent connections. Zero means unlimited.
	MaxPeers int
	// MaxMessageBytes is the WebSocket read limit per message.
	MaxMessageBytes int64
	// MaxMessagesPerSecond is the per-peer inbound rate. Zero disables
	// limiting.
	MaxMessagesPerSecond int
	// SendQueueBytes bounds the outbound backlog held for each peer.
	SendQueueBytes int

	PingInterval time.Duration
	// IdleTimeout closes peers that send neither messages nor pongs for
	// this long.
	IdleTimeout time.Duration
	// WriteWait bounds a single frame write.
	WriteWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxPeers:             256,
		MaxMessageBytes:      64 * 1024,
		MaxMessagesPerSecond: 100,
		SendQueueBytes:       1 << 20, // 1MiB
		PingInterval:         20 * time.Second,
		IdleTimeout:          60 * time.Second,
		WriteWait:            time.Second,
	}
}

// WithDefaults returns c with zero or invalid sizes and intervals replaced by
// DefaultConfig values. MaxPeers and MaxMessagesPerSecond keep zero as
// "unlimited".
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxPeers < 0 {
		c.MaxPeers = 0
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.MaxMessagesPerSecond < 0 {
		c.MaxMessagesPerSecond = 0
	}
	if c.SendQueueBytes <= 0 {
		c.SendQueueBytes = d.SendQueueBytes
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		c.PingInterval = c.IdleTimeout / 3
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	return c
}
