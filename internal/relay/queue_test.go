package relay

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendQueue_ByteBudget(t *testing.T) {
	q := newSendQueue(8)

	require.True(t, q.Enqueue(websocket.TextMessage, []byte("12345")), "first message should fit")
	require.False(t, q.Enqueue(websocket.TextMessage, []byte("6789")), "message over the remaining budget should be dropped")
	require.True(t, q.Enqueue(websocket.BinaryMessage, []byte("678")), "message that exactly fills the budget should fit")
	assert.Equal(t, uint64(1), q.DropCount())

	msg, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "12345", string(msg.data))
	assert.Equal(t, websocket.TextMessage, msg.messageType)

	// Dequeue frees budget.
	require.True(t, q.Enqueue(websocket.TextMessage, []byte("abcde")), "freed budget should be reusable")
	msg, _ = q.Dequeue()
	assert.Equal(t, "678", string(msg.data))
	assert.Equal(t, websocket.BinaryMessage, msg.messageType)
	assert.Equal(t, 1, q.Len())
}

func TestSendQueue_OversizedMessageDropped(t *testing.T) {
	q := newSendQueue(4)
	assert.False(t, q.Enqueue(websocket.TextMessage, []byte("too long")))
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, uint64(1), q.DropCount())
}

func TestSendQueue_CloseUnblocksDequeue(t *testing.T) {
	q := newSendQueue(16)

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		assert.False(t, ok, "Dequeue after Close should report false")
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not unblock")
	}

	assert.False(t, q.Enqueue(websocket.TextMessage, []byte("x")), "Enqueue after Close should fail")
}

func TestConfig_WithDefaults(t *testing.T) {
	c := Config{MaxPeers: -1, IdleTimeout: 30 * time.Second, PingInterval: time.Minute}.WithDefaults()
	assert.Equal(t, 0, c.MaxPeers, "negative means unlimited")
	assert.Equal(t, 10*time.Second, c.PingInterval, "ping falls back to idle/3")
	assert.Equal(t, DefaultConfig().MaxMessageBytes, c.MaxMessageBytes)
	assert.Equal(t, DefaultConfig().SendQueueBytes, c.SendQueueBytes)
	assert.Equal(t, DefaultConfig().WriteWait, c.WriteWait)
}
