package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/ratelimit"
)

// disconnectNotice is broadcast to the remaining peers when one leaves.
var disconnectNotice = []byte(`{"type":"user disconnected"}`)

type controlMessage struct {
	Type    string `json:"type"`
	PeerID  string `json:"peerId,omitempty"`
	Peers   int    `json:"peers,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Hub implements GET /relay.
type Hub struct {
	cfg            Config
	allowedOrigins []string
	authorizer     *auth.Authorizer
	metrics        *metrics.Metrics
	log            *slog.Logger
	clock          ratelimit.Clock

	upgrader websocket.Upgrader

	mu     sync.RWMutex
	peers  map[*peer]struct{}
	closed bool
	wg     sync.WaitGroup
}

type HubOptions struct {
	// AllowedOrigins is checked during the upgrade in addition to the HTTP
	// origin middleware, so the hub is safe to mount on a bare mux.
	AllowedOrigins []string
	Authorizer     *auth.Authorizer
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	Clock          ratelimit.Clock
}

func NewHub(cfg Config, opts HubOptions) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = ratelimit.RealClock{}
	}
	h := &Hub{
		cfg:            cfg.WithDefaults(),
		allowedOrigins: opts.AllowedOrigins,
		authorizer:     opts.Authorizer,
		metrics:        opts.Metrics,
		log:            opts.Logger,
		clock:          opts.Clock,
		peers:          make(map[*peer]struct{}),
	}
	h.upgrader.CheckOrigin = h.checkOrigin
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	originHeader := strings.TrimSpace(r.Header.Get("Origin"))
	if originHeader == "" {
		return true
	}

	normalizedOrigin, originHost, ok := origin.NormalizeHeader(originHeader)
	if !ok {
		return false
	}
	return origin.IsAllowed(normalizedOrigin, originHost, r.Host, h.allowedOrigins)
}

// Len reports the number of connected peers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.authorizer.Authorize(r); err != nil {
		if auth.IsUnauthorized(err) {
			h.metrics.Inc(metrics.AuthFailure)
			httpserver.WriteError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		h.log.Error("relay authorization failed", "err", err)
		httpserver.WriteError(w, http.StatusInternalServerError, "internal_error", "authorization failed")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := newPeer(h, conn)
	if err := h.join(p); err != nil {
		code, reason := websocket.CloseTryAgainLater, "too_many_peers"
		if errors.Is(err, ErrHubClosed) {
			code, reason = websocket.CloseGoingAway, "shutting_down"
		} else {
			h.metrics.Inc(metrics.RelayTooManyPeers)
		}
		p.sendErrorAndClose(code, reason, err.Error())
		return
	}
	defer h.wg.Done()

	h.log.Info("relay_peer_connected", "peer_id", p.id, "remote_addr", r.RemoteAddr)
	defer h.log.Info("relay_peer_disconnected", "peer_id", p.id, "remote_addr", r.RemoteAddr)

	p.run()
	h.leave(p)
}

func (h *Hub) join(p *peer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if h.cfg.MaxPeers > 0 && len(h.peers) >= h.cfg.MaxPeers {
		return ErrTooManyPeers
	}
	h.peers[p] = struct{}{}
	h.wg.Add(1)
	h.metrics.RelayPeerDelta(1)

	ready, _ := json.Marshal(controlMessage{Type: "ready", PeerID: p.id, Peers: len(h.peers)})
	p.queue.Enqueue(websocket.TextMessage, ready)
	return nil
}

func (h *Hub) leave(p *peer) {
	h.mu.Lock()
	_, ok := h.peers[p]
	delete(h.peers, p)
	closed := h.closed
	h.mu.Unlock()
	if !ok {
		return
	}
	h.metrics.RelayPeerDelta(-1)
	if !closed {
		h.broadcast(p, websocket.TextMessage, disconnectNotice)
	}
}

// broadcast forwards data to every peer except from. Peers whose queue is
// full lose the message.
func (h *Hub) broadcast(from *peer, messageType int, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for p := range h.peers {
		if p == from {
			continue
		}
		if !p.queue.Enqueue(messageType, data) {
			h.metrics.Inc(metrics.RelayDropped)
		}
	}
}

// Close disconnects every peer and waits for their handlers to finish.
// Later upgrades are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.wg.Wait()
		return
	}
	h.closed = true
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.closeConn(websocket.CloseGoingAway, "server shutting down")
	}
	h.wg.Wait()
}

type peer struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	queue   *sendQueue
	limiter *rate.Limiter

	closeOnce sync.Once
}

func newPeer(h *Hub, conn *websocket.Conn) *peer {
	p := &peer{
		id:    uuid.NewString(),
		hub:   h,
		conn:  conn,
		queue: newSendQueue(h.cfg.SendQueueBytes),
	}
	if n := h.cfg.MaxMessagesPerSecond; n > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(n), n)
	}
	return p
}

// run pumps messages until the connection fails or goes idle. The read loop
// runs on the caller's goroutine; writes and pings each get their own.
func (p *peer) run() {
	cfg := p.hub.cfg
	p.conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.writeLoop()
	}()
	go func() {
		defer wg.Done()
		p.pingLoop(done)
	}()

	p.readLoop()

	close(done)
	p.queue.Close()
	p.closeConn(websocket.CloseNormalClosure, "")
	wg.Wait()
}

func (p *peer) readLoop() {
	h := p.hub
	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				h.metrics.Inc(metrics.RelayMessageTooBig)
				p.closeConn(websocket.CloseMessageTooBig, "message too big")
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))

		if p.limiter != nil && !p.limiter.AllowN(h.clock.Now(), 1) {
			h.metrics.Inc(metrics.RelayRateLimited)
			continue
		}
		h.metrics.RelayMessage()
		h.broadcast(p, messageType, data)
	}
}

func (p *peer) writeLoop() {
	for {
		msg, ok := p.queue.Dequeue()
		if !ok {
			return
		}
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.hub.cfg.WriteWait))
		if err := p.conn.WriteMessage(msg.messageType, msg.data); err != nil {
			p.closeConn(websocket.CloseAbnormalClosure, "")
			return
		}
	}
}

func (p *peer) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(p.hub.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(p.hub.cfg.WriteWait)
			if err := p.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// closeConn sends a close frame (best effort) and closes the socket, which
// unblocks the read loop. Safe to call from any goroutine.
func (p *peer) closeConn(code int, reason string) {
	p.closeOnce.Do(func() {
		deadline := time.Now().Add(p.hub.cfg.WriteWait)
		if code != websocket.CloseAbnormalClosure {
			_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		}
		_ = p.conn.Close()
	})
}

func (p *peer) sendErrorAndClose(wsCloseCode int, code, message string) {
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.hub.cfg.WriteWait))
	_ = p.conn.WriteJSON(controlMessage{Type: "error", Code: code, Message: message})
	p.closeConn(wsCloseCode, message)
}
