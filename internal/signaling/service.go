package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/session"
)

const (
	defaultMaxEventBytes  = 64 * 1024
	defaultMaxPollTimeout = 120 * time.Second
	defaultReapInterval   = 30 * time.Second

	// maxBatchEvents caps the number of events accepted by one ?batch=1
	// submission.
	maxBatchEvents = 256
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Dispatcher *mailbox.Dispatcher
	Sessions   session.Store

	// Authorizer may be nil, in which case every request is allowed.
	Authorizer *auth.Authorizer
	// Limiter bounds submissions per session. Nil disables rate limiting.
	Limiter *ratelimit.Keyed
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// MaxEventBytes bounds the request body of an event submission.
	MaxEventBytes int64
	// MaxPollTimeout clamps the ?timeout= override on awaitEvents.
	MaxPollTimeout time.Duration
	// StrictSignaling rejects malformed offers, answers and candidates
	// instead of passing them through.
	StrictSignaling bool
	// ReapInterval is how often Run removes expired sessions.
	ReapInterval time.Duration
}

// Service implements the long-poll signaling surface.
//
// Endpoints:
//   - POST   /sessions             : create a session (its id is the recipient key)
//   - GET    /sessions/{id}        : inspect a session
//   - DELETE /sessions/{id}        : end a session and release its polls
//   - POST   /sessions/{id}/events : submit one event (or an array with ?batch=1)
//   - GET    /sessions/{id}/events : long-poll for the next batch of events
type Service struct {
	dispatcher *mailbox.Dispatcher
	sessions   session.Store
	authorizer *auth.Authorizer
	limiter    *ratelimit.Keyed
	metrics    *metrics.Metrics
	log        *slog.Logger

	maxEventBytes  int64
	maxPollTimeout time.Duration
	strict         bool
	reapInterval   time.Duration
}

func New(cfg Config) (*Service, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("signaling: dispatcher not configured")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("signaling: session store not configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxEventBytes <= 0 {
		cfg.MaxEventBytes = defaultMaxEventBytes
	}
	if cfg.MaxPollTimeout <= 0 {
		cfg.MaxPollTimeout = defaultMaxPollTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}
	return &Service{
		dispatcher:     cfg.Dispatcher,
		sessions:       cfg.Sessions,
		authorizer:     cfg.Authorizer,
		limiter:        cfg.Limiter,
		metrics:        cfg.Metrics,
		log:            cfg.Logger,
		maxEventBytes:  cfg.MaxEventBytes,
		maxPollTimeout: cfg.MaxPollTimeout,
		strict:         cfg.StrictSignaling,
		reapInterval:   cfg.ReapInterval,
	}, nil
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /sessions", s.authorized(s.handleCreateSession))
	mux.Handle("GET /sessions/{id}", s.authorized(s.handleGetSession))
	mux.Handle("DELETE /sessions/{id}", s.authorized(s.handleDeleteSession))

	mux.Handle("POST /sessions/{id}/events", s.authorized(s.handleSubmitEvents))
	mux.Handle("GET /sessions/{id}/events", s.authorized(s.handleAwaitEvents))
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Run reaps expired sessions until ctx is done, releasing their mailboxes.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reap(ctx)
		}
	}
}

func (s *Service) reap(ctx context.Context) int {
	ids, err := s.sessions.Reap(ctx)
	if err != nil {
		s.log.Warn("session reap failed", "err", err)
		return 0
	}
	for _, id := range ids {
		s.release(ctx, id)
	}
	if len(ids) > 0 {
		s.log.Debug("reaped expired sessions", "count", len(ids))
	}
	return len(ids)
}

func (s *Service) release(ctx context.Context, id string) {
	if err := s.dispatcher.Forget(ctx, id); err != nil {
		s.log.Warn("failed to release mailbox", "session_id", id, "err", err)
	}
	s.limiter.Forget(id)
}

func (s *Service) authorized(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.authorizer.Authorize(r); err != nil {
			if !auth.IsUnauthorized(err) {
				s.log.Error("authorization failed", "err", err)
				httpserver.WriteError(w, http.StatusInternalServerError, "internal_error", "authorization failed")
				return
			}
			s.metrics.Inc(metrics.AuthFailure)
			httpserver.WriteError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		next(w, r)
	})
}

func (s *Service) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Create(r.Context())
	if errors.Is(err, session.ErrTooManySessions) {
		s.metrics.Inc(metrics.TooManySessions)
		httpserver.WriteError(w, http.StatusServiceUnavailable, "too_many_sessions", "too many sessions")
		return
	}
	if err != nil {
		s.internalError(w, "create session", err)
		return
	}

	s.metrics.Inc(metrics.SessionCreated)
	w.Header().Set("Location", "/sessions/"+sess.ID)
	httpserver.WriteJSON(w, http.StatusCreated, sess)
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Find(r.Context(), r.PathValue("id"))
	if errors.Is(err, session.ErrNotFound) {
		httpserver.WriteError(w, http.StatusNotFound, "session_not_found", "session not found")
		return
	}
	if err != nil {
		s.internalError(w, "find session", err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, sess)
}

func (s *Service) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.sessions.Delete(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		httpserver.WriteError(w, http.StatusNotFound, "session_not_found", "session not found")
		return
	}
	if err != nil {
		s.internalError(w, "delete session", err)
		return
	}

	s.release(r.Context(), id)
	s.metrics.Inc(metrics.SessionDeleted)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleSubmitEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxEventBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.metrics.Inc(metrics.EventTooLarge)
			httpserver.WriteError(w, http.StatusRequestEntityTooLarge, "event_too_large",
				fmt.Sprintf("event body exceeds %d bytes", s.maxEventBytes))
			return
		}
		httpserver.WriteError(w, http.StatusBadRequest, "bad_message", "failed to read body")
		return
	}

	events, err := decodeEvents(body, isBatch(r))
	if err != nil {
		s.metrics.Inc(metrics.EventRejected)
		httpserver.WriteError(w, http.StatusBadRequest, "bad_message", err.Error())
		return
	}

	// A batch above the burst can never be admitted, so it is rejected
	// outright instead of with a retryable 429.
	if burst := s.limiter.Burst(); burst > 0 && len(events) > burst {
		s.metrics.Inc(metrics.EventRejected)
		httpserver.WriteError(w, http.StatusRequestEntityTooLarge, "batch_too_large",
			fmt.Sprintf("batch has %d events, at most %d are accepted per request", len(events), burst))
		return
	}
	if !s.limiter.AllowN(id, len(events)) {
		s.metrics.Inc(metrics.RateLimited)
		w.Header().Set("Retry-After", "1")
		httpserver.WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many events for this session")
		return
	}

	kinds := make([]messageKind, len(events))
	for i, ev := range events {
		if !s.strict {
			kinds[i] = classify(ev)
			continue
		}
		sig, err := inspect(ev)
		if err != nil {
			s.metrics.Inc(metrics.EventRejected)
			msg := err.Error()
			if len(events) > 1 {
				msg = fmt.Sprintf("event %d: %s", i, msg)
			}
			httpserver.WriteError(w, http.StatusBadRequest, "bad_message", msg)
			return
		}
		kinds[i] = sig.Kind
	}

	if err := s.dispatcher.SubmitBatch(r.Context(), id, events); err != nil {
		if errors.Is(err, mailbox.ErrClosed) {
			httpserver.WriteError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
			return
		}
		s.internalError(w, "submit events", err)
		return
	}
	for _, kind := range kinds {
		s.metrics.SignalMessage(string(kind))
	}

	httpserver.WriteJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

type eventsResponse struct {
	Events mailbox.Batch `json:"events"`
}

func (s *Service) handleAwaitEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	timeout, err := s.pollTimeout(r)
	if err != nil {
		httpserver.WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	// Polling keeps a session alive. Unknown ids are still allowed to poll:
	// the mailbox treats them as recipients with nothing buffered yet.
	if _, err := s.sessions.Touch(r.Context(), id); err != nil && !errors.Is(err, session.ErrNotFound) {
		s.log.Warn("failed to refresh session", "session_id", id, "err", err)
	}

	w.Header().Set("Cache-Control", "no-store")

	batch, err := s.dispatcher.AwaitTimeout(r.Context(), id, timeout)
	switch {
	case err == nil:
		httpserver.WriteJSON(w, http.StatusOK, eventsResponse{Events: batch})
	case errors.Is(err, mailbox.ErrPollTimeout):
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, mailbox.ErrRecipientGone):
		httpserver.WriteError(w, http.StatusGone, "session_deleted", "session was deleted")
	case errors.Is(err, mailbox.ErrClosed):
		httpserver.WriteError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
	case r.Context().Err() != nil:
		// The client went away; there is nobody to answer.
	default:
		s.internalError(w, "await events", err)
	}
}

// pollTimeout resolves ?timeout=, accepting either a Go duration ("30s") or
// a bare number of seconds. Zero means the dispatcher default.
func (s *Service) pollTimeout(r *http.Request) (time.Duration, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("timeout"))
	if raw == "" {
		return min(s.dispatcher.PollTimeout(), s.maxPollTimeout), nil
	}

	var d time.Duration
	if secs, err := strconv.Atoi(raw); err == nil {
		d = time.Duration(secs) * time.Second
	} else if parsed, err := time.ParseDuration(raw); err == nil {
		d = parsed
	} else {
		return 0, fmt.Errorf("invalid timeout %q", raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive, got %q", raw)
	}
	return min(d, s.maxPollTimeout), nil
}

func (s *Service) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error("signaling request failed", "op", op, "err", err)
	httpserver.WriteError(w, http.StatusInternalServerError, "internal_error", op+" failed")
}

func isBatch(r *http.Request) bool {
	switch strings.ToLower(r.URL.Query().Get("batch")) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// decodeEvents splits a submission body into events. A single event may be
// any JSON value; a batch must be a non-empty JSON array.
func decodeEvents(body []byte, batch bool) (mailbox.Batch, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty event body")
	}

	if !batch {
		if !json.Valid(body) {
			return nil, errors.New("event body is not valid JSON")
		}
		return mailbox.Batch{json.RawMessage(body)}, nil
	}

	var events mailbox.Batch
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, errors.New("batch body must be a JSON array of events")
	}
	if len(events) == 0 {
		return nil, errors.New("batch is empty")
	}
	if len(events) > maxBatchEvents {
		return nil, fmt.Errorf("batch has %d events, limit is %d", len(events), maxBatchEvents)
	}
	return events, nil
}
