package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode != config.ModeProd {
		return
	}

	if cfg.MaxSessions <= 0 {
		logger.Warn("startup security warning: MAX_SESSIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_sessions_unlimited_in_prod",
			"max_sessions", cfg.MaxSessions,
			"mode", cfg.Mode,
		)
	}
	if cfg.MaxEventsPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_EVENTS_PER_SECOND is 0 (event submission is not rate limited) while --mode=prod",
			"warning_code", "event_rate_unlimited_in_prod",
			"max_events_per_second", cfg.MaxEventsPerSecond,
			"mode", cfg.Mode,
		)
	}
	if cfg.MaxEventAge <= 0 {
		logger.Warn("startup security warning: MAX_EVENT_AGE is 0 (events for recipients that never poll are kept until their session ends) while --mode=prod",
			"warning_code", "max_event_age_disabled_in_prod",
			"mode", cfg.Mode,
		)
	}
	if cfg.Relay.Enabled && cfg.Relay.MaxPeers <= 0 {
		logger.Warn("startup security warning: MAX_RELAY_PEERS is 0 (unlimited) while --mode=prod",
			"warning_code", "relay_peers_unlimited_in_prod",
			"max_relay_peers", cfg.Relay.MaxPeers,
			"mode", cfg.Mode,
		)
	}
	if cfg.StoreBackend == config.StoreBackendRedis && cfg.Redis.Password == "" {
		logger.Warn("startup security warning: REDIS_PASSWORD is empty while --mode=prod",
			"warning_code", "redis_without_password_in_prod",
			"redis_addr", cfg.Redis.Addr,
			"mode", cfg.Mode,
		)
	}
}
