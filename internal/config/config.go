package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-gateway/internal/origin"
)

const (
	envVarListenAddr      = "AERO_WEBRTC_SIGNAL_GATEWAY_LISTEN_ADDR"
	envVarPublicBaseURL   = "AERO_WEBRTC_SIGNAL_GATEWAY_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "AERO_WEBRTC_SIGNAL_GATEWAY_LOG_FORMAT"
	envVarLogLevel        = "AERO_WEBRTC_SIGNAL_GATEWAY_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_WEBRTC_SIGNAL_GATEWAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_WEBRTC_SIGNAL_GATEWAY_MODE"

	envVarAuthMode = "AUTH_MODE"
	envVarAPIKey   = "API_KEY"

	// Event delivery knobs.
	envVarPollTimeout        = "POLL_TIMEOUT"
	envVarMaxPollTimeout     = "MAX_POLL_TIMEOUT"
	envVarMaxEventAge        = "MAX_EVENT_AGE"
	envVarSweepInterval      = "SWEEP_INTERVAL"
	envVarMaxEventBytes      = "MAX_EVENT_BYTES"
	envVarMaxEventsPerSecond = "MAX_EVENTS_PER_SECOND"
	envVarStrictSignaling    = "STRICT_SIGNALING"

	// Storage.
	envVarStoreBackend   = "STORE_BACKEND"
	envVarRedisAddr      = "REDIS_ADDR"
	envVarRedisPassword  = "REDIS_PASSWORD"
	envVarRedisDB        = "REDIS_DB"
	envVarRedisKeyPrefix = "REDIS_KEY_PREFIX"
	envVarMaxSessions    = "MAX_SESSIONS"
	envVarSessionTTL     = "SESSION_TTL"

	// Broadcast relay (GET /relay).
	envVarRelayEnabled              = "RELAY_ENABLED"
	envVarMaxRelayPeers             = "MAX_RELAY_PEERS"
	envVarMaxRelayMessageBytes      = "MAX_RELAY_MESSAGE_BYTES"
	envVarMaxRelayMessagesPerSecond = "MAX_RELAY_MESSAGES_PER_SECOND"
	envVarRelaySendQueueBytes       = "RELAY_SEND_QUEUE_BYTES"
	envVarRelayPingInterval         = "RELAY_PING_INTERVAL"
	envVarRelayIdleTimeout          = "RELAY_IDLE_TIMEOUT"

	// Ephemeral TURN credentials for /webrtc/ice.
	envVarTURNRESTSharedSecret   = "AERO_TURN_REST_SHARED_SECRET"
	envVarTURNRESTURLs           = "AERO_TURN_REST_URLS"
	envVarTURNRESTTTL            = "AERO_TURN_REST_TTL"
	envVarTURNRESTUsernamePrefix = "AERO_TURN_REST_USERNAME_PREFIX"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultMode            = ModeDev

	DefaultPollTimeout        = 60 * time.Second
	DefaultMaxPollTimeout     = 120 * time.Second
	DefaultMaxEventAge        = 5 * time.Minute
	DefaultSweepInterval      = 30 * time.Second
	DefaultMaxEventBytes      = 64 * 1024
	DefaultMaxEventsPerSecond = 50

	DefaultStoreBackend   = StoreBackendMemory
	DefaultRedisKeyPrefix = "aero-signal"
	DefaultMaxSessions    = 0
	DefaultSessionTTL     = time.Hour

	DefaultMaxRelayPeers             = 256
	DefaultMaxRelayMessageBytes      = 64 * 1024
	DefaultMaxRelayMessagesPerSecond = 100
	DefaultRelaySendQueueBytes       = 1 << 20
	DefaultRelayPingInterval         = 20 * time.Second
	DefaultRelayIdleTimeout          = 60 * time.Second

	DefaultTURNRESTTTL            = time.Hour
	DefaultTURNRESTUsernamePrefix = "aero"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
)

type StoreBackend string

const (
	StoreBackendMemory StoreBackend = "memory"
	StoreBackendRedis  StoreBackend = "redis"
)

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type RelayConfig struct {
	Enabled              bool
	MaxPeers             int
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueBytes       int
	PingInterval         time.Duration
	IdleTimeout          time.Duration
}

// TURNRESTConfig enables minting short-lived TURN credentials from a secret
// shared with the TURN server. It is disabled when SharedSecret is empty.
type TURNRESTConfig struct {
	SharedSecret   string
	URLs           []string
	TTL            time.Duration
	UsernamePrefix string
}

func (c TURNRESTConfig) Enabled() bool {
	return c.SharedSecret != ""
}

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	AuthMode AuthMode
	APIKey   string

	// PollTimeout is the default long-poll deadline. Clients may ask for a
	// shorter or longer one with ?timeout=, capped at MaxPollTimeout.
	PollTimeout    time.Duration
	MaxPollTimeout time.Duration
	// MaxEventAge drops undelivered events older than this. Zero keeps events
	// until they are taken or their session is deleted.
	MaxEventAge        time.Duration
	SweepInterval      time.Duration
	MaxEventBytes      int64
	MaxEventsPerSecond int
	StrictSignaling    bool

	StoreBackend StoreBackend
	Redis        RedisConfig
	// MaxSessions caps concurrently open sessions. Zero means unlimited.
	MaxSessions int
	SessionTTL  time.Duration

	Relay RelayConfig

	ICEServers []webrtc.ICEServer
	TURNREST   TURNRESTConfig

	iceConfigErr error
}

// ICEConfigError reports a malformed ICE server configuration. It is kept out
// of Load so a bad TURN setting degrades /webrtc/ice instead of refusing to
// start the gateway.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	logFormatDefault := envLogFormat
	if !envLogFormatOK || envLogFormat == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	logLevelDefault := envLogLevel
	if !envLogLevelOK || envLogLevel == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	authModeStr := envOrDefault(lookup, envVarAuthMode, defaultAuthModeForMode(modeDefault))
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	storeBackendStr := envOrDefault(lookup, envVarStoreBackend, string(DefaultStoreBackend))
	redisAddr := envOrDefault(lookup, envVarRedisAddr, "")
	redisPassword := envOrDefault(lookup, envVarRedisPassword, "")
	redisKeyPrefix := envOrDefault(lookup, envVarRedisKeyPrefix, DefaultRedisKeyPrefix)
	turnRESTSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTURLs := envOrDefault(lookup, envVarTURNRESTURLs, "")
	turnRESTPrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	ice := iceSettings{
		serversJSON:    envOrDefault(lookup, envICEServersJSON, ""),
		stunURLs:       envOrDefault(lookup, envStunURLs, ""),
		turnURLs:       envOrDefault(lookup, envTurnURLs, ""),
		turnUsername:   envOrDefault(lookup, envTurnUsername, ""),
		turnCredential: envOrDefault(lookup, envTurnCredential, ""),
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	pollTimeout, err := envDurationOrDefault(lookup, envVarPollTimeout, DefaultPollTimeout)
	if err != nil {
		return Config{}, err
	}
	maxPollTimeout, err := envDurationOrDefault(lookup, envVarMaxPollTimeout, DefaultMaxPollTimeout)
	if err != nil {
		return Config{}, err
	}
	maxEventAge, err := envDurationOrDefault(lookup, envVarMaxEventAge, DefaultMaxEventAge)
	if err != nil {
		return Config{}, err
	}
	sweepInterval, err := envDurationOrDefault(lookup, envVarSweepInterval, DefaultSweepInterval)
	if err != nil {
		return Config{}, err
	}
	sessionTTL, err := envDurationOrDefault(lookup, envVarSessionTTL, DefaultSessionTTL)
	if err != nil {
		return Config{}, err
	}
	relayPingInterval, err := envDurationOrDefault(lookup, envVarRelayPingInterval, DefaultRelayPingInterval)
	if err != nil {
		return Config{}, err
	}
	relayIdleTimeout, err := envDurationOrDefault(lookup, envVarRelayIdleTimeout, DefaultRelayIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	turnRESTTTL, err := envDurationOrDefault(lookup, envVarTURNRESTTTL, DefaultTURNRESTTTL)
	if err != nil {
		return Config{}, err
	}

	maxEventBytes, err := envIntOrDefault(lookup, envVarMaxEventBytes, DefaultMaxEventBytes)
	if err != nil {
		return Config{}, err
	}
	maxEventsPerSecond, err := envIntOrDefault(lookup, envVarMaxEventsPerSecond, DefaultMaxEventsPerSecond)
	if err != nil {
		return Config{}, err
	}
	redisDB, err := envIntOrDefault(lookup, envVarRedisDB, 0)
	if err != nil {
		return Config{}, err
	}
	maxSessions, err := envIntOrDefault(lookup, envVarMaxSessions, DefaultMaxSessions)
	if err != nil {
		return Config{}, err
	}
	maxRelayPeers, err := envIntOrDefault(lookup, envVarMaxRelayPeers, DefaultMaxRelayPeers)
	if err != nil {
		return Config{}, err
	}
	maxRelayMessageBytes, err := envIntOrDefault(lookup, envVarMaxRelayMessageBytes, DefaultMaxRelayMessageBytes)
	if err != nil {
		return Config{}, err
	}
	maxRelayMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxRelayMessagesPerSecond, DefaultMaxRelayMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	relaySendQueueBytes, err := envIntOrDefault(lookup, envVarRelaySendQueueBytes, DefaultRelaySendQueueBytes)
	if err != nil {
		return Config{}, err
	}

	strictSignaling, err := envBoolOrDefault(lookup, envVarStrictSignaling, false)
	if err != nil {
		return Config{}, err
	}
	relayEnabled, err := envBoolOrDefault(lookup, envVarRelayEnabled, true)
	if err != nil {
		return Config{}, err
	}

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs := flag.NewFlagSet("aero-webrtc-signal-gateway", flag.ContinueOnError)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Auth mode: none or api_key (env "+envVarAuthMode+")")

	fs.DurationVar(&pollTimeout, "poll-timeout", pollTimeout, "Default long-poll timeout (env "+envVarPollTimeout+")")
	fs.DurationVar(&maxPollTimeout, "max-poll-timeout", maxPollTimeout, "Upper bound for client-requested poll timeouts (env "+envVarMaxPollTimeout+")")
	fs.DurationVar(&maxEventAge, "max-event-age", maxEventAge, "Drop undelivered events older than this; 0 disables (env "+envVarMaxEventAge+")")
	fs.DurationVar(&sweepInterval, "sweep-interval", sweepInterval, "Interval between mailbox sweeps (env "+envVarSweepInterval+")")
	fs.IntVar(&maxEventBytes, "max-event-bytes", maxEventBytes, "Max request body size for submitted events (env "+envVarMaxEventBytes+")")
	fs.IntVar(&maxEventsPerSecond, "max-events-per-second", maxEventsPerSecond, "Per-recipient submit rate; 0 disables (env "+envVarMaxEventsPerSecond+")")
	fs.BoolVar(&strictSignaling, "strict-signaling", strictSignaling, "Validate offer/answer/candidate payloads (env "+envVarStrictSignaling+")")

	fs.StringVar(&storeBackendStr, "store-backend", storeBackendStr, "Mailbox and session storage: memory or redis (env "+envVarStoreBackend+")")
	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "Redis address host:port (env "+envVarRedisAddr+")")
	fs.IntVar(&redisDB, "redis-db", redisDB, "Redis database number (env "+envVarRedisDB+")")
	fs.StringVar(&redisKeyPrefix, "redis-key-prefix", redisKeyPrefix, "Prefix for all Redis keys and channels (env "+envVarRedisKeyPrefix+")")
	fs.IntVar(&maxSessions, "max-sessions", maxSessions, "Max concurrent sessions; 0 is unlimited (env "+envVarMaxSessions+")")
	fs.DurationVar(&sessionTTL, "session-ttl", sessionTTL, "Session lifetime since last activity (env "+envVarSessionTTL+")")

	fs.BoolVar(&relayEnabled, "relay", relayEnabled, "Serve the broadcast relay at /relay (env "+envVarRelayEnabled+")")
	fs.IntVar(&maxRelayPeers, "max-relay-peers", maxRelayPeers, "Max concurrent relay peers; 0 is unlimited (env "+envVarMaxRelayPeers+")")
	fs.IntVar(&maxRelayMessageBytes, "max-relay-message-bytes", maxRelayMessageBytes, "Max relay message size (env "+envVarMaxRelayMessageBytes+")")
	fs.IntVar(&maxRelayMessagesPerSecond, "max-relay-messages-per-second", maxRelayMessagesPerSecond, "Per-peer relay message rate; 0 disables (env "+envVarMaxRelayMessagesPerSecond+")")
	fs.IntVar(&relaySendQueueBytes, "relay-send-queue-bytes", relaySendQueueBytes, "Per-peer outbound queue budget (env "+envVarRelaySendQueueBytes+")")
	fs.DurationVar(&relayPingInterval, "relay-ping-interval", relayPingInterval, "Interval between relay pings (env "+envVarRelayPingInterval+")")
	fs.DurationVar(&relayIdleTimeout, "relay-idle-timeout", relayIdleTimeout, "Close relay peers silent for this long (env "+envVarRelayIdleTimeout+")")

	fs.StringVar(&ice.serversJSON, "ice-servers-json", ice.serversJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&ice.stunURLs, "stun-urls", ice.stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&ice.turnURLs, "turn-urls", ice.turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&ice.turnUsername, "turn-username", ice.turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&ice.turnCredential, "turn-credential", ice.turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTURLs, "turn-rest-urls", turnRESTURLs, "comma-separated TURN URLs served with minted credentials ("+envVarTURNRESTURLs+")")
	fs.DurationVar(&turnRESTTTL, "turn-rest-ttl", turnRESTTTL, "Lifetime of minted TURN credentials ("+envVarTURNRESTTTL+")")
	fs.StringVar(&turnRESTPrefix, "turn-rest-username-prefix", turnRESTPrefix, "Username prefix for minted TURN credentials ("+envVarTURNRESTUsernamePrefix+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	// --mode may differ from the env mode the defaults above were derived
	// from; re-derive anything not set explicitly.
	if !envLogFormatOK || envLogFormat == "" {
		if !setFlags["log-format"] {
			logFormatStr = defaultLogFormatForMode(string(mode))
		}
	}
	if !envLogLevelOK || envLogLevel == "" {
		if !setFlags["log-level"] {
			logLevelStr = defaultLogLevelForMode(string(mode))
		}
	}
	if v, ok := lookup(envVarAuthMode); (!ok || v == "") && !setFlags["auth-mode"] {
		authModeStr = defaultAuthModeForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	storeBackend, err := parseStoreBackend(storeBackendStr)
	if err != nil {
		return Config{}, err
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
	}
	if pollTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--poll-timeout must be > 0", envVarPollTimeout)
	}
	if maxPollTimeout < pollTimeout {
		return Config{}, fmt.Errorf("%s/--max-poll-timeout (%s) must be >= %s (%s)", envVarMaxPollTimeout, maxPollTimeout, envVarPollTimeout, pollTimeout)
	}
	if maxEventAge < 0 {
		return Config{}, fmt.Errorf("%s/--max-event-age must be >= 0", envVarMaxEventAge)
	}
	if sweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--sweep-interval must be > 0", envVarSweepInterval)
	}
	if maxEventBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-event-bytes must be > 0", envVarMaxEventBytes)
	}
	if maxEventsPerSecond < 0 {
		return Config{}, fmt.Errorf("%s/--max-events-per-second must be >= 0", envVarMaxEventsPerSecond)
	}
	if storeBackend == StoreBackendRedis && strings.TrimSpace(redisAddr) == "" {
		return Config{}, fmt.Errorf("%s/--redis-addr is required when %s=%s", envVarRedisAddr, envVarStoreBackend, StoreBackendRedis)
	}
	if redisDB < 0 {
		return Config{}, fmt.Errorf("%s/--redis-db must be >= 0", envVarRedisDB)
	}
	if maxSessions < 0 {
		return Config{}, fmt.Errorf("%s/--max-sessions must be >= 0", envVarMaxSessions)
	}
	if sessionTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--session-ttl must be > 0", envVarSessionTTL)
	}
	if maxRelayPeers < 0 {
		return Config{}, fmt.Errorf("%s/--max-relay-peers must be >= 0", envVarMaxRelayPeers)
	}
	if maxRelayMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-relay-message-bytes must be > 0", envVarMaxRelayMessageBytes)
	}
	if maxRelayMessagesPerSecond < 0 {
		return Config{}, fmt.Errorf("%s/--max-relay-messages-per-second must be >= 0", envVarMaxRelayMessagesPerSecond)
	}
	if relaySendQueueBytes < maxRelayMessageBytes {
		return Config{}, fmt.Errorf("%s/--relay-send-queue-bytes must be >= %s (%d); got %d",
			envVarRelaySendQueueBytes,
			envVarMaxRelayMessageBytes,
			maxRelayMessageBytes,
			relaySendQueueBytes,
		)
	}
	if relayPingInterval <= 0 || relayIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s and %s must be > 0", envVarRelayPingInterval, envVarRelayIdleTimeout)
	}
	if relayPingInterval >= relayIdleTimeout {
		return Config{}, fmt.Errorf("%s (%s) must be < %s (%s)", envVarRelayPingInterval, relayPingInterval, envVarRelayIdleTimeout, relayIdleTimeout)
	}
	turnREST := TURNRESTConfig{
		SharedSecret:   strings.TrimSpace(turnRESTSecret),
		URLs:           splitCommaSeparated(turnRESTURLs),
		TTL:            turnRESTTTL,
		UsernamePrefix: strings.TrimSpace(turnRESTPrefix),
	}
	if turnREST.Enabled() {
		if len(turnREST.URLs) == 0 {
			return Config{}, fmt.Errorf("%s is required when %s is set", envVarTURNRESTURLs, envVarTURNRESTSharedSecret)
		}
		if turnREST.TTL < time.Second {
			return Config{}, fmt.Errorf("%s/--turn-rest-ttl must be >= 1s", envVarTURNRESTTTL)
		}
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,

		AuthMode: authMode,
		APIKey:   apiKey,

		PollTimeout:        pollTimeout,
		MaxPollTimeout:     maxPollTimeout,
		MaxEventAge:        maxEventAge,
		SweepInterval:      sweepInterval,
		MaxEventBytes:      int64(maxEventBytes),
		MaxEventsPerSecond: maxEventsPerSecond,
		StrictSignaling:    strictSignaling,

		StoreBackend: storeBackend,
		Redis: RedisConfig{
			Addr:      redisAddr,
			Password:  redisPassword,
			DB:        redisDB,
			KeyPrefix: redisKeyPrefix,
		},
		MaxSessions: maxSessions,
		SessionTTL:  sessionTTL,

		Relay: RelayConfig{
			Enabled:              relayEnabled,
			MaxPeers:             maxRelayPeers,
			MaxMessageBytes:      int64(maxRelayMessageBytes),
			MaxMessagesPerSecond: maxRelayMessagesPerSecond,
			SendQueueBytes:       relaySendQueueBytes,
			PingInterval:         relayPingInterval,
			IdleTimeout:          relayIdleTimeout,
		},

		TURNREST: turnREST,
	}

	iceServers, err := ice.parse()
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

// defaultAuthModeForMode keeps local development keyless while production
// requires API_KEY unless auth is explicitly disabled.
func defaultAuthModeForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(AuthModeAPIKey)
	default:
		return string(AuthModeNone)
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey)
	}
}

func parseStoreBackend(raw string) (StoreBackend, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(StoreBackendMemory), "":
		return StoreBackendMemory, nil
	case string(StoreBackendRedis):
		return StoreBackendRedis, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarStoreBackend, raw, StoreBackendMemory, StoreBackendRedis)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}
