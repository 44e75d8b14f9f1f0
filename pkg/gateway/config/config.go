// Package config loads gateway configuration from VOX_* environment
// variables. Validation is aggregate: every bad variable is reported in one
// error so operators fix a deployment in one pass.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// If true, client identity may be derived from proxy headers like
	// X-Forwarded-For. Enable only behind a trusted proxy.
	TrustProxyHeaders bool

	// Upstream model access.
	GeminiAPIKey string
	LiveModel    string
	ChatModel    string
	DefaultVoice string

	// Conversation store (optional; empty DSN disables persistence).
	DatabaseURL      string
	DatabaseMaxConns int32
	MigrateOnStart   bool

	// Redis (optional; empty addr disables resume and gateway tokens).
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ResumeTTL     time.Duration

	MaxBodyBytes int64

	// CORS; empty set disables cross-origin requests.
	CORSAllowedOrigins map[string]struct{}

	// Text chat streaming.
	SSEPingInterval      time.Duration
	SSEMaxStreamDuration time.Duration
	ChatHistoryWindow    int
	ChatMaxOutputTokens  int

	// Live WebSocket mode (/v1/live).
	LiveMaxAudioFrameBytes     int
	LiveMaxJSONMessageBytes    int64
	LiveMaxAudioFPS            int
	LiveMaxAudioBytesPerSecond int64
	LiveInboundBurstSeconds    int
	LiveWSPingInterval         time.Duration
	LiveWSWriteTimeout         time.Duration
	LiveWSReadTimeout          time.Duration
	LiveHandshakeTimeout       time.Duration
	LiveMaxSessionDuration     time.Duration
	LivePlaybackStopWait       time.Duration
	LiveMaxBackpressurePerMin  int
	LiveAudioViolationsPerMin  int
	LiveOutboundQueueSize      int
	LiveAudioInAckEveryN       int

	// In-memory limits (per principal).
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentStreams  int
	LimitMaxConcurrentSessions int

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration

	// Billing (optional).
	StripeAPIKey         string
	StripeCustomerID     string
	StripeAudioEventName string
	StripeChatEventName  string
	BillingFlushInterval time.Duration

	// WorkOS AuthKit (optional).
	WorkOSAPIKey   string
	WorkOSClientID string
	AuthTokenTTL   time.Duration

	// Utterance archive (optional; empty dir disables).
	ArchiveDir string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("VOX_ADDR", ":8080"),
		AuthMode:                   AuthMode(envOr("VOX_AUTH_MODE", string(AuthModeDisabled))),
		APIKeys:                    make(map[string]struct{}),
		TrustProxyHeaders:          envBoolOr("VOX_TRUST_PROXY_HEADERS", false),
		GeminiAPIKey:               envOr("VOX_GEMINI_API_KEY", os.Getenv("GEMINI_API_KEY")),
		LiveModel:                  envOr("VOX_LIVE_MODEL", ""),
		ChatModel:                  envOr("VOX_CHAT_MODEL", ""),
		DefaultVoice:               envOr("VOX_DEFAULT_VOICE", ""),
		DatabaseURL:                envOr("VOX_DATABASE_URL", ""),
		DatabaseMaxConns:           int32(envIntOr("VOX_DATABASE_MAX_CONNS", 8)),
		MigrateOnStart:             envBoolOr("VOX_DATABASE_MIGRATE", true),
		RedisAddr:                  envOr("VOX_REDIS_ADDR", ""),
		RedisPassword:              os.Getenv("VOX_REDIS_PASSWORD"),
		RedisDB:                    envIntOr("VOX_REDIS_DB", 0),
		ResumeTTL:                  envDurationOr("VOX_RESUME_TTL", 10*time.Minute),
		MaxBodyBytes:               envInt64Or("VOX_MAX_BODY_BYTES", 1<<20), // 1 MiB
		CORSAllowedOrigins:         make(map[string]struct{}),
		SSEPingInterval:            envDurationOr("VOX_SSE_PING_INTERVAL", 15*time.Second),
		SSEMaxStreamDuration:       envDurationOr("VOX_SSE_MAX_DURATION", 5*time.Minute),
		ChatHistoryWindow:          envIntOr("VOX_CHAT_HISTORY_WINDOW", 40),
		ChatMaxOutputTokens:        envIntOr("VOX_CHAT_MAX_OUTPUT_TOKENS", 0),
		LiveMaxAudioFrameBytes:     envIntOr("VOX_LIVE_MAX_AUDIO_FRAME_BYTES", 8192),
		LiveMaxJSONMessageBytes:    envInt64Or("VOX_LIVE_MAX_JSON_MESSAGE_BYTES", 64*1024),
		LiveMaxAudioFPS:            envIntOr("VOX_LIVE_MAX_AUDIO_FPS", 120),
		LiveMaxAudioBytesPerSecond: envInt64Or("VOX_LIVE_MAX_AUDIO_BPS", 128*1024),
		LiveInboundBurstSeconds:    envIntOr("VOX_LIVE_INBOUND_BURST_SECONDS", 2),
		LiveWSPingInterval:         envDurationOr("VOX_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:         envDurationOr("VOX_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveWSReadTimeout:          envDurationOr("VOX_LIVE_WS_READ_TIMEOUT", 0),
		LiveHandshakeTimeout:       envDurationOr("VOX_LIVE_HANDSHAKE_TIMEOUT", 5*time.Second),
		LiveMaxSessionDuration:     envDurationOr("VOX_LIVE_MAX_DURATION", 2*time.Hour),
		LivePlaybackStopWait:       envDurationOr("VOX_LIVE_PLAYBACK_STOP_WAIT", 500*time.Millisecond),
		LiveMaxBackpressurePerMin:  envIntOr("VOX_LIVE_MAX_BACKPRESSURE_PER_MIN", 3),
		LiveAudioViolationsPerMin:  envIntOr("VOX_LIVE_AUDIO_VIOLATIONS_PER_MIN", 30),
		LiveOutboundQueueSize:      envIntOr("VOX_LIVE_OUTBOUND_QUEUE", 128),
		LiveAudioInAckEveryN:       envIntOr("VOX_LIVE_AUDIO_IN_ACK_EVERY", 25),
		LimitRPS:                   envFloat64Or("VOX_RATE_LIMIT_RPS", 5.0),
		LimitBurst:                 envIntOr("VOX_RATE_LIMIT_BURST", 10),
		LimitMaxConcurrentStreams:  envIntOr("VOX_MAX_STREAMS_PER_PRINCIPAL", 4),
		LimitMaxConcurrentSessions: envIntOr("VOX_MAX_SESSIONS_PER_PRINCIPAL", 2),
		ReadHeaderTimeout:          envDurationOr("VOX_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                envDurationOr("VOX_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:        envDurationOr("VOX_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		StripeAPIKey:               os.Getenv("VOX_STRIPE_API_KEY"),
		StripeCustomerID:           envOr("VOX_STRIPE_CUSTOMER_ID", ""),
		StripeAudioEventName:       envOr("VOX_STRIPE_AUDIO_EVENT", "voxbridge_audio_seconds"),
		StripeChatEventName:        envOr("VOX_STRIPE_CHAT_EVENT", "voxbridge_chat_requests"),
		BillingFlushInterval:       envDurationOr("VOX_BILLING_FLUSH_INTERVAL", time.Minute),
		WorkOSAPIKey:               os.Getenv("VOX_WORKOS_API_KEY"),
		WorkOSClientID:             envOr("VOX_WORKOS_CLIENT_ID", ""),
		AuthTokenTTL:               envDurationOr("VOX_AUTH_TOKEN_TTL", time.Hour),
		ArchiveDir:                 envOr("VOX_ARCHIVE_DIR", ""),
	}

	for _, key := range splitCSV(os.Getenv("VOX_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("VOX_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	var problems []string
	bad := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		bad("VOX_AUTH_MODE must be one of required|optional|disabled")
	}
	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 && cfg.WorkOSAPIKey == "" {
		bad("VOX_API_KEYS or VOX_WORKOS_API_KEY must be set when VOX_AUTH_MODE=required")
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		bad("VOX_GEMINI_API_KEY must be set")
	}
	if cfg.MaxBodyBytes <= 0 {
		bad("VOX_MAX_BODY_BYTES must be > 0")
	}
	if cfg.SSEPingInterval <= 0 {
		bad("VOX_SSE_PING_INTERVAL must be > 0")
	}
	if cfg.SSEMaxStreamDuration <= 0 {
		bad("VOX_SSE_MAX_DURATION must be > 0")
	}
	if cfg.ChatHistoryWindow <= 0 {
		bad("VOX_CHAT_HISTORY_WINDOW must be > 0")
	}
	if cfg.ChatMaxOutputTokens < 0 {
		bad("VOX_CHAT_MAX_OUTPUT_TOKENS must be >= 0")
	}
	if cfg.LiveMaxAudioFrameBytes <= 0 {
		bad("VOX_LIVE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		bad("VOX_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveMaxAudioFPS < 0 {
		bad("VOX_LIVE_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.LiveMaxAudioBytesPerSecond < 0 {
		bad("VOX_LIVE_MAX_AUDIO_BPS must be >= 0")
	}
	if cfg.LiveInboundBurstSeconds < 0 {
		bad("VOX_LIVE_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.LiveMaxAudioFPS > 0 || cfg.LiveMaxAudioBytesPerSecond > 0) && cfg.LiveInboundBurstSeconds < 1 {
		bad("VOX_LIVE_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.LiveWSPingInterval <= 0 {
		bad("VOX_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		bad("VOX_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSReadTimeout < 0 {
		bad("VOX_LIVE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		bad("VOX_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.LiveMaxSessionDuration <= 0 {
		bad("VOX_LIVE_MAX_DURATION must be > 0")
	}
	if cfg.LivePlaybackStopWait <= 0 {
		bad("VOX_LIVE_PLAYBACK_STOP_WAIT must be > 0")
	}
	if cfg.LiveMaxBackpressurePerMin <= 0 {
		bad("VOX_LIVE_MAX_BACKPRESSURE_PER_MIN must be > 0")
	}
	if cfg.LiveAudioViolationsPerMin <= 0 {
		bad("VOX_LIVE_AUDIO_VIOLATIONS_PER_MIN must be > 0")
	}
	if cfg.LiveOutboundQueueSize <= 0 {
		bad("VOX_LIVE_OUTBOUND_QUEUE must be > 0")
	}
	if cfg.LiveAudioInAckEveryN <= 0 {
		bad("VOX_LIVE_AUDIO_IN_ACK_EVERY must be > 0")
	}
	if cfg.LimitRPS < 0 {
		bad("VOX_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		bad("VOX_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentStreams < 0 {
		bad("VOX_MAX_STREAMS_PER_PRINCIPAL must be >= 0")
	}
	if cfg.LimitMaxConcurrentSessions < 0 {
		bad("VOX_MAX_SESSIONS_PER_PRINCIPAL must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		bad("VOX_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		bad("VOX_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		bad("VOX_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.ResumeTTL <= 0 {
		bad("VOX_RESUME_TTL must be > 0")
	}
	if cfg.AuthTokenTTL <= 0 {
		bad("VOX_AUTH_TOKEN_TTL must be > 0")
	}
	if cfg.BillingFlushInterval <= 0 {
		bad("VOX_BILLING_FLUSH_INTERVAL must be > 0")
	}
	if cfg.DatabaseMaxConns <= 0 {
		bad("VOX_DATABASE_MAX_CONNS must be > 0")
	}
	if cfg.WorkOSAPIKey != "" && strings.TrimSpace(cfg.WorkOSClientID) == "" {
		bad("VOX_WORKOS_CLIENT_ID must be set when VOX_WORKOS_API_KEY is set")
	}

	if len(problems) > 0 {
		return Config{}, fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}
	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
