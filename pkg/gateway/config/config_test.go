package config

import (
	"strings"
	"testing"
	"time"
)

var gatewayEnvKeys = []string{
	"VOX_ADDR",
	"VOX_AUTH_MODE",
	"VOX_API_KEYS",
	"VOX_TRUST_PROXY_HEADERS",
	"VOX_GEMINI_API_KEY",
	"GEMINI_API_KEY",
	"VOX_LIVE_MODEL",
	"VOX_CHAT_MODEL",
	"VOX_DEFAULT_VOICE",
	"VOX_DATABASE_URL",
	"VOX_DATABASE_MAX_CONNS",
	"VOX_DATABASE_MIGRATE",
	"VOX_REDIS_ADDR",
	"VOX_REDIS_PASSWORD",
	"VOX_REDIS_DB",
	"VOX_RESUME_TTL",
	"VOX_MAX_BODY_BYTES",
	"VOX_CORS_ORIGINS",
	"VOX_SSE_PING_INTERVAL",
	"VOX_SSE_MAX_DURATION",
	"VOX_CHAT_HISTORY_WINDOW",
	"VOX_CHAT_MAX_OUTPUT_TOKENS",
	"VOX_LIVE_MAX_AUDIO_FRAME_BYTES",
	"VOX_LIVE_MAX_JSON_MESSAGE_BYTES",
	"VOX_LIVE_MAX_AUDIO_FPS",
	"VOX_LIVE_MAX_AUDIO_BPS",
	"VOX_LIVE_INBOUND_BURST_SECONDS",
	"VOX_LIVE_WS_PING_INTERVAL",
	"VOX_LIVE_WS_WRITE_TIMEOUT",
	"VOX_LIVE_WS_READ_TIMEOUT",
	"VOX_LIVE_HANDSHAKE_TIMEOUT",
	"VOX_LIVE_MAX_DURATION",
	"VOX_LIVE_PLAYBACK_STOP_WAIT",
	"VOX_LIVE_MAX_BACKPRESSURE_PER_MIN",
	"VOX_LIVE_OUTBOUND_QUEUE",
	"VOX_LIVE_AUDIO_IN_ACK_EVERY",
	"VOX_RATE_LIMIT_RPS",
	"VOX_RATE_LIMIT_BURST",
	"VOX_MAX_STREAMS_PER_PRINCIPAL",
	"VOX_MAX_SESSIONS_PER_PRINCIPAL",
	"VOX_READ_HEADER_TIMEOUT",
	"VOX_READ_TIMEOUT",
	"VOX_SHUTDOWN_GRACE_PERIOD",
	"VOX_STRIPE_API_KEY",
	"VOX_STRIPE_CUSTOMER_ID",
	"VOX_STRIPE_AUDIO_EVENT",
	"VOX_STRIPE_CHAT_EVENT",
	"VOX_BILLING_FLUSH_INTERVAL",
	"VOX_WORKOS_API_KEY",
	"VOX_WORKOS_CLIENT_ID",
	"VOX_AUTH_TOKEN_TTL",
	"VOX_ARCHIVE_DIR",
}

func clearGatewayEnv(t *testing.T) {
	t.Helper()
	for _, key := range gatewayEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("VOX_GEMINI_API_KEY", "test-key")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.AuthMode != AuthModeDisabled {
		t.Fatalf("AuthMode = %q, want %q", cfg.AuthMode, AuthModeDisabled)
	}
	if cfg.TrustProxyHeaders {
		t.Fatal("TrustProxyHeaders = true, want false")
	}
	if cfg.GeminiAPIKey != "test-key" {
		t.Fatalf("GeminiAPIKey = %q", cfg.GeminiAPIKey)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Fatalf("MaxBodyBytes = %d, want %d", cfg.MaxBodyBytes, int64(1<<20))
	}
	if cfg.SSEPingInterval != 15*time.Second {
		t.Fatalf("SSEPingInterval = %v, want 15s", cfg.SSEPingInterval)
	}
	if cfg.SSEMaxStreamDuration != 5*time.Minute {
		t.Fatalf("SSEMaxStreamDuration = %v, want 5m", cfg.SSEMaxStreamDuration)
	}
	if cfg.ChatHistoryWindow != 40 {
		t.Fatalf("ChatHistoryWindow = %d, want 40", cfg.ChatHistoryWindow)
	}
	if cfg.ChatMaxOutputTokens != 0 {
		t.Fatalf("ChatMaxOutputTokens = %d, want 0", cfg.ChatMaxOutputTokens)
	}
	if cfg.LiveMaxAudioFrameBytes != 8192 {
		t.Fatalf("LiveMaxAudioFrameBytes = %d, want 8192", cfg.LiveMaxAudioFrameBytes)
	}
	if cfg.LiveMaxJSONMessageBytes != 64*1024 {
		t.Fatalf("LiveMaxJSONMessageBytes = %d, want 65536", cfg.LiveMaxJSONMessageBytes)
	}
	if cfg.LiveMaxAudioFPS != 120 {
		t.Fatalf("LiveMaxAudioFPS = %d, want 120", cfg.LiveMaxAudioFPS)
	}
	if cfg.LiveMaxAudioBytesPerSecond != 128*1024 {
		t.Fatalf("LiveMaxAudioBytesPerSecond = %d, want %d", cfg.LiveMaxAudioBytesPerSecond, int64(128*1024))
	}
	if cfg.LiveInboundBurstSeconds != 2 {
		t.Fatalf("LiveInboundBurstSeconds = %d, want 2", cfg.LiveInboundBurstSeconds)
	}
	if cfg.LiveWSPingInterval != 20*time.Second {
		t.Fatalf("LiveWSPingInterval = %v, want 20s", cfg.LiveWSPingInterval)
	}
	if cfg.LiveWSWriteTimeout != 5*time.Second {
		t.Fatalf("LiveWSWriteTimeout = %v, want 5s", cfg.LiveWSWriteTimeout)
	}
	if cfg.LiveWSReadTimeout != 0 {
		t.Fatalf("LiveWSReadTimeout = %v, want 0", cfg.LiveWSReadTimeout)
	}
	if cfg.LiveHandshakeTimeout != 5*time.Second {
		t.Fatalf("LiveHandshakeTimeout = %v, want 5s", cfg.LiveHandshakeTimeout)
	}
	if cfg.LiveMaxSessionDuration != 2*time.Hour {
		t.Fatalf("LiveMaxSessionDuration = %v, want 2h", cfg.LiveMaxSessionDuration)
	}
	if cfg.LivePlaybackStopWait != 500*time.Millisecond {
		t.Fatalf("LivePlaybackStopWait = %v, want 500ms", cfg.LivePlaybackStopWait)
	}
	if cfg.LiveMaxBackpressurePerMin != 3 {
		t.Fatalf("LiveMaxBackpressurePerMin = %d, want 3", cfg.LiveMaxBackpressurePerMin)
	}
	if cfg.LiveOutboundQueueSize != 128 {
		t.Fatalf("LiveOutboundQueueSize = %d, want 128", cfg.LiveOutboundQueueSize)
	}
	if cfg.LiveAudioInAckEveryN != 25 {
		t.Fatalf("LiveAudioInAckEveryN = %d, want 25", cfg.LiveAudioInAckEveryN)
	}
	if cfg.LimitRPS != 5.0 || cfg.LimitBurst != 10 {
		t.Fatalf("rate limits = %v/%d, want 5/10", cfg.LimitRPS, cfg.LimitBurst)
	}
	if cfg.LimitMaxConcurrentStreams != 4 || cfg.LimitMaxConcurrentSessions != 2 {
		t.Fatalf("concurrency limits = %d/%d, want 4/2", cfg.LimitMaxConcurrentStreams, cfg.LimitMaxConcurrentSessions)
	}
	if cfg.ReadHeaderTimeout != 10*time.Second || cfg.ReadTimeout != 30*time.Second {
		t.Fatalf("server timeouts = %v/%v", cfg.ReadHeaderTimeout, cfg.ReadTimeout)
	}
	if cfg.ShutdownGracePeriod != 30*time.Second {
		t.Fatalf("ShutdownGracePeriod = %v, want 30s", cfg.ShutdownGracePeriod)
	}
	if cfg.ResumeTTL != 10*time.Minute {
		t.Fatalf("ResumeTTL = %v, want 10m", cfg.ResumeTTL)
	}
	if cfg.AuthTokenTTL != time.Hour {
		t.Fatalf("AuthTokenTTL = %v, want 1h", cfg.AuthTokenTTL)
	}
	if cfg.BillingFlushInterval != time.Minute {
		t.Fatalf("BillingFlushInterval = %v, want 1m", cfg.BillingFlushInterval)
	}
	if cfg.DatabaseMaxConns != 8 {
		t.Fatalf("DatabaseMaxConns = %d, want 8", cfg.DatabaseMaxConns)
	}
	if !cfg.MigrateOnStart {
		t.Fatal("MigrateOnStart = false, want true")
	}
	if cfg.StripeAudioEventName != "voxbridge_audio_seconds" || cfg.StripeChatEventName != "voxbridge_chat_requests" {
		t.Fatalf("stripe event names = %q/%q", cfg.StripeAudioEventName, cfg.StripeChatEventName)
	}
	if len(cfg.APIKeys) != 0 || len(cfg.CORSAllowedOrigins) != 0 {
		t.Fatalf("expected empty key/origin sets, got %d/%d", len(cfg.APIKeys), len(cfg.CORSAllowedOrigins))
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("VOX_GEMINI_API_KEY", "test-key")
	t.Setenv("VOX_ADDR", ":9090")
	t.Setenv("VOX_AUTH_MODE", "required")
	t.Setenv("VOX_API_KEYS", "k1, k2,,")
	t.Setenv("VOX_TRUST_PROXY_HEADERS", "true")
	t.Setenv("VOX_LIVE_MODEL", "gemini-2.5-flash-native-audio-preview")
	t.Setenv("VOX_CHAT_MODEL", "gemini-2.5-flash")
	t.Setenv("VOX_DEFAULT_VOICE", "Aoede")
	t.Setenv("VOX_DATABASE_URL", "postgres://gateway@localhost/vox")
	t.Setenv("VOX_DATABASE_MAX_CONNS", "16")
	t.Setenv("VOX_DATABASE_MIGRATE", "false")
	t.Setenv("VOX_REDIS_ADDR", "localhost:6379")
	t.Setenv("VOX_REDIS_DB", "3")
	t.Setenv("VOX_RESUME_TTL", "20m")
	t.Setenv("VOX_MAX_BODY_BYTES", "12345")
	t.Setenv("VOX_CORS_ORIGINS", "https://a.example, https://b.example,,")
	t.Setenv("VOX_SSE_PING_INTERVAL", "17s")
	t.Setenv("VOX_SSE_MAX_DURATION", "4m")
	t.Setenv("VOX_CHAT_HISTORY_WINDOW", "12")
	t.Setenv("VOX_CHAT_MAX_OUTPUT_TOKENS", "2048")
	t.Setenv("VOX_LIVE_MAX_AUDIO_FRAME_BYTES", "1234")
	t.Setenv("VOX_LIVE_MAX_JSON_MESSAGE_BYTES", "77777")
	t.Setenv("VOX_LIVE_MAX_AUDIO_FPS", "55")
	t.Setenv("VOX_LIVE_MAX_AUDIO_BPS", "222222")
	t.Setenv("VOX_LIVE_INBOUND_BURST_SECONDS", "3")
	t.Setenv("VOX_LIVE_WS_PING_INTERVAL", "9s")
	t.Setenv("VOX_LIVE_WS_WRITE_TIMEOUT", "3s")
	t.Setenv("VOX_LIVE_WS_READ_TIMEOUT", "4s")
	t.Setenv("VOX_LIVE_HANDSHAKE_TIMEOUT", "6s")
	t.Setenv("VOX_LIVE_MAX_DURATION", "95m")
	t.Setenv("VOX_LIVE_PLAYBACK_STOP_WAIT", "250ms")
	t.Setenv("VOX_LIVE_MAX_BACKPRESSURE_PER_MIN", "7")
	t.Setenv("VOX_LIVE_OUTBOUND_QUEUE", "64")
	t.Setenv("VOX_LIVE_AUDIO_IN_ACK_EVERY", "50")
	t.Setenv("VOX_RATE_LIMIT_RPS", "3.5")
	t.Setenv("VOX_RATE_LIMIT_BURST", "8")
	t.Setenv("VOX_MAX_STREAMS_PER_PRINCIPAL", "6")
	t.Setenv("VOX_MAX_SESSIONS_PER_PRINCIPAL", "5")
	t.Setenv("VOX_READ_HEADER_TIMEOUT", "12s")
	t.Setenv("VOX_READ_TIMEOUT", "33s")
	t.Setenv("VOX_SHUTDOWN_GRACE_PERIOD", "31s")
	t.Setenv("VOX_ARCHIVE_DIR", "/var/lib/voxbridge/utterances")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":9090" || cfg.AuthMode != AuthModeRequired {
		t.Fatalf("Addr/AuthMode = %q/%q", cfg.Addr, cfg.AuthMode)
	}
	if len(cfg.APIKeys) != 2 {
		t.Fatalf("APIKeys len=%d, want 2", len(cfg.APIKeys))
	}
	if _, ok := cfg.APIKeys["k1"]; !ok {
		t.Fatal("expected API key k1")
	}
	if !cfg.TrustProxyHeaders {
		t.Fatal("TrustProxyHeaders = false, want true")
	}
	if cfg.LiveModel != "gemini-2.5-flash-native-audio-preview" || cfg.ChatModel != "gemini-2.5-flash" || cfg.DefaultVoice != "Aoede" {
		t.Fatalf("model config = %q/%q/%q", cfg.LiveModel, cfg.ChatModel, cfg.DefaultVoice)
	}
	if cfg.DatabaseURL != "postgres://gateway@localhost/vox" || cfg.DatabaseMaxConns != 16 || cfg.MigrateOnStart {
		t.Fatalf("database config = %q/%d/%v", cfg.DatabaseURL, cfg.DatabaseMaxConns, cfg.MigrateOnStart)
	}
	if cfg.RedisAddr != "localhost:6379" || cfg.RedisDB != 3 || cfg.ResumeTTL != 20*time.Minute {
		t.Fatalf("redis config = %q/%d/%v", cfg.RedisAddr, cfg.RedisDB, cfg.ResumeTTL)
	}
	if cfg.MaxBodyBytes != 12345 {
		t.Fatalf("MaxBodyBytes = %d, want 12345", cfg.MaxBodyBytes)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("CORSAllowedOrigins len=%d, want 2", len(cfg.CORSAllowedOrigins))
	}
	if _, ok := cfg.CORSAllowedOrigins["https://b.example"]; !ok {
		t.Fatal("missing https://b.example")
	}
	if cfg.SSEPingInterval != 17*time.Second || cfg.SSEMaxStreamDuration != 4*time.Minute {
		t.Fatalf("stream durations = %v/%v", cfg.SSEPingInterval, cfg.SSEMaxStreamDuration)
	}
	if cfg.ChatHistoryWindow != 12 || cfg.ChatMaxOutputTokens != 2048 {
		t.Fatalf("chat limits = %d/%d", cfg.ChatHistoryWindow, cfg.ChatMaxOutputTokens)
	}
	if cfg.LiveMaxAudioFrameBytes != 1234 || cfg.LiveMaxJSONMessageBytes != 77777 {
		t.Fatalf("live size limits = %d/%d", cfg.LiveMaxAudioFrameBytes, cfg.LiveMaxJSONMessageBytes)
	}
	if cfg.LiveMaxAudioFPS != 55 || cfg.LiveMaxAudioBytesPerSecond != 222222 || cfg.LiveInboundBurstSeconds != 3 {
		t.Fatalf("live inbound limits = %d/%d/%d", cfg.LiveMaxAudioFPS, cfg.LiveMaxAudioBytesPerSecond, cfg.LiveInboundBurstSeconds)
	}
	if cfg.LiveWSPingInterval != 9*time.Second || cfg.LiveWSWriteTimeout != 3*time.Second || cfg.LiveWSReadTimeout != 4*time.Second {
		t.Fatalf("live ws timeouts = %v/%v/%v", cfg.LiveWSPingInterval, cfg.LiveWSWriteTimeout, cfg.LiveWSReadTimeout)
	}
	if cfg.LiveHandshakeTimeout != 6*time.Second || cfg.LiveMaxSessionDuration != 95*time.Minute {
		t.Fatalf("live session timing = %v/%v", cfg.LiveHandshakeTimeout, cfg.LiveMaxSessionDuration)
	}
	if cfg.LivePlaybackStopWait != 250*time.Millisecond || cfg.LiveMaxBackpressurePerMin != 7 {
		t.Fatalf("playback config = %v/%d", cfg.LivePlaybackStopWait, cfg.LiveMaxBackpressurePerMin)
	}
	if cfg.LiveOutboundQueueSize != 64 || cfg.LiveAudioInAckEveryN != 50 {
		t.Fatalf("live queue config = %d/%d", cfg.LiveOutboundQueueSize, cfg.LiveAudioInAckEveryN)
	}
	if cfg.LimitRPS != 3.5 || cfg.LimitBurst != 8 || cfg.LimitMaxConcurrentStreams != 6 || cfg.LimitMaxConcurrentSessions != 5 {
		t.Fatalf("rate/concurrency = %v/%d/%d/%d", cfg.LimitRPS, cfg.LimitBurst, cfg.LimitMaxConcurrentStreams, cfg.LimitMaxConcurrentSessions)
	}
	if cfg.ReadHeaderTimeout != 12*time.Second || cfg.ReadTimeout != 33*time.Second || cfg.ShutdownGracePeriod != 31*time.Second {
		t.Fatalf("server timeouts = %v/%v/%v", cfg.ReadHeaderTimeout, cfg.ReadTimeout, cfg.ShutdownGracePeriod)
	}
	if cfg.ArchiveDir != "/var/lib/voxbridge/utterances" {
		t.Fatalf("ArchiveDir = %q", cfg.ArchiveDir)
	}
}

func TestLoadFromEnv_GeminiKeyFallsBackToAmbientEnv(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("GEMINI_API_KEY", "ambient-key")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.GeminiAPIKey != "ambient-key" {
		t.Fatalf("GeminiAPIKey = %q, want ambient-key", cfg.GeminiAPIKey)
	}
}

func TestLoadFromEnv_UnparseableValuesFallBack(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("VOX_GEMINI_API_KEY", "test-key")
	t.Setenv("VOX_SSE_PING_INTERVAL", "soon")
	t.Setenv("VOX_MAX_BODY_BYTES", "lots")
	t.Setenv("VOX_RATE_LIMIT_RPS", "fast")
	t.Setenv("VOX_TRUST_PROXY_HEADERS", "maybe")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.SSEPingInterval != 15*time.Second {
		t.Fatalf("SSEPingInterval = %v, want default 15s", cfg.SSEPingInterval)
	}
	if cfg.MaxBodyBytes != 1<<20 {
		t.Fatalf("MaxBodyBytes = %d, want default %d", cfg.MaxBodyBytes, int64(1<<20))
	}
	if cfg.LimitRPS != 5.0 {
		t.Fatalf("LimitRPS = %v, want default 5", cfg.LimitRPS)
	}
	if cfg.TrustProxyHeaders {
		t.Fatal("TrustProxyHeaders = true, want default false")
	}
}

func TestLoadFromEnv_ValidationErrors(t *testing.T) {
	cases := []struct {
		name      string
		env       map[string]string
		errSubstr string
	}{
		{
			name:      "missing gemini key",
			env:       map[string]string{},
			errSubstr: "VOX_GEMINI_API_KEY must be set",
		},
		{
			name: "unknown auth mode",
			env: map[string]string{
				"VOX_GEMINI_API_KEY": "test-key",
				"VOX_AUTH_MODE":      "bogus",
			},
			errSubstr: "VOX_AUTH_MODE must be one of",
		},
		{
			name: "required auth without credentials",
			env: map[string]string{
				"VOX_GEMINI_API_KEY": "test-key",
				"VOX_AUTH_MODE":      "required",
			},
			errSubstr: "VOX_API_KEYS or VOX_WORKOS_API_KEY",
		},
		{
			name: "sse max duration zero",
			env: map[string]string{
				"VOX_GEMINI_API_KEY":   "test-key",
				"VOX_SSE_MAX_DURATION": "0s",
			},
			errSubstr: "VOX_SSE_MAX_DURATION",
		},
		{
			name: "live frame size zero",
			env: map[string]string{
				"VOX_GEMINI_API_KEY":             "test-key",
				"VOX_LIVE_MAX_AUDIO_FRAME_BYTES": "0",
			},
			errSubstr: "VOX_LIVE_MAX_AUDIO_FRAME_BYTES",
		},
		{
			name: "negative live fps",
			env: map[string]string{
				"VOX_GEMINI_API_KEY":             "test-key",
				"VOX_LIVE_MAX_AUDIO_FPS":         "-1",
				"VOX_LIVE_MAX_AUDIO_BPS":         "0",
				"VOX_LIVE_INBOUND_BURST_SECONDS": "1",
			},
			errSubstr: "VOX_LIVE_MAX_AUDIO_FPS",
		},
		{
			name: "burst seconds zero while limits enabled",
			env: map[string]string{
				"VOX_GEMINI_API_KEY":             "test-key",
				"VOX_LIVE_MAX_AUDIO_FPS":         "10",
				"VOX_LIVE_INBOUND_BURST_SECONDS": "0",
			},
			errSubstr: "VOX_LIVE_INBOUND_BURST_SECONDS must be >= 1",
		},
		{
			name: "workos key without client id",
			env: map[string]string{
				"VOX_GEMINI_API_KEY": "test-key",
				"VOX_WORKOS_API_KEY": "sk_test_workos",
			},
			errSubstr: "VOX_WORKOS_CLIENT_ID",
		},
		{
			name: "shutdown grace period zero",
			env: map[string]string{
				"VOX_GEMINI_API_KEY":        "test-key",
				"VOX_SHUTDOWN_GRACE_PERIOD": "0s",
			},
			errSubstr: "VOX_SHUTDOWN_GRACE_PERIOD",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearGatewayEnv(t)
			for key, value := range tc.env {
				t.Setenv(key, value)
			}
			_, err := LoadFromEnv()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.errSubstr) {
				t.Fatalf("error = %v, expected substring %q", err, tc.errSubstr)
			}
		})
	}
}

func TestLoadFromEnv_AggregatesAllProblems(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("VOX_AUTH_MODE", "bogus")
	t.Setenv("VOX_SSE_MAX_DURATION", "0s")

	_, err := LoadFromEnv()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"VOX_AUTH_MODE", "VOX_SSE_MAX_DURATION", "VOX_GEMINI_API_KEY"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error = %v, expected substring %q", err, want)
		}
	}
}
