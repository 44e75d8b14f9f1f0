// Package server wires the gateway subsystems together and owns the HTTP
// surface: health probes, the metrics scrape, the conversation REST API,
// streaming chat, the live websocket, and the optional auth exchange.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxbridge/voxbridge/pkg/gateway/archive"
	"github.com/voxbridge/voxbridge/pkg/gateway/auth"
	"github.com/voxbridge/voxbridge/pkg/gateway/billing"
	"github.com/voxbridge/voxbridge/pkg/gateway/config"
	"github.com/voxbridge/voxbridge/pkg/gateway/handlers"
	"github.com/voxbridge/voxbridge/pkg/gateway/lifecycle"
	"github.com/voxbridge/voxbridge/pkg/gateway/live/sessions"
	"github.com/voxbridge/voxbridge/pkg/gateway/metrics"
	"github.com/voxbridge/voxbridge/pkg/gateway/mw"
	"github.com/voxbridge/voxbridge/pkg/gateway/ratelimit"
	"github.com/voxbridge/voxbridge/pkg/gateway/resume"
	"github.com/voxbridge/voxbridge/pkg/gateway/store"
	"github.com/voxbridge/voxbridge/pkg/gateway/upstream/gemini"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	upstream  *gemini.Client
	limiter   *ratelimit.Limiter
	lifecycle *lifecycle.Lifecycle
	tracker   *sessions.Tracker
	metrics   *metrics.Metrics

	store    *store.Store
	redis    *redis.Client
	resume   *resume.Store
	tokens   *auth.TokenStore
	workos   *auth.WorkOS
	meter    *billing.Meter
	billing  *billing.Reporter
	archiver *archive.Archiver

	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// New builds the gateway. Optional subsystems (Postgres, Redis, Stripe,
// WorkOS, the archive) come up only when configured; the gateway runs
// voice sessions without any of them.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	upstream, err := gemini.New(ctx, gemini.Config{
		APIKey:     cfg.GeminiAPIKey,
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("init upstream: %w", err)
	}

	var st *store.Store
	if cfg.DatabaseURL != "" {
		st, err = store.Open(ctx, store.Config{
			DSN:      cfg.DatabaseURL,
			MaxConns: cfg.DatabaseMaxConns,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	archiver, err := archive.New(cfg.ArchiveDir, logger)
	if err != nil {
		if st != nil {
			st.Close()
		}
		return nil, fmt.Errorf("init archive: %w", err)
	}

	meter := billing.NewMeter()
	bgCtx, bgCancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		upstream:  upstream,
		lifecycle: &lifecycle.Lifecycle{},
		tracker:   sessions.NewTracker(),
		metrics:   metrics.New(),
		store:     st,
		redis:     redisClient,
		resume:    resume.New(redisClient, resume.WithTTL(cfg.ResumeTTL)),
		tokens:    auth.NewTokenStore(redisClient, cfg.AuthTokenTTL),
		workos:    auth.NewWorkOS(cfg.WorkOSAPIKey, cfg.WorkOSClientID),
		meter:     meter,
		billing: billing.NewReporter(billing.Config{
			APIKey:         cfg.StripeAPIKey,
			CustomerID:     cfg.StripeCustomerID,
			AudioEventName: cfg.StripeAudioEventName,
			ChatEventName:  cfg.StripeChatEventName,
			FlushInterval:  cfg.BillingFlushInterval,
		}, meter, logger),
		archiver: archiver,
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}

	s.limiter = ratelimit.New(ratelimit.Config{
		RPS:                   cfg.LimitRPS,
		Burst:                 cfg.LimitBurst,
		MaxConcurrentStreams:  cfg.LimitMaxConcurrentStreams,
		MaxConcurrentSessions: cfg.LimitMaxConcurrentSessions,
	})

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Lifecycle:    s.lifecycle,
		Store:        s.store,
		Resume:       s.resume,
		LiveSessions: s.tracker,
	})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Config:       s.cfg,
		Upstream:     s.upstream,
		Logger:       s.logger,
		Limiter:      s.limiter,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.tracker,
		Store:        s.store,
		Resume:       s.resume,
		Tokens:       s.tokens,
		Metrics:      s.metrics,
		Billing:      s.billing,
		Archiver:     s.archiver,
	})

	conversations := handlers.ConversationsHandler{
		Store: s.store,
		Chat: handlers.ChatHandler{
			Config:   s.cfg,
			Upstream: s.upstream,
			Logger:   s.logger,
			Limiter:  s.limiter,
			Store:    s.store,
			Metrics:  s.metrics,
			Meter:    s.meter,
		},
	}
	s.mux.Handle("/v1/conversations", conversations)
	s.mux.Handle("/v1/conversations/", conversations)

	s.mux.Handle("/v1/auth/workos", handlers.AuthHandler{
		Config: s.cfg,
		WorkOS: s.workos,
		Tokens: s.tokens,
		Logger: s.logger,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.Auth(s.cfg, s.tokens, h)
	h = mw.BodyLimit(s.cfg, h)
	h = mw.APIVersion(h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.HTTPMetrics(s.metrics, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Start runs startup work that needs the process to be live: database
// migrations when configured, and the billing flush loop.
func (s *Server) Start(ctx context.Context) error {
	if s.store != nil && s.cfg.MigrateOnStart {
		if err := s.store.WaitReady(ctx, 30*time.Second); err != nil {
			return fmt.Errorf("wait for database: %w", err)
		}
		if err := s.store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}
	if s.billing != nil {
		go s.billing.Run(s.bgCtx)
	}
	return nil
}

// SetDraining flips readiness and refuses new live sessions. Requests in
// flight and open sessions are unaffected.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// WarnLiveSessionsDraining tells every open live session the gateway is
// going away so clients can reconnect elsewhere.
func (s *Server) WarnLiveSessionsDraining() {
	s.tracker.WarnAll("draining", "gateway is draining, reconnect to another replica")
}

// WaitLiveSessions blocks until every live session ends or ctx expires.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

// CancelLiveSessions force-closes the sessions that outlived the grace
// period.
func (s *Server) CancelLiveSessions() {
	s.tracker.CancelAll()
}

// Close releases backing resources. Call after the HTTP server stopped.
func (s *Server) Close() {
	s.bgCancel()
	s.archiver.Close()
	if s.redis != nil {
		_ = s.redis.Close()
	}
	s.store.Close()
}
