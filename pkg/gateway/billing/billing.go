// Package billing meters usage per principal and optionally reports it to
// Stripe as billing meter events. Without an API key the reporter is nil and
// every call is a no-op, so the gateway never depends on Stripe being up.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stripe/stripe-go/v84"
)

// Usage is the billable activity of one principal.
type Usage struct {
	AudioSeconds int64
	Turns        int64
	ChatRequests int64
	Sessions     int64
}

// Meter accumulates usage between flushes.
type Meter struct {
	mu          sync.Mutex
	byPrincipal map[string]*Usage
}

func NewMeter() *Meter {
	return &Meter{byPrincipal: make(map[string]*Usage)}
}

func (m *Meter) usageFor(principal string) *Usage {
	if principal == "" {
		principal = "anonymous"
	}
	u := m.byPrincipal[principal]
	if u == nil {
		u = &Usage{}
		m.byPrincipal[principal] = u
	}
	return u
}

// AddSession records one finished live session.
func (m *Meter) AddSession(principal string, audioInMS, audioOutMS, turns int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.usageFor(principal)
	u.AudioSeconds += ceilSeconds(audioInMS + audioOutMS)
	u.Turns += turns
	u.Sessions++
}

// AddChatRequest records one text chat request.
func (m *Meter) AddChatRequest(principal string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usageFor(principal).ChatRequests++
}

// Drain returns the accumulated usage and resets the meter.
func (m *Meter) Drain() map[string]Usage {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Usage, len(m.byPrincipal))
	for principal, u := range m.byPrincipal {
		out[principal] = *u
	}
	m.byPrincipal = make(map[string]*Usage)
	return out
}

func ceilSeconds(ms int64) int64 {
	if ms <= 0 {
		return 0
	}
	return (ms + 999) / 1000
}

type Config struct {
	APIKey         string
	CustomerID     string
	AudioEventName string
	ChatEventName  string
	FlushInterval  time.Duration
}

// Reporter posts meter events to Stripe. A nil reporter is valid and inert.
type Reporter struct {
	client *stripe.Client
	meter  *Meter
	cfg    Config
	logger *slog.Logger
}

func NewReporter(cfg Config, meter *Meter, logger *slog.Logger) *Reporter {
	if cfg.APIKey == "" {
		return nil
	}
	if cfg.AudioEventName == "" {
		cfg.AudioEventName = "voxbridge_audio_seconds"
	}
	if cfg.ChatEventName == "" {
		cfg.ChatEventName = "voxbridge_chat_requests"
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		client: stripe.NewClient(cfg.APIKey),
		meter:  meter,
		cfg:    cfg,
		logger: logger,
	}
}

// ReportSession posts a finished session's audio seconds right away, keyed
// by session id so a retried post cannot double-bill.
func (r *Reporter) ReportSession(ctx context.Context, sessionID, principal string, audioInMS, audioOutMS int64) {
	if r == nil {
		return
	}
	seconds := ceilSeconds(audioInMS + audioOutMS)
	if seconds == 0 {
		return
	}
	if err := r.post(ctx, r.cfg.AudioEventName, sessionID, principal, seconds); err != nil {
		r.logger.Warn("failed to report session usage",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}

// Run flushes the meter on an interval until ctx is done, then once more.
func (r *Reporter) Run(ctx context.Context) {
	if r == nil || r.meter == nil {
		return
	}
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			r.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// Flush posts the accumulated chat usage per principal.
func (r *Reporter) Flush(ctx context.Context) {
	if r == nil || r.meter == nil {
		return
	}
	for principal, u := range r.meter.Drain() {
		if u.ChatRequests == 0 {
			continue
		}
		if err := r.post(ctx, r.cfg.ChatEventName, "", principal, u.ChatRequests); err != nil {
			r.logger.Warn("failed to report chat usage",
				slog.String("principal", principal),
				slog.String("error", err.Error()))
		}
	}
}

func (r *Reporter) post(ctx context.Context, eventName, identifier, principal string, value int64) error {
	payload := map[string]string{
		"value":     strconv.FormatInt(value, 10),
		"principal": principal,
	}
	if r.cfg.CustomerID != "" {
		payload["stripe_customer_id"] = r.cfg.CustomerID
	}
	params := &stripe.BillingMeterEventCreateParams{
		EventName: stripe.String(eventName),
		Payload:   payload,
	}
	if identifier != "" {
		params.Identifier = stripe.String(identifier)
	}

	backoff := retry.WithMaxRetries(2, retry.NewExponential(200*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if _, err := r.client.V1BillingMeterEvents.Create(ctx, params); err != nil {
			return retry.RetryableError(fmt.Errorf("billing: post meter event: %w", err))
		}
		return nil
	})
}
