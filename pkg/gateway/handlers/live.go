package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voxbridge/voxbridge/pkg/gateway/apierror"
	"github.com/voxbridge/voxbridge/pkg/gateway/auth"
	"github.com/voxbridge/voxbridge/pkg/gateway/billing"
	"github.com/voxbridge/voxbridge/pkg/gateway/config"
	"github.com/voxbridge/voxbridge/pkg/gateway/lifecycle"
	"github.com/voxbridge/voxbridge/pkg/gateway/live/protocol"
	"github.com/voxbridge/voxbridge/pkg/gateway/live/session"
	"github.com/voxbridge/voxbridge/pkg/gateway/live/sessions"
	"github.com/voxbridge/voxbridge/pkg/gateway/metrics"
	"github.com/voxbridge/voxbridge/pkg/gateway/mw"
	"github.com/voxbridge/voxbridge/pkg/gateway/principal"
	"github.com/voxbridge/voxbridge/pkg/gateway/ratelimit"
	"github.com/voxbridge/voxbridge/pkg/gateway/resume"
	"github.com/voxbridge/voxbridge/pkg/gateway/store"
	"github.com/voxbridge/voxbridge/pkg/gateway/upstream/gemini"
)

// LiveHandler upgrades /v1/live requests and runs live voice sessions.
// Everything after the upgrade speaks the websocket protocol; errors are
// delivered as error frames, not HTTP statuses.
type LiveHandler struct {
	Config       config.Config
	Upstream     *gemini.Client
	Logger       *slog.Logger
	Limiter      *ratelimit.Limiter
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
	Store        *store.Store
	Resume       *resume.Store
	Tokens       *auth.TokenStore
	Metrics      *metrics.Metrics
	Billing      *billing.Reporter
	Archiver     session.UtteranceArchiver

	// Dialer overrides the upstream connection for tests.
	Dialer session.UpstreamDialer
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}
	if h.Lifecycle.IsDraining() {
		writeAPIError(w, r, apierror.NewOverloaded("gateway is draining"))
		return
	}
	if !h.originAllowed(r) {
		writeAPIError(w, r, &apierror.Error{Type: apierror.TypePermission, Message: "origin is not allowed", Param: "Origin"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.LiveMaxJSONMessageBytes > 0 {
		conn.SetReadLimit(h.Config.LiveMaxJSONMessageBytes)
	}

	handshakeTimeout := h.Config.LiveHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		h.writeWSError(conn, "session", "bad_request", "failed to read hello", true, nil)
		return
	}
	if messageType != websocket.TextMessage {
		h.writeWSError(conn, "session", "bad_request", "first frame must be hello", true, nil)
		return
	}

	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) {
			var details map[string]any
			if decodeErr.Param != "" {
				details = map[string]any{"param": decodeErr.Param}
			}
			h.writeWSError(conn, "session", decodeErr.Code, decodeErr.Message, true, details)
		} else {
			h.writeWSError(conn, "session", "bad_request", "invalid hello frame", true, nil)
		}
		return
	}
	hello, ok := decoded.(protocol.ClientHello)
	if !ok {
		h.writeWSError(conn, "session", "bad_request", "first frame must be hello", true, nil)
		return
	}
	if strings.TrimSpace(hello.ProtocolVersion) != protocol.ProtocolVersion1 {
		h.writeWSError(conn, "session", "unsupported_version", "unsupported protocol_version", true, nil)
		return
	}
	if hello.AudioIn != protocol.CaptureFormat() {
		h.writeWSError(conn, "session", "unsupported", "audio_in must be pcm_s16le @16000Hz mono", true, map[string]any{"param": "audio_in"})
		return
	}
	if hello.AudioOut != protocol.SpeakFormat() {
		h.writeWSError(conn, "session", "unsupported", "audio_out must be pcm_s16le @24000Hz mono", true, map[string]any{"param": "audio_out"})
		return
	}

	transport := strings.TrimSpace(hello.Features.AudioTransport)
	if transport == "" {
		transport = protocol.AudioTransportBase64JSON
	}
	hello.Features.AudioTransport = transport

	who, authErr := h.resolveSessionPrincipal(r, hello)
	if authErr != nil {
		h.writeWSError(conn, "session", "unauthorized", authErr.Error(), true, nil)
		return
	}
	principalKey := who.ID
	if who.Kind == auth.KindAnonymous {
		principalKey = principal.Resolve(r, h.Config).Key
	}

	if h.Limiter != nil {
		dec := h.Limiter.AcquireSession(principalKey, time.Now())
		if !dec.Allowed {
			h.writeWSError(conn, "session", "rate_limited", "too many active live sessions", true, nil)
			return
		}
		defer dec.Permit.Release()
	}

	model := strings.TrimSpace(hello.Model)
	if model != "default" && !gemini.SupportedLiveModel(model) {
		h.writeWSError(conn, "session", "unsupported_model", "model is not available for live sessions", true, map[string]any{"param": "model"})
		return
	}
	if model == "" || model == "default" {
		model = strings.TrimSpace(h.Config.LiveModel)
	}
	if model == "" {
		model = gemini.DefaultLiveModel
	}

	conversationID, convErr := h.resolveConversation(r.Context(), &hello, model)
	if convErr != nil {
		h.writeWSError(conn, "session", "not_found", "unknown conversation", true, map[string]any{"param": "conversation_id"})
		return
	}

	sessionID := store.NewID("sess")
	resumeHandle := ""
	ack := protocol.ServerHelloAck{
		Type:            "hello_ack",
		ProtocolVersion: protocol.ProtocolVersion1,
		AudioIn:         protocol.CaptureFormat(),
		AudioOut:        protocol.SpeakFormat(),
		Features:        protocol.HelloAckFeatures{AudioTransport: transport},
		Resume:          protocol.HelloAckResume{Supported: h.Resume.Enabled()},
		Limits: &protocol.HelloAckLimits{
			MaxAudioFrameBytes:  h.Config.LiveMaxAudioFrameBytes,
			MaxJSONMessageBytes: int(h.Config.LiveMaxJSONMessageBytes),
			MaxSessionMS:        int64(h.Config.LiveMaxSessionDuration / time.Millisecond),
		},
	}
	if h.Config.LiveMaxAudioFPS > 0 {
		ack.Limits.MaxAudioFPS = h.Config.LiveMaxAudioFPS
	}
	if h.Config.LiveMaxAudioBytesPerSecond > 0 {
		ack.Limits.MaxAudioBPS = h.Config.LiveMaxAudioBytesPerSecond
	}
	if (h.Config.LiveMaxAudioFPS > 0 || h.Config.LiveMaxAudioBytesPerSecond > 0) && h.Config.LiveInboundBurstSeconds > 0 {
		ack.Limits.InboundBurstSeconds = h.Config.LiveInboundBurstSeconds
	}

	if requested := strings.TrimSpace(hello.ResumeSessionID); requested != "" {
		state, reason := h.loadResumeState(r.Context(), requested, model)
		if state != nil {
			sessionID = requested
			resumeHandle = state.Handle
			if conversationID == "" {
				conversationID = state.ConversationID
			}
			if strings.TrimSpace(hello.System) == "" {
				hello.System = state.System
			}
			if voiceOf(hello) == "" && state.Voice != "" {
				setVoice(&hello, state.Voice)
			}
			ack.Resume.Accepted = true
			h.Metrics.RecordResumeAccepted()
		} else {
			ack.Resume.Reason = reason
		}
	}
	if voiceOf(hello) == "" && h.Config.DefaultVoice != "" {
		setVoice(&hello, h.Config.DefaultVoice)
	}
	ack.SessionID = sessionID
	ack.ConversationID = conversationID

	if err := conn.WriteJSON(ack); err != nil {
		return
	}
	startAt := time.Now()
	_ = conn.SetReadDeadline(time.Time{})

	if h.Resume.Enabled() {
		// Full state first so later handle-only updates keep the hello
		// fields a reconnect is validated against.
		_ = h.Resume.Save(r.Context(), &resume.State{
			SessionID:      sessionID,
			Handle:         resumeHandle,
			ConversationID: conversationID,
			Model:          model,
			System:         hello.System,
			Voice:          voiceOf(hello),
		})
	}
	if err := h.Store.RecordSessionStart(r.Context(), store.SessionStartParams{
		SessionID:      sessionID,
		ConversationID: conversationID,
		Principal:      principalKey,
		Model:          model,
		StartedAt:      startAt,
	}); err != nil && !errors.Is(err, store.ErrDisabled) {
		h.logger().Warn("failed to record session start", "session_id", sessionID, "error", err)
	}

	dialer := h.Dialer
	if dialer == nil {
		dialer = session.GeminiDialerAdapter{Client: h.Upstream}
	}
	var resumeStore session.ResumeStore
	if h.Resume.Enabled() {
		resumeStore = h.Resume
	}

	s, err := session.New(session.Dependencies{
		Conn:           conn,
		Logger:         h.Logger,
		Upstream:       dialer,
		Recorder:       storeRecorder{store: h.Store, conversationID: conversationID},
		Resume:         resumeStore,
		Archiver:       h.Archiver,
		Metrics:        h.Metrics,
		Hello:          hello,
		SessionID:      sessionID,
		ConversationID: conversationID,
		RequestID:      requestIDFromContext(r.Context()),
		ModelName:      model,
		ResumeHandle:   resumeHandle,
		StartTime:      startAt,
		Config: session.Config{
			MaxAudioFrameBytes:         h.Config.LiveMaxAudioFrameBytes,
			MaxJSONMessageBytes:        h.Config.LiveMaxJSONMessageBytes,
			LiveMaxAudioFPS:            h.Config.LiveMaxAudioFPS,
			LiveMaxAudioBytesPerSecond: h.Config.LiveMaxAudioBytesPerSecond,
			LiveInboundBurstSeconds:    h.Config.LiveInboundBurstSeconds,
			PingInterval:               h.Config.LiveWSPingInterval,
			WriteTimeout:               h.Config.LiveWSWriteTimeout,
			ReadTimeout:                h.Config.LiveWSReadTimeout,
			MaxSessionDuration:         h.Config.LiveMaxSessionDuration,
			PlaybackStopWait:           h.Config.LivePlaybackStopWait,
			MaxBackpressurePerMin:      h.Config.LiveMaxBackpressurePerMin,
			MaxAudioViolationsPerMin:   h.Config.LiveAudioViolationsPerMin,
			OutboundQueueSize:          h.Config.LiveOutboundQueueSize,
			AudioInAckEveryN:           h.Config.LiveAudioInAckEveryN,
			AudioTransportBinary:       transport == protocol.AudioTransportBinary,
			ResumeTTL:                  h.Resume.TTL(),
		},
	})
	if err != nil {
		h.writeWSError(conn, "session", "internal", "failed to initialize live session", true, nil)
		return
	}

	unregister := func() {}
	if h.LiveSessions != nil {
		unregister = h.LiveSessions.Register(sessions.Handle{
			SessionID: sessionID,
			Principal: principalKey,
			StartedAt: startAt,
			Cancel:    s.Cancel,
			Warn:      s.SendWarning,
		})
	}
	defer unregister()

	runErr := s.Run()
	if runErr != nil {
		h.logger().Warn("live session ended with error",
			"session_id", sessionID,
			"request_id", requestIDFromContext(r.Context()),
			"error", runErr)
	}

	h.finishSession(sessionID, principalKey, runErr, startAt, s.Usage())
}

// finishSession persists and bills a finished session. The request context
// is gone by now, so it runs on its own deadline.
func (h LiveHandler) finishSession(sessionID, principalKey string, runErr error, startAt time.Time, usage session.Usage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	endReason := "closed"
	if runErr != nil {
		endReason = "error"
	}
	if err := h.Store.RecordSessionEnd(ctx, store.SessionEndParams{
		SessionID:     sessionID,
		EndedAt:       startAt.Add(time.Duration(usage.DurationMS) * time.Millisecond),
		EndReason:     endReason,
		AudioInMS:     usage.AudioInMS,
		AudioOutMS:    usage.AudioOutMS,
		Turns:         usage.Turns,
		Interruptions: usage.Interruptions,
	}); err != nil && !errors.Is(err, store.ErrDisabled) {
		h.logger().Warn("failed to record session end", "session_id", sessionID, "error", err)
	}

	h.Billing.ReportSession(ctx, sessionID, principalKey, usage.AudioInMS, usage.AudioOutMS)
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

// resolveSessionPrincipal authenticates the session. Header credentials were
// already resolved by middleware; the hello may carry them in-band instead.
func (h LiveHandler) resolveSessionPrincipal(r *http.Request, hello protocol.ClientHello) (auth.Principal, error) {
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		return p, nil
	}

	credential := ""
	if hello.Auth != nil {
		credential = strings.TrimSpace(hello.Auth.BearerToken)
		if credential == "" {
			credential = strings.TrimSpace(hello.Auth.GatewayAPIKey)
		}
	}

	switch h.Config.AuthMode {
	case config.AuthModeRequired:
		if credential == "" {
			return auth.Principal{}, fmt.Errorf("missing credentials")
		}
		p, ok := mw.ResolveCredential(r.Context(), h.Config, h.Tokens, credential)
		if !ok {
			return auth.Principal{}, fmt.Errorf("invalid credentials")
		}
		return p, nil
	case config.AuthModeOptional:
		if credential != "" {
			p, ok := mw.ResolveCredential(r.Context(), h.Config, h.Tokens, credential)
			if !ok {
				return auth.Principal{}, fmt.Errorf("invalid credentials")
			}
			return p, nil
		}
		return auth.Anonymous(), nil
	case config.AuthModeDisabled:
		return auth.Anonymous(), nil
	default:
		return auth.Principal{}, fmt.Errorf("invalid auth mode")
	}
}

// resolveConversation binds the session to a conversation when persistence
// is on: an id from the hello must exist, no id creates a fresh one. Hello
// fields left empty inherit the conversation's settings.
func (h LiveHandler) resolveConversation(ctx context.Context, hello *protocol.ClientHello, model string) (string, error) {
	requested := strings.TrimSpace(hello.ConversationID)
	if requested != "" {
		conv, err := h.Store.GetConversation(ctx, requested)
		switch {
		case err == nil:
			if strings.TrimSpace(hello.System) == "" {
				hello.System = conv.SystemPrompt
			}
			if voiceOf(*hello) == "" && conv.Voice != "" {
				setVoice(hello, conv.Voice)
			}
			return conv.ID, nil
		case errors.Is(err, store.ErrDisabled):
			return requested, nil
		case errors.Is(err, store.ErrNotFound):
			return "", err
		default:
			h.logger().Warn("conversation lookup failed", "conversation_id", requested, "error", err)
			return requested, nil
		}
	}

	conv, err := h.Store.CreateConversation(ctx, store.CreateConversationParams{
		SystemPrompt: hello.System,
		Model:        model,
		Voice:        voiceOf(*hello),
	})
	if err != nil {
		if !errors.Is(err, store.ErrDisabled) {
			h.logger().Warn("failed to create conversation", "error", err)
		}
		return "", nil
	}
	return conv.ID, nil
}

// loadResumeState validates a resume request. A nil state means the request
// was declined for the returned reason.
func (h LiveHandler) loadResumeState(ctx context.Context, sessionID, model string) (*resume.State, string) {
	if !h.Resume.Enabled() {
		return nil, "unsupported"
	}
	state, err := h.Resume.Load(ctx, sessionID)
	switch {
	case errors.Is(err, resume.ErrNotFound):
		return nil, "expired"
	case err != nil:
		h.logger().Warn("resume lookup failed", "session_id", sessionID, "error", err)
		return nil, "unavailable"
	case strings.TrimSpace(state.Handle) == "":
		return nil, "not_resumable"
	case state.Model != "" && state.Model != model:
		return nil, "model_mismatch"
	}
	return state, ""
}

func (h LiveHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h LiveHandler) writeWSError(conn *websocket.Conn, scope, code, message string, close bool, details map[string]any) {
	_ = conn.WriteJSON(protocol.ServerError{Type: "error", Scope: scope, Code: code, Message: message, Close: close, Details: details})
	if close {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(2*time.Second))
	}
}

func voiceOf(hello protocol.ClientHello) string {
	if hello.Voice == nil {
		return ""
	}
	return strings.TrimSpace(hello.Voice.Name)
}

func setVoice(hello *protocol.ClientHello, name string) {
	if hello.Voice == nil {
		hello.Voice = &protocol.HelloVoice{}
	}
	hello.Voice.Name = name
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
