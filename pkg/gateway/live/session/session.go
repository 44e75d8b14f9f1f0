// Package session runs one live voice session: it owns the client websocket,
// bridges audio and text to the upstream model, and enforces the ordering,
// interruption, and backpressure rules of the live protocol.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxbridge/voxbridge/pkg/core/pcm"
	"github.com/voxbridge/voxbridge/pkg/gateway/live/protocol"
	"github.com/voxbridge/voxbridge/pkg/gateway/metrics"
	"github.com/voxbridge/voxbridge/pkg/gateway/upstream/gemini"
)

const (
	maxCanceledAssistantAudioIDs = 64
	outboundPriorityQueueSize    = 8

	persistTimeout      = 5 * time.Second
	resumeTouchInterval = time.Minute
)

var errBackpressure = errors.New("live outbound backpressure")

// UpstreamSession is one live connection to the speech model.
type UpstreamSession interface {
	SendAudio(data []byte) error
	EndAudioStream() error
	SendTurnText(text string) error
	Events() <-chan gemini.Event
	Err() error
	Close() error
}

// UpstreamDialer opens live connections.
type UpstreamDialer interface {
	DialLive(ctx context.Context, cfg gemini.LiveConfig) (UpstreamSession, error)
}

// GeminiDialerAdapter adapts the concrete upstream client to UpstreamDialer.
type GeminiDialerAdapter struct {
	Client *gemini.Client
}

func (a GeminiDialerAdapter) DialLive(ctx context.Context, cfg gemini.LiveConfig) (UpstreamSession, error) {
	if a.Client == nil {
		return nil, fmt.Errorf("upstream client is nil")
	}
	conn, err := a.Client.ConnectLive(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// RecordedMessage is one conversation message headed for storage.
type RecordedMessage struct {
	Role        string
	Text        string
	Turn        int64
	Interrupted bool
	PlayedMS    int64
	AudioMS     int64
}

// Recorder persists conversation messages. Implementations must tolerate
// being called during session teardown.
type Recorder interface {
	RecordMessage(ctx context.Context, msg RecordedMessage) error
}

// ResumeStore keeps upstream resumption handles across reconnects.
type ResumeStore interface {
	SaveHandle(ctx context.Context, sessionID, handle string) error
	Touch(ctx context.Context, sessionID string) error
}

// UtteranceArchiver receives finished assistant utterances as raw PCM.
type UtteranceArchiver interface {
	Archive(sessionID, assistantAudioID string, sampleRate int, audio []byte)
}

type Config struct {
	MaxAudioFrameBytes         int
	MaxJSONMessageBytes        int64
	LiveMaxAudioFPS            int
	LiveMaxAudioBytesPerSecond int64
	LiveInboundBurstSeconds    int
	PingInterval               time.Duration
	WriteTimeout               time.Duration
	ReadTimeout                time.Duration
	MaxSessionDuration         time.Duration
	PlaybackStopWait           time.Duration
	MaxBackpressurePerMin      int
	MaxAudioViolationsPerMin   int
	OutboundQueueSize          int
	AudioInAckEveryN           int
	AudioTransportBinary       bool
	ResumeTTL                  time.Duration
}

type Dependencies struct {
	Conn           *websocket.Conn
	Logger         *slog.Logger
	Upstream       UpstreamDialer
	Recorder       Recorder
	Resume         ResumeStore
	Archiver       UtteranceArchiver
	Metrics        *metrics.Metrics
	Hello          protocol.ClientHello
	SessionID      string
	ConversationID string
	RequestID      string
	ModelName      string
	ResumeHandle   string
	Config         Config
	StartTime      time.Time
	Now            func() time.Time
}

type LiveSession struct {
	conn           *websocket.Conn
	logger         *slog.Logger
	upstream       UpstreamDialer
	recorder       Recorder
	resume         ResumeStore
	archiver       UtteranceArchiver
	metrics        *metrics.Metrics
	hello          protocol.ClientHello
	sessionID      string
	conversationID string
	requestID      string
	modelName      string
	resumeHandle   string
	cfg            Config
	startTime      time.Time
	now            func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	canceledAssistant atomic.Value // canceledAssistantState
	assistantCounter  atomic.Int64

	clockHaveClient          atomic.Bool
	clockMaxClientMS         atomic.Int64
	clockMaxClientAtUnixNano atomic.Int64

	audioInBytes   atomic.Int64
	audioOutBytes  atomic.Int64
	turnCount      atomic.Int64
	interruptCount atomic.Int64
	promptTokens   atomic.Int64
	responseTokens atomic.Int64
}

// Usage is a point-in-time snapshot of session counters, read by the
// handler after Run returns for billing and persistence.
type Usage struct {
	AudioInMS      int64
	AudioOutMS     int64
	Turns          int64
	Interruptions  int64
	PromptTokens   int64
	ResponseTokens int64
	DurationMS     int64
}

type outboundFrame struct {
	isAssistantAudio bool
	assistantAudioID string

	textPayload []byte
	binaryPair  *binaryPair
}

type binaryPair struct {
	header []byte
	data   []byte
}

type canceledAssistantState struct {
	set   map[string]struct{}
	order []string
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

// assistantUtterance is one in-flight assistant reply.
type assistantUtterance struct {
	id          string
	turn        int64
	seg         *speechSegment
	text        strings.Builder
	chunkSeq    int64
	interrupted bool
	audio       []byte // collected only when an archiver is attached
}

func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Upstream == nil {
		return nil, fmt.Errorf("upstream dialer is required")
	}
	if strings.TrimSpace(deps.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.AudioInAckEveryN <= 0 {
		deps.Config.AudioInAckEveryN = 25
	}
	if deps.Config.PlaybackStopWait <= 0 {
		deps.Config.PlaybackStopWait = 500 * time.Millisecond
	}
	if deps.Config.MaxBackpressurePerMin <= 0 {
		deps.Config.MaxBackpressurePerMin = 3
	}
	if deps.Config.MaxAudioViolationsPerMin <= 0 {
		deps.Config.MaxAudioViolationsPerMin = 30
	}
	if deps.StartTime.IsZero() {
		deps.StartTime = time.Now()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &LiveSession{
		conn:             deps.Conn,
		logger:           deps.Logger,
		upstream:         deps.Upstream,
		recorder:         deps.Recorder,
		resume:           deps.Resume,
		archiver:         deps.Archiver,
		metrics:          deps.Metrics,
		hello:            deps.Hello,
		sessionID:        deps.SessionID,
		conversationID:   deps.ConversationID,
		requestID:        deps.RequestID,
		modelName:        deps.ModelName,
		resumeHandle:     deps.ResumeHandle,
		cfg:              deps.Config,
		startTime:        deps.StartTime,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, max(1, min(deps.Config.OutboundQueueSize, outboundPriorityQueueSize))),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
	}
	s.canceledAssistant.Store(canceledAssistantState{set: make(map[string]struct{}), order: nil})
	return s, nil
}

func (s *LiveSession) Run() error {
	defer s.cancel()

	closeReason := "error"
	s.metrics.RecordSessionStart()
	defer func() {
		s.metrics.RecordSessionEnd(closeReason, s.now().Sub(s.startTime).Seconds())
	}()

	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	voiceName, language := "", ""
	if s.hello.Voice != nil {
		voiceName = strings.TrimSpace(s.hello.Voice.Name)
		language = strings.TrimSpace(s.hello.Voice.Language)
	}
	up, dialErr := s.upstream.DialLive(s.ctx, gemini.LiveConfig{
		Model:        s.modelName,
		System:       s.hello.System,
		VoiceName:    voiceName,
		Language:     language,
		ResumeHandle: s.resumeHandle,
	})
	s.metrics.RecordUpstreamConnect(dialErr)
	if dialErr != nil {
		closeReason = "upstream_error"
		_ = s.sendSessionError("upstream_error", "failed to connect to the speech model", true, nil)
		return dialErr
	}
	defer up.Close()

	inboundLimiter := newInboundAudioLimiter(s.now, s.cfg.LiveMaxAudioFPS, s.cfg.LiveMaxAudioBytesPerSecond, s.cfg.LiveInboundBurstSeconds)

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	go s.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:         s.conn,
			ctx:        s.ctx,
			cfg:        s.cfg,
			priority:   s.outboundPriority,
			normal:     s.outboundNormal,
			isCanceled: s.isAssistantCanceled,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	flushAndClose := func() error {
		s.cancel()
		wait := 100 * time.Millisecond
		if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
			wait = s.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
		return nil
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	var (
		turn             int64
		utteranceCounter int64
		currentUtterID   string
		userText         strings.Builder

		active         *assistantUtterance
		pendingPersist *assistantUtterance
		pendingAt      time.Time

		playbackMarks       = make(map[string]protocol.ClientPlaybackMark)
		backpressureResets  []time.Time
		rateViolations      []time.Time
		inboundSeq          int64
		inboundFrames       int64
		binaryStreamStarted bool

		resumeSaved     = s.resumeHandle != ""
		lastResumeTouch time.Time
	)

	nextUtteranceID := func() string {
		utteranceCounter++
		return fmt.Sprintf("u_%d", utteranceCounter)
	}

	finalizePendingPersist := func(force bool) {
		if pendingPersist == nil {
			return
		}
		if !force && !pendingPersist.seg.shouldFinalizeFromMark() && s.now().Before(pendingAt) {
			return
		}
		s.recordAssistantUtterance(pendingPersist)
		pendingPersist = nil
		pendingAt = time.Time{}
	}

	persistOnExit := func() {
		finalizePendingPersist(true)
		if active != nil {
			s.recordAssistantUtterance(active)
			active = nil
		}
	}

	// onSendErr converts outbound backpressure into an audio reset on the
	// active utterance. Repeated resets within a minute close the session.
	onSendErr := func(err error) error {
		if err == nil {
			return nil
		}
		if errors.Is(err, errBackpressure) {
			if active != nil {
				s.cancelAssistantAudio(active.id)
				_ = s.sendAudioReset("backpressure", active.id)
				active.interrupted = true
				pendingPersist = active
				pendingAt = s.now().Add(s.cfg.PlaybackStopWait)
				active = nil
			}
			s.metrics.RecordBackpressureReset()
			if !s.allowBackpressureReset(&backpressureResets) {
				_ = s.sendSessionError("rate_limited", "client cannot keep up with audio playback", true, nil)
				return fmt.Errorf("client playback cannot keep up: %w", errBackpressure)
			}
			return nil
		}
		return err
	}

	commitUserUtterance := func() error {
		trimmed := normalizeSpace(userText.String())
		userText.Reset()
		if trimmed == "" {
			currentUtterID = ""
			return nil
		}
		if currentUtterID == "" {
			currentUtterID = nextUtteranceID()
		}
		if err := onSendErr(s.sendJSON(protocol.ServerTranscriptFinal{
			Type:        "transcript_final",
			UtteranceID: currentUtterID,
			Text:        trimmed,
		})); err != nil {
			return err
		}
		userTurn := turn + 1
		if active != nil {
			userTurn = active.turn
		}
		s.recordMessage(RecordedMessage{Role: "user", Text: trimmed, Turn: userTurn})
		currentUtterID = ""
		return nil
	}

	beginAssistantUtterance := func() error {
		if active != nil {
			return nil
		}
		if err := commitUserUtterance(); err != nil {
			return err
		}
		turn++
		id := s.nextAssistantID()
		active = &assistantUtterance{id: id, turn: turn, seg: newSpeechSegment(id)}
		if mark, ok := playbackMarks[id]; ok {
			active.seg.updateMark(mark)
		}
		return onSendErr(s.sendAssistantJSON(id, protocol.ServerAssistantAudioStart{
			Type:             "assistant_audio_start",
			AssistantAudioID: id,
			Turn:             turn,
			Format:           s.hello.AudioOut,
		}))
	}

	interrupt := func(reason string) error {
		if active == nil {
			return nil
		}
		s.interruptCount.Add(1)
		s.metrics.RecordInterruption()
		s.cancelAssistantAudio(active.id)
		if err := onSendErr(s.sendAudioReset(reason, active.id)); err != nil {
			return err
		}
		if active == nil {
			// onSendErr consumed the utterance while handling backpressure.
			return nil
		}
		active.interrupted = true
		pendingPersist = active
		pendingAt = s.now().Add(s.cfg.PlaybackStopWait)
		active = nil
		return nil
	}

	// forwardAudio pushes one decoded mic frame upstream. closed=true means
	// the session has already arranged its own shutdown.
	forwardAudio := func(audio []byte) (closed bool, err error) {
		if len(audio) > s.cfg.MaxAudioFrameBytes {
			_ = s.sendSessionError("frame_too_large", "audio frame exceeds max size", true,
				map[string]any{"max_frame_bytes": s.cfg.MaxAudioFrameBytes})
			closeReason = "frame_too_large"
			return true, flushAndClose()
		}
		if inboundLimiter != nil && !inboundLimiter.Allow(len(audio)) {
			details := map[string]any{
				"limit_fps":             s.cfg.LiveMaxAudioFPS,
				"limit_bps":             s.cfg.LiveMaxAudioBytesPerSecond,
				"inbound_burst_seconds": s.cfg.LiveInboundBurstSeconds,
			}
			// Dropped frames are non-fatal until the client blows the
			// per-minute violation budget.
			if s.withinMinuteBudget(&rateViolations, s.cfg.MaxAudioViolationsPerMin) {
				_ = s.sendAudioError("rate_limited", "inbound audio rate limit exceeded; frame dropped", details)
				return false, nil
			}
			_ = s.sendSessionError("rate_limited", "inbound audio rate limit exceeded", true, details)
			closeReason = "rate_limited"
			return true, flushAndClose()
		}
		if err := up.SendAudio(audio); err != nil {
			_ = s.sendWarning("upstream_error", "failed to forward audio frame")
			closeReason = "upstream_error"
			return true, err
		}
		s.audioInBytes.Add(int64(len(audio)))
		s.metrics.RecordAudioIn(len(audio))
		// Ongoing audio keeps the saved resume handle's TTL from lapsing
		// mid-session.
		if s.resume != nil && resumeSaved && s.now().Sub(lastResumeTouch) >= resumeTouchInterval {
			lastResumeTouch = s.now()
			tctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			_ = s.resume.Touch(tctx, s.sessionID)
			cancel()
		}
		inboundSeq++
		inboundFrames++
		if s.cfg.AudioInAckEveryN > 0 && inboundFrames%int64(s.cfg.AudioInAckEveryN) == 0 {
			if err := onSendErr(s.sendJSON(protocol.ServerAudioInAck{
				Type:        "audio_in_ack",
				LastSeq:     inboundSeq,
				Frames:      inboundFrames,
				TimestampMS: s.sessionTimeMS(),
			})); err != nil {
				return true, err
			}
		}
		return false, nil
	}

	handleUpstream := func(ev gemini.Event) error {
		switch ev.Kind {
		case gemini.EventInterrupted:
			return interrupt("barge_in")

		case gemini.EventInputTranscript:
			if currentUtterID == "" {
				currentUtterID = nextUtteranceID()
			}
			userText.WriteString(ev.Text)
			if s.hello.Features.WantPartialTranscripts || ev.Finished {
				if err := onSendErr(s.sendJSON(protocol.ServerTranscriptDelta{
					Type:        "transcript_delta",
					UtteranceID: currentUtterID,
					IsFinal:     ev.Finished,
					Text:        ev.Text,
					TimestampMS: s.sessionTimeMS(),
				})); err != nil {
					return err
				}
			}
			if ev.Finished {
				return commitUserUtterance()
			}
			return nil

		case gemini.EventOutputTranscript, gemini.EventModelText:
			if err := beginAssistantUtterance(); err != nil {
				return err
			}
			if active == nil {
				return nil
			}
			active.text.WriteString(ev.Text)
			if s.hello.Features.WantAssistantText {
				return onSendErr(s.sendAssistantJSON(active.id, protocol.ServerAssistantTextDelta{
					Type:  "assistant_text_delta",
					Turn:  active.turn,
					Delta: ev.Text,
				}))
			}
			return nil

		case gemini.EventAudioChunk:
			if err := beginAssistantUtterance(); err != nil {
				return err
			}
			if active == nil || active.interrupted {
				return nil
			}
			active.seg.addAudio(ev.Audio)
			if s.archiver != nil {
				active.audio = append(active.audio, ev.Audio...)
			}
			active.chunkSeq++
			s.audioOutBytes.Add(int64(len(ev.Audio)))
			s.metrics.RecordAudioOut(len(ev.Audio))
			return onSendErr(s.sendAssistantChunk(active.id, active.chunkSeq, ev.Audio))

		case gemini.EventTurnComplete:
			if err := commitUserUtterance(); err != nil {
				return err
			}
			if u := active; u != nil {
				text := normalizeSpace(u.text.String())
				if !u.interrupted {
					if err := onSendErr(s.sendAssistantJSON(u.id, protocol.ServerAssistantAudioEnd{
						Type:             "assistant_audio_end",
						AssistantAudioID: u.id,
						DurationMS:       u.seg.sentMS(s.hello.AudioOut.SampleRateHz),
					})); err != nil {
						return err
					}
					if s.hello.Features.WantAssistantText && text != "" {
						if err := onSendErr(s.sendJSON(protocol.ServerAssistantTextFinal{
							Type: "assistant_text_final",
							Turn: u.turn,
							Text: text,
						})); err != nil {
							return err
						}
					}
				}
				if active == u {
					s.recordAssistantUtterance(u)
					delete(playbackMarks, u.id)
					active = nil
				}
			}
			s.turnCount.Add(1)
			s.metrics.RecordTurn()
			return onSendErr(s.sendJSON(protocol.ServerTurnComplete{Type: "turn_complete", Turn: turn}))

		case gemini.EventGoAway:
			msg := "the speech model connection will close soon"
			if ev.TimeLeft > 0 {
				msg = fmt.Sprintf("the speech model connection will close in %s", ev.TimeLeft.Round(time.Second))
			}
			return onSendErr(s.sendWarning("upstream_goaway", msg))

		case gemini.EventResumeHandle:
			if s.resume == nil || !ev.Resumable {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			err := s.resume.SaveHandle(ctx, s.sessionID, ev.Handle)
			cancel()
			if err != nil {
				s.logger.Warn("failed to save resume handle",
					slog.String("session_id", s.sessionID),
					slog.String("error", err.Error()))
				return nil
			}
			resumeSaved = true
			lastResumeTouch = s.now()
			s.metrics.RecordResumeSaved()
			var expiresMS int64
			if s.cfg.ResumeTTL > 0 {
				expiresMS = s.sessionTimeMS() + s.cfg.ResumeTTL.Milliseconds()
			}
			return onSendErr(s.sendJSON(protocol.ServerSessionResume{
				Type:      "session_resume",
				SessionID: s.sessionID,
				ExpiresMS: expiresMS,
			}))

		case gemini.EventUsage:
			if ev.Usage != nil {
				s.promptTokens.Store(int64(ev.Usage.PromptTokens))
				s.responseTokens.Store(int64(ev.Usage.ResponseTokens))
			}
			return onSendErr(s.sendUsage())
		}
		return nil
	}

	var sessionTimer *time.Timer
	if s.cfg.MaxSessionDuration > 0 {
		sessionTimer = time.NewTimer(s.cfg.MaxSessionDuration)
		defer sessionTimer.Stop()
	}
	sessionTimerCh := func() <-chan time.Time {
		if sessionTimer == nil {
			return nil
		}
		return sessionTimer.C
	}

	for {
		finalizePendingPersist(false)
		select {
		case <-s.ctx.Done():
			persistOnExit()
			closeReason = "canceled"
			return nil

		case err := <-writerErrCh:
			persistOnExit()
			if err == nil {
				closeReason = "client_gone"
				return nil
			}
			closeReason = "write_error"
			return err

		case frame, ok := <-readCh:
			if !ok {
				persistOnExit()
				closeReason = "client_gone"
				return nil
			}
			if frame.err != nil {
				persistOnExit()
				closeReason = "client_gone"
				return nil
			}
			switch frame.messageType {
			case websocket.TextMessage:
				msg, decErr := protocol.DecodeClientMessage(frame.data)
				if decErr != nil {
					code := "bad_request"
					if de, ok := decErr.(*protocol.DecodeError); ok {
						code = de.Code
					}
					_ = s.sendSessionError(code, decErr.Error(), true, nil)
					closeReason = "decode_error"
					return flushAndClose()
				}
				switch m := msg.(type) {
				case protocol.ClientAudioFrame:
					audio, err := base64.StdEncoding.DecodeString(m.DataB64)
					if err != nil {
						_ = s.sendSessionError("bad_request", "invalid audio_frame.data_b64", true, nil)
						closeReason = "decode_error"
						return flushAndClose()
					}
					if m.TimestampMS != nil {
						s.observeClientTimestampMS(*m.TimestampMS)
					}
					if m.Seq > 0 {
						inboundSeq = m.Seq - 1
					}
					if closed, err := forwardAudio(audio); closed {
						persistOnExit()
						return err
					} else if err != nil {
						return err
					}
				case protocol.ClientAudioStreamStart:
					binaryStreamStarted = true
					if !strings.EqualFold(strings.TrimSpace(m.Encoding), strings.TrimSpace(s.hello.AudioIn.Encoding)) ||
						m.SampleRateHz != s.hello.AudioIn.SampleRateHz ||
						m.Channels != s.hello.AudioIn.Channels {
						_ = s.sendSessionError("unsupported", "audio_stream_start format does not match negotiated audio_in", true, nil)
						closeReason = "decode_error"
						return flushAndClose()
					}
				case protocol.ClientAudioStreamEnd:
					if err := up.EndAudioStream(); err != nil {
						_ = s.sendWarning("upstream_error", "failed to signal end of audio stream")
					}
				case protocol.ClientTextInput:
					text := strings.TrimSpace(m.Text)
					if err := commitUserUtterance(); err != nil {
						return err
					}
					s.recordMessage(RecordedMessage{Role: "user", Text: text, Turn: turn + 1})
					if err := up.SendTurnText(text); err != nil {
						_ = s.sendWarning("upstream_error", "failed to forward text input")
					}
				case protocol.ClientPlaybackMark:
					if m.TimestampMS != nil {
						s.observeClientTimestampMS(*m.TimestampMS)
					}
					id := strings.TrimSpace(m.AssistantAudioID)
					playbackMarks[id] = m
					if active != nil && active.id == id {
						active.seg.updateMark(m)
					}
					if pendingPersist != nil && pendingPersist.id == id {
						pendingPersist.seg.updateMark(m)
						finalizePendingPersist(false)
					}
				case protocol.ClientControl:
					switch m.Op {
					case "interrupt":
						if err := interrupt("barge_in"); err != nil {
							return err
						}
					case "cancel_turn":
						if err := interrupt("cancel_turn"); err != nil {
							return err
						}
					case "end_session":
						persistOnExit()
						_ = s.sendUsage()
						_ = s.sendWarning("session_end", "session ending by client request")
						closeReason = "client_end"
						return flushAndClose()
					}
				}
			case websocket.BinaryMessage:
				if !s.cfg.AudioTransportBinary {
					_ = s.sendSessionError("bad_request", "binary frames are not negotiated", true, nil)
					closeReason = "decode_error"
					return flushAndClose()
				}
				if !binaryStreamStarted {
					_ = s.sendSessionError("bad_request", "audio_stream_start is required before binary audio", true, nil)
					closeReason = "decode_error"
					return flushAndClose()
				}
				if closed, err := forwardAudio(frame.data); closed {
					persistOnExit()
					return err
				} else if err != nil {
					return err
				}
			}

		case ev, ok := <-up.Events():
			if !ok {
				persistOnExit()
				if upErr := up.Err(); upErr != nil {
					s.logger.Warn("upstream connection failed",
						slog.String("session_id", s.sessionID),
						slog.String("error", upErr.Error()))
					_ = s.sendSessionError("upstream_error", "the speech model connection was lost", true,
						map[string]any{"retryable": true})
					closeReason = "upstream_error"
					return flushAndClose()
				}
				_ = s.sendUsage()
				closeReason = "upstream_closed"
				return flushAndClose()
			}
			if err := handleUpstream(ev); err != nil {
				persistOnExit()
				return err
			}

		case <-sessionTimerCh():
			_ = s.sendWarning("session_timeout", "maximum session duration reached")
			persistOnExit()
			_ = s.sendUsage()
			closeReason = "session_timeout"
			return flushAndClose()
		}
	}
}

func (s *LiveSession) sendUsage() error {
	u := s.Usage()
	return s.sendJSON(protocol.ServerUsage{
		Type:          "usage",
		AudioInMS:     u.AudioInMS,
		AudioOutMS:    u.AudioOutMS,
		Turns:         u.Turns,
		DurationMS:    u.DurationMS,
		Interruptions: u.Interruptions,
	})
}

// Usage returns a snapshot of the session counters.
func (s *LiveSession) Usage() Usage {
	if s == nil {
		return Usage{}
	}
	inFormat := pcm.CaptureFormat()
	outFormat := pcm.PlaybackFormat()
	if s.hello.AudioIn.SampleRateHz > 0 {
		inFormat = pcm.Format{SampleRate: s.hello.AudioIn.SampleRateHz, Channels: s.hello.AudioIn.Channels, BitsPerSample: 16}
	}
	if s.hello.AudioOut.SampleRateHz > 0 {
		outFormat = pcm.Format{SampleRate: s.hello.AudioOut.SampleRateHz, Channels: s.hello.AudioOut.Channels, BitsPerSample: 16}
	}
	var durationMS int64
	if s.now != nil {
		durationMS = s.now().Sub(s.startTime).Milliseconds()
	}
	return Usage{
		AudioInMS:      int64(inFormat.DurationMs(int(s.audioInBytes.Load()))),
		AudioOutMS:     int64(outFormat.DurationMs(int(s.audioOutBytes.Load()))),
		Turns:          s.turnCount.Load(),
		Interruptions:  s.interruptCount.Load(),
		PromptTokens:   s.promptTokens.Load(),
		ResponseTokens: s.responseTokens.Load(),
		DurationMS:     durationMS,
	}
}

func (s *LiveSession) recordMessage(msg RecordedMessage) {
	if s.recorder == nil || strings.TrimSpace(msg.Text) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.recorder.RecordMessage(ctx, msg); err != nil {
		s.logger.Warn("failed to record message",
			slog.String("session_id", s.sessionID),
			slog.String("role", msg.Role),
			slog.String("error", err.Error()))
	}
}

// recordAssistantUtterance persists one finished or interrupted assistant
// reply. The full text is stored; played_ms records how far the client got.
func (s *LiveSession) recordAssistantUtterance(u *assistantUtterance) {
	if u == nil {
		return
	}
	rate := s.hello.AudioOut.SampleRateHz
	s.recordMessage(RecordedMessage{
		Role:        "assistant",
		Text:        normalizeSpace(u.text.String()),
		Turn:        u.turn,
		Interrupted: u.interrupted,
		PlayedMS:    u.seg.playedMS(rate),
		AudioMS:     u.seg.sentMS(rate),
	})
	if s.archiver != nil && len(u.audio) > 0 {
		s.archiver.Archive(s.sessionID, u.id, rate, u.audio)
	}
}

// withinMinuteBudget records one event and reports whether the rolling
// minute still holds at most max events.
func (s *LiveSession) withinMinuteBudget(events *[]time.Time, max int) bool {
	now := s.now()
	cutoff := now.Add(-1 * time.Minute)
	filtered := (*events)[:0]
	for _, t := range *events {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}
	*events = append(filtered, now)
	return len(*events) <= max
}

func (s *LiveSession) allowBackpressureReset(resets *[]time.Time) bool {
	return s.withinMinuteBudget(resets, s.cfg.MaxBackpressurePerMin)
}

func (s *LiveSession) sendAssistantChunk(assistantID string, seq int64, chunk []byte) error {
	if s.cfg.AudioTransportBinary {
		header := protocol.ServerAssistantAudioChunkHeader{
			Type:             "assistant_audio_chunk_header",
			AssistantAudioID: assistantID,
			Seq:              seq,
			Bytes:            len(chunk),
		}
		return s.sendAssistantBinaryPair(assistantID, header, chunk)
	}
	return s.sendAssistantJSON(assistantID, protocol.ServerAssistantAudioChunk{
		Type:             "assistant_audio_chunk",
		AssistantAudioID: assistantID,
		Seq:              seq,
		AudioB64:         base64.StdEncoding.EncodeToString(chunk),
	})
}

func (s *LiveSession) sendAudioReset(reason, assistantID string) error {
	return s.sendJSONPriority(protocol.ServerAudioReset{Type: "audio_reset", Reason: reason, AssistantAudioID: assistantID})
}

func (s *LiveSession) sendWarning(code, message string) error {
	return s.sendJSON(protocol.ServerWarning{Type: "warning", Code: code, Message: message})
}

func (s *LiveSession) sendSessionError(code, message string, close bool, details map[string]any) error {
	msg := protocol.ServerError{Type: "error", Scope: "session", Code: code, Message: message, Close: close, Details: details}
	if close {
		return s.sendJSONPriority(msg)
	}
	return s.sendJSON(msg)
}

// sendAudioError reports a non-fatal audio-scope problem. The session stays
// open; the offending frame is dropped.
func (s *LiveSession) sendAudioError(code, message string, details map[string]any) error {
	return s.sendJSON(protocol.ServerError{Type: "error", Scope: "audio", Code: code, Message: message, Retryable: true, Details: details})
}

func (s *LiveSession) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueueNormal(outboundFrame{textPayload: payload})
}

func (s *LiveSession) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueuePriority(outboundFrame{textPayload: payload})
}

func (s *LiveSession) sendAssistantJSON(assistantID string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueueNormal(outboundFrame{
		isAssistantAudio: true,
		assistantAudioID: assistantID,
		textPayload:      payload,
	})
}

func (s *LiveSession) sendAssistantBinaryPair(assistantID string, header any, data []byte) error {
	headerPayload, err := json.Marshal(header)
	if err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return s.enqueueNormal(outboundFrame{
		isAssistantAudio: true,
		assistantAudioID: assistantID,
		binaryPair:       &binaryPair{header: headerPayload, data: buf},
	})
}

func (s *LiveSession) enqueueNormal(frame outboundFrame) error {
	if frame.isAssistantAudio && s.isAssistantCanceled(frame.assistantAudioID) {
		return nil
	}
	select {
	case s.outboundNormal <- frame:
		return nil
	default:
		return errBackpressure
	}
}

// enqueuePriority evicts the oldest queued priority frame rather than
// dropping the new one. Priority frames carry state the client must see.
func (s *LiveSession) enqueuePriority(frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case s.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-s.outboundPriority:
		default:
		}
	}
	select {
	case s.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (s *LiveSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *LiveSession) sessionTimeMS() int64 {
	if s == nil {
		return 0
	}
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	if s.clockHaveClient.Load() {
		max := s.clockMaxClientMS.Load()
		at := s.clockMaxClientAtUnixNano.Load()
		elapsed := (now().UnixNano() - at) / int64(time.Millisecond)
		if elapsed < 0 {
			elapsed = 0
		}
		return max + elapsed
	}
	return now().Sub(s.startTime).Milliseconds()
}

func (s *LiveSession) observeClientTimestampMS(ts int64) {
	if s == nil || ts < 0 {
		return
	}
	for {
		current := s.clockMaxClientMS.Load()
		if ts <= current {
			return
		}
		if s.clockMaxClientMS.CompareAndSwap(current, ts) {
			now := time.Now
			if s.now != nil {
				now = s.now
			}
			s.clockMaxClientAtUnixNano.Store(now().UnixNano())
			s.clockHaveClient.Store(true)
			return
		}
	}
}

func (s *LiveSession) nextAssistantID() string {
	if s == nil {
		return ""
	}
	n := s.assistantCounter.Add(1)
	return fmt.Sprintf("a_%d", n)
}

// Cancel aborts the session from outside, e.g. on server drain.
func (s *LiveSession) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// SendWarning is the external warning hook used during drain.
func (s *LiveSession) SendWarning(code, message string) error {
	if s == nil {
		return nil
	}
	return s.sendWarning(code, message)
}

func (s *LiveSession) cancelAssistantAudio(assistantID string) {
	assistantID = strings.TrimSpace(assistantID)
	if assistantID == "" {
		return
	}

	raw := s.canceledAssistant.Load()
	state, ok := raw.(canceledAssistantState)
	if !ok {
		state = canceledAssistantState{set: make(map[string]struct{}), order: nil}
	}
	if _, exists := state.set[assistantID]; exists {
		return
	}

	nextSet := make(map[string]struct{}, len(state.set)+1)
	for k := range state.set {
		nextSet[k] = struct{}{}
	}
	nextOrder := make([]string, 0, len(state.order)+1)
	nextOrder = append(nextOrder, state.order...)
	nextOrder = append(nextOrder, assistantID)
	nextSet[assistantID] = struct{}{}

	for len(nextOrder) > maxCanceledAssistantAudioIDs {
		evict := nextOrder[0]
		nextOrder = nextOrder[1:]
		delete(nextSet, evict)
	}

	s.canceledAssistant.Store(canceledAssistantState{set: nextSet, order: nextOrder})
}

func (s *LiveSession) isAssistantCanceled(assistantID string) bool {
	assistantID = strings.TrimSpace(assistantID)
	if assistantID == "" {
		return false
	}
	raw := s.canceledAssistant.Load()
	state, ok := raw.(canceledAssistantState)
	if !ok || state.set == nil {
		return false
	}
	_, exists := state.set[assistantID]
	return exists
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
