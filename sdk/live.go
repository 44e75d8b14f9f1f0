package voxbridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	liveproto "github.com/voxbridge/voxbridge/pkg/gateway/live/protocol"
)

const defaultLiveConnectTimeout = 15 * time.Second

// ErrSessionClosed is returned by LiveSession send methods once the session
// has been closed, locally or by the gateway.
var ErrSessionClosed = errors.New("live session is closed")

// LiveService provides access to the gateway live WebSocket API (/v1/live):
// realtime microphone streaming, transcripts, and assistant speech.
type LiveService struct {
	client *Client
}

// LiveVoice selects the assistant voice for a session.
type LiveVoice struct {
	Name     string
	Language string
}

// LiveFeatures controls optional live protocol behavior.
type LiveFeatures struct {
	AudioTransport         string
	SendPlaybackMarks      bool
	WantPartialTranscripts bool
	WantAssistantText      bool
}

// LiveConnectRequest configures a live websocket session. Every field is
// optional; an empty Model uses the gateway's configured default.
type LiveConnectRequest struct {
	Model           string
	System          string
	Voice           LiveVoice
	Features        LiveFeatures
	ConversationID  string
	ResumeSessionID string

	// Output tunes assistant audio buffering. The zero value uses defaults.
	Output AudioOutputConfig
}

// LiveAudioMeta carries optional metadata for outbound audio frames.
type LiveAudioMeta struct {
	Seq         int64
	TimestampMS *int64
}

// LivePlaybackMark is reported by the client to support played-history truncation.
type LivePlaybackMark struct {
	AssistantAudioID string
	PlayedMS         int64
	BufferedMS       int64
	State            string
	TimestampMS      *int64
}

// LiveEvent is a low-level event emitted by LiveSession.Events().
type LiveEvent interface {
	liveEventType() string
}

type LiveHelloAckEvent struct{ Ack liveproto.ServerHelloAck }

func (e LiveHelloAckEvent) liveEventType() string { return "hello_ack" }

type LiveWarningEvent struct{ Warning liveproto.ServerWarning }

func (e LiveWarningEvent) liveEventType() string { return "warning" }

type LiveErrorEvent struct{ Error liveproto.ServerError }

func (e LiveErrorEvent) liveEventType() string { return "error" }

type LiveAudioInAckEvent struct{ Ack liveproto.ServerAudioInAck }

func (e LiveAudioInAckEvent) liveEventType() string { return "audio_in_ack" }

// LiveTranscriptDeltaEvent carries a streaming transcript of the user's speech.
type LiveTranscriptDeltaEvent struct {
	UtteranceID string
	IsFinal     bool
	Text        string
	TimestampMS int64
}

func (e LiveTranscriptDeltaEvent) liveEventType() string { return "transcript_delta" }

// LiveTranscriptFinalEvent marks a committed user utterance.
type LiveTranscriptFinalEvent struct {
	UtteranceID string
	Text        string
}

func (e LiveTranscriptFinalEvent) liveEventType() string { return "transcript_final" }

type LiveAssistantTextDeltaEvent struct {
	Turn  int64
	Delta string
}

func (e LiveAssistantTextDeltaEvent) liveEventType() string { return "assistant_text_delta" }

type LiveAssistantTextFinalEvent struct {
	Turn int64
	Text string
}

func (e LiveAssistantTextFinalEvent) liveEventType() string { return "assistant_text_final" }

type LiveAssistantAudioStartEvent struct {
	Start liveproto.ServerAssistantAudioStart
}

func (e LiveAssistantAudioStartEvent) liveEventType() string { return "assistant_audio_start" }

type LiveAssistantAudioChunkEvent struct {
	AssistantAudioID string
	Seq              int64
	Data             []byte
	Format           string
}

func (e LiveAssistantAudioChunkEvent) liveEventType() string { return "assistant_audio_chunk" }

type LiveAssistantAudioEndEvent struct {
	End liveproto.ServerAssistantAudioEnd
}

func (e LiveAssistantAudioEndEvent) liveEventType() string { return "assistant_audio_end" }

// LiveAudioResetEvent signals clients to flush playback immediately.
type LiveAudioResetEvent struct {
	Reason           string
	AssistantAudioID string
}

func (e LiveAudioResetEvent) liveEventType() string { return "audio_reset" }

type LiveTurnCompleteEvent struct{ Turn int64 }

func (e LiveTurnCompleteEvent) liveEventType() string { return "turn_complete" }

// LiveSessionResumeEvent carries a refreshed resume handle.
type LiveSessionResumeEvent struct {
	SessionID string
	ExpiresMS int64
}

func (e LiveSessionResumeEvent) liveEventType() string { return "session_resume" }

type LiveUsageEvent struct{ Usage liveproto.ServerUsage }

func (e LiveUsageEvent) liveEventType() string { return "usage" }

type LiveUnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e LiveUnknownEvent) liveEventType() string { return e.Type }

// LiveSession is a live websocket session.
type LiveSession struct {
	conn *websocket.Conn
	ack  liveproto.ServerHelloAck

	audio  *AudioOutput
	events chan LiveEvent
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	droppedEvents atomic.Int64

	errMu sync.Mutex
	err   error
}

// Ack returns the negotiated session parameters.
func (s *LiveSession) Ack() liveproto.ServerHelloAck {
	if s == nil {
		return liveproto.ServerHelloAck{}
	}
	return s.ack
}

// SessionID returns the gateway-assigned session id.
func (s *LiveSession) SessionID() string {
	if s == nil {
		return ""
	}
	return s.ack.SessionID
}

// ConversationID returns the bound conversation id, empty on storeless gateways.
func (s *LiveSession) ConversationID() string {
	if s == nil {
		return ""
	}
	return s.ack.ConversationID
}

// Events yields low-level live websocket events.
func (s *LiveSession) Events() <-chan LiveEvent {
	if s == nil {
		return nil
	}
	return s.events
}

// DroppedEvents reports how many events were discarded because Events was
// not being consumed fast enough.
func (s *LiveSession) DroppedEvents() int64 {
	if s == nil {
		return 0
	}
	return s.droppedEvents.Load()
}

// AudioOutput returns the buffered assistant audio feed. Chunk and reset
// events still appear on Events for callers that manage playback themselves.
func (s *LiveSession) AudioOutput() *AudioOutput {
	if s == nil {
		return nil
	}
	return s.audio
}

// StartAudioStream announces an utterance using the negotiated capture format.
func (s *LiveSession) StartAudioStream(streamID string) error {
	if s == nil {
		return fmt.Errorf("session must not be nil")
	}
	msg := liveproto.ClientAudioStreamStart{
		Type:         "audio_stream_start",
		StreamID:     strings.TrimSpace(streamID),
		Encoding:     s.ack.AudioIn.Encoding,
		SampleRateHz: s.ack.AudioIn.SampleRateHz,
		Channels:     s.ack.AudioIn.Channels,
	}
	return s.sendJSON(msg)
}

// EndAudioStream commits the current utterance.
func (s *LiveSession) EndAudioStream(streamID string) error {
	if s == nil {
		return fmt.Errorf("session must not be nil")
	}
	return s.sendJSON(liveproto.ClientAudioStreamEnd{Type: "audio_stream_end", StreamID: strings.TrimSpace(streamID)})
}

// SendAudioFrame sends one PCM frame of microphone audio.
func (s *LiveSession) SendAudioFrame(pcm []byte, meta LiveAudioMeta) error {
	if s == nil {
		return fmt.Errorf("session must not be nil")
	}
	frame := liveproto.ClientAudioFrame{
		Type:        "audio_frame",
		Seq:         meta.Seq,
		TimestampMS: meta.TimestampMS,
		DataB64:     base64.StdEncoding.EncodeToString(pcm),
	}
	return s.sendJSON(frame)
}

// SendText submits a typed message into the live conversation.
func (s *LiveSession) SendText(text string) error {
	if s == nil {
		return fmt.Errorf("session must not be nil")
	}
	return s.sendJSON(liveproto.ClientTextInput{Type: "text_input", Text: text})
}

// SendPlaybackMark reports playback progress for interruption/truncation accuracy.
func (s *LiveSession) SendPlaybackMark(mark LivePlaybackMark) error {
	if s == nil {
		return fmt.Errorf("session must not be nil")
	}
	msg := liveproto.ClientPlaybackMark{
		Type:             "playback_mark",
		AssistantAudioID: mark.AssistantAudioID,
		PlayedMS:         mark.PlayedMS,
		BufferedMS:       mark.BufferedMS,
		State:            mark.State,
		TimestampMS:      mark.TimestampMS,
	}
	return s.sendJSON(msg)
}

// Interrupt cuts off the assistant mid-reply.
func (s *LiveSession) Interrupt() error {
	return s.sendControl("interrupt")
}

// CancelTurn cancels the active model turn.
func (s *LiveSession) CancelTurn() error {
	return s.sendControl("cancel_turn")
}

// EndSession requests a graceful live session shutdown.
func (s *LiveSession) EndSession() error {
	return s.sendControl("end_session")
}

func (s *LiveSession) sendControl(op string) error {
	if s == nil {
		return fmt.Errorf("session must not be nil")
	}
	return s.sendJSON(liveproto.ClientControl{Type: "control", Op: strings.TrimSpace(op)})
}

func (s *LiveSession) sendJSON(v any) error {
	if s == nil {
		return fmt.Errorf("session must not be nil")
	}
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(v); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
			return ErrSessionClosed
		}
		return err
	}
	return nil
}

// Close closes the websocket session.
func (s *LiveSession) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

// Err returns the terminal session error (if any).
func (s *LiveSession) Err() error {
	if s == nil {
		return nil
	}
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *LiveSession) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *LiveSession) readLoop() {
	defer close(s.done)
	defer close(s.events)
	defer s.audio.Close()

	assistantFormat := make(map[string]string)
	var pendingBinaryHeader *liveproto.ServerAssistantAudioChunkHeader

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || s.closed.Load() {
				return
			}
			s.setErr(err)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			event, frameErr := decodeLiveTextFrame(data, assistantFormat, &pendingBinaryHeader)
			if frameErr != nil {
				s.setErr(frameErr)
				return
			}
			if event == nil {
				continue
			}
			s.handleEvent(event)
		case websocket.BinaryMessage:
			if pendingBinaryHeader == nil {
				continue
			}
			chunk := LiveAssistantAudioChunkEvent{
				AssistantAudioID: pendingBinaryHeader.AssistantAudioID,
				Seq:              pendingBinaryHeader.Seq,
				Data:             append([]byte(nil), data...),
				Format:           liveproto.EncodingPCMS16LE,
			}
			pendingBinaryHeader = nil
			s.handleEvent(chunk)
		default:
			continue
		}
	}
}

func (s *LiveSession) handleEvent(event LiveEvent) {
	switch e := event.(type) {
	case LiveAssistantAudioChunkEvent:
		s.audio.pushAudio(e.Data)
	case LiveAudioResetEvent:
		s.audio.doFlush()
	case LiveErrorEvent:
		if e.Error.Close {
			s.setErr(apiErrorFromLiveError(e.Error))
		}
	}
	s.emitEvent(event)
}

func (s *LiveSession) emitEvent(event LiveEvent) {
	if event == nil {
		return
	}
	select {
	case s.events <- event:
	default:
		// Slow consumers lose events rather than stalling the read loop.
		s.droppedEvents.Add(1)
	}
}

func apiErrorFromLiveError(frame liveproto.ServerError) *APIError {
	typ := ErrAPI
	switch frame.Code {
	case "unauthorized":
		typ = ErrAuthentication
	case "rate_limited":
		typ = ErrRateLimit
	case "not_found":
		typ = ErrNotFound
	case "bad_request", "unsupported":
		typ = ErrInvalidRequest
	case "upstream_error":
		typ = ErrUpstream
	}
	return &APIError{
		Type:    typ,
		Code:    strings.TrimSpace(frame.Code),
		Message: strings.TrimSpace(frame.Message),
	}
}

func decodeLiveTextFrame(data []byte, assistantFormat map[string]string, pendingBinaryHeader **liveproto.ServerAssistantAudioChunkHeader) (LiveEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode live frame envelope: %w", err)
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, fmt.Errorf("live frame missing type")
	}

	switch typ {
	case "hello_ack":
		var ack liveproto.ServerHelloAck
		if err := json.Unmarshal(data, &ack); err != nil {
			return nil, fmt.Errorf("decode hello_ack: %w", err)
		}
		return LiveHelloAckEvent{Ack: ack}, nil
	case "warning":
		var warning liveproto.ServerWarning
		if err := json.Unmarshal(data, &warning); err != nil {
			return nil, fmt.Errorf("decode warning: %w", err)
		}
		return LiveWarningEvent{Warning: warning}, nil
	case "error":
		var message liveproto.ServerError
		if err := json.Unmarshal(data, &message); err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
		return LiveErrorEvent{Error: message}, nil
	case "audio_in_ack":
		var ack liveproto.ServerAudioInAck
		if err := json.Unmarshal(data, &ack); err != nil {
			return nil, fmt.Errorf("decode audio_in_ack: %w", err)
		}
		return LiveAudioInAckEvent{Ack: ack}, nil
	case "transcript_delta":
		var delta liveproto.ServerTranscriptDelta
		if err := json.Unmarshal(data, &delta); err != nil {
			return nil, fmt.Errorf("decode transcript_delta: %w", err)
		}
		return LiveTranscriptDeltaEvent{
			UtteranceID: delta.UtteranceID,
			IsFinal:     delta.IsFinal,
			Text:        delta.Text,
			TimestampMS: delta.TimestampMS,
		}, nil
	case "transcript_final":
		var final liveproto.ServerTranscriptFinal
		if err := json.Unmarshal(data, &final); err != nil {
			return nil, fmt.Errorf("decode transcript_final: %w", err)
		}
		return LiveTranscriptFinalEvent{
			UtteranceID: final.UtteranceID,
			Text:        final.Text,
		}, nil
	case "assistant_text_delta":
		var delta liveproto.ServerAssistantTextDelta
		if err := json.Unmarshal(data, &delta); err != nil {
			return nil, fmt.Errorf("decode assistant_text_delta: %w", err)
		}
		return LiveAssistantTextDeltaEvent{Turn: delta.Turn, Delta: delta.Delta}, nil
	case "assistant_text_final":
		var final liveproto.ServerAssistantTextFinal
		if err := json.Unmarshal(data, &final); err != nil {
			return nil, fmt.Errorf("decode assistant_text_final: %w", err)
		}
		return LiveAssistantTextFinalEvent{Turn: final.Turn, Text: final.Text}, nil
	case "assistant_audio_start":
		var start liveproto.ServerAssistantAudioStart
		if err := json.Unmarshal(data, &start); err != nil {
			return nil, fmt.Errorf("decode assistant_audio_start: %w", err)
		}
		assistantFormat[strings.TrimSpace(start.AssistantAudioID)] = strings.TrimSpace(start.Format.Encoding)
		return LiveAssistantAudioStartEvent{Start: start}, nil
	case "assistant_audio_chunk":
		var chunk liveproto.ServerAssistantAudioChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil, fmt.Errorf("decode assistant_audio_chunk: %w", err)
		}
		audioBytes, err := base64.StdEncoding.DecodeString(chunk.AudioB64)
		if err != nil {
			return nil, fmt.Errorf("decode assistant audio chunk: %w", err)
		}
		format := strings.TrimSpace(assistantFormat[strings.TrimSpace(chunk.AssistantAudioID)])
		if format == "" {
			format = liveproto.EncodingPCMS16LE
		}
		return LiveAssistantAudioChunkEvent{
			AssistantAudioID: chunk.AssistantAudioID,
			Seq:              chunk.Seq,
			Data:             audioBytes,
			Format:           format,
		}, nil
	case "assistant_audio_chunk_header":
		var header liveproto.ServerAssistantAudioChunkHeader
		if err := json.Unmarshal(data, &header); err != nil {
			return nil, fmt.Errorf("decode assistant_audio_chunk_header: %w", err)
		}
		*pendingBinaryHeader = &header
		return nil, nil
	case "assistant_audio_end":
		var end liveproto.ServerAssistantAudioEnd
		if err := json.Unmarshal(data, &end); err != nil {
			return nil, fmt.Errorf("decode assistant_audio_end: %w", err)
		}
		delete(assistantFormat, strings.TrimSpace(end.AssistantAudioID))
		return LiveAssistantAudioEndEvent{End: end}, nil
	case "audio_reset":
		var reset liveproto.ServerAudioReset
		if err := json.Unmarshal(data, &reset); err != nil {
			return nil, fmt.Errorf("decode audio_reset: %w", err)
		}
		return LiveAudioResetEvent{
			Reason:           reset.Reason,
			AssistantAudioID: reset.AssistantAudioID,
		}, nil
	case "turn_complete":
		var turn liveproto.ServerTurnComplete
		if err := json.Unmarshal(data, &turn); err != nil {
			return nil, fmt.Errorf("decode turn_complete: %w", err)
		}
		return LiveTurnCompleteEvent{Turn: turn.Turn}, nil
	case "session_resume":
		var resume liveproto.ServerSessionResume
		if err := json.Unmarshal(data, &resume); err != nil {
			return nil, fmt.Errorf("decode session_resume: %w", err)
		}
		return LiveSessionResumeEvent{
			SessionID: resume.SessionID,
			ExpiresMS: resume.ExpiresMS,
		}, nil
	case "usage":
		var usage liveproto.ServerUsage
		if err := json.Unmarshal(data, &usage); err != nil {
			return nil, fmt.Errorf("decode usage: %w", err)
		}
		return LiveUsageEvent{Usage: usage}, nil
	default:
		return LiveUnknownEvent{
			Type: typ,
			Raw:  append(json.RawMessage(nil), data...),
		}, nil
	}
}

// Connect opens a /v1/live websocket session. A nil req uses defaults.
func (s *LiveService) Connect(ctx context.Context, req *LiveConnectRequest) (*LiveSession, error) {
	if s == nil || s.client == nil {
		return nil, &APIError{Type: ErrInvalidRequest, Message: "live service is not initialized"}
	}
	if req == nil {
		req = &LiveConnectRequest{}
	}

	wsURL, err := s.client.websocketEndpoint("/v1/live")
	if err != nil {
		return nil, err
	}

	hello := s.client.buildLiveHello(*req)

	headers := make(http.Header)
	if s.client.apiKey != "" {
		headers.Set("Authorization", "Bearer "+s.client.apiKey)
	}

	dialer := websocket.DefaultDialer
	if dialer == nil {
		dialer = &websocket.Dialer{}
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, defaultLiveConnectTimeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, &TransportError{Op: "GET", URL: wsURL, Err: fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)}
		}
		return nil, &TransportError{Op: "GET", URL: wsURL, Err: err}
	}

	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send live hello: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(defaultLiveConnectTimeout))
	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read hello_ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if messageType != websocket.TextMessage {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected first live frame type %d", messageType)
	}

	firstEvent, err := decodeLiveTextFrame(payload, map[string]string{}, new(*liveproto.ServerAssistantAudioChunkHeader))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	switch e := firstEvent.(type) {
	case LiveHelloAckEvent:
		session := &LiveSession{
			conn:   conn,
			ack:    e.Ack,
			audio:  NewAudioOutput(e.Ack.AudioOut.SampleRateHz, req.Output),
			events: make(chan LiveEvent, 256),
			done:   make(chan struct{}),
		}
		// Surface hello_ack to consumers too.
		session.emitEvent(e)
		go session.readLoop()
		return session, nil
	case LiveErrorEvent:
		_ = conn.Close()
		return nil, apiErrorFromLiveError(e.Error)
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected first live frame type %q", firstEvent.liveEventType())
	}
}

func (c *Client) buildLiveHello(req LiveConnectRequest) liveproto.ClientHello {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = "default"
	}
	transport := strings.TrimSpace(req.Features.AudioTransport)
	if transport == "" {
		transport = liveproto.AudioTransportBase64JSON
	}

	hello := liveproto.ClientHello{
		Type:            "hello",
		ProtocolVersion: liveproto.ProtocolVersion1,
		Client:          liveproto.HelloClient{Name: "voxbridge-go"},
		Model:           model,
		System:          strings.TrimSpace(req.System),
		AudioIn:         liveproto.CaptureFormat(),
		AudioOut:        liveproto.SpeakFormat(),
		Features: liveproto.HelloFeatures{
			AudioTransport:         transport,
			SendPlaybackMarks:      req.Features.SendPlaybackMarks,
			WantPartialTranscripts: req.Features.WantPartialTranscripts,
			WantAssistantText:      req.Features.WantAssistantText,
		},
		ConversationID:  strings.TrimSpace(req.ConversationID),
		ResumeSessionID: strings.TrimSpace(req.ResumeSessionID),
	}
	if name, lang := strings.TrimSpace(req.Voice.Name), strings.TrimSpace(req.Voice.Language); name != "" || lang != "" {
		hello.Voice = &liveproto.HelloVoice{Name: name, Language: lang}
	}
	if c.apiKey != "" {
		hello.Auth = &liveproto.HelloAuth{GatewayAPIKey: c.apiKey}
	}
	return hello
}
