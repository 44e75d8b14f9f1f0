// Package protocol defines the websocket wire format spoken between live
// clients and the gateway. Frames are JSON text messages; when the binary
// audio transport is negotiated, audio payloads travel as binary websocket
// messages bracketed by JSON header frames.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ProtocolVersion1 = "1"

	AudioTransportBinary     = "binary"
	AudioTransportBase64JSON = "base64_json"

	// Fixed live audio shape: mic in at 16 kHz, assistant out at 24 kHz,
	// both mono s16le. These are the rates the upstream model speaks.
	EncodingPCMS16LE    = "pcm_s16le"
	CaptureSampleRateHz = 16000
	SpeakSampleRateHz   = 24000
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// AudioFormat describes negotiated live audio shape.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// CaptureFormat is the only accepted hello.audio_in.
func CaptureFormat() AudioFormat {
	return AudioFormat{Encoding: EncodingPCMS16LE, SampleRateHz: CaptureSampleRateHz, Channels: 1}
}

// SpeakFormat is the only accepted hello.audio_out.
func SpeakFormat() AudioFormat {
	return AudioFormat{Encoding: EncodingPCMS16LE, SampleRateHz: SpeakSampleRateHz, Channels: 1}
}

type HelloClient struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type HelloAuth struct {
	GatewayAPIKey string `json:"gateway_api_key,omitempty"`
	BearerToken   string `json:"bearer_token,omitempty"`
}

type HelloVoice struct {
	// Name is a prebuilt upstream voice, e.g. "Aoede" or "Puck".
	Name     string `json:"name,omitempty"`
	Language string `json:"language,omitempty"`
}

type HelloFeatures struct {
	AudioTransport         string `json:"audio_transport,omitempty"`
	SendPlaybackMarks      bool   `json:"send_playback_marks,omitempty"`
	WantPartialTranscripts bool   `json:"want_partial_transcripts,omitempty"`
	WantAssistantText      bool   `json:"want_assistant_text,omitempty"`
}

type ClientHello struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Client          HelloClient   `json:"client,omitempty"`
	Auth            *HelloAuth    `json:"auth,omitempty"`
	Model           string        `json:"model"`
	System          string        `json:"system,omitempty"`
	AudioIn         AudioFormat   `json:"audio_in"`
	AudioOut        AudioFormat   `json:"audio_out"`
	Voice           *HelloVoice   `json:"voice,omitempty"`
	Features        HelloFeatures `json:"features,omitempty"`
	ConversationID  string        `json:"conversation_id,omitempty"`
	ResumeSessionID string        `json:"resume_session_id,omitempty"`
}

// RedactedForLog returns hello fields safe to log. Credentials are reduced
// to presence booleans and the system prompt to its length.
func (h ClientHello) RedactedForLog() map[string]any {
	voice := ""
	if h.Voice != nil {
		voice = h.Voice.Name
	}
	return map[string]any{
		"type":             h.Type,
		"protocol_version": h.ProtocolVersion,
		"model":            h.Model,
		"voice":            voice,
		"audio_in":         h.AudioIn,
		"audio_out":        h.AudioOut,
		"features":         h.Features,
		"system_len":       len(h.System),
		"conversation_id":  h.ConversationID,
		"has_resume":       strings.TrimSpace(h.ResumeSessionID) != "",
		"has_gateway_key":  h.Auth != nil && strings.TrimSpace(h.Auth.GatewayAPIKey) != "",
		"has_bearer_token": h.Auth != nil && strings.TrimSpace(h.Auth.BearerToken) != "",
	}
}

type ClientAudioFrame struct {
	Type        string `json:"type"`
	Seq         int64  `json:"seq,omitempty"`
	TimestampMS *int64 `json:"timestamp_ms,omitempty"`
	DataB64     string `json:"data_b64"`
}

type ClientAudioStreamStart struct {
	Type         string `json:"type"`
	StreamID     string `json:"stream_id"`
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

type ClientAudioStreamEnd struct {
	Type     string `json:"type"`
	StreamID string `json:"stream_id,omitempty"`
}

// ClientTextInput injects a typed user turn into the live session.
type ClientTextInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ClientPlaybackMark struct {
	Type             string `json:"type"`
	AssistantAudioID string `json:"assistant_audio_id"`
	PlayedMS         int64  `json:"played_ms"`
	BufferedMS       int64  `json:"buffered_ms,omitempty"`
	State            string `json:"state,omitempty"`
	TimestampMS      *int64 `json:"timestamp_ms,omitempty"`
}

type ClientControl struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello":
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if err := ValidateHello(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "audio_frame":
		var msg ClientAudioFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio_frame.data_b64 is required", "data_b64")
		}
		return msg, nil
	case "audio_stream_start":
		var msg ClientAudioStreamStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_stream_start", "")
		}
		if strings.TrimSpace(msg.StreamID) == "" {
			return nil, badRequest("audio_stream_start.stream_id is required", "stream_id")
		}
		if strings.TrimSpace(msg.Encoding) == "" {
			return nil, badRequest("audio_stream_start.encoding is required", "encoding")
		}
		if msg.SampleRateHz <= 0 {
			return nil, badRequest("audio_stream_start.sample_rate_hz must be > 0", "sample_rate_hz")
		}
		if msg.Channels <= 0 {
			return nil, badRequest("audio_stream_start.channels must be > 0", "channels")
		}
		return msg, nil
	case "audio_stream_end":
		var msg ClientAudioStreamEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_stream_end", "")
		}
		return msg, nil
	case "text_input":
		var msg ClientTextInput
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text_input", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("text_input.text is required", "text")
		}
		return msg, nil
	case "playback_mark":
		var msg ClientPlaybackMark
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid playback_mark", "")
		}
		if strings.TrimSpace(msg.AssistantAudioID) == "" {
			return nil, badRequest("playback_mark.assistant_audio_id is required", "assistant_audio_id")
		}
		if msg.PlayedMS < 0 {
			return nil, badRequest("playback_mark.played_ms must be >= 0", "played_ms")
		}
		return msg, nil
	case "control":
		var msg ClientControl
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid control", "")
		}
		op := strings.TrimSpace(msg.Op)
		if op == "" {
			return nil, badRequest("control.op is required", "op")
		}
		switch op {
		case "interrupt", "cancel_turn", "end_session":
		default:
			return nil, unsupported("unsupported control operation", "op")
		}
		msg.Op = op
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func ValidateHello(msg ClientHello) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badRequest("hello.protocol_version is required", "protocol_version")
	}
	if strings.TrimSpace(msg.Model) == "" {
		return badRequest("hello.model is required", "model")
	}
	if strings.TrimSpace(msg.AudioIn.Encoding) == "" {
		return badRequest("hello.audio_in.encoding is required", "audio_in.encoding")
	}
	if msg.AudioIn.SampleRateHz <= 0 {
		return badRequest("hello.audio_in.sample_rate_hz must be > 0", "audio_in.sample_rate_hz")
	}
	if msg.AudioIn.Channels <= 0 {
		return badRequest("hello.audio_in.channels must be > 0", "audio_in.channels")
	}
	if strings.TrimSpace(msg.AudioOut.Encoding) == "" {
		return badRequest("hello.audio_out.encoding is required", "audio_out.encoding")
	}
	if msg.AudioOut.SampleRateHz <= 0 {
		return badRequest("hello.audio_out.sample_rate_hz must be > 0", "audio_out.sample_rate_hz")
	}
	if msg.AudioOut.Channels <= 0 {
		return badRequest("hello.audio_out.channels must be > 0", "audio_out.channels")
	}

	transport := strings.TrimSpace(msg.Features.AudioTransport)
	if transport == "" {
		msg.Features.AudioTransport = AudioTransportBase64JSON
		return nil
	}
	switch transport {
	case AudioTransportBinary, AudioTransportBase64JSON:
		return nil
	default:
		return unsupported("unsupported audio transport", "features.audio_transport")
	}
}

type HelloAckFeatures struct {
	AudioTransport string `json:"audio_transport"`
}

type HelloAckResume struct {
	Supported bool   `json:"supported"`
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
}

type HelloAckLimits struct {
	MaxAudioFrameBytes  int   `json:"max_audio_frame_bytes"`
	MaxJSONMessageBytes int   `json:"max_json_message_bytes"`
	MaxAudioFPS         int   `json:"max_audio_fps,omitempty"`
	MaxAudioBPS         int64 `json:"max_audio_bps,omitempty"`
	InboundBurstSeconds int   `json:"inbound_burst_seconds,omitempty"`
	MaxSessionMS        int64 `json:"max_session_ms,omitempty"`
}

type ServerHelloAck struct {
	Type            string           `json:"type"`
	ProtocolVersion string           `json:"protocol_version"`
	SessionID       string           `json:"session_id"`
	ConversationID  string           `json:"conversation_id,omitempty"`
	AudioIn         AudioFormat      `json:"audio_in"`
	AudioOut        AudioFormat      `json:"audio_out"`
	Features        HelloAckFeatures `json:"features"`
	Resume          HelloAckResume   `json:"resume"`
	Limits          *HelloAckLimits  `json:"limits,omitempty"`
}

type ServerError struct {
	Type      string         `json:"type"`
	Scope     string         `json:"scope,omitempty"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Close     bool           `json:"close,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerAudioInAck struct {
	Type        string `json:"type"`
	LastSeq     int64  `json:"last_seq"`
	Frames      int64  `json:"frames"`
	TimestampMS int64  `json:"timestamp_ms,omitempty"`
}

// ServerTranscriptDelta carries incremental user speech transcription.
type ServerTranscriptDelta struct {
	Type        string `json:"type"`
	UtteranceID string `json:"utterance_id"`
	IsFinal     bool   `json:"is_final"`
	Text        string `json:"text"`
	TimestampMS int64  `json:"timestamp_ms,omitempty"`
}

type ServerTranscriptFinal struct {
	Type        string `json:"type"`
	UtteranceID string `json:"utterance_id"`
	Text        string `json:"text"`
}

type ServerAssistantTextDelta struct {
	Type  string `json:"type"`
	Turn  int64  `json:"turn"`
	Delta string `json:"delta"`
}

type ServerAssistantTextFinal struct {
	Type string `json:"type"`
	Turn int64  `json:"turn"`
	Text string `json:"text"`
}

type ServerAssistantAudioStart struct {
	Type             string      `json:"type"`
	AssistantAudioID string      `json:"assistant_audio_id"`
	Turn             int64       `json:"turn,omitempty"`
	Format           AudioFormat `json:"format"`
}

type ServerAssistantAudioChunk struct {
	Type             string `json:"type"`
	AssistantAudioID string `json:"assistant_audio_id"`
	Seq              int64  `json:"seq"`
	AudioB64         string `json:"audio_b64,omitempty"`
}

// ServerAssistantAudioChunkHeader precedes one binary websocket message
// carrying the chunk payload when the binary transport is negotiated.
type ServerAssistantAudioChunkHeader struct {
	Type             string `json:"type"`
	AssistantAudioID string `json:"assistant_audio_id"`
	Seq              int64  `json:"seq"`
	Bytes            int    `json:"bytes"`
}

type ServerAssistantAudioEnd struct {
	Type             string `json:"type"`
	AssistantAudioID string `json:"assistant_audio_id"`
	DurationMS       int64  `json:"duration_ms,omitempty"`
}

type ServerAudioReset struct {
	Type             string `json:"type"`
	Reason           string `json:"reason"`
	AssistantAudioID string `json:"assistant_audio_id,omitempty"`
}

type ServerTurnComplete struct {
	Type string `json:"type"`
	Turn int64  `json:"turn"`
}

// ServerSessionResume tells the client a fresh resume handle was stored;
// reconnecting with resume_session_id set to SessionID continues the
// conversation where it left off.
type ServerSessionResume struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ExpiresMS int64  `json:"expires_ms,omitempty"`
}

type ServerUsage struct {
	Type          string `json:"type"`
	AudioInMS     int64  `json:"audio_in_ms"`
	AudioOutMS    int64  `json:"audio_out_ms"`
	Turns         int64  `json:"turns"`
	DurationMS    int64  `json:"duration_ms"`
	Interruptions int64  `json:"interruptions"`
}
