package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeClientMessage_Hello(t *testing.T) {
	raw := []byte(`{
		"type":"hello",
		"protocol_version":"1",
		"model":"gemini-2.5-flash-native-audio-preview",
		"system":"You are a terse assistant.",
		"audio_in":{"encoding":"pcm_s16le","sample_rate_hz":16000,"channels":1},
		"audio_out":{"encoding":"pcm_s16le","sample_rate_hz":24000,"channels":1},
		"features":{"audio_transport":"binary","want_assistant_text":true}
	}`)

	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	hello, ok := msg.(ClientHello)
	if !ok {
		t.Fatalf("decoded type = %T, want ClientHello", msg)
	}
	if hello.ProtocolVersion != "1" {
		t.Fatalf("protocol_version=%q", hello.ProtocolVersion)
	}
	if hello.System == "" {
		t.Fatalf("system prompt dropped in decode")
	}
	if !hello.Features.WantAssistantText {
		t.Fatalf("features.want_assistant_text=false, want true")
	}
}

func TestDecodeClientMessage_HelloWithVoiceAndResume(t *testing.T) {
	raw := []byte(`{
		"type":"hello",
		"protocol_version":"1",
		"model":"gemini-2.5-flash-native-audio-preview",
		"voice":{"name":"Aoede","language":"en-US"},
		"resume_session_id":"lsn_01J8ZC4D9G",
		"audio_in":{"encoding":"pcm_s16le","sample_rate_hz":16000,"channels":1},
		"audio_out":{"encoding":"pcm_s16le","sample_rate_hz":24000,"channels":1}
	}`)

	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	hello := msg.(ClientHello)
	if hello.Voice == nil || hello.Voice.Name != "Aoede" {
		t.Fatalf("voice=%+v", hello.Voice)
	}
	if hello.ResumeSessionID != "lsn_01J8ZC4D9G" {
		t.Fatalf("resume_session_id=%q", hello.ResumeSessionID)
	}
}

func TestDecodeClientMessage_HelloMissingRequired(t *testing.T) {
	raw := []byte(`{"type":"hello","protocol_version":"1"}`)
	_, err := DecodeClientMessage(raw)
	if err == nil {
		t.Fatalf("expected error")
	}
	decErr, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("err type = %T", err)
	}
	if decErr.Code != "bad_request" {
		t.Fatalf("code=%q", decErr.Code)
	}
}

func TestValidateHello_RejectsUnknownTransport(t *testing.T) {
	err := ValidateHello(ClientHello{
		Type:            "hello",
		ProtocolVersion: "1",
		Model:           "gemini-2.5-flash-native-audio-preview",
		AudioIn:         CaptureFormat(),
		AudioOut:        SpeakFormat(),
		Features:        HelloFeatures{AudioTransport: "msgpack"},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	decErr := err.(*DecodeError)
	if decErr.Code != "unsupported" {
		t.Fatalf("code=%q", decErr.Code)
	}
}

func TestDecodeClientMessage_TextInput(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"text_input","text":"what did I just say?"}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	ti, ok := msg.(ClientTextInput)
	if !ok {
		t.Fatalf("decoded type = %T, want ClientTextInput", msg)
	}
	if ti.Text != "what did I just say?" {
		t.Fatalf("text=%q", ti.Text)
	}

	_, err = DecodeClientMessage([]byte(`{"type":"text_input","text":"  "}`))
	if err == nil {
		t.Fatalf("expected error for blank text")
	}
}

func TestDecodeClientMessage_PlaybackMark(t *testing.T) {
	raw := []byte(`{"type":"playback_mark","assistant_audio_id":"aud_1","played_ms":420,"buffered_ms":60,"state":"playing"}`)
	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	mark := msg.(ClientPlaybackMark)
	if mark.AssistantAudioID != "aud_1" || mark.PlayedMS != 420 {
		t.Fatalf("mark=%+v", mark)
	}

	_, err = DecodeClientMessage([]byte(`{"type":"playback_mark","played_ms":10}`))
	if err == nil {
		t.Fatalf("expected error for missing assistant_audio_id")
	}
}

func TestDecodeClientMessage_UnsupportedControlOp(t *testing.T) {
	raw := []byte(`{"type":"control","op":"reboot"}`)
	_, err := DecodeClientMessage(raw)
	if err == nil {
		t.Fatalf("expected error")
	}
	decErr, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("err type = %T", err)
	}
	if decErr.Code != "unsupported" {
		t.Fatalf("code=%q", decErr.Code)
	}
}

func TestDecodeClientMessage_ControlOps(t *testing.T) {
	for _, op := range []string{"interrupt", "cancel_turn", "end_session"} {
		msg, err := DecodeClientMessage([]byte(`{"type":"control","op":"` + op + `"}`))
		if err != nil {
			t.Fatalf("op %q: %v", op, err)
		}
		ctl := msg.(ClientControl)
		if ctl.Op != op {
			t.Fatalf("op=%q, want %q", ctl.Op, op)
		}
	}
}

func TestClientHelloRedaction(t *testing.T) {
	h := ClientHello{
		Type:            "hello",
		ProtocolVersion: "1",
		Model:           "gemini-2.5-flash-native-audio-preview",
		System:          "You are a pirate. Secret handshake word: mizzenmast.",
		Auth: &HelloAuth{
			GatewayAPIKey: "vox_sk_secret",
			BearerToken:   "tok_secret",
		},
		AudioIn:  CaptureFormat(),
		AudioOut: SpeakFormat(),
		Voice:    &HelloVoice{Name: "Puck"},
	}

	redacted := h.RedactedForLog()
	blob, err := json.Marshal(redacted)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(blob), "secret") {
		t.Fatalf("redacted payload leaked secret: %s", string(blob))
	}
	if strings.Contains(string(blob), "mizzenmast") {
		t.Fatalf("redacted payload leaked system prompt: %s", string(blob))
	}
	if !strings.Contains(string(blob), "has_gateway_key") {
		t.Fatalf("expected has_gateway_key in redacted payload: %s", string(blob))
	}
	if !strings.Contains(string(blob), "Puck") {
		t.Fatalf("expected voice name in redacted payload: %s", string(blob))
	}
}
