package gemini

import (
	"testing"

	"google.golang.org/genai"
)

func TestTranslateServerMessage_AudioAndTranscripts(t *testing.T) {
	msg := &genai.LiveServerMessage{
		ServerContent: &genai.LiveServerContent{
			InputTranscription:  &genai.Transcription{Text: "turn the lights ", Finished: false},
			OutputTranscription: &genai.Transcription{Text: "Sure, ", Finished: false},
			ModelTurn: &genai.Content{
				Role: "model",
				Parts: []*genai.Part{
					{InlineData: &genai.Blob{Data: []byte{1, 2, 3, 4}, MIMEType: "audio/pcm;rate=24000"}},
				},
			},
		},
	}

	events := translateServerMessage(msg)
	if len(events) != 3 {
		t.Fatalf("len(events)=%d, want 3", len(events))
	}
	if events[0].Kind != EventInputTranscript || events[0].Text != "turn the lights " {
		t.Fatalf("events[0]=%+v", events[0])
	}
	if events[1].Kind != EventOutputTranscript {
		t.Fatalf("events[1].Kind=%q", events[1].Kind)
	}
	if events[2].Kind != EventAudioChunk || len(events[2].Audio) != 4 {
		t.Fatalf("events[2]=%+v", events[2])
	}
}

func TestTranslateServerMessage_InterruptedComesFirst(t *testing.T) {
	msg := &genai.LiveServerMessage{
		ServerContent: &genai.LiveServerContent{
			Interrupted: true,
			ModelTurn: &genai.Content{Parts: []*genai.Part{
				{InlineData: &genai.Blob{Data: []byte{9, 9}}},
			}},
			TurnComplete: true,
		},
	}

	events := translateServerMessage(msg)
	if len(events) != 3 {
		t.Fatalf("len(events)=%d, want 3", len(events))
	}
	if events[0].Kind != EventInterrupted {
		t.Fatalf("events[0].Kind=%q, want %q", events[0].Kind, EventInterrupted)
	}
	if events[len(events)-1].Kind != EventTurnComplete {
		t.Fatalf("last kind=%q, want %q", events[len(events)-1].Kind, EventTurnComplete)
	}
}

func TestTranslateServerMessage_ResumeAndUsage(t *testing.T) {
	msg := &genai.LiveServerMessage{
		SessionResumptionUpdate: &genai.LiveServerSessionResumptionUpdate{
			NewHandle: "handle-123",
			Resumable: true,
		},
		UsageMetadata: &genai.UsageMetadata{
			PromptTokenCount:   120,
			ResponseTokenCount: 48,
			TotalTokenCount:    168,
		},
	}

	events := translateServerMessage(msg)
	if len(events) != 2 {
		t.Fatalf("len(events)=%d, want 2", len(events))
	}
	if events[0].Kind != EventResumeHandle || events[0].Handle != "handle-123" || !events[0].Resumable {
		t.Fatalf("events[0]=%+v", events[0])
	}
	if events[1].Kind != EventUsage || events[1].Usage == nil || events[1].Usage.TotalTokens != 168 {
		t.Fatalf("events[1]=%+v", events[1])
	}
}

func TestTranslateServerMessage_Empty(t *testing.T) {
	if events := translateServerMessage(nil); events != nil {
		t.Fatalf("events=%v, want nil", events)
	}
	if events := translateServerMessage(&genai.LiveServerMessage{}); len(events) != 0 {
		t.Fatalf("len(events)=%d, want 0", len(events))
	}
	// Empty transcription text should not produce an event.
	events := translateServerMessage(&genai.LiveServerMessage{
		ServerContent: &genai.LiveServerContent{InputTranscription: &genai.Transcription{}},
	})
	if len(events) != 0 {
		t.Fatalf("len(events)=%d, want 0", len(events))
	}
}
