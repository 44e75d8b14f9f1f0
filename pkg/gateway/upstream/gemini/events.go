package gemini

import (
	"time"

	"google.golang.org/genai"
)

// EventKind discriminates upstream events.
type EventKind string

const (
	// EventAudioChunk carries one chunk of assistant speech (24 kHz s16le).
	EventAudioChunk EventKind = "audio_chunk"
	// EventInputTranscript carries incremental user speech transcription.
	EventInputTranscript EventKind = "input_transcript"
	// EventOutputTranscript carries the text of assistant speech.
	EventOutputTranscript EventKind = "output_transcript"
	// EventModelText carries text parts from text-modality model turns.
	EventModelText EventKind = "model_text"
	// EventInterrupted signals upstream voice-activity barge-in: the model
	// stopped generating because the user started speaking.
	EventInterrupted EventKind = "interrupted"
	// EventTurnComplete marks the end of one assistant turn.
	EventTurnComplete EventKind = "turn_complete"
	// EventGoAway warns that the upstream connection will close soon.
	EventGoAway EventKind = "go_away"
	// EventResumeHandle delivers a fresh session resumption handle.
	EventResumeHandle EventKind = "resume_handle"
	// EventUsage reports cumulative token usage.
	EventUsage EventKind = "usage"
)

// Event is one upstream occurrence. Only the fields for its Kind are set.
type Event struct {
	Kind EventKind

	Audio    []byte
	Text     string
	Finished bool

	TimeLeft  time.Duration
	Handle    string
	Resumable bool

	Usage *UsageTotals
}

// UsageTotals mirrors the upstream usage counters.
type UsageTotals struct {
	PromptTokens   int32
	ResponseTokens int32
	TotalTokens    int32
}

// translateServerMessage flattens one upstream message into ordered events.
// Interruption comes first so the session can stop enqueueing stale audio
// before processing anything else from the same message.
func translateServerMessage(msg *genai.LiveServerMessage) []Event {
	if msg == nil {
		return nil
	}

	var events []Event

	if sc := msg.ServerContent; sc != nil {
		if sc.Interrupted {
			events = append(events, Event{Kind: EventInterrupted})
		}
		if t := sc.InputTranscription; t != nil && t.Text != "" {
			events = append(events, Event{Kind: EventInputTranscript, Text: t.Text, Finished: t.Finished})
		}
		if t := sc.OutputTranscription; t != nil && t.Text != "" {
			events = append(events, Event{Kind: EventOutputTranscript, Text: t.Text, Finished: t.Finished})
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil {
					continue
				}
				if part.InlineData != nil && len(part.InlineData.Data) > 0 {
					events = append(events, Event{Kind: EventAudioChunk, Audio: part.InlineData.Data})
				}
				if part.Text != "" {
					events = append(events, Event{Kind: EventModelText, Text: part.Text})
				}
			}
		}
		if sc.TurnComplete {
			events = append(events, Event{Kind: EventTurnComplete})
		}
	}

	if msg.GoAway != nil {
		events = append(events, Event{Kind: EventGoAway, TimeLeft: msg.GoAway.TimeLeft})
	}
	if ru := msg.SessionResumptionUpdate; ru != nil && ru.NewHandle != "" {
		events = append(events, Event{Kind: EventResumeHandle, Handle: ru.NewHandle, Resumable: ru.Resumable})
	}
	if um := msg.UsageMetadata; um != nil {
		events = append(events, Event{Kind: EventUsage, Usage: &UsageTotals{
			PromptTokens:   um.PromptTokenCount,
			ResponseTokens: um.ResponseTokenCount,
			TotalTokens:    um.TotalTokenCount,
		}})
	}

	return events
}
