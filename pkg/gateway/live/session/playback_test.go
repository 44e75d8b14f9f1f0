package session

import (
	"testing"

	"github.com/voxbridge/voxbridge/pkg/gateway/live/protocol"
)

func TestSpeechSegment_PlayedClampedToSent(t *testing.T) {
	seg := newSpeechSegment("a_1")
	// 100ms of 24kHz mono s16le audio.
	seg.addAudio(make([]byte, 24000/10*2))

	if got := seg.sentMS(24000); got != 100 {
		t.Fatalf("sentMS=%d, want 100", got)
	}
	if got := seg.playedMS(24000); got != 0 {
		t.Fatalf("playedMS before any mark=%d, want 0", got)
	}

	seg.updateMark(protocol.ClientPlaybackMark{
		AssistantAudioID: "a_1",
		PlayedMS:         60,
		State:            "playing",
	})
	if got := seg.playedMS(24000); got != 60 {
		t.Fatalf("playedMS=%d, want 60", got)
	}
	if got := seg.unplayedMS(24000); got != 40 {
		t.Fatalf("unplayedMS=%d, want 40", got)
	}

	// A mark ahead of what was sent clamps to the sent duration.
	seg.updateMark(protocol.ClientPlaybackMark{
		AssistantAudioID: "a_1",
		PlayedMS:         500,
		State:            "playing",
	})
	if got := seg.playedMS(24000); got != 100 {
		t.Fatalf("playedMS=%d, want clamp to 100", got)
	}
}

func TestSpeechSegment_FinalizeStates(t *testing.T) {
	seg := newSpeechSegment("a_1")
	seg.addAudio(make([]byte, 24000/10*2))

	if seg.shouldFinalizeFromMark() {
		t.Fatalf("no mark should not finalize")
	}

	seg.updateMark(protocol.ClientPlaybackMark{AssistantAudioID: "a_1", PlayedMS: 40, State: "playing"})
	if seg.shouldFinalizeFromMark() {
		t.Fatalf("playing should not finalize")
	}

	seg.updateMark(protocol.ClientPlaybackMark{AssistantAudioID: "a_1", PlayedMS: 40, State: "stopped"})
	if !seg.shouldFinalizeFromMark() {
		t.Fatalf("stopped should finalize")
	}
	if seg.playedFully(24000) {
		t.Fatalf("stopped at 40ms of 100ms is not fully played")
	}

	seg.updateMark(protocol.ClientPlaybackMark{AssistantAudioID: "a_1", PlayedMS: 100, State: "finished"})
	if !seg.shouldFinalizeFromMark() {
		t.Fatalf("finished should finalize")
	}
	if !seg.playedFully(24000) {
		t.Fatalf("finished should count as fully played")
	}
}

func TestSpeechSegment_NegativeMarkTreatedAsZero(t *testing.T) {
	seg := newSpeechSegment("a_1")
	seg.addAudio(make([]byte, 24000/10*2))
	seg.updateMark(protocol.ClientPlaybackMark{AssistantAudioID: "a_1", PlayedMS: -25, State: "playing"})
	if got := seg.playedMS(24000); got != 0 {
		t.Fatalf("playedMS=%d, want 0", got)
	}
}
