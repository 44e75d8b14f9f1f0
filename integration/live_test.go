//go:build integration
// +build integration

package integration_test

import (
	"sync/atomic"
	"testing"
	"time"

	voxbridge "github.com/voxbridge/voxbridge/sdk"
)

func connectLiveSession(t *testing.T) *voxbridge.LiveSession {
	t.Helper()
	ctx := testContext(t, 30*time.Second)

	session, err := testClient.Live.Connect(ctx, &voxbridge.LiveConnectRequest{
		System: "You are a terse voice assistant. Keep every reply under one sentence.",
		Features: voxbridge.LiveFeatures{
			WantPartialTranscripts: true,
			WantAssistantText:      true,
		},
	})
	if err != nil {
		t.Fatalf("Live.Connect error: %v", err)
	}
	t.Cleanup(func() { session.Close() })

	if session.SessionID() == "" {
		t.Fatalf("expected a session id in the hello ack")
	}
	return session
}

func TestLive_TextTurnProducesAudioAndUsage(t *testing.T) {
	requireGeminiKey(t)

	session := connectLiveSession(t)

	var audioBytes atomic.Int64
	session.AudioOutput().HandleAudio(func(chunk []byte) {
		audioBytes.Add(int64(len(chunk)))
	}, nil)

	if err := session.SendText("Say the word hello and nothing else."); err != nil {
		t.Fatalf("SendText error: %v", err)
	}

	sawChunk := false
	deadline := time.After(90 * time.Second)
turn:
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the turn (chunk=%v bytes=%d)", sawChunk, audioBytes.Load())
		case ev, ok := <-session.Events():
			if !ok {
				t.Fatalf("event channel closed early: %v", session.Err())
			}
			switch e := ev.(type) {
			case voxbridge.LiveAssistantAudioChunkEvent:
				if len(e.Data) > 0 {
					sawChunk = true
				}
			case voxbridge.LiveAssistantAudioEndEvent:
				break turn
			case voxbridge.LiveErrorEvent:
				t.Fatalf("gateway error: %s (%s)", e.Error.Message, e.Error.Code)
			}
		}
	}
	if !sawChunk {
		t.Fatalf("no assistant audio chunks before audio end")
	}
	if audioBytes.Load() == 0 {
		t.Fatalf("audio output buffer saw no bytes")
	}

	if err := session.EndSession(); err != nil {
		t.Fatalf("EndSession error: %v", err)
	}

	endDeadline := time.After(15 * time.Second)
	for {
		select {
		case <-endDeadline:
			t.Fatalf("timed out waiting for the usage frame")
		case ev, ok := <-session.Events():
			if !ok {
				t.Fatalf("session closed without usage: %v", session.Err())
			}
			if u, isUsage := ev.(voxbridge.LiveUsageEvent); isUsage {
				if u.Usage.AudioOutMS <= 0 {
					t.Fatalf("usage audio_out_ms = %d, want > 0", u.Usage.AudioOutMS)
				}
				if u.Usage.Turns < 1 {
					t.Fatalf("usage turns = %d, want >= 1", u.Usage.Turns)
				}
				return
			}
		}
	}
}

func TestLive_InterruptFlushesAssistantAudio(t *testing.T) {
	requireGeminiKey(t)

	session := connectLiveSession(t)
	session.AudioOutput().HandleAudio(func([]byte) {}, nil)

	if err := session.SendText("Slowly count from one to fifty."); err != nil {
		t.Fatalf("SendText error: %v", err)
	}

	// Wait for speech to start, then barge in.
	deadline := time.After(90 * time.Second)
	started := false
	for !started {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for assistant audio to start")
		case ev, ok := <-session.Events():
			if !ok {
				t.Fatalf("event channel closed early: %v", session.Err())
			}
			switch e := ev.(type) {
			case voxbridge.LiveAssistantAudioChunkEvent:
				started = true
			case voxbridge.LiveErrorEvent:
				t.Fatalf("gateway error: %s (%s)", e.Error.Message, e.Error.Code)
			}
		}
	}

	if err := session.Interrupt(); err != nil {
		t.Fatalf("Interrupt error: %v", err)
	}

	resetDeadline := time.After(30 * time.Second)
	for {
		select {
		case <-resetDeadline:
			t.Fatalf("timed out waiting for audio_reset after interrupt")
		case ev, ok := <-session.Events():
			if !ok {
				t.Fatalf("event channel closed early: %v", session.Err())
			}
			if _, isReset := ev.(voxbridge.LiveAudioResetEvent); isReset {
				return
			}
		}
	}
}
