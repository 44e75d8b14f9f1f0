package voxbridge

import (
	"testing"
)

func TestAudioOutput_PreBuffersUntilThreshold(t *testing.T) {
	t.Parallel()

	// 50ms at 24kHz 16-bit mono is 2400 bytes.
	audio := NewAudioOutput(24000, AudioOutputConfig{MinBufferMs: 50, ChannelSize: 4})
	defer audio.Close()

	audio.pushAudio(make([]byte, 1000))
	select {
	case chunk := <-audio.Chunks():
		t.Fatalf("emitted %d bytes before threshold", len(chunk))
	default:
	}

	audio.pushAudio(make([]byte, 1500))
	select {
	case chunk := <-audio.Chunks():
		if len(chunk) != 2500 {
			t.Fatalf("chunk len=%d, want 2500", len(chunk))
		}
	default:
		t.Fatalf("expected chunk after crossing threshold")
	}

	// Once primed, later audio flows through without re-buffering.
	audio.pushAudio(make([]byte, 10))
	select {
	case chunk := <-audio.Chunks():
		if len(chunk) != 10 {
			t.Fatalf("chunk len=%d, want 10", len(chunk))
		}
	default:
		t.Fatalf("expected pass-through chunk")
	}
}

func TestAudioOutput_ZeroConfigUsesDefaults(t *testing.T) {
	t.Parallel()

	audio := NewAudioOutput(24000, AudioOutputConfig{})
	defer audio.Close()

	if audio.config.MinBufferMs != 50 || audio.config.ChannelSize != 20 {
		t.Fatalf("config=%+v", audio.config)
	}
}

func TestAudioOutput_FlushDropsPendingAudioAndRearms(t *testing.T) {
	t.Parallel()

	audio := NewAudioOutput(24000, AudioOutputConfig{MinBufferMs: 1, ChannelSize: 4})
	defer audio.Close()

	audio.pushAudio(make([]byte, 64))
	audio.doFlush()

	select {
	case chunk := <-audio.Chunks():
		t.Fatalf("flush left %d buffered bytes", len(chunk))
	default:
	}
	select {
	case <-audio.Flush():
	default:
		t.Fatalf("expected flush signal")
	}

	// Pre-buffering starts over for the next reply.
	audio.pushAudio(make([]byte, 10))
	select {
	case chunk := <-audio.Chunks():
		t.Fatalf("emitted %d bytes before re-armed threshold", len(chunk))
	default:
	}
	audio.pushAudio(make([]byte, 64))
	select {
	case chunk := <-audio.Chunks():
		if len(chunk) != 74 {
			t.Fatalf("chunk len=%d, want 74", len(chunk))
		}
	default:
		t.Fatalf("expected chunk after re-crossing threshold")
	}
}

func TestAudioOutput_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	audio := NewAudioOutput(24000, DefaultAudioOutputConfig())
	audio.Close()
	audio.Close()

	// Pushing or flushing after close must not panic on closed channels.
	audio.pushAudio(make([]byte, 10))
	audio.doFlush()

	if _, ok := <-audio.Chunks(); ok {
		t.Fatalf("chunks channel should be closed")
	}
}
