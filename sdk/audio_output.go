package voxbridge

import (
	"sync"
)

// AudioOutputConfig configures assistant audio buffering behavior.
type AudioOutputConfig struct {
	// MinBufferMs is the minimum audio to buffer before emitting the first
	// chunk. This prevents playback glitches when the first speech chunk is
	// small. Default: 50ms. Set to 0 to disable pre-buffering.
	MinBufferMs int

	// ChannelSize is the buffer size for the audio chunks channel.
	// Default: 20.
	ChannelSize int
}

// DefaultAudioOutputConfig returns the default audio output configuration.
func DefaultAudioOutputConfig() AudioOutputConfig {
	return AudioOutputConfig{
		MinBufferMs: 50,
		ChannelSize: 20,
	}
}

// AudioOutput is the buffered assistant speech feed of a live session.
// Chunks carry PCM in the negotiated output format; Flush fires when the
// gateway truncates playback (barge-in), at which point the player must
// drop everything it has buffered.
//
// Usage:
//
//	audio := session.AudioOutput()
//	for {
//	    select {
//	    case chunk := <-audio.Chunks():
//	        player.Write(chunk)
//	    case <-audio.Flush():
//	        player.Clear()
//	    }
//	}
type AudioOutput struct {
	config     AudioOutputConfig
	sampleRate int

	chunks chan []byte
	flush  chan struct{}

	mu          sync.Mutex
	buffer      []byte
	bufferReady bool
	closed      bool
}

// NewAudioOutput creates a new AudioOutput with the given sample rate and config.
func NewAudioOutput(sampleRate int, config AudioOutputConfig) *AudioOutput {
	if config.MinBufferMs == 0 && config.ChannelSize == 0 {
		config = DefaultAudioOutputConfig()
	}
	if config.ChannelSize == 0 {
		config.ChannelSize = 20
	}

	return &AudioOutput{
		config:     config,
		sampleRate: sampleRate,
		chunks:     make(chan []byte, config.ChannelSize),
		flush:      make(chan struct{}, 1),
	}
}

// Chunks returns a channel that emits audio chunks ready for playback.
// Audio is pre-buffered according to MinBufferMs before the first chunk is
// emitted. After each flush, pre-buffering resets for the next reply.
func (a *AudioOutput) Chunks() <-chan []byte {
	return a.chunks
}

// Flush returns a channel that signals when the client must clear its
// player. It fires on interruption, whether from a control frame or from
// the user speaking over the assistant.
func (a *AudioOutput) Flush() <-chan struct{} {
	return a.flush
}

// HandleAudio processes the feed in a background goroutine, calling onChunk
// for each audio chunk and onFlush when playback must be cleared.
func (a *AudioOutput) HandleAudio(onChunk func([]byte), onFlush func()) {
	go func() {
		for {
			select {
			case chunk, ok := <-a.chunks:
				if !ok {
					return
				}
				if onChunk != nil {
					onChunk(chunk)
				}
			case _, ok := <-a.flush:
				if !ok {
					return
				}
				if onFlush != nil {
					onFlush()
				}
			}
		}
	}()
}

// Close closes the AudioOutput channels. The owning session calls this when
// its read loop exits.
func (a *AudioOutput) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.closed = true
	close(a.chunks)
	close(a.flush)
}

// pushAudio buffers arriving speech and emits it once the pre-buffer
// threshold is crossed.
func (a *AudioOutput) pushAudio(data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}

	a.buffer = append(a.buffer, data...)

	// At 16-bit mono: bytes = sampleRate * 2 * (ms / 1000)
	minBytes := (a.sampleRate * 2 * a.config.MinBufferMs) / 1000

	if !a.bufferReady && len(a.buffer) >= minBytes {
		a.bufferReady = true
	}

	if a.bufferReady && len(a.buffer) > 0 {
		chunk := a.buffer
		a.buffer = nil
		select {
		case a.chunks <- chunk:
		default:
			// Channel full; keep accumulating until the consumer catches up.
			a.buffer = chunk
		}
	}
}

// doFlush clears internal buffers, drains undelivered chunks, and signals
// the client.
func (a *AudioOutput) doFlush() {
	a.mu.Lock()

	if a.closed {
		a.mu.Unlock()
		return
	}

	a.buffer = nil
	a.bufferReady = false
	a.mu.Unlock()

	for {
		select {
		case <-a.chunks:
		default:
			goto done
		}
	}
done:

	select {
	case a.flush <- struct{}{}:
	default:
		// Already have a pending flush signal.
	}
}
