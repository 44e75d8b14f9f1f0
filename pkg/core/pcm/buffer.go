package pcm

import "sync"

// Buffer accumulates PCM chunks up to a maximum duration, trimming the
// oldest audio when full. The gateway uses one per assistant utterance for
// the WAV archive; the console uses one for the pre-roll shown on connect.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	maxBytes int
	format   Format
}

// NewBuffer creates a buffer that holds up to maxDurationMs of audio.
func NewBuffer(format Format, maxDurationMs int) *Buffer {
	maxBytes := format.BytesForDurationMs(maxDurationMs)
	return &Buffer{
		data:     make([]byte, 0, maxBytes),
		maxBytes: maxBytes,
		format:   format,
	}
}

// Write appends audio data. If the buffer would exceed its maximum size,
// the oldest data is discarded.
func (b *Buffer) Write(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, data...)
	if len(b.data) > b.maxBytes {
		excess := len(b.data) - b.maxBytes
		b.data = b.data[excess:]
	}
}

// Read returns a copy of all buffered audio.
func (b *Buffer) Read() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// ReadLast returns the most recent durationMs of audio.
func (b *Buffer) ReadLast(durationMs int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.format.BytesForDurationMs(durationMs)
	if n > len(b.data) {
		n = len(b.data)
	}

	out := make([]byte, n)
	copy(out, b.data[len(b.data)-n:])
	return out
}

// Len returns the current buffer size in bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// DurationMs returns the current buffer duration in milliseconds.
func (b *Buffer) DurationMs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.format.DurationMs(len(b.data))
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = b.data[:0]
}

// RMSEnergy computes the RMS energy of the buffered audio.
func (b *Buffer) RMSEnergy() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return RMSEnergy(b.data)
}

// Ring is a fixed-size circular PCM buffer. It overwrites the oldest audio
// when full and reads back in chronological order.
type Ring struct {
	mu       sync.Mutex
	data     []byte
	size     int
	writePos int
	filled   int
}

// NewRing creates a ring holding exactly durationMs of audio.
func NewRing(format Format, durationMs int) *Ring {
	size := format.BytesForDurationMs(durationMs)
	return &Ring{
		data: make([]byte, size),
		size: size,
	}
}

// Write adds data, overwriting the oldest audio if necessary.
func (r *Ring) Write(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range data {
		r.data[r.writePos] = b
		r.writePos = (r.writePos + 1) % r.size
		if r.filled < r.size {
			r.filled++
		}
	}
}

// Read returns the buffered audio in chronological order.
func (r *Ring) Read() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filled < r.size {
		out := make([]byte, r.filled)
		copy(out, r.data[:r.filled])
		return out
	}

	out := make([]byte, r.size)
	firstPart := r.size - r.writePos
	copy(out[:firstPart], r.data[r.writePos:])
	copy(out[firstPart:], r.data[:r.writePos])
	return out
}

// Clear resets the ring.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writePos = 0
	r.filled = 0
}

// Filled returns how many bytes have been written, up to the ring size.
func (r *Ring) Filled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filled
}
