package pcm

import (
	"math"
	"testing"
)

func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s & 0xFF)
		out[i*2+1] = byte((s >> 8) & 0xFF)
	}
	return out
}

func TestRMSEnergy(t *testing.T) {
	tests := []struct {
		name     string
		samples  []int16
		expected float64
	}{
		{
			name:     "silence",
			samples:  []int16{0, 0, 0, 0},
			expected: 0.0,
		},
		{
			name:     "max amplitude",
			samples:  []int16{32767, 32767, 32767, 32767},
			expected: 1.0,
		},
		{
			name:     "half amplitude",
			samples:  []int16{16384, 16384, 16384, 16384},
			expected: 0.5,
		},
		{
			name:     "mixed signal",
			samples:  []int16{16384, -16384, 16384, -16384},
			expected: 0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RMSEnergy(pcmBytes(tt.samples))
			if math.Abs(result-tt.expected) > 0.01 {
				t.Errorf("expected RMS %.3f, got %.3f", tt.expected, result)
			}
		})
	}
}

func TestPeakAmplitude(t *testing.T) {
	tests := []struct {
		name     string
		samples  []int16
		expected float64
	}{
		{
			name:     "silence",
			samples:  []int16{0, 0, 0, 0},
			expected: 0.0,
		},
		{
			name:     "positive peak",
			samples:  []int16{0, 16384, 0, 0},
			expected: 0.5,
		},
		{
			name:     "negative peak",
			samples:  []int16{0, -32768, 0, 0},
			expected: 1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := PeakAmplitude(pcmBytes(tt.samples))
			if math.Abs(result-tt.expected) > 0.01 {
				t.Errorf("expected peak %.3f, got %.3f", tt.expected, result)
			}
		})
	}
}

func TestSamples(t *testing.T) {
	in := []int16{0, 100, -100, 32767, -32768}
	got := Samples(pcmBytes(in))
	if len(got) != len(in) {
		t.Fatalf("len=%d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], in[i])
		}
	}
}

func TestFormat(t *testing.T) {
	f := PlaybackFormat()

	// 24kHz, mono, 16-bit = 48000 bytes/second
	if f.BytesPerSecond() != 48000 {
		t.Errorf("expected 48000 bytes/sec, got %d", f.BytesPerSecond())
	}
	if f.BytesForDurationMs(1000) != 48000 {
		t.Errorf("expected 48000 bytes for 1s, got %d", f.BytesForDurationMs(1000))
	}
	if f.DurationMs(48000) != 1000 {
		t.Errorf("expected 1000ms for 48000 bytes, got %d", f.DurationMs(48000))
	}

	c := CaptureFormat()
	if c.BytesPerSecond() != 32000 {
		t.Errorf("expected 32000 bytes/sec, got %d", c.BytesPerSecond())
	}
	if c.SamplesForBytes(320) != 160 {
		t.Errorf("expected 160 samples for 320 bytes, got %d", c.SamplesForBytes(320))
	}
}

func TestBuffer(t *testing.T) {
	f := PlaybackFormat()
	buf := NewBuffer(f, 100) // 100ms cap

	data50ms := make([]byte, f.BytesForDurationMs(50))
	for i := range data50ms {
		data50ms[i] = byte(i % 256)
	}
	buf.Write(data50ms)

	if buf.DurationMs() != 50 {
		t.Errorf("expected 50ms, got %dms", buf.DurationMs())
	}

	// Another 100ms should trim to the 100ms cap.
	data100ms := make([]byte, f.BytesForDurationMs(100))
	buf.Write(data100ms)

	if buf.DurationMs() != 100 {
		t.Errorf("expected 100ms (capped), got %dms", buf.DurationMs())
	}

	last := buf.ReadLast(20)
	if len(last) != f.BytesForDurationMs(20) {
		t.Errorf("expected %d bytes for last 20ms, got %d", f.BytesForDurationMs(20), len(last))
	}

	buf.Clear()
	if buf.Len() != 0 {
		t.Errorf("expected 0 after clear, got %d", buf.Len())
	}
}

func TestRing(t *testing.T) {
	f := PlaybackFormat()
	ring := NewRing(f, 100) // 100ms

	data50ms := make([]byte, f.BytesForDurationMs(50))
	for i := range data50ms {
		data50ms[i] = byte(i % 256)
	}
	ring.Write(data50ms)

	if ring.Filled() != len(data50ms) {
		t.Errorf("expected %d filled, got %d", len(data50ms), ring.Filled())
	}

	read := ring.Read()
	if len(read) != len(data50ms) {
		t.Errorf("expected %d bytes, got %d", len(data50ms), len(read))
	}

	// Writing 100ms more wraps around; the ring stays full.
	data100ms := make([]byte, f.BytesForDurationMs(100))
	for i := range data100ms {
		data100ms[i] = byte((i + 100) % 256)
	}
	ring.Write(data100ms)

	read = ring.Read()
	if len(read) != f.BytesForDurationMs(100) {
		t.Errorf("expected %d bytes (full), got %d", f.BytesForDurationMs(100), len(read))
	}

	ring.Clear()
	if ring.Filled() != 0 {
		t.Errorf("expected 0 filled after clear, got %d", ring.Filled())
	}
}
