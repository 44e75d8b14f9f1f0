// Package pcm holds the audio math shared by the gateway and the console:
// sample format conversions, level measurement, and small PCM buffers.
// All audio in voxbridge is 16-bit signed little-endian PCM.
package pcm

// Format specifies PCM format parameters.
type Format struct {
	// SampleRate in Hz. Capture is 16000, playback is 24000.
	SampleRate int `json:"sample_rate"`

	// Channels: 1 for mono, 2 for stereo.
	Channels int `json:"channels"`

	// BitsPerSample: 16 for s16le.
	BitsPerSample int `json:"bits_per_sample"`
}

// CaptureFormat returns the microphone format the live session accepts.
func CaptureFormat() Format {
	return Format{
		SampleRate:    16000,
		Channels:      1,
		BitsPerSample: 16,
	}
}

// PlaybackFormat returns the assistant-audio format the live session emits.
func PlaybackFormat() Format {
	return Format{
		SampleRate:    24000,
		Channels:      1,
		BitsPerSample: 16,
	}
}

// BytesPerSecond returns the audio byte rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * (f.BitsPerSample / 8)
}

// DurationMs returns the duration in milliseconds for the given byte count.
func (f Format) DurationMs(bytes int) int {
	if f.BytesPerSecond() == 0 {
		return 0
	}
	return (bytes * 1000) / f.BytesPerSecond()
}

// BytesForDurationMs returns the byte count for the given duration in milliseconds.
func (f Format) BytesForDurationMs(ms int) int {
	return (f.BytesPerSecond() * ms) / 1000
}

// SamplesForBytes returns how many whole samples fit in the given byte count.
func (f Format) SamplesForBytes(bytes int) int {
	bytesPerSample := (f.BitsPerSample / 8) * f.Channels
	if bytesPerSample == 0 {
		return 0
	}
	return bytes / bytesPerSample
}
