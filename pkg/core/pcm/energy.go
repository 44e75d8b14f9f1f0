package pcm

import "math"

// RMSEnergy computes the root-mean-square energy of s16le PCM.
// Returns a value between 0.0 and 1.0.
func RMSEnergy(data []byte) float64 {
	samples := len(data) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < len(data)-1; i += 2 {
		sample := int16(data[i]) | int16(data[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum / float64(samples))
}

// PeakAmplitude returns the maximum absolute amplitude in the PCM data.
// Returns a value between 0.0 and 1.0.
func PeakAmplitude(data []byte) float64 {
	if len(data) < 2 {
		return 0
	}

	var maxAbs float64
	for i := 0; i < len(data)-1; i += 2 {
		sample := int16(data[i]) | int16(data[i+1])<<8
		// float64 avoids overflow when negating -32768.
		abs := math.Abs(float64(sample))
		if abs > maxAbs {
			maxAbs = abs
		}
	}

	return maxAbs / 32768.0
}

// Samples decodes s16le PCM into int16 samples. Used by the WAV archive,
// which needs sample slices rather than raw bytes.
func Samples(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		out[i/2] = int16(data[i]) | int16(data[i+1])<<8
	}
	return out
}
