package audio

import "math"

const (
	// TargetPeakDBFS is the level that normalized output peaks at.
	TargetPeakDBFS = -1.0

	// MaxGain bounds amplification of near-silent input (about +18 dB).
	MaxGain = 8.0

	// Ceiling is the hard limit applied after gain.
	Ceiling = 0.98

	// peakEpsilon keeps silent input from dividing by zero.
	peakEpsilon = 1e-9
)

// TargetPeak is TargetPeakDBFS as a linear amplitude (≈0.8913).
var TargetPeak = math.Pow(10, TargetPeakDBFS/20)

// LevelGain returns the gain NormalizeLevel applies to samples.
func LevelGain(samples []float32) float64 {
	peak := Peak(samples) + peakEpsilon
	return min(TargetPeak/peak, MaxGain)
}

// NormalizeLevel peak-normalizes samples to TargetPeakDBFS, with gain
// capped at MaxGain, then hard-clips the result to ±Ceiling. NaN and
// infinite samples are treated as silence. It returns a new slice and the
// gain that was applied; samples is not modified.
func NormalizeLevel(samples []float32) ([]float32, float64) {
	gain := LevelGain(samples)
	out := make([]float32, len(samples))
	for i, s := range samples {
		v := float64(s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		v *= gain
		if v > Ceiling {
			v = Ceiling
		} else if v < -Ceiling {
			v = -Ceiling
		}
		out[i] = float32(v)
	}
	return out, gain
}
