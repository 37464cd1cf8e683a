// Package audio holds the sample-level processing applied to synthesized
// speech: format conversion, resampling, loudness normalization and WAV
// encoding. Samples are mono float32 unless stated otherwise.
package audio

import (
	"encoding/binary"
	"math"
)

// PCM16ToFloat32 decodes little-endian int16 PCM into float32 samples in
// [-1, 1). A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = Int16ToFloat32(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// Int16ToFloat32 maps a single int16 sample onto [-1, 1).
func Int16ToFloat32(s int16) float32 {
	return float32(s) / 32768
}

// Float32ToInt16 maps a float sample onto the int16 range, clamping values
// outside [-1, 1] and rounding to the nearest integer.
func Float32ToInt16(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v * 32767)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Downmix averages interleaved multi-channel samples into mono. With
// channels <= 1 the input is returned unchanged.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate, or either rate is not positive, the
// input is returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// Peak returns the largest absolute finite sample value.
func Peak(samples []float32) float64 {
	var peak float64
	for _, s := range samples {
		if a := math.Abs(float64(s)); a > peak && !math.IsInf(a, 0) {
			peak = a
		}
	}
	return peak
}
