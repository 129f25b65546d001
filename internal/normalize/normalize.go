// Package normalize rescales raw intensities for the two consumers of a
// slice: the classifiers (float, [0,1]) and the heatmap overlay (uint8).
//
// ForInference and ForDisplay are deliberately independent. Inference input
// must never pass through 8-bit quantization.
package normalize

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Range returns the min and max of the finite values in x. ok is false when
// x has no finite values.
func Range(x []float64) (lo, hi float64, ok bool) {
	finite := x
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			finite = finiteValues(x)
			break
		}
	}
	if len(finite) == 0 {
		return 0, 0, false
	}
	return floats.Min(finite), floats.Max(finite), true
}

// ForInference maps x to (x-min)/(max-min). Constant input, or input without
// finite values, maps to all zeros.
func ForInference(x []float64) []float32 {
	out := make([]float32, len(x))
	lo, hi, ok := Range(x)
	if !ok || hi <= lo {
		return out
	}
	scale := hi - lo
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out[i] = float32((v - lo) / scale)
	}
	return out
}

// ForDisplay maps x to uint8((x-min)/(max-min)*255), truncating.
func ForDisplay(x []float64) []uint8 {
	out := make([]uint8, len(x))
	lo, hi, ok := Range(x)
	if !ok || hi <= lo {
		return out
	}
	scale := hi - lo
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		s := (v - lo) / scale * 255
		if s > 255 {
			s = 255
		}
		out[i] = uint8(s)
	}
	return out
}

func finiteValues(x []float64) []float64 {
	out := make([]float64, 0, len(x))
	for _, v := range x {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}
