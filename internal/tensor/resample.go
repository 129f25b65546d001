package tensor

import "math"

// tap is one output sample's contributing input range and weights.
type tap struct {
	start   int
	weights []float64
}

// ResizePlane resamples a row-major inH×inW plane to outH×outW with a
// triangle (bilinear) filter whose support widens with the downscale factor,
// so large reductions average rather than alias. Weights are non-negative and
// sum to one, so outputs stay within the input's range.
func ResizePlane(src []float32, inH, inW, outH, outW int) []float32 {
	rows := taps(inH, outH)
	cols := taps(inW, outW)

	// Horizontal pass into a float64 scratch plane, then vertical.
	mid := make([]float64, inH*outW)
	for y := 0; y < inH; y++ {
		row := src[y*inW : (y+1)*inW]
		for x, tp := range cols {
			var acc float64
			for k, wt := range tp.weights {
				acc += wt * float64(row[tp.start+k])
			}
			mid[y*outW+x] = acc
		}
	}

	out := make([]float32, outH*outW)
	for y, tp := range rows {
		for x := 0; x < outW; x++ {
			var acc float64
			for k, wt := range tp.weights {
				acc += wt * mid[(tp.start+k)*outW+x]
			}
			out[y*outW+x] = float32(acc)
		}
	}
	return out
}

func taps(in, out int) []tap {
	scale := float64(in) / float64(out)
	filterScale := math.Max(scale, 1)
	support := filterScale

	res := make([]tap, out)
	for i := 0; i < out; i++ {
		center := (float64(i) + 0.5) * scale
		lo := int(math.Max(0, math.Floor(center-support)))
		hi := int(math.Min(float64(in), math.Ceil(center+support)))

		weights := make([]float64, 0, hi-lo)
		var sum float64
		for j := lo; j < hi; j++ {
			w := triangle((float64(j) + 0.5 - center) / filterScale)
			weights = append(weights, w)
			sum += w
		}
		if sum == 0 {
			// Degenerate footprint; fall back to the nearest sample.
			j := int(math.Min(float64(in-1), math.Max(0, math.Floor(center))))
			res[i] = tap{start: j, weights: []float64{1}}
			continue
		}
		for k := range weights {
			weights[k] /= sum
		}
		res[i] = tap{start: lo, weights: weights}
	}
	return res
}

func triangle(x float64) float64 {
	x = math.Abs(x)
	if x < 1 {
		return 1 - x
	}
	return 0
}
