// Package tensor holds the planar float32 image tensor fed to the
// classifiers and the float resampler used to bring it to model size.
package tensor

import "fmt"

// Tensor is a single-batch CHW float32 tensor. Plane c occupies
// Data[c*H*W : (c+1)*H*W] in row-major order.
type Tensor struct {
	C, H, W int
	Data    []float32
}

func New(c, h, w int) *Tensor {
	return &Tensor{C: c, H: h, W: w, Data: make([]float32, c*h*w)}
}

// FromPlanes stacks equally sized h×w planes along the channel axis.
func FromPlanes(h, w int, planes ...[]float32) (*Tensor, error) {
	t := New(len(planes), h, w)
	n := h * w
	for c, p := range planes {
		if len(p) != n {
			return nil, fmt.Errorf("plane %d has %d values, want %d", c, len(p), n)
		}
		copy(t.Data[c*n:(c+1)*n], p)
	}
	return t, nil
}

func (t *Tensor) Plane(c int) []float32 {
	n := t.H * t.W
	return t.Data[c*n : (c+1)*n]
}

// Shape is the NCHW shape with a batch dimension of one.
func (t *Tensor) Shape() []int64 {
	return []int64{1, int64(t.C), int64(t.H), int64(t.W)}
}

func (t *Tensor) Len() int { return len(t.Data) }

// Resize resamples every plane to h×w.
func (t *Tensor) Resize(h, w int) *Tensor {
	if t.H == h && t.W == w {
		out := New(t.C, h, w)
		copy(out.Data, t.Data)
		return out
	}
	out := New(t.C, h, w)
	for c := 0; c < t.C; c++ {
		copy(out.Plane(c), ResizePlane(t.Plane(c), t.H, t.W, h, w))
	}
	return out
}
