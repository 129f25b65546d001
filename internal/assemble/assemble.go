// Package assemble stacks decoded slices into the three-channel model input
// and the matching 8-bit display image.
package assemble

import (
	"image"
	"image/color"

	"github.com/nfnt/resize"

	"github.com/Brownie44l1/knee-cdss/internal/apperr"
	"github.com/Brownie44l1/knee-cdss/internal/dicomio"
	"github.com/Brownie44l1/knee-cdss/internal/normalize"
	"github.com/Brownie44l1/knee-cdss/internal/tensor"
)

const (
	DefaultSize = 256
	Channels    = 3
	op          = "assemble"
)

type Mode string

const (
	// ModeVolume takes the middle slice of one volume plus its neighbours.
	ModeVolume Mode = "volume"
	// ModeSingle duplicates one 2-D slice into every channel.
	ModeSingle Mode = "single"
	// ModeIndependent stacks three separately supplied 2-D slices.
	ModeIndependent Mode = "independent"
)

// Assembly is the assembler output. Tensor and Display are built from the
// same raw intensities through separate normalization paths.
type Assembly struct {
	Tensor  *tensor.Tensor
	Display *image.RGBA
	Mode    Mode
	// Indices holds, per channel, the slice index used from its source.
	Indices [Channels]int
}

type Assembler struct {
	size int
}

func New(size int) *Assembler {
	if size <= 0 {
		size = DefaultSize
	}
	return &Assembler{size: size}
}

func (a *Assembler) Size() int { return a.size }

// VolumeIndices returns the clamped (prev, mid, next) indices for a volume of
// n slices, with mid = n/2.
func VolumeIndices(n int) [Channels]int {
	m := n / 2
	return [Channels]int{max(0, m-1), m, min(n-1, m+1)}
}

// Assemble picks the stacking mode from the shape of sources: one source of
// several slices is a volume, one source of one slice is duplicated, and
// three single-slice sources are stacked in the order given.
func (a *Assembler) Assemble(sources [][]dicomio.RawSlice) (*Assembly, error) {
	for i, src := range sources {
		if len(src) == 0 {
			return nil, apperr.New(apperr.KindShape, op, "source %d has no slices", i)
		}
		for _, s := range src {
			if err := s.Validate(); err != nil {
				return nil, apperr.Wrap(apperr.KindShape, op, err, "source %d slice %d is malformed", i, s.Index)
			}
		}
	}

	switch len(sources) {
	case 1:
		if len(sources[0]) == 1 {
			return a.single(sources[0][0])
		}
		return a.volume(sources[0])
	case 3:
		for i, src := range sources {
			if len(src) != 1 {
				return nil, apperr.New(apperr.KindShape, op,
					"independent slice %d must be 2-D, got a volume of %d slices", i, len(src))
			}
		}
		return a.independent([Channels]dicomio.RawSlice{sources[0][0], sources[1][0], sources[2][0]})
	default:
		return nil, apperr.New(apperr.KindRank, op,
			"expected 1 or 3 DICOM files, got %d", len(sources))
	}
}

func (a *Assembler) volume(vol []dicomio.RawSlice) (*Assembly, error) {
	idx := VolumeIndices(len(vol))
	picked := [Channels]dicomio.RawSlice{vol[idx[0]], vol[idx[1]], vol[idx[2]]}
	for _, s := range picked[1:] {
		if s.Rows != picked[0].Rows || s.Cols != picked[0].Cols {
			return nil, apperr.New(apperr.KindShape, op,
				"volume slices differ in size: %dx%d vs %dx%d", picked[0].Rows, picked[0].Cols, s.Rows, s.Cols)
		}
	}
	asm, err := a.stacked(picked)
	if err != nil {
		return nil, err
	}
	asm.Mode = ModeVolume
	asm.Indices = idx
	return asm, nil
}

func (a *Assembler) single(s dicomio.RawSlice) (*Assembly, error) {
	asm, err := a.stacked([Channels]dicomio.RawSlice{s, s, s})
	if err != nil {
		return nil, err
	}
	asm.Mode = ModeSingle
	asm.Indices = [Channels]int{s.Index, s.Index, s.Index}
	return asm, nil
}

// stacked normalizes the three equally sized slices as one stack, so the
// relative brightness of neighbouring slices survives.
func (a *Assembler) stacked(picked [Channels]dicomio.RawSlice) (*Assembly, error) {
	rows, cols := picked[0].Rows, picked[0].Cols
	n := rows * cols
	raw := make([]float64, 0, Channels*n)
	for _, s := range picked {
		raw = append(raw, s.Pix...)
	}

	floatStack := normalize.ForInference(raw)
	displayStack := normalize.ForDisplay(raw)

	var gray [Channels][]byte
	floats := make([][]float32, Channels)
	for c := 0; c < Channels; c++ {
		floats[c] = floatStack[c*n : (c+1)*n]
		gray[c] = displayStack[c*n : (c+1)*n]
	}

	t, err := tensor.FromPlanes(rows, cols, floats...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, err, "stack planes")
	}
	return &Assembly{
		Tensor:  t.Resize(a.size, a.size),
		Display: a.display(gray, [Channels][2]int{{rows, cols}, {rows, cols}, {rows, cols}}),
	}, nil
}

// independent normalizes each slice on its own; the slices may come from
// different acquisitions and need not share a size.
func (a *Assembler) independent(slices [Channels]dicomio.RawSlice) (*Assembly, error) {
	out := tensor.New(Channels, a.size, a.size)
	var gray [Channels][]byte
	var dims [Channels][2]int
	var idx [Channels]int
	for c, s := range slices {
		plane := normalize.ForInference(s.Pix)
		copy(out.Plane(c), tensor.ResizePlane(plane, s.Rows, s.Cols, a.size, a.size))
		gray[c] = normalize.ForDisplay(s.Pix)
		dims[c] = [2]int{s.Rows, s.Cols}
		idx[c] = s.Index
	}
	return &Assembly{
		Tensor:  out,
		Display: a.display(gray, dims),
		Mode:    ModeIndependent,
		Indices: idx,
	}, nil
}

// display resizes each 8-bit channel to the model size and interleaves them
// as R, G, B.
func (a *Assembler) display(gray [Channels][]byte, dims [Channels][2]int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, a.size, a.size))
	var scaled [Channels]image.Image
	for c := 0; c < Channels; c++ {
		rows, cols := dims[c][0], dims[c][1]
		src := &image.Gray{Pix: gray[c], Stride: cols, Rect: image.Rect(0, 0, cols, rows)}
		if rows == a.size && cols == a.size {
			scaled[c] = src
			continue
		}
		scaled[c] = resize.Resize(uint(a.size), uint(a.size), src, resize.Lanczos3)
	}
	for y := 0; y < a.size; y++ {
		for x := 0; x < a.size; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: grayAt(scaled[0], x, y),
				G: grayAt(scaled[1], x, y),
				B: grayAt(scaled[2], x, y),
				A: 255,
			})
		}
	}
	return img
}

func grayAt(img image.Image, x, y int) uint8 {
	if g, ok := img.(*image.Gray); ok {
		return g.GrayAt(x, y).Y
	}
	b := img.Bounds()
	return color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
}
