package dicomio

import "fmt"

// RawSlice is one decoded 2-D intensity grid. Pix is row-major with
// len(Pix) == Rows*Cols. A RawSlice is never modified after Decode returns it.
type RawSlice struct {
	// Index is the frame position inside the source file.
	Index int

	Rows int
	Cols int
	Pix  []float64

	BitsAllocated       int
	BitsStored          int
	PixelRepresentation int
}

// At returns the intensity at row r, column c.
func (s RawSlice) At(r, c int) float64 {
	return s.Pix[r*s.Cols+c]
}

func (s RawSlice) Validate() error {
	if s.Rows <= 0 || s.Cols <= 0 {
		return fmt.Errorf("empty pixel grid %dx%d", s.Rows, s.Cols)
	}
	if len(s.Pix) != s.Rows*s.Cols {
		return fmt.Errorf("pixel grid has %d values, want %dx%d", len(s.Pix), s.Rows, s.Cols)
	}
	return nil
}

// Info summarizes a decoded file for logs and the inspect tool.
type Info struct {
	Rows                      int
	Cols                      int
	Frames                    int
	BitsAllocated             int
	BitsStored                int
	PixelRepresentation       int
	PhotometricInterpretation string
	TransferSyntaxUID         string
	Modality                  string
	Forced                    bool
}

// Shape reports the pixel array shape the way it is usually printed:
// (rows, cols) for a single frame, (frames, rows, cols) for a volume.
func (i Info) Shape() []int {
	if i.Frames > 1 {
		return []int{i.Frames, i.Rows, i.Cols}
	}
	return []int{i.Rows, i.Cols}
}
