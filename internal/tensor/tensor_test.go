package tensor

import (
	"math"
	"testing"
)

func TestFromPlanesLayout(t *testing.T) {
	a := []float32{1, 2, 3, 4}
	b := []float32{5, 6, 7, 8}
	c := []float32{9, 10, 11, 12}
	tt, err := FromPlanes(2, 2, a, b, c)
	if err != nil {
		t.Fatalf("FromPlanes: %v", err)
	}
	if got := tt.Shape(); got[0] != 1 || got[1] != 3 || got[2] != 2 || got[3] != 2 {
		t.Fatalf("shape = %v", got)
	}
	if tt.Plane(1)[0] != 5 || tt.Plane(2)[3] != 12 {
		t.Fatalf("planes not in channel order: %v", tt.Data)
	}
	if _, err := FromPlanes(2, 2, a, []float32{1}); err == nil {
		t.Fatal("expected error for short plane")
	}
}

func TestResizePlaneConstant(t *testing.T) {
	src := make([]float32, 37*53)
	for i := range src {
		src[i] = 0.25
	}
	for _, size := range [][2]int{{256, 256}, {10, 7}, {37, 53}} {
		out := ResizePlane(src, 37, 53, size[0], size[1])
		if len(out) != size[0]*size[1] {
			t.Fatalf("len = %d, want %d", len(out), size[0]*size[1])
		}
		for i, v := range out {
			if math.Abs(float64(v)-0.25) > 1e-6 {
				t.Fatalf("size %v index %d = %v, want 0.25", size, i, v)
			}
		}
	}
}

func TestResizePlaneStaysInRange(t *testing.T) {
	const h, w = 320, 320
	src := make([]float32, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x/3+y/5)%2 == 0 {
				src[y*w+x] = 1
			}
		}
	}
	out := ResizePlane(src, h, w, 256, 256)
	for i, v := range out {
		if v < 0 || v > 1 {
			t.Fatalf("index %d = %v outside [0,1]", i, v)
		}
	}
}

func TestResizeDownscaleAverages(t *testing.T) {
	// A 2x2 checkerboard reduced to one pixel must average, not pick a sample.
	out := ResizePlane([]float32{0, 1, 1, 0}, 2, 2, 1, 1)
	if math.Abs(float64(out[0])-0.5) > 1e-6 {
		t.Fatalf("got %v, want 0.5", out[0])
	}
}

func TestTensorResizeCopies(t *testing.T) {
	src := New(3, 4, 4)
	src.Data[0] = 1
	same := src.Resize(4, 4)
	same.Data[0] = 2
	if src.Data[0] != 1 {
		t.Fatal("Resize to the same size must not alias the source")
	}
	big := src.Resize(8, 8)
	if big.H != 8 || big.W != 8 || big.C != 3 || big.Len() != 3*64 {
		t.Fatalf("resized tensor = %dx%dx%d", big.C, big.H, big.W)
	}
}
