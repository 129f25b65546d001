package saliency

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/Brownie44l1/knee-cdss/internal/apperr"
	"github.com/Brownie44l1/knee-cdss/internal/model"
	"github.com/Brownie44l1/knee-cdss/internal/tensor"
)

type fakeModel struct {
	act *model.Activation
	err error
}

func (f fakeModel) Task() model.Task                       { return model.TaskACL }
func (f fakeModel) Logit(*tensor.Tensor) (float32, error) { return 0, nil }
func (f fakeModel) Gradients(*tensor.Tensor) (*model.Activation, func(), error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.act, func() {}, nil
}

func grayImage(size int, v uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

func TestGradCAMKnownValues(t *testing.T) {
	// Channel 0 has a positive mean gradient, channel 1 a negative one.
	act := &model.Activation{
		C: 2, H: 1, W: 3,
		Features: []float32{1, 2, 3, 3, 0, 0},
		Grads:    []float32{1, 1, 1, -1, -1, -1},
	}
	// Raw map: [1-3, 2, 3] -> ReLU [0, 2, 3] -> [0, 2/3, 1].
	cam := GradCAM(act)
	want := []float64{0, 2.0 / 3, 1}
	for i, w := range want {
		if math.Abs(float64(cam[i])-w) > 1e-5 {
			t.Fatalf("cam = %v, want %v", cam, want)
		}
	}
}

func TestGradCAMFlatMap(t *testing.T) {
	act := &model.Activation{
		C: 1, H: 2, W: 2,
		Features: []float32{1, 1, 1, 1},
		Grads:    []float32{-1, -1, -1, -1},
	}
	for i, v := range GradCAM(act) {
		if v != 0 || math.IsNaN(float64(v)) {
			t.Fatalf("cam[%d] = %v, want 0", i, v)
		}
	}
}

func TestResize(t *testing.T) {
	cam := []float32{0.5, 0.5, 0.5, 0.5}
	out := Resize(cam, 2, 2, 8, 8)
	if len(out) != 64 {
		t.Fatalf("len = %d", len(out))
	}
	for _, v := range out {
		if math.Abs(float64(v)-0.5) > 1e-3 {
			t.Fatalf("constant map changed: %v", v)
		}
	}
	same := Resize(cam, 2, 2, 2, 2)
	same[0] = 1
	if cam[0] != 0.5 {
		t.Fatal("same-size Resize aliases its input")
	}
}

func TestJetEndpoints(t *testing.T) {
	tests := []struct {
		v       float64
		r, g, b float64
	}{
		{0, 0, 0, 0.5},
		{0.5, 0.5, 1, 0.5},
		{1, 0.5, 0, 0},
	}
	for _, tt := range tests {
		r, g, b := Jet(tt.v)
		if math.Abs(r-tt.r) > 1e-9 || math.Abs(g-tt.g) > 1e-9 || math.Abs(b-tt.b) > 1e-9 {
			t.Errorf("Jet(%v) = %v,%v,%v want %v,%v,%v", tt.v, r, g, b, tt.r, tt.g, tt.b)
		}
	}
}

func TestOverlayRescalesToPeak(t *testing.T) {
	img := grayImage(2, 0)
	cam := []float32{1, 1, 1, 1}
	out, err := Overlay(img, cam, 0.5)
	if err != nil {
		t.Fatalf("Overlay: %v", err)
	}
	// Jet(1) on black is (0.25, 0, 0) before rescaling to the peak.
	px := out.RGBAAt(0, 0)
	if px.R != 255 || px.G != 0 || px.B != 0 || px.A != 255 {
		t.Fatalf("pixel = %v", px)
	}
	if _, err := Overlay(img, cam[:3], 0.5); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestHeatmapRoundTrip(t *testing.T) {
	const size = 16
	act := &model.Activation{C: 1, H: 2, W: 2, Features: []float32{0, 1, 2, 3}, Grads: []float32{1, 1, 1, 1}}
	display := grayImage(size, 128)

	b64, err := New(DefaultImageWeight).Heatmap(fakeModel{act: act}, tensor.New(3, size, size), display)
	if err != nil {
		t.Fatalf("Heatmap: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("not base64: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("not a png: %v", err)
	}
	if img.Bounds().Dx() != size || img.Bounds().Dy() != size {
		t.Fatalf("overlay = %v, want %dx%d", img.Bounds(), size, size)
	}
}

func TestHeatmapFailureIsSaliencyError(t *testing.T) {
	h := fakeModel{err: errors.New("backward failed")}
	b64, err := New(0.5).Heatmap(h, tensor.New(3, 4, 4), grayImage(4, 0))
	if !errors.Is(err, apperr.ErrSaliency) || b64 != "" {
		t.Fatalf("b64 = %q, err = %v", b64, err)
	}

	empty := fakeModel{act: &model.Activation{}}
	if _, err := New(0.5).Heatmap(empty, tensor.New(3, 4, 4), grayImage(4, 0)); !errors.Is(err, apperr.ErrSaliency) {
		t.Fatalf("empty activation err = %v", err)
	}
}
