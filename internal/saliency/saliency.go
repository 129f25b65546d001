// Package saliency renders Grad-CAM overlays for a classifier's decision.
package saliency

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/Brownie44l1/knee-cdss/internal/model"
	"github.com/Brownie44l1/knee-cdss/internal/tensor"
)

const (
	DefaultImageWeight = 0.5
	eps                = 1e-7
)

type Visualizer struct {
	imageWeight float64
}

func New(imageWeight float64) *Visualizer {
	if imageWeight < 0 || imageWeight > 1 {
		imageWeight = DefaultImageWeight
	}
	return &Visualizer{imageWeight: imageWeight}
}

// Heatmap computes the Grad-CAM of h for in, blends it over display and
// returns the PNG as standard base64. Errors are always saliency errors.
func (v *Visualizer) Heatmap(h model.Handle, in *tensor.Tensor, display *image.RGBA) (string, error) {
	var encoded string
	err := model.WithGradients(h, in, func(act *model.Activation) error {
		b := display.Bounds()
		cam := Resize(GradCAM(act), act.H, act.W, b.Dy(), b.Dx())
		overlay, err := Overlay(display, cam, v.imageWeight)
		if err != nil {
			return err
		}
		encoded, err = EncodePNG(overlay)
		return err
	})
	return encoded, err
}

// GradCAM weights each activation channel by its mean gradient, sums them,
// clamps negatives and rescales to [0,1].
func GradCAM(act *model.Activation) []float32 {
	n := act.H * act.W
	cam := make([]float64, n)
	grads := make([]float64, n)
	for k := 0; k < act.C; k++ {
		features, g := act.Channel(k)
		for i, x := range g {
			grads[i] = float64(x)
		}
		w := stat.Mean(grads, nil)
		for i, a := range features {
			cam[i] += w * float64(a)
		}
	}
	for i, x := range cam {
		if x < 0 {
			cam[i] = 0
		}
	}

	floats.AddConst(-floats.Min(cam), cam)
	floats.Scale(1/(floats.Max(cam)+eps), cam)

	out := make([]float32, n)
	for i, x := range cam {
		out[i] = float32(x)
	}
	return out
}

// Resize bilinearly scales an h×w map in [0,1] to outH×outW.
func Resize(cam []float32, h, w, outH, outW int) []float32 {
	if h == outH && w == outW {
		return append([]float32(nil), cam...)
	}
	src := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			src.SetGray16(x, y, color.Gray16{Y: uint16(clamp01(float64(cam[y*w+x])) * math.MaxUint16)})
		}
	}
	dst := image.NewGray16(image.Rect(0, 0, outW, outH))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := make([]float32, outH*outW)
	for y := 0; y < outH; y++ {
		for x := 0; x < outW; x++ {
			out[y*outW+x] = float32(dst.Gray16At(x, y).Y) / math.MaxUint16
		}
	}
	return out
}

// Overlay colours cam with the jet map and blends it with img:
// out = (1-w)·heat + w·img, rescaled so the brightest channel is 255.
func Overlay(img *image.RGBA, cam []float32, imageWeight float64) (*image.RGBA, error) {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	if len(cam) != width*height {
		return nil, fmt.Errorf("cam has %d values for a %dx%d image", len(cam), width, height)
	}

	blend := make([]float64, 3*width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			// The colour map is indexed at 8-bit resolution.
			level := float64(uint8(255*clamp01(float64(cam[y*width+x])))) / 255
			hr, hg, hb := Jet(level)
			px := img.RGBAAt(b.Min.X+x, b.Min.Y+y)
			i := 3 * (y*width + x)
			blend[i] = (1-imageWeight)*hr + imageWeight*float64(px.R)/255
			blend[i+1] = (1-imageWeight)*hg + imageWeight*float64(px.G)/255
			blend[i+2] = (1-imageWeight)*hb + imageWeight*float64(px.B)/255
		}
	}
	if peak := floats.Max(blend); peak > 0 {
		floats.Scale(1/peak, blend)
	}

	out := image.NewRGBA(image.Rect(0, 0, width, height))
	for p := 0; p < width*height; p++ {
		out.Pix[4*p] = uint8(255 * blend[3*p])
		out.Pix[4*p+1] = uint8(255 * blend[3*p+1])
		out.Pix[4*p+2] = uint8(255 * blend[3*p+2])
		out.Pix[4*p+3] = 255
	}
	return out, nil
}

// Jet maps v in [0,1] to the blue-cyan-yellow-red colour ramp.
func Jet(v float64) (r, g, b float64) {
	r = clamp01(1.5 - math.Abs(4*v-3))
	g = clamp01(1.5 - math.Abs(4*v-2))
	b = clamp01(1.5 - math.Abs(4*v-1))
	return r, g, b
}

func EncodePNG(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func clamp01(x float64) float64 {
	return math.Min(1, math.Max(0, x))
}
