package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// Metadata is the JSON sidecar shipped next to each exported network.
type Metadata struct {
	InputName      string      `json:"input_name"`
	LogitOutput    string      `json:"logit_output"`
	FeaturesOutput string      `json:"features_output,omitempty"`
	InputShape     []int64     `json:"input_shape"`
	FeatureShape   []int64     `json:"feature_shape,omitempty"`
	Head           *LinearHead `json:"head,omitempty"`
}

// LinearHead is the global-average-pool plus linear layer that maps the last
// convolutional stage to the logit.
type LinearHead struct {
	Weights []float32 `json:"weights"`
	Bias    float32   `json:"bias"`
}

func LoadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse metadata %s: %w", path, err)
	}
	meta.applyDefaults()
	if err := meta.Validate(); err != nil {
		return Metadata{}, fmt.Errorf("metadata %s: %w", path, err)
	}
	return meta, nil
}

func (m *Metadata) applyDefaults() {
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.LogitOutput == "" {
		m.LogitOutput = "logit"
	}
	if len(m.InputShape) == 0 {
		m.InputShape = []int64{1, 3, 256, 256}
	}
}

func (m Metadata) Validate() error {
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 || m.InputShape[1] != 3 {
		return fmt.Errorf("input shape %v, want [1 3 H W]", m.InputShape)
	}
	if m.FeaturesOutput == "" {
		return nil
	}
	if len(m.FeatureShape) != 4 || m.FeatureShape[0] != 1 {
		return fmt.Errorf("feature shape %v, want [1 C h w]", m.FeatureShape)
	}
	if m.Head != nil && int64(len(m.Head.Weights)) != m.FeatureShape[1] {
		return fmt.Errorf("head has %d weights for %d feature channels", len(m.Head.Weights), m.FeatureShape[1])
	}
	return nil
}

// Explainable reports whether the sidecar carries what the gradient pass
// needs.
func (m Metadata) Explainable() bool {
	return m.FeaturesOutput != "" && m.Head != nil
}

// Forward pools each channel and applies the linear layer.
func (h *LinearHead) Forward(features []float32, c, hh, ww int) float32 {
	n := hh * ww
	logit := h.Bias
	for k := 0; k < c; k++ {
		var sum float32
		for _, v := range features[k*n : (k+1)*n] {
			sum += v
		}
		logit += h.Weights[k] * sum / float32(n)
	}
	return logit
}

// Backward returns d(logit)/d(features). Average pooling spreads each
// channel's weight evenly across its spatial positions.
func (h *LinearHead) Backward(c, hh, ww int) []float32 {
	n := hh * ww
	grads := make([]float32, c*n)
	for k := 0; k < c; k++ {
		g := h.Weights[k] / float32(n)
		for i := k * n; i < (k+1)*n; i++ {
			grads[i] = g
		}
	}
	return grads
}
