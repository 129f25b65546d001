package ensemble

import (
	"encoding/json"
	"math"

	"github.com/Brownie44l1/knee-cdss/internal/model"
)

const Threshold = 0.5

type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Band discretizes a probability; each lower bound is inclusive.
func Band(p float64) Confidence {
	switch {
	case p >= 0.8:
		return ConfidenceHigh
	case p >= 0.5:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func Sigmoid(logit float64) float64 {
	return 1 / (1 + math.Exp(-logit))
}

func round4(p float64) float64 {
	return math.Round(p*1e4) / 1e4
}

type Prediction struct {
	Probability     float64    `json:"probability"`
	ConfidenceLevel Confidence `json:"confidence_level"`
	// Heatmap is a base64 PNG, or nil when not requested or not computable.
	Heatmap *string `json:"heatmap"`
}

type Metadata struct {
	FileSizeBytes  int             `json:"file_size_bytes"`
	FileSizesBytes []int           `json:"file_sizes_bytes,omitempty"`
	TensorShape    []int64         `json:"tensor_shape"`
	Mode           string          `json:"mode"`
	SliceIndices   []int           `json:"slice_indices"`
	PatientID      json.RawMessage `json:"patient_id"`
	ExamID         json.RawMessage `json:"exam_id"`
	RequestID      string          `json:"request_id,omitempty"`
	ModelsUsed     []string        `json:"models_used"`
}

// Result is the aggregated analysis. Tasks without a loaded model are
// omitted rather than reported as zero.
type Result struct {
	Success             bool        `json:"success"`
	ACL                 *Prediction `json:"acl,omitempty"`
	Meniscus            *Prediction `json:"meniscus,omitempty"`
	Abnormal            *Prediction `json:"abnormal,omitempty"`
	AbnormalProbability float64     `json:"abnormal_probability"`
	AbnormalDetected    bool        `json:"abnormal_detected"`
	Threshold           float64     `json:"threshold"`
	Message             string      `json:"message,omitempty"`
	Metadata            *Metadata   `json:"metadata,omitempty"`
}

func (r *Result) prediction(task model.Task) *Prediction {
	switch task {
	case model.TaskACL:
		return r.ACL
	case model.TaskMeniscus:
		return r.Meniscus
	case model.TaskAbnormal:
		return r.Abnormal
	}
	return nil
}

func (r *Result) setPrediction(task model.Task, p *Prediction) {
	switch task {
	case model.TaskACL:
		r.ACL = p
	case model.TaskMeniscus:
		r.Meniscus = p
	case model.TaskAbnormal:
		r.Abnormal = p
	}
}
