// Package model loads the per-task binary classifiers and exposes them as
// read-only handles shared across requests.
package model

import (
	"github.com/Brownie44l1/knee-cdss/internal/tensor"
)

type Task string

const (
	TaskACL      Task = "acl"
	TaskMeniscus Task = "meniscus"
	TaskAbnormal Task = "abnormal"
)

// Tasks is the fixed scoring order.
var Tasks = []Task{TaskACL, TaskMeniscus, TaskAbnormal}

func ParseTask(s string) (Task, bool) {
	for _, t := range Tasks {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Handle is a loaded classifier bound to one task. Implementations must be
// safe for concurrent use.
type Handle interface {
	Task() Task
	// Logit runs a forward pass with no gradient outputs bound and returns the
	// raw pre-sigmoid score.
	Logit(in *tensor.Tensor) (float32, error)
}

// Explainer is a Handle that can also report the activations of its last
// convolutional stage together with the gradient of the logit with respect
// to them. Callers reach it only through WithGradients.
type Explainer interface {
	Handle
	Gradients(in *tensor.Tensor) (*Activation, func(), error)
}

// Activation is a C×H×W feature map and its gradient, both row-major per
// channel.
type Activation struct {
	C, H, W  int
	Features []float32
	Grads    []float32
}

func (a *Activation) Channel(k int) (features, grads []float32) {
	n := a.H * a.W
	return a.Features[k*n : (k+1)*n], a.Grads[k*n : (k+1)*n]
}
