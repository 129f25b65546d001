package model

import (
	"fmt"

	"github.com/Brownie44l1/knee-cdss/internal/apperr"
	"github.com/Brownie44l1/knee-cdss/internal/tensor"
)

// WithGradients runs fn with the activations and gradients of h for in. The
// runtime buffers behind the activation are released when WithGradients
// returns, so fn must not retain them. Every failure, including a panic in
// the runtime or in fn, is reported as a saliency error.
func WithGradients(h Handle, in *tensor.Tensor, fn func(*Activation) error) (err error) {
	const op = "gradients"

	ex, ok := h.(Explainer)
	if !ok {
		return apperr.New(apperr.KindSaliency, op, "model %s does not support gradients", h.Task())
	}

	defer func() {
		if r := recover(); r != nil {
			err = apperr.Wrap(apperr.KindSaliency, op, fmt.Errorf("panic: %v", r), "gradient pass for %s panicked", h.Task())
		}
	}()

	act, release, err := ex.Gradients(in)
	if err != nil {
		return apperr.Wrap(apperr.KindSaliency, op, err, "gradient pass for %s failed", h.Task())
	}
	if release != nil {
		defer release()
	}
	if len(act.Features) != act.C*act.H*act.W || len(act.Grads) != len(act.Features) {
		return apperr.New(apperr.KindSaliency, op, "activation for %s has inconsistent sizes", h.Task())
	}
	if err := fn(act); err != nil {
		return apperr.Wrap(apperr.KindSaliency, op, err, "saliency for %s failed", h.Task())
	}
	return nil
}
