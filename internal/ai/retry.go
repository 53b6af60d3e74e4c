package ai

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"time"
)

// RetryingModel wraps a Model and retries Infer calls that fail with an error marked as ErrTransient.
// Any other error is returned immediately.
type RetryingModel struct {
	Model

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Backoff is the wait before the first retry, doubled at each retry.
	Backoff time.Duration
}

// WithRetries wraps model so transient inference errors are retried up to maxRetries times.
// If maxRetries <= 0 the model is returned unchanged.
func WithRetries(model Model, maxRetries int, backoff time.Duration) Model {
	if maxRetries <= 0 {
		return model
	}
	return &RetryingModel{Model: model, MaxRetries: maxRetries, Backoff: backoff}
}

// Infer implements Model.
func (r *RetryingModel) Infer(observation []float32) (policy []float32, value float32, err error) {
	wait := r.Backoff
	for attempt := 0; ; attempt++ {
		policy, value, err = r.Model.Infer(observation)
		if err == nil || !errors.Is(err, ErrTransient) {
			return
		}
		if attempt >= r.MaxRetries {
			return nil, 0, errors.WithMessagef(err, "model %s inference failed after %d retries", r.Model, attempt)
		}
		klog.V(1).Infof("Model %s transient inference error (attempt %d of %d), retrying in %s: %v",
			r.Model, attempt+1, r.MaxRetries+1, wait, err)
		if wait > 0 {
			time.Sleep(wait)
			wait *= 2
		}
	}
}

// Clone implements Model, keeping the retry configuration.
func (r *RetryingModel) Clone() Model {
	return &RetryingModel{Model: r.Model.Clone(), MaxRetries: r.MaxRetries, Backoff: r.Backoff}
}

// Unwrap returns the wrapped model.
func (r *RetryingModel) Unwrap() Model { return r.Model }
