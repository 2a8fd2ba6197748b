package pipeline

import (
	"context"
	"image"
	"sync"
)

// Predictor is the contract for the shared generative resource. Predict is
// not assumed reentrant; callers go through an Invoker.
type Predictor interface {
	Info() Manifest
	Predict(ctx context.Context, params *ParameterSet) (image.Image, error)
}

// Invoker serializes access to the shared predictor. The pipeline is a single
// mutable instance shared by all sessions; two invocations must never overlap.
type Invoker struct {
	mu sync.Mutex
	p  Predictor
}

func NewInvoker(p Predictor) *Invoker {
	return &Invoker{p: p}
}

func (i *Invoker) Info() Manifest {
	return i.p.Info()
}

// Predict runs one invocation under the exclusion lock. The caller's context
// is honored before dispatch; an in-flight invocation runs to completion.
func (i *Invoker) Predict(ctx context.Context, params *ParameterSet) (image.Image, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return i.p.Predict(ctx, params)
}
