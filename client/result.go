package client

import (
	"context"
	"fmt"
	"sync"
)

// result is the completion handle behind every suspending operation.
// It resolves exactly once, when the matching terminal frame arrives
// or the operation is definitively failed by a state transition.
type result struct {
	once sync.Once
	ch   chan error
}

func newResult() *result {
	return &result{ch: make(chan error, 1)}
}

func (r *result) complete(err error) {
	if r == nil {
		return
	}

	r.once.Do(func() {
		r.ch <- err
	})
}

// Wait blocks until the operation resolves or ctx expires. Expiry
// yields ErrTimeout; it abandons the handle but never retracts the
// underlying frame.
func (r *result) Wait(ctx context.Context) error {
	select {
	case err := <-r.ch:
		return err

	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}
