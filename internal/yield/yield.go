// Package yield provides a cooperative scheduler shim for large scans:
// building or decoding a sync message with many commits must yield
// between items rather than monopolize the caller's event loop, and must
// honor cooperative cancellation so a discarded cycle never emits a
// partial message.
//
// There are exactly two suspension points in the protocol (SPEC_FULL.md
// §5): between items during a scan/build or decode, and across I/O to
// the store (opaque to this package). No suspension occurs mid-commit,
// mid-filter-insertion, or mid-upgrade step.
package yield

import (
	"context"
	"runtime"
)

// DefaultYieldEvery is how many items ForEach/Map process before
// checkpointing, when the caller passes yieldEvery <= 0.
const DefaultYieldEvery = 64

// ForEach applies body to each element of items in order, yielding the
// goroutine every yieldEvery items and checking ctx for cancellation at
// each checkpoint. It returns the first error from body or from context
// cancellation. A non-nil return means the caller must discard whatever
// partial accumulation body performed — ForEach itself holds nothing
// partial, since each call to body is atomic.
func ForEach[T any](ctx context.Context, items []T, yieldEvery int, body func(T) error) error {
	if yieldEvery <= 0 {
		yieldEvery = DefaultYieldEvery
	}
	for i, item := range items {
		if err := body(item); err != nil {
			return err
		}
		if (i+1)%yieldEvery == 0 {
			runtime.Gosched()
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
	return ctx.Err()
}

// Map applies body to each element of items in order, collecting results,
// with the same yielding and cancellation behavior as ForEach. On error
// it returns nil results and the error; no partial result slice is ever
// handed back, matching the "cancellation discards partial work" contract.
func Map[T, R any](ctx context.Context, items []T, yieldEvery int, body func(T) (R, error)) ([]R, error) {
	if yieldEvery <= 0 {
		yieldEvery = DefaultYieldEvery
	}
	out := make([]R, 0, len(items))
	for i, item := range items {
		r, err := body(item)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
		if (i+1)%yieldEvery == 0 {
			runtime.Gosched()
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
