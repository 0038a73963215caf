package engine

import (
	"context"
	"fmt"
	"time"

	"taskweave/internal/core"
)

// DynamicCall dispatches fn(inputs), interposing a ResolveNative
// wrapper task when any input is not yet resolved. This is the
// general call surface task bodies reach for when an input may still
// be a lazy task output; use NativeCall when every input is already
// known to be resolved.
func DynamicCall(ctx context.Context, fn core.FunctionId, inputs []core.TaskInput) (core.RawVc, error) {
	ec := Current(ctx)
	tt := core.PersistentTaskType{Kind: core.Native, Function: fn, Inputs: inputs}
	return ec.engine.DynamicCall(ctx, ec.task, tt)
}

// NativeCall dispatches fn(inputs) directly: every input must already
// be resolved. An unresolved input here is a caller bug, not something
// to silently paper over with a resolver wrapper, so it is reported as
// core.ErrInputUnresolved rather than dispatched.
func NativeCall(ctx context.Context, fn core.FunctionId, inputs []core.TaskInput) (core.RawVc, error) {
	if !core.InputsResolved(inputs) {
		return core.RawVc{}, fmt.Errorf("%w: native_call requires every input resolved", core.ErrInputUnresolved)
	}
	ec := Current(ctx)
	tt := core.PersistentTaskType{Kind: core.Native, Function: fn, Inputs: inputs}
	return ec.engine.DynamicCall(ctx, ec.task, tt)
}

// TraitCall always interposes a resolver, since the self value
// (inputs[0]) must be resolved before a concrete function id
// implementing method can be picked.
func TraitCall(ctx context.Context, trait core.TraitTypeId, method string, inputs []core.TaskInput) (core.RawVc, error) {
	ec := Current(ctx)
	tt := core.PersistentTaskType{Kind: core.ResolveTrait, Trait: trait, Method: method, Inputs: inputs}
	return ec.engine.DynamicCall(ctx, ec.task, tt)
}

// SpawnBlocking runs fn on a dedicated goroutine off the task's own
// cooperative execution, crediting its elapsed time back to the
// calling task's measured duration rather than the engine's overall
// scheduling latency.
func SpawnBlocking[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	ec := Current(ctx)
	start := time.Now()
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v: v, err: err}
	}()
	select {
	case r := <-ch:
		ec.addBlockingElapsed(time.Since(start))
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
