package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskweave/internal/backend"
	"taskweave/internal/core"
	"taskweave/internal/engine"
)

const intType = core.ValueTypeId(1)

func cellOf(n int) core.CellContent {
	return core.CellContent{Ref: &core.SharedReference{Type: intType, Payload: n}}
}

func newTestEngine(t *testing.T, registry *core.Registry) *engine.Engine {
	t.Helper()
	mem := backend.NewMemory(registry, nil)
	e := engine.New(engine.Config{Backend: mem, Registry: registry, Workers: 4, BGWorkers: 1})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.StopAndWait(ctx)
	})
	return e
}

// followToValue resolves out down to a terminal cell and returns its
// int payload, the way a CLI inspecting a finished call would.
func followToValue(t *testing.T, ctx context.Context, e *engine.Engine, out core.RawVc) int {
	t.Helper()
	resolved, err := e.Resolve(ctx, 0, out)
	require.NoError(t, err)
	content, err := e.ReadCell(ctx, 0, resolved)
	require.NoError(t, err)
	require.False(t, content.IsEmpty())
	return content.Ref.Payload.(int)
}

func TestEngine_NativeCall_MemoizesIdenticalCalls(t *testing.T) {
	registry := core.NewRegistry()
	var runs int32
	var mu sync.Mutex
	doubleFn := func(inputs []core.TaskInput) core.TaskBody {
		n := inputs[0].Literal.(int)
		return func(ctx context.Context) (core.RawVc, error) {
			mu.Lock()
			runs++
			mu.Unlock()
			ec := engine.Current(ctx)
			idx := ec.FindCellByType(intType)
			ec.WriteCell(idx, cellOf(n*2), true)
			return core.TaskCell(ec.TaskId(), idx), nil
		}
	}
	registry.RegisterFunction(core.FunctionId(1), "double", doubleFn)

	e := newTestEngine(t, registry)
	ctx := context.Background()

	call := func() core.TaskId {
		return e.SpawnRootTask(func() core.TaskBody {
			return func(ctx context.Context) (core.RawVc, error) {
				return engine.NativeCall(ctx, core.FunctionId(1), []core.TaskInput{core.Literal(21)})
			}
		})
	}

	id1 := call()
	id2 := call()

	out1, err := e.ReadOutputBlocking(ctx, id1)
	require.NoError(t, err)
	out2, err := e.ReadOutputBlocking(ctx, id2)
	require.NoError(t, err)

	require.Equal(t, 42, followToValue(t, ctx, e, out1))
	require.Equal(t, 42, followToValue(t, ctx, e, out2))

	// Both root tasks native_call the identical (function, inputs) pair,
	// so they must have interned to the same persistent task and the
	// native body must have executed exactly once.
	require.Equal(t, out1, out2)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, int32(1), runs)
}

// TestEngine_NativeCall_RejectsUnresolvedInput verifies that NativeCall
// reports core.ErrInputUnresolved rather than silently interposing a
// resolver wrapper; that interposition is DynamicCall's job.
func TestEngine_NativeCall_RejectsUnresolvedInput(t *testing.T) {
	registry := core.NewRegistry()
	registry.RegisterFunction(core.FunctionId(1), "identity", func(inputs []core.TaskInput) core.TaskBody {
		return func(ctx context.Context) (core.RawVc, error) { return core.RawVc{}, nil }
	})
	e := newTestEngine(t, registry)
	ctx := context.Background()

	unresolved := core.LazyOutput(core.TaskOutput(core.TaskId(999)))
	id := e.SpawnRootTask(func() core.TaskBody {
		return func(ctx context.Context) (core.RawVc, error) {
			return engine.NativeCall(ctx, core.FunctionId(1), []core.TaskInput{unresolved})
		}
	})

	_, err := e.ReadOutputBlocking(ctx, id)
	require.ErrorIs(t, err, core.ErrInputUnresolved)
}

// TestEngine_DynamicCall_ResolvesLazyOutput verifies that DynamicCall,
// unlike NativeCall, interposes a ResolveNative wrapper so an
// unresolved task-output input still reaches the native body resolved.
func TestEngine_DynamicCall_ResolvesLazyOutput(t *testing.T) {
	registry := core.NewRegistry()
	registry.RegisterFunction(core.FunctionId(1), "literal-ten", func(inputs []core.TaskInput) core.TaskBody {
		return func(ctx context.Context) (core.RawVc, error) {
			ec := engine.Current(ctx)
			idx := ec.FindCellByType(intType)
			ec.WriteCell(idx, cellOf(10), true)
			return core.TaskCell(ec.TaskId(), idx), nil
		}
	})
	registry.RegisterFunction(core.FunctionId(2), "double-resolved", func(inputs []core.TaskInput) core.TaskBody {
		return func(ctx context.Context) (core.RawVc, error) {
			if inputs[0].Kind != core.TaskInputResolved {
				return core.RawVc{}, fmt.Errorf("double-resolved: expected a resolved input, got kind %v", inputs[0].Kind)
			}
			ec := engine.Current(ctx)
			content, err := ec.ReadCell(ctx, inputs[0].Vc)
			if err != nil {
				return core.RawVc{}, err
			}
			idx := ec.FindCellByType(intType)
			ec.WriteCell(idx, cellOf(content.Ref.Payload.(int)*2), true)
			return core.TaskCell(ec.TaskId(), idx), nil
		}
	})
	e := newTestEngine(t, registry)
	ctx := context.Background()

	id := e.SpawnRootTask(func() core.TaskBody {
		return func(ctx context.Context) (core.RawVc, error) {
			ten, err := engine.NativeCall(ctx, core.FunctionId(1), nil)
			if err != nil {
				return core.RawVc{}, err
			}
			return engine.DynamicCall(ctx, core.FunctionId(2), []core.TaskInput{core.LazyOutput(ten)})
		}
	})

	out, err := e.ReadOutputBlocking(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 20, followToValue(t, ctx, e, out))
}

func TestEngine_Invalidator_TriggersRerun(t *testing.T) {
	registry := core.NewRegistry()
	e := newTestEngine(t, registry)
	ctx := context.Background()

	var runs int32
	var mu sync.Mutex
	var captured engine.Invalidator

	id := e.SpawnRootTask(func() core.TaskBody {
		return func(ctx context.Context) (core.RawVc, error) {
			ec := engine.Current(ctx)
			mu.Lock()
			runs++
			n := int(runs)
			captured = ec.GetInvalidator()
			mu.Unlock()
			idx := ec.FindCellByType(intType)
			ec.WriteCell(idx, cellOf(n), false)
			return core.TaskCell(ec.TaskId(), idx), nil
		}
	})

	_, err := e.ReadOutputBlocking(ctx, id)
	require.NoError(t, err)
	_, _, err = e.WaitDone(ctx)
	require.NoError(t, err)

	mu.Lock()
	inv := captured
	mu.Unlock()
	inv.Invalidate()

	_, _, err = e.WaitNextDone(ctx)
	require.NoError(t, err)

	mu.Lock()
	got := runs
	mu.Unlock()
	require.Equal(t, int32(2), got)
}

func TestEngine_RunOnce_ReturnsOutput(t *testing.T) {
	registry := core.NewRegistry()
	e := newTestEngine(t, registry)
	ctx := context.Background()

	out, err := e.RunOnce(ctx, func(ctx context.Context) (core.RawVc, error) {
		ec := engine.Current(ctx)
		idx := ec.FindCellByType(intType)
		ec.WriteCell(idx, cellOf(7), false)
		return core.TaskCell(ec.TaskId(), idx), nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, followToValue(t, ctx, e, out))
}

func TestEngine_StopAndWait_DropsNewScheduling(t *testing.T) {
	registry := core.NewRegistry()
	mem := backend.NewMemory(registry, nil)
	e := engine.New(engine.Config{Backend: mem, Registry: registry, Workers: 2, BGWorkers: 1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.StopAndWait(ctx))

	var ran int32
	id := e.SpawnRootTask(func() core.TaskBody {
		return func(ctx context.Context) (core.RawVc, error) {
			ran = 1
			return core.RawVc{}, nil
		}
	})
	_ = id

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), ran)
}
