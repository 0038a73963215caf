package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	uatomic "go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"taskweave/internal/backend"
	"taskweave/internal/core"
	"taskweave/internal/graph"
)

var generationCounter int64

// Engine is the manager: the worker pool, quiescence counters, and
// call surface sitting on top of a pluggable Backend. It implements
// backend.EngineHandle so the backend can schedule work and resolve
// inputs without importing this package.
type Engine struct {
	backend  backend.Backend
	registry *core.Registry
	log      hclog.Logger

	rootCtx context.Context
	cancel  context.CancelFunc

	fgPool *errgroup.Group
	bgPool *errgroup.Group

	fgActive                 uatomic.Int64
	bgActive                 uatomic.Int64
	scheduledSinceQuiescence uatomic.Int64
	stopping                 uatomic.Bool

	doneEvent   *graph.Event
	fgDoneEvent *graph.Event

	sf singleflight.Group

	generation uint64
}

// Config bundles Engine construction knobs.
type Config struct {
	Backend    backend.Backend
	Registry   *core.Registry
	Log        hclog.Logger
	Workers    int // foreground pool concurrency; 0 selects a default
	BGWorkers  int // background pool concurrency; 0 selects a default
}

// New constructs an Engine and starts its backend, but does not yet
// schedule any work.
func New(cfg Config) *Engine {
	if cfg.Log == nil {
		cfg.Log = hclog.NewNullLogger()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.BGWorkers <= 0 {
		cfg.BGWorkers = 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	fgPool := new(errgroup.Group)
	fgPool.SetLimit(cfg.Workers)
	bgPool := new(errgroup.Group)
	bgPool.SetLimit(cfg.BGWorkers)

	e := &Engine{
		backend:     cfg.Backend,
		registry:    cfg.Registry,
		log:         cfg.Log.Named("engine"),
		rootCtx:     ctx,
		cancel:      cancel,
		fgPool:      fgPool,
		bgPool:      bgPool,
		doneEvent:   graph.NewEvent(),
		fgDoneEvent: graph.NewEvent(),
		generation:  uint64(atomic.AddInt64(&generationCounter, 1)),
	}
	e.backend.Startup(ctx, e)
	return e
}

// --- backend.EngineHandle ---

func (e *Engine) ScheduleTask(task core.TaskId) {
	if e.stopping.Load() {
		return
	}
	e.fgActive.Inc()
	e.scheduledSinceQuiescence.Inc()
	go func() {
		e.fgPool.Go(func() error {
			e.runTaskLoop(task)
			return nil
		})
	}()
}

func (e *Engine) ScheduleBackgroundJob(id core.BackendJobId) {
	if e.stopping.Load() {
		return
	}
	e.bgActive.Inc()
	go func() {
		e.bgPool.Go(func() error {
			defer e.finishBackground()
			e.waitForegroundDoneBeforeBackgroundWork()
			e.backend.RunBackendJob(e.rootCtx, id, e)
			return nil
		})
	}()
}

func (e *Engine) ScheduleForegroundJob(id core.BackendJobId) {
	if e.stopping.Load() {
		return
	}
	e.fgActive.Inc()
	go func() {
		e.fgPool.Go(func() error {
			defer e.finishForeground()
			e.backend.RunBackendJob(e.rootCtx, id, e)
			return nil
		})
	}()
}

// waitForegroundDoneBeforeBackgroundWork makes background jobs hold
// until the foreground counter reaches zero before starting each unit
// of work, so external observers see a stable quiescent snapshot
// rather than background work racing a still-draining foreground.
func (e *Engine) waitForegroundDoneBeforeBackgroundWork() {
	for {
		if e.fgActive.Load() == 0 {
			return
		}
		l := e.fgDoneEvent.Listen()
		if e.fgActive.Load() == 0 {
			return
		}
		<-l.Done()
	}
}

func (e *Engine) finishForeground() {
	e.fgActive.Dec()
	e.fgDoneEvent.Notify()
	e.doneEvent.Notify()
}

func (e *Engine) finishBackground() {
	e.bgActive.Dec()
	e.doneEvent.Notify()
}

func (e *Engine) Resolve(ctx context.Context, reader core.TaskId, vc core.RawVc) (core.RawVc, error) {
	for {
		switch vc.Kind {
		case core.RawVcTaskCell:
			return vc, nil
		case core.RawVcTaskOutput:
			out, listener, err := e.backend.TryReadTaskOutput(vc.Task, reader, false, e)
			if err != nil {
				return core.RawVc{}, err
			}
			if listener != nil {
				if err := listener.Wait(ctx); err != nil {
					return core.RawVc{}, err
				}
				continue
			}
			vc = out
		default:
			return core.RawVc{}, fmt.Errorf("invalid raw vc kind %d", vc.Kind)
		}
	}
}

func (e *Engine) ReadCell(ctx context.Context, reader core.TaskId, vc core.RawVc) (core.CellContent, error) {
	if vc.Kind != core.RawVcTaskCell {
		return core.CellContent{}, fmt.Errorf("ReadCell requires a terminal cell reference, got %s", vc)
	}
	for {
		content, listener, err := e.backend.TryReadTaskCell(vc.Task, vc.Index, reader, e)
		if err != nil {
			return core.CellContent{}, err
		}
		if listener == nil {
			return content, nil
		}
		if err := listener.Wait(ctx); err != nil {
			return core.CellContent{}, err
		}
	}
}

func (e *Engine) DynamicCall(ctx context.Context, caller core.TaskId, tt core.PersistentTaskType) (core.RawVc, error) {
	if e.stopping.Load() {
		return core.RawVc{}, core.ErrShutdownInProgress
	}
	switch tt.Kind {
	case core.Native:
		if core.InputsResolved(tt.Inputs) {
			return core.TaskOutput(e.internOrDedupe(tt, caller)), nil
		}
		wrapper := core.PersistentTaskType{Kind: core.ResolveNative, Function: tt.Function, Inputs: tt.Inputs}
		return core.TaskOutput(e.internOrDedupe(wrapper, caller)), nil
	case core.ResolveNative, core.ResolveTrait:
		return core.TaskOutput(e.internOrDedupe(tt, caller)), nil
	default:
		return core.RawVc{}, fmt.Errorf("invalid persistent task type kind %d", tt.Kind)
	}
}

// internOrDedupe collapses concurrent calls carrying the identical
// (type, inputs) key to a single backend interning attempt, avoiding a
// burst of goroutines racing to create what is semantically one task.
func (e *Engine) internOrDedupe(tt core.PersistentTaskType, caller core.TaskId) core.TaskId {
	v, _, _ := e.sf.Do(tt.String(), func() (interface{}, error) {
		return e.backend.GetOrCreatePersistentTask(tt, caller, e), nil
	})
	return v.(core.TaskId)
}

// --- task execution loop ---

func (e *Engine) runTaskLoop(task core.TaskId) {
	defer e.finishForeground()
	for {
		envelope, ok := e.backend.TryStartTaskExecution(task, e)
		if !ok {
			return
		}
		ec := &ExecCtx{engine: e, task: task, mappings: envelope.CellMappings}
		ctx := WithExecCtx(e.rootCtx, ec)

		start := time.Now()
		output, err := e.runBody(ctx, envelope.Body)
		duration := time.Since(start) - ec.BlockingElapsed()
		if duration < 0 {
			duration = 0
		}

		if duration > time.Second {
			e.log.Warn("slow task execution", "task", e.backend.GetTaskDescription(task), "duration", duration)
		}
		if err != nil {
			e.log.Error("task execution failed", "task", e.backend.GetTaskDescription(task), "error", err)
		}

		reexec := e.backend.TaskExecutionCompleted(task, ec.mappings, duration, backend.TaskResult{Output: output, Err: err}, e)
		if !reexec || e.stopping.Load() {
			return
		}
	}
}

func (e *Engine) runBody(ctx context.Context, body core.TaskBody) (out core.RawVc, err error) {
	if body == nil {
		return core.RawVc{}, fmt.Errorf("task has no body")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task body panicked: %v", r)
		}
	}()
	return body(ctx)
}

// --- spawn surface ---

// SpawnRootTask creates a root task from factory and schedules its
// first execution. factory is invoked fresh on every re-execution,
// since a root task's dependency shape may change between runs.
func (e *Engine) SpawnRootTask(factory func() core.TaskBody) core.TaskId {
	id := e.backend.CreateTransientTask(core.RootTask(factory))
	e.ScheduleTask(id)
	return id
}

// SpawnOnceTask creates a task that executes body exactly once and
// schedules it.
func (e *Engine) SpawnOnceTask(body core.TaskBody) core.TaskId {
	id := e.backend.CreateTransientTask(core.OnceTask(body))
	e.ScheduleTask(id)
	return id
}

// RunOnce spawns a once-task running body and blocks until its output
// is available, the spec's run_once convenience.
func (e *Engine) RunOnce(ctx context.Context, body core.TaskBody) (core.RawVc, error) {
	id := e.SpawnOnceTask(body)
	return e.ReadOutputBlocking(ctx, id)
}

// ReadOutputBlocking reads task's output from outside any task
// execution (reader is untracked, so there is no dependency edge to
// register), waiting for it to be produced.
func (e *Engine) ReadOutputBlocking(ctx context.Context, task core.TaskId) (core.RawVc, error) {
	for {
		out, listener, err := e.backend.TryReadTaskOutput(task, 0, true, e)
		if err != nil {
			return core.RawVc{}, err
		}
		if listener == nil {
			return out, nil
		}
		if err := listener.Wait(ctx); err != nil {
			return core.RawVc{}, err
		}
	}
}

// SpawnThread spawns fn on a detached goroutine locked to its own OS
// thread, whose entry re-enters the engine's root context; it runs
// past the calling task's own completion and counts toward the
// background quiescence counter.
func (e *Engine) SpawnThread(fn func(ctx context.Context)) {
	e.bgActive.Inc()
	go func() {
		runtime.LockOSThread()
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("spawned thread panicked", "panic", r)
			}
			e.finishBackground()
		}()
		fn(e.rootCtx)
	}()
}

// --- quiescence ---

// TryForegroundDone is the non-blocking probe: it reports whether the
// foreground counter is currently zero.
func (e *Engine) TryForegroundDone() bool {
	return e.fgActive.Load() == 0
}

// WaitForegroundDone blocks until the foreground counter hits zero.
func (e *Engine) WaitForegroundDone(ctx context.Context) error {
	for {
		if e.fgActive.Load() == 0 {
			return nil
		}
		l := e.fgDoneEvent.Listen()
		if e.fgActive.Load() == 0 {
			return nil
		}
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
}

// WaitDone resolves when the foreground counter hits zero, returning
// the time spent waiting in this call and the number of tasks
// scheduled since the previous WaitDone or WaitNextDone returned (the
// count is not reset by quiescence on its own). If the engine is
// already quiescent, it returns immediately with that count.
func (e *Engine) WaitDone(ctx context.Context) (time.Duration, int64, error) {
	start := time.Now()
	if err := e.WaitForegroundDone(ctx); err != nil {
		return 0, 0, err
	}
	count := e.scheduledSinceQuiescence.Swap(0)
	return time.Since(start), count, nil
}

// WaitNextDone is like WaitDone but always waits for at least one more
// quiescence event, even if the engine happens to be quiescent right
// now; useful after scheduling an invalidation to wait specifically
// for its fallout to drain.
func (e *Engine) WaitNextDone(ctx context.Context) (time.Duration, int64, error) {
	start := time.Now()
	l := e.fgDoneEvent.Listen()
	if err := l.Wait(ctx); err != nil {
		return 0, 0, err
	}
	if err := e.WaitForegroundDone(ctx); err != nil {
		return 0, 0, err
	}
	count := e.scheduledSinceQuiescence.Swap(0)
	return time.Since(start), count, nil
}

// WaitBackgroundDone blocks until the background counter hits zero.
func (e *Engine) WaitBackgroundDone(ctx context.Context) error {
	for {
		if e.bgActive.Load() == 0 {
			return nil
		}
		l := e.doneEvent.Listen()
		if e.bgActive.Load() == 0 {
			return nil
		}
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
}

// StopAndWait sets the stop flag so new scheduling requests are
// silently dropped, drains both counters, then stops the backend.
// In-flight task bodies may still complete one iteration; there is no
// cancellation at await-points, since cancellation here is cooperative
// by design.
func (e *Engine) StopAndWait(ctx context.Context) error {
	e.stopping.Store(true)

	var result *multierror.Error
	if err := e.WaitForegroundDone(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.WaitBackgroundDone(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.fgPool.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.bgPool.Wait(); err != nil {
		result = multierror.Append(result, err)
	}

	e.backend.Stop(ctx, e)
	e.cancel()
	return result.ErrorOrNil()
}

// GetTaskDescription returns a human-readable description of task,
// for diagnostics and CLI inspection.
func (e *Engine) GetTaskDescription(task core.TaskId) string {
	return e.backend.GetTaskDescription(task)
}

// Registry returns the function/trait registry this engine dispatches
// persistent task bodies through.
func (e *Engine) Registry() *core.Registry { return e.registry }
