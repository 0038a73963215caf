package backend

import (
	"context"
	"time"

	"taskweave/internal/core"
	"taskweave/internal/graph"
)

// EngineHandle is the narrow callback surface a Backend needs back
// into the engine: scheduling backend jobs and delivering the
// pending-notification set. Keeping this as an interface (rather than
// importing internal/engine directly) avoids a backend<->engine import
// cycle: the engine holds the backend inline, and the backend calls
// back into the engine via this pinned handle.
type EngineHandle interface {
	// ScheduleTask asks the engine to run (or re-run) task.
	ScheduleTask(task core.TaskId)
	// ScheduleBackgroundJob runs a backend job on the background pool
	// (may continue past quiescence).
	ScheduleBackgroundJob(id core.BackendJobId)
	// ScheduleForegroundJob runs a backend job on the foreground pool
	// (must complete before the engine reports idle).
	ScheduleForegroundJob(id core.BackendJobId)

	// Resolve follows vc until it reaches a terminal TaskCell
	// reference, registering reader as a dependent of every output it
	// passes through along the way, blocking on ctx when a hop is not
	// yet produced. Used by the ResolveNative/ResolveTrait wrapper
	// bodies the backend builds for dynamic_call.
	Resolve(ctx context.Context, reader core.TaskId, vc core.RawVc) (core.RawVc, error)

	// ReadCell reads the content addressed by a terminal TaskCell
	// RawVc, registering reader as a dependent. Used by ResolveTrait
	// wrapper bodies to learn the concrete ValueTypeId of a resolved
	// self input.
	ReadCell(ctx context.Context, reader core.TaskId, vc core.RawVc) (core.CellContent, error)

	// DynamicCall performs the real dynamic_call dispatch (intern or
	// reuse the persistent task, return its lazy output) on tt, whose
	// inputs are already fully resolved. Used by resolver wrapper
	// bodies to forward to the concrete call once resolution
	// completes.
	DynamicCall(ctx context.Context, caller core.TaskId, tt core.PersistentTaskType) (core.RawVc, error)
}

// ExecutionEnvelope is what the backend hands back when it decides a
// task should run: the body to drive and, for a re-execution, the
// previously-installed cell-mapping table so cell indices stay stable
// across re-executions.
type ExecutionEnvelope struct {
	Body         core.TaskBody
	CellMappings *core.CellMappings // never nil: an empty table for a task's first-ever execution
}

// TaskResult is what the engine reports back after driving a task
// body's future to completion.
type TaskResult struct {
	Output core.RawVc
	Err    error // non-nil: task-body-error
}

// Backend is the pluggable persistence/eviction contract tasks and the
// engine are generic over. The tracked read operations
// (TryReadTaskOutput, TryReadTaskCell)
// return (value, listener, error): exactly one of value/listener is
// meaningful when error is nil: a nil error with a non-nil listener
// means "not ready yet, wait on this and retry".
type Backend interface {
	// Startup/Stop bracket the backend's lifecycle with the engine's.
	Startup(ctx context.Context, engine EngineHandle)
	Stop(ctx context.Context, engine EngineHandle)

	// CreateTransientTask creates a Root or Once task and returns its
	// fresh TaskId. The caller (engine) still owns scheduling it.
	CreateTransientTask(tt core.TransientTaskType) core.TaskId

	// GetOrCreatePersistentTask interns tt by content, creating a new
	// persistent task on first sight of this (type, inputs) pair.
	GetOrCreatePersistentTask(tt core.PersistentTaskType, parent core.TaskId, engine EngineHandle) core.TaskId

	// TryStartTaskExecution claims the right to run task's next
	// iteration, or returns ok=false if task is already up to date or
	// already running.
	TryStartTaskExecution(task core.TaskId, engine EngineHandle) (envelope ExecutionEnvelope, ok bool)

	// TaskExecutionCompleted commits the result of one iteration and
	// reports whether the scheduler should loop and run task again
	// immediately (e.g. an invalidation arrived mid-execution).
	TaskExecutionCompleted(task core.TaskId, mappings *core.CellMappings, duration time.Duration, result TaskResult, engine EngineHandle) (reexecute bool)

	// TryReadTaskOutput registers reader as depending on task's output
	// (unless reader is the zero TaskId, meaning untracked) and
	// returns the current output, or a listener if not yet produced.
	TryReadTaskOutput(task, reader core.TaskId, stronglyConsistent bool, engine EngineHandle) (core.RawVc, *graph.Listener, error)

	// TryReadTaskCell registers reader as depending on the cell (unless
	// reader is the zero TaskId) and returns its content, or a
	// listener if not yet produced.
	TryReadTaskCell(task core.TaskId, index int, reader core.TaskId, engine EngineHandle) (core.CellContent, *graph.Listener, error)

	// TryReadOwnTaskCell reads a cell of the currently executing task
	// without registering a dependency edge; a task always sees its
	// own writes.
	TryReadOwnTaskCell(task core.TaskId, index int) (core.CellContent, error)

	// GetFreshCell allocates the next cell index for task's current
	// execution.
	GetFreshCell(task core.TaskId) int

	// UpdateTaskCell installs a new snapshot at (task, index). If
	// compareOnly is set, the update is skipped (and no invalidation
	// fires) when the new content equals the old one by value
	// equality: the equality short-circuit that lets a task depend on
	// "this value changed" rather than "this task re-ran".
	UpdateTaskCell(task core.TaskId, index int, content core.CellContent, compareOnly bool, engine EngineHandle)

	// InvalidateTask marks task dirty and (if not already scheduled)
	// asks the engine to schedule it.
	InvalidateTask(task core.TaskId, engine EngineHandle)

	// InvalidateTasks is the batched form used by the notification
	// drain path.
	InvalidateTasks(tasks []core.TaskId, engine EngineHandle)

	// RunBackendJob executes one backend job (eviction, GC, ...).
	RunBackendJob(ctx context.Context, id core.BackendJobId, engine EngineHandle)

	// GetTaskDescription returns a short human-readable description of
	// task, for diagnostics.
	GetTaskDescription(task core.TaskId) string
}
