package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"taskweave/internal/core"
)

type execCtxKey struct{}

// ExecCtx is the ambient state established for one task execution and
// torn down on exit: the engine handle, the current task id, the
// cell-mapping table that makes cell allocation deterministic across
// re-executions, and the accumulated time spent in SpawnBlocking
// closures (credited back into the task's own measured duration
// rather than tracked as a process-wide side channel).
type ExecCtx struct {
	engine   *Engine
	task     core.TaskId
	mappings *core.CellMappings

	mu              sync.Mutex
	blockingElapsed time.Duration
}

// WithExecCtx returns a context carrying ec, the form a task body
// receives when the engine runs it.
func WithExecCtx(ctx context.Context, ec *ExecCtx) context.Context {
	return context.WithValue(ctx, execCtxKey{}, ec)
}

// Current returns the ExecCtx ambient to ctx, panicking with a
// descriptive message if ctx was not produced by a task execution.
func Current(ctx context.Context) *ExecCtx {
	ec, ok := TryCurrent(ctx)
	if !ok {
		panic(fmt.Errorf("engine: %w", core.ErrNotATask))
	}
	return ec
}

// TryCurrent is the non-panicking form of Current.
func TryCurrent(ctx context.Context) (*ExecCtx, bool) {
	ec, ok := ctx.Value(execCtxKey{}).(*ExecCtx)
	return ec, ok
}

// TaskId returns the id of the task this context belongs to.
func (ec *ExecCtx) TaskId() core.TaskId { return ec.task }

func (ec *ExecCtx) addBlockingElapsed(d time.Duration) {
	ec.mu.Lock()
	ec.blockingElapsed += d
	ec.mu.Unlock()
}

// BlockingElapsed returns the total time this execution has spent
// inside SpawnBlocking closures so far.
func (ec *ExecCtx) BlockingElapsed() time.Duration {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.blockingElapsed
}

// FindCellByKey returns the cell index previously assigned to
// (valueType, key) in this task's mapping table, allocating a fresh
// cell on first sight of the key.
func (ec *ExecCtx) FindCellByKey(valueType core.ValueTypeId, key any) int {
	ck := core.CellKey{ValueType: valueType, Key: key}
	if idx, ok := ec.mappings.ByKey[ck]; ok {
		return idx
	}
	idx := ec.engine.backend.GetFreshCell(ec.task)
	ec.mappings.ByKey[ck] = idx
	return idx
}

// FindCellByType returns the next cell index for valueType in
// allocation order: the Nth FindCellByType(valueType) call of a given
// execution returns the same index as the Nth call of the previous
// execution, so a task that allocates cells purely by type keeps
// stable downstream handles across re-executions.
func (ec *ExecCtx) FindCellByType(valueType core.ValueTypeId) int {
	cur, ok := ec.mappings.ByType[valueType]
	if !ok {
		cur = &core.TypeCursor{}
		ec.mappings.ByType[valueType] = cur
	}
	if cur.Cursor < len(cur.Indices) {
		idx := cur.Indices[cur.Cursor]
		cur.Cursor++
		return idx
	}
	idx := ec.engine.backend.GetFreshCell(ec.task)
	cur.Indices = append(cur.Indices, idx)
	cur.Cursor++
	return idx
}

// ReadOwnCell reads a cell this same task previously wrote, without
// registering a dependency edge: a task always sees its own writes.
func (ec *ExecCtx) ReadOwnCell(index int) (core.CellContent, error) {
	return ec.engine.backend.TryReadOwnTaskCell(ec.task, index)
}

// ReadCell reads the terminal cell vc addresses, registering this
// execution as a dependent so a later write to that cell invalidates
// it. vc must already be resolved (core.TaskInputResolved); reading an
// unresolved task output belongs to dynamic_call's resolver path, not
// here.
func (ec *ExecCtx) ReadCell(ctx context.Context, vc core.RawVc) (core.CellContent, error) {
	return ec.engine.ReadCell(ctx, ec.task, vc)
}

// WriteCell installs content at index. When compareOnly is set, a
// rewrite that is value-equal to the previous snapshot is dropped
// rather than published, so readers that only care about the value
// (not the fact that this task ran again) are not woken.
func (ec *ExecCtx) WriteCell(index int, content core.CellContent, compareOnly bool) {
	ec.engine.backend.UpdateTaskCell(ec.task, index, content, compareOnly, ec.engine)
}
