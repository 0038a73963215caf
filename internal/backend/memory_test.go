package backend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskweave/internal/core"
	"taskweave/internal/graph"
)

// fakeEngine is the narrowest EngineHandle a unit test needs: it
// records what the backend asked for instead of actually running
// anything on a scheduler.
type fakeEngine struct {
	mu       sync.Mutex
	scheduled []core.TaskId
	bgJobs    []core.BackendJobId
}

func (f *fakeEngine) ScheduleTask(task core.TaskId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, task)
}
func (f *fakeEngine) ScheduleBackgroundJob(id core.BackendJobId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bgJobs = append(f.bgJobs, id)
}
func (f *fakeEngine) ScheduleForegroundJob(id core.BackendJobId) {}
func (f *fakeEngine) Resolve(ctx context.Context, reader core.TaskId, vc core.RawVc) (core.RawVc, error) {
	return vc, nil
}
func (f *fakeEngine) ReadCell(ctx context.Context, reader core.TaskId, vc core.RawVc) (core.CellContent, error) {
	return core.CellContent{}, nil
}
func (f *fakeEngine) DynamicCall(ctx context.Context, caller core.TaskId, tt core.PersistentTaskType) (core.RawVc, error) {
	return core.RawVc{}, nil
}

func newTestMemory() (*Memory, *core.Registry, *fakeEngine) {
	reg := core.NewRegistry()
	return NewMemory(reg, nil), reg, &fakeEngine{}
}

// TestMemory_GetOrCreatePersistentTask_Interns verifies that two calls
// with structurally equal PersistentTaskType values return the same
// TaskId, and a third with different inputs gets a new one.
func TestMemory_GetOrCreatePersistentTask_Interns(t *testing.T) {
	m, _, engine := newTestMemory()

	ttA := core.PersistentTaskType{Kind: core.Native, Function: 1, Inputs: []core.TaskInput{core.Literal(42)}}
	ttB := core.PersistentTaskType{Kind: core.Native, Function: 1, Inputs: []core.TaskInput{core.Literal(42)}}
	ttC := core.PersistentTaskType{Kind: core.Native, Function: 1, Inputs: []core.TaskInput{core.Literal(43)}}

	idA := m.GetOrCreatePersistentTask(ttA, 0, engine)
	idB := m.GetOrCreatePersistentTask(ttB, 0, engine)
	idC := m.GetOrCreatePersistentTask(ttC, 0, engine)

	require.Equal(t, idA, idB)
	require.NotEqual(t, idA, idC)
	require.Len(t, engine.scheduled, 2)
}

// TestMemory_TryStartTaskExecution_ClaimsOnce verifies only one
// concurrent caller gets ok=true per dirty generation.
func TestMemory_TryStartTaskExecution_ClaimsOnce(t *testing.T) {
	m, reg, engine := newTestMemory()
	reg.RegisterFunction(1, "noop", func(inputs []core.TaskInput) core.TaskBody {
		return func(ctx context.Context) (core.RawVc, error) { return core.RawVc{}, nil }
	})
	tt := core.PersistentTaskType{Kind: core.Native, Function: 1}
	id := m.GetOrCreatePersistentTask(tt, 0, engine)

	_, ok1 := m.TryStartTaskExecution(id, engine)
	_, ok2 := m.TryStartTaskExecution(id, engine)
	require.True(t, ok1)
	require.False(t, ok2)
}

// TestMemory_TaskExecutionCompleted_NotifiesReaders verifies that a
// reader blocked via TryReadTaskOutput is woken once the producing
// task completes.
func TestMemory_TaskExecutionCompleted_NotifiesReaders(t *testing.T) {
	m, reg, engine := newTestMemory()
	reg.RegisterFunction(1, "noop", func(inputs []core.TaskInput) core.TaskBody {
		return func(ctx context.Context) (core.RawVc, error) { return core.RawVc{}, nil }
	})
	tt := core.PersistentTaskType{Kind: core.Native, Function: 1}
	producer := m.GetOrCreatePersistentTask(tt, 0, engine)
	reader := m.CreateTransientTask(core.RootTask(func() core.TaskBody { return nil }))

	_, listener, err := m.TryReadTaskOutput(producer, reader, false, engine)
	require.NoError(t, err)
	require.NotNil(t, listener)

	envelope, ok := m.TryStartTaskExecution(producer, engine)
	require.True(t, ok)

	want := core.TaskOutput(reader)
	reexec := m.TaskExecutionCompleted(producer, envelope.CellMappings, time.Millisecond, TaskResult{Output: want}, engine)
	require.False(t, reexec)

	select {
	case <-listener.Done():
	case <-time.After(time.Second):
		t.Fatal("listener was not notified")
	}

	out, listener2, err := m.TryReadTaskOutput(producer, 0, false, engine)
	require.NoError(t, err)
	require.Nil(t, listener2)
	require.Equal(t, want, out)
}

// TestMemory_UpdateTaskCell_CompareOnlySkipsEqualWrites verifies the
// equality short-circuit: an equal-valued rewrite with compareOnly set
// does not invalidate the cell's readers.
func TestMemory_UpdateTaskCell_CompareOnlySkipsEqualWrites(t *testing.T) {
	m, _, engine := newTestMemory()
	task := m.CreateTransientTask(core.OnceTask(nil))
	idx := m.GetFreshCell(task)

	reader := m.CreateTransientTask(core.OnceTask(nil))
	content := core.CellContent{Ref: &core.SharedReference{Type: 1, Payload: "a"}}

	m.UpdateTaskCell(task, idx, content, true, engine)
	_, listener, err := m.TryReadTaskCell(task, idx, reader, engine)
	require.NoError(t, err)
	require.Nil(t, listener)

	listenAgain := m.graph.Listen(graph.CellTarget(task, idx))
	m.UpdateTaskCell(task, idx, content, true, engine)

	select {
	case <-listenAgain.Done():
		t.Fatal("equal-valued write should not have notified listeners")
	case <-time.After(20 * time.Millisecond):
	}
}

// TestMemory_InvalidateTask_WhileRunning_SchedulesOneRerun verifies
// that invalidating a task mid-execution does not reschedule it
// through the engine a second time; instead TaskExecutionCompleted
// reports reexecute=true so the caller loops in place.
func TestMemory_InvalidateTask_WhileRunning_SchedulesOneRerun(t *testing.T) {
	m, reg, engine := newTestMemory()
	reg.RegisterFunction(1, "noop", func(inputs []core.TaskInput) core.TaskBody {
		return func(ctx context.Context) (core.RawVc, error) { return core.RawVc{}, nil }
	})
	tt := core.PersistentTaskType{Kind: core.Native, Function: 1}
	id := m.GetOrCreatePersistentTask(tt, 0, engine)

	envelope, ok := m.TryStartTaskExecution(id, engine)
	require.True(t, ok)

	before := len(engine.scheduled)
	m.InvalidateTask(id, engine)
	require.Len(t, engine.scheduled, before, "invalidating a running task must not reschedule it directly")

	reexec := m.TaskExecutionCompleted(id, envelope.CellMappings, 0, TaskResult{}, engine)
	require.True(t, reexec)
}

// TestMemory_InvalidateTask_StronglyConsistentReadBlocks verifies that
// a strongly-consistent read of a task invalidated since its last
// completed run waits on a listener instead of returning the now-stale
// output immediately.
func TestMemory_InvalidateTask_StronglyConsistentReadBlocks(t *testing.T) {
	m, reg, engine := newTestMemory()
	reg.RegisterFunction(1, "noop", func(inputs []core.TaskInput) core.TaskBody {
		return func(ctx context.Context) (core.RawVc, error) { return core.RawVc{}, nil }
	})
	tt := core.PersistentTaskType{Kind: core.Native, Function: 1}
	id := m.GetOrCreatePersistentTask(tt, 0, engine)

	envelope, ok := m.TryStartTaskExecution(id, engine)
	require.True(t, ok)
	m.TaskExecutionCompleted(id, envelope.CellMappings, 0, TaskResult{Output: core.TaskOutput(id)}, engine)

	out, listener, err := m.TryReadTaskOutput(id, 0, true, engine)
	require.NoError(t, err)
	require.Nil(t, listener)
	require.Equal(t, core.TaskOutput(id), out)

	m.InvalidateTask(id, engine)

	_, listener, err = m.TryReadTaskOutput(id, 0, true, engine)
	require.NoError(t, err)
	require.NotNil(t, listener, "strongly-consistent read must block on a listener once the task is dirty, not return the stale output")
}
