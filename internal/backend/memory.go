package backend

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"

	"taskweave/internal/core"
	"taskweave/internal/graph"
)

// activeSetSize bounds how many persistent tasks Memory keeps fully
// materialized (cells retained) before the eviction job starts
// dropping cold ones' cell arrays. Output and interning identity
// survive eviction; only the cell payloads are reclaimed, so an
// evicted task that gets read again just re-executes.
const activeSetSize = 4096

// Memory is a reference, in-process Backend: persistent tasks are
// interned by the content hash of their PersistentTaskType, transient
// tasks are plain table entries, and cells live in a per-task slice
// guarded by that task's own record lock.
type Memory struct {
	log      hclog.Logger
	registry *core.Registry
	ids      *core.IDFactory[core.TaskId]
	jobIDs   *core.IDFactory[core.BackendJobId]
	graph    *graph.Graph

	mu     sync.RWMutex
	tasks  map[core.TaskId]*taskRecord
	intern map[uint64][]*taskRecord

	active      *lru.Cache[core.TaskId, struct{}]
	evictionJob core.BackendJobId
}

// NewMemory returns an empty Memory backend that dispatches Native,
// ResolveNative, and ResolveTrait task bodies through registry.
func NewMemory(registry *core.Registry, log hclog.Logger) *Memory {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	m := &Memory{
		log:      log.Named("memory-backend"),
		registry: registry,
		ids:      core.NewIDFactory[core.TaskId](),
		jobIDs:   core.NewIDFactory[core.BackendJobId](),
		graph:    graph.New(),
		tasks:    make(map[core.TaskId]*taskRecord),
		intern:   make(map[uint64][]*taskRecord),
	}
	active, err := lru.New[core.TaskId, struct{}](activeSetSize)
	if err != nil {
		// Only fails for a non-positive size, which activeSetSize never is.
		panic(err)
	}
	m.active = active
	return m
}

func (m *Memory) touch(task core.TaskId) {
	m.active.Add(task, struct{}{})
}

// Startup schedules the recurring eviction sweep.
func (m *Memory) Startup(ctx context.Context, engine EngineHandle) {
	m.evictionJob = m.jobIDs.Get()
	engine.ScheduleBackgroundJob(m.evictionJob)
}

func (m *Memory) Stop(ctx context.Context, engine EngineHandle) {
	m.log.Debug("backend stopping", "tasks", len(m.tasks))
}

func (m *Memory) CreateTransientTask(tt core.TransientTaskType) core.TaskId {
	id := m.ids.Get()
	rec := &taskRecord{id: id, dirty: true}
	switch tt.Kind {
	case core.Root:
		rec.kind = kindRoot
		rec.rootFactory = tt.Factory
	case core.Once:
		rec.kind = kindOnce
		rec.onceBody = tt.Once
	}
	m.mu.Lock()
	m.tasks[id] = rec
	m.mu.Unlock()
	return id
}

func (m *Memory) hashTaskType(tt core.PersistentTaskType) uint64 {
	return xxhash.Sum64String(tt.String())
}

func persistentTypeEqual(a, b core.PersistentTaskType) bool {
	return reflect.DeepEqual(a, b)
}

func (m *Memory) GetOrCreatePersistentTask(tt core.PersistentTaskType, parent core.TaskId, engine EngineHandle) core.TaskId {
	h := m.hashTaskType(tt)

	m.mu.Lock()
	for _, cand := range m.intern[h] {
		if persistentTypeEqual(cand.tt, tt) {
			id := cand.id
			m.mu.Unlock()
			m.touch(id)
			return id
		}
	}
	id := m.ids.Get()
	rec := &taskRecord{id: id, kind: kindPersistent, tt: tt, hash: h, dirty: true}
	m.tasks[id] = rec
	m.intern[h] = append(m.intern[h], rec)
	m.mu.Unlock()

	m.touch(id)
	engine.ScheduleTask(id)
	return id
}

func (m *Memory) getRecord(task core.TaskId) (*taskRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tasks[task]
	return rec, ok
}

func (m *Memory) TryStartTaskExecution(task core.TaskId, engine EngineHandle) (ExecutionEnvelope, bool) {
	rec, ok := m.getRecord(task)
	if !ok {
		return ExecutionEnvelope{}, false
	}

	rec.mu.Lock()
	if rec.running || !rec.dirty {
		rec.mu.Unlock()
		return ExecutionEnvelope{}, false
	}
	if rec.kind == kindOnce && rec.onceRan {
		rec.mu.Unlock()
		return ExecutionEnvelope{}, false
	}

	rec.running = true
	rec.dirty = false
	rec.scheduledAgain = false

	var body core.TaskBody
	switch rec.kind {
	case kindRoot:
		body = rec.rootFactory()
	case kindOnce:
		rec.onceRan = true
		body = rec.onceBody
	case kindPersistent:
		body = m.buildPersistentBody(task, rec.tt, engine)
	}

	if rec.mappings == nil {
		rec.mappings = core.NewCellMappings()
	} else {
		rec.mappings.ResetCursors()
	}
	mappings := rec.mappings
	rec.mu.Unlock()

	return ExecutionEnvelope{Body: body, CellMappings: mappings}, true
}

// buildPersistentBody resolves tt's dispatch kind into an actual
// TaskBody. Native dispatches straight to the registered function.
// ResolveNative/ResolveTrait produce wrapper bodies that await each
// unresolved input before forwarding to the real call.
func (m *Memory) buildPersistentBody(task core.TaskId, tt core.PersistentTaskType, engine EngineHandle) core.TaskBody {
	switch tt.Kind {
	case core.Native:
		fn, ok := m.registry.Resolve(tt.Function)
		if !ok {
			name := m.registry.Name(tt.Function)
			return func(ctx context.Context) (core.RawVc, error) {
				return core.RawVc{}, fmt.Errorf("%w: function %s not registered", core.ErrTaskNotFound, name)
			}
		}
		return fn(tt.Inputs)
	case core.ResolveNative:
		return m.resolveNativeBody(task, tt, engine)
	case core.ResolveTrait:
		return m.resolveTraitBody(task, tt, engine)
	default:
		return func(ctx context.Context) (core.RawVc, error) {
			return core.RawVc{}, fmt.Errorf("invalid persistent task type kind %d", tt.Kind)
		}
	}
}

func (m *Memory) resolveNativeBody(task core.TaskId, tt core.PersistentTaskType, engine EngineHandle) core.TaskBody {
	return func(ctx context.Context) (core.RawVc, error) {
		resolved, err := m.resolveInputs(ctx, task, tt.Inputs, engine)
		if err != nil {
			return core.RawVc{}, err
		}
		real := core.PersistentTaskType{Kind: core.Native, Function: tt.Function, Inputs: resolved}
		return engine.DynamicCall(ctx, task, real)
	}
}

func (m *Memory) resolveTraitBody(task core.TaskId, tt core.PersistentTaskType, engine EngineHandle) core.TaskBody {
	return func(ctx context.Context) (core.RawVc, error) {
		if len(tt.Inputs) == 0 {
			return core.RawVc{}, fmt.Errorf("resolve-trait dispatch of %s::%s has no self input", tt.Trait, tt.Method)
		}
		resolved, err := m.resolveInputs(ctx, task, tt.Inputs, engine)
		if err != nil {
			return core.RawVc{}, err
		}
		self := resolved[0]
		if self.Kind != core.TaskInputResolved {
			return core.RawVc{}, fmt.Errorf("resolve-trait self input did not resolve to a cell reference")
		}
		content, err := engine.ReadCell(ctx, task, self.Vc)
		if err != nil {
			return core.RawVc{}, err
		}
		if content.IsEmpty() {
			return core.RawVc{}, fmt.Errorf("resolve-trait self cell is empty")
		}
		fn, err := m.registry.ResolveTraitMethod(tt.Trait, tt.Method, content.Ref.Type)
		if err != nil {
			return core.RawVc{}, err
		}
		real := core.PersistentTaskType{Kind: core.Native, Function: fn, Inputs: resolved}
		return engine.DynamicCall(ctx, task, real)
	}
}

func (m *Memory) resolveInputs(ctx context.Context, reader core.TaskId, inputs []core.TaskInput, engine EngineHandle) ([]core.TaskInput, error) {
	out := make([]core.TaskInput, len(inputs))
	for i, in := range inputs {
		r, err := m.resolveInput(ctx, reader, in, engine)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func (m *Memory) resolveInput(ctx context.Context, reader core.TaskId, in core.TaskInput, engine EngineHandle) (core.TaskInput, error) {
	switch in.Kind {
	case core.TaskInputLazyOutput:
		vc, err := engine.Resolve(ctx, reader, in.Vc)
		if err != nil {
			return core.TaskInput{}, err
		}
		return core.Resolved(vc), nil
	case core.TaskInputTuple:
		items, err := m.resolveInputs(ctx, reader, in.Tuple, engine)
		if err != nil {
			return core.TaskInput{}, err
		}
		return core.Tuple(items...), nil
	default:
		return in, nil
	}
}

func (m *Memory) TaskExecutionCompleted(task core.TaskId, mappings *core.CellMappings, duration time.Duration, result TaskResult, engine EngineHandle) bool {
	rec, ok := m.getRecord(task)
	if !ok {
		return false
	}

	rec.mu.Lock()
	rec.running = false
	rec.mappings = mappings
	rec.lastDuration = duration

	hadResult := rec.hasResult
	wasErr := hadResult && rec.err != nil
	prevOutput := rec.output

	rec.hasResult = true
	rec.err = result.Err
	if result.Err == nil {
		rec.output = result.Output
	} else {
		rec.output = core.RawVc{}
	}

	reexecute := rec.scheduledAgain
	if reexecute {
		rec.dirty = true
	}
	rec.mu.Unlock()

	isErr := result.Err != nil
	changed := !hadResult || wasErr != isErr || (!isErr && prevOutput != result.Output)
	target := graph.OutputTarget(task)
	if changed {
		m.graph.MarkChanged(target)
		if notified := m.graph.FlushOne(target); len(notified) > 0 {
			m.InvalidateTasks(notified, engine)
		}
	} else {
		// An invalidation may have left the output pending; the rerun
		// reproduced the same output, so wake waiting listeners without
		// invalidating the output's readers.
		m.graph.FlushOne(target)
	}

	if duration > time.Second {
		m.log.Warn("slow task execution", "task", rec.description(), "duration", duration)
	}

	return reexecute
}

func (m *Memory) TryReadTaskOutput(task, reader core.TaskId, stronglyConsistent bool, engine EngineHandle) (core.RawVc, *graph.Listener, error) {
	rec, ok := m.getRecord(task)
	if !ok {
		return core.RawVc{}, nil, fmt.Errorf("%w: %s", core.ErrTaskNotFound, task)
	}
	m.touch(task)

	target := graph.OutputTarget(task)
	if reader != 0 {
		m.graph.AddEdge(reader, target)
	}
	if stronglyConsistent && m.graph.HasPending(target) {
		return core.RawVc{}, m.graph.Listen(target), nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.hasResult {
		return core.RawVc{}, m.graph.Listen(target), nil
	}
	if rec.err != nil {
		return core.RawVc{}, nil, rec.err
	}
	return rec.output, nil, nil
}

func (m *Memory) TryReadTaskCell(task core.TaskId, index int, reader core.TaskId, engine EngineHandle) (core.CellContent, *graph.Listener, error) {
	rec, ok := m.getRecord(task)
	if !ok {
		return core.CellContent{}, nil, fmt.Errorf("%w: %s", core.ErrTaskNotFound, task)
	}
	m.touch(task)

	target := graph.CellTarget(task, index)
	if reader != 0 {
		m.graph.AddEdge(reader, target)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if index < 0 || index >= len(rec.cells) {
		listener := m.graph.Listen(target)
		// A persistent task whose cells were dropped by the eviction
		// sweep is re-run to repopulate them.
		if index >= 0 && rec.kind == kindPersistent && rec.hasResult && !rec.running && !rec.dirty {
			rec.dirty = true
			engine.ScheduleTask(task)
		}
		return core.CellContent{}, listener, nil
	}
	content := rec.cells[index]
	if content.IsEmpty() {
		return core.CellContent{}, m.graph.Listen(target), nil
	}
	return content, nil, nil
}

func (m *Memory) TryReadOwnTaskCell(task core.TaskId, index int) (core.CellContent, error) {
	rec, ok := m.getRecord(task)
	if !ok {
		return core.CellContent{}, fmt.Errorf("%w: %s", core.ErrTaskNotFound, task)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if index < 0 || index >= len(rec.cells) {
		return core.CellContent{}, nil
	}
	return rec.cells[index], nil
}

func (m *Memory) GetFreshCell(task core.TaskId) int {
	rec, ok := m.getRecord(task)
	if !ok {
		return -1
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.cells = append(rec.cells, core.CellContent{})
	return len(rec.cells) - 1
}

func (m *Memory) UpdateTaskCell(task core.TaskId, index int, content core.CellContent, compareOnly bool, engine EngineHandle) {
	rec, ok := m.getRecord(task)
	if !ok {
		return
	}

	rec.mu.Lock()
	for index >= len(rec.cells) {
		rec.cells = append(rec.cells, core.CellContent{})
	}
	prev := rec.cells[index]
	changed := !cellEqual(prev, content)
	if changed || !compareOnly {
		rec.cells[index] = content
	}
	rec.mu.Unlock()

	if !changed && compareOnly {
		return
	}
	target := graph.CellTarget(task, index)
	m.graph.MarkChanged(target)
	if notified := m.graph.FlushOne(target); len(notified) > 0 {
		m.InvalidateTasks(notified, engine)
	}
}

// cellEqual compares two cell snapshots by value: equal Type and a
// Go-comparable, equal Payload. Payloads that are not comparable
// (slices, maps, funcs) are treated as always-changed, the
// conservative default when cheap equality can't be established.
func cellEqual(a, b core.CellContent) bool {
	if a.IsEmpty() != b.IsEmpty() {
		return false
	}
	if a.IsEmpty() {
		return true
	}
	if a.Ref.Type != b.Ref.Type {
		return false
	}
	av := reflect.ValueOf(a.Ref.Payload)
	if !av.IsValid() || !av.Comparable() {
		return false
	}
	return reflect.DeepEqual(a.Ref.Payload, b.Ref.Payload)
}

func (m *Memory) InvalidateTask(task core.TaskId, engine EngineHandle) {
	rec, ok := m.getRecord(task)
	if !ok {
		return
	}
	rec.mu.Lock()
	if rec.running {
		rec.scheduledAgain = true
		rec.mu.Unlock()
		return
	}
	already := rec.dirty
	rec.dirty = true
	rec.mu.Unlock()

	if !already {
		m.graph.MarkChanged(graph.OutputTarget(task))
		engine.ScheduleTask(task)
	}
}

func (m *Memory) InvalidateTasks(tasks []core.TaskId, engine EngineHandle) {
	for _, t := range tasks {
		m.InvalidateTask(t, engine)
	}
}

// RunBackendJob runs the eviction sweep: persistent tasks that fell
// out of the LRU active set get their cell arrays dropped (their
// output, interning identity, and TaskId stay put, so a later read
// just re-runs the body to repopulate).
func (m *Memory) RunBackendJob(ctx context.Context, id core.BackendJobId, engine EngineHandle) {
	if id != m.evictionJob {
		return
	}
	sweepID := uuid.NewString()
	m.mu.RLock()
	candidates := make([]*taskRecord, 0, len(m.tasks))
	for tid, rec := range m.tasks {
		if rec.kind != kindPersistent {
			continue
		}
		if m.active.Contains(tid) {
			continue
		}
		candidates = append(candidates, rec)
	}
	m.mu.RUnlock()

	evicted := 0
	for _, rec := range candidates {
		rec.mu.Lock()
		if !rec.running && len(rec.cells) > 0 {
			rec.cells = nil
			evicted++
		}
		rec.mu.Unlock()
	}
	if evicted > 0 {
		m.log.Debug("evicted cold task cells", "sweep", sweepID, "count", evicted)
	}
	engine.ScheduleBackgroundJob(m.evictionJob)
}

func (m *Memory) GetTaskDescription(task core.TaskId) string {
	rec, ok := m.getRecord(task)
	if !ok {
		return task.String()
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.description()
}
