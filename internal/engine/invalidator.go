package engine

import (
	"encoding/json"
	"fmt"

	"taskweave/internal/core"
)

// engineRef is the engine reference an invalidator carries: a strong
// pointer to the Engine plus the generation it had when the
// invalidator was bound. It keeps the engine reachable; what it adds
// is a check that the invalidator is bound at all, since one decoded
// from storage and never rebound carries a zero engineRef.
type engineRef struct {
	engine *Engine
	gen    uint64
}

func (r engineRef) get() (*Engine, bool) {
	if r.engine == nil || r.engine.generation != r.gen {
		return nil, false
	}
	return r.engine, true
}

// Invalidator is an external trigger that marks a task dirty from
// outside any executing task. It is a handle comprising a task id and
// a reference to the engine that created it; invoking Invalidate is a
// fire-and-forget request that does nothing if the handle is unbound
// or the engine has begun stopping.
type Invalidator struct {
	task core.TaskId
	ref  engineRef
}

// Invalidate asks the backend to mark the invalidator's task dirty, if
// the invalidator is bound and its engine has not begun stopping. It
// never blocks and never returns an error: in the other cases it is
// simply a no-op.
func (inv Invalidator) Invalidate() {
	e, alive := inv.ref.get()
	if !alive || e.stopping.Load() {
		return
	}
	go e.backend.InvalidateTask(inv.task, e)
}

// wireInvalidator is the serializable newtype-around-a-task-id form.
// Decoding does not reconstruct the engine reference; that only
// happens via Engine.RebindInvalidator, called with whichever engine
// is ambient when the invalidator is deserialized.
type wireInvalidator struct {
	Task uint32 `json:"task"`
}

// MarshalJSON encodes the invalidator as its task id alone; the weak
// engine reference never crosses the wire.
func (inv Invalidator) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireInvalidator{Task: uint32(inv.task)})
}

// UnmarshalJSON decodes the task id half of an invalidator. The
// result cannot be used with Invalidate until Engine.RebindInvalidator
// is called on it to supply a live engine reference; calling
// Invalidate on a never-rebound value is a silent no-op, consistent
// with the "engine is gone" case.
func (inv *Invalidator) UnmarshalJSON(data []byte) error {
	var w wireInvalidator
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", core.ErrSerialization, err)
	}
	inv.task = core.TaskId(w.Task)
	inv.ref = engineRef{}
	return nil
}

// GetInvalidator returns an Invalidator for the currently executing
// task, usable after this execution returns.
func (ec *ExecCtx) GetInvalidator() Invalidator {
	return ec.engine.GetInvalidator(ec.task)
}

// GetInvalidator returns an Invalidator bound to e for task. Decoding
// must bind to the ambient engine and runtime: RebindInvalidator is
// the only supported way to attach a live engine reference to an
// invalidator decoded from storage.
func (e *Engine) GetInvalidator(task core.TaskId) Invalidator {
	return Invalidator{task: task, ref: engineRef{engine: e, gen: e.generation}}
}

// RebindInvalidator re-binds a decoded invalidator to e, the engine
// ambient when reactivation happens. Reactivation requires the
// current runtime: there is no way to invalidate without one.
func (e *Engine) RebindInvalidator(inv Invalidator) Invalidator {
	inv.ref = engineRef{engine: e, gen: e.generation}
	return inv
}
