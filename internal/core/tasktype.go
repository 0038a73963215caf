package core

import (
	"context"
	"fmt"
	"strings"
)

// PersistentTaskTypeKind discriminates the PersistentTaskType variants.
type PersistentTaskTypeKind uint8

const (
	// Native is a direct call: fn must receive resolved inputs.
	Native PersistentTaskTypeKind = iota
	// ResolveNative awaits each input's resolution, then dispatches
	// the equivalent Native call.
	ResolveNative
	// ResolveTrait awaits the self input's resolution to pick a
	// concrete function id implementing the named trait method, then
	// dispatches it.
	ResolveTrait
)

// PersistentTaskType identifies a persistent task by its (function or
// trait, inputs) content: the key the backend interns tasks by.
//
// PersistentTaskType is hashable by content: two values with equal
// Kind/Function/Trait/Method/Inputs must be treated as the same task
// by Backend.GetOrCreatePersistentTask.
type PersistentTaskType struct {
	Kind     PersistentTaskTypeKind
	Function FunctionId  // valid for Native, ResolveNative
	Trait    TraitTypeId // valid for ResolveTrait
	Method   string      // valid for ResolveTrait
	Inputs   []TaskInput
}

func (t PersistentTaskType) String() string {
	switch t.Kind {
	case Native:
		return fmt.Sprintf("native(%s, %s)", t.Function, renderInputs(t.Inputs))
	case ResolveNative:
		return fmt.Sprintf("resolve-native(%s, %s)", t.Function, renderInputs(t.Inputs))
	case ResolveTrait:
		return fmt.Sprintf("resolve-trait(%s::%s, %s)", t.Trait, t.Method, renderInputs(t.Inputs))
	default:
		return "invalid-task-type"
	}
}

func renderInputs(inputs []TaskInput) string {
	parts := make([]string, len(inputs))
	for i, in := range inputs {
		parts[i] = in.String()
	}
	return strings.Join(parts, ", ")
}

// TransientTaskTypeKind discriminates Root vs Once transient tasks.
type TransientTaskTypeKind uint8

const (
	// Root tasks may re-execute on invalidation; the factory is
	// invoked fresh on every re-execution since its dependency shape
	// may change.
	Root TransientTaskTypeKind = iota
	// Once tasks execute exactly once and never invalidate.
	Once
)

// TaskBody is the closure a task executes. ctx carries the ambient
// execution context reachable via the engine package's Current(ctx);
// the returned RawVc is the task's output. A non-nil error is a
// task-body-error.
type TaskBody func(ctx context.Context) (RawVc, error)

// TransientTaskType is either a Root task factory (invoked on every
// re-execution, since a root task's dependency shape may change
// between runs) or a Once task's single body.
type TransientTaskType struct {
	Kind    TransientTaskTypeKind
	Factory func() TaskBody // valid for Root: produces a fresh body each execution
	Once    TaskBody        // valid for Once: the single body to run
}

func RootTask(factory func() TaskBody) TransientTaskType {
	return TransientTaskType{Kind: Root, Factory: factory}
}

func OnceTask(body TaskBody) TransientTaskType {
	return TransientTaskType{Kind: Once, Once: body}
}
