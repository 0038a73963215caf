package core

import "fmt"

// TaskInputKind discriminates the variants of TaskInput.
type TaskInputKind uint8

const (
	// TaskInputResolved carries a RawVc already known to be a terminal
	// TaskCell reference; no further indirection remains, so it can
	// be fed straight into a Native call.
	TaskInputResolved TaskInputKind = iota
	// TaskInputLazyOutput carries a RawVc addressing a task's output
	// (RawVcTaskOutput) that has not yet been awaited down to a
	// terminal cell reference. This is the "unresolved handle" a native
	// call must never see directly: dynamic_call
	// interposes a ResolveNative/ResolveTrait wrapper task whenever
	// any input is in this state.
	TaskInputLazyOutput
	// TaskInputLiteral carries a primitive Go value (string, int,
	// bool, ...) with no further resolution needed.
	TaskInputLiteral
	// TaskInputTuple carries an ordered list of nested TaskInputs.
	TaskInputTuple
	// TaskInputNothing is the explicit "no value" sentinel.
	TaskInputNothing
	// TaskInputShared carries a serialized SharedReference, a value
	// produced outside of any task (e.g. decoded from persisted
	// state) rather than read from a cell.
	TaskInputShared
)

// TaskInput is a tagged value: one of {resolved raw handle, lazy
// (unresolved) output handle, primitive literal, tuple, nothing-
// sentinel, serialized shared value}.
//
// Inputs to a native call must all be resolved: no TaskInputLazyOutput,
// no TaskInputNothing.
type TaskInput struct {
	Kind    TaskInputKind
	Vc      RawVc // valid when Kind == TaskInputResolved or TaskInputLazyOutput
	Literal any   // valid when Kind == TaskInputLiteral
	Tuple   []TaskInput
	Shared  *SharedReference
}

// Resolved wraps a RawVc already known to be a terminal reference (a
// TaskCell, or an already-awaited TaskOutput).
func Resolved(vc RawVc) TaskInput { return TaskInput{Kind: TaskInputResolved, Vc: vc} }

// LazyOutput wraps a task-output RawVc that has not yet been awaited.
// Passing one of these to dynamic_call forces a resolver wrapper task.
func LazyOutput(vc RawVc) TaskInput { return TaskInput{Kind: TaskInputLazyOutput, Vc: vc} }

func Literal(v any) TaskInput            { return TaskInput{Kind: TaskInputLiteral, Literal: v} }
func Tuple(items ...TaskInput) TaskInput { return TaskInput{Kind: TaskInputTuple, Tuple: items} }
func Nothing() TaskInput                 { return TaskInput{Kind: TaskInputNothing} }
func Shared(ref *SharedReference) TaskInput {
	return TaskInput{Kind: TaskInputShared, Shared: ref}
}

// IsResolved reports whether i needs no further resolver dispatch.
// Tuples are resolved only when every element is resolved.
func (i TaskInput) IsResolved() bool {
	switch i.Kind {
	case TaskInputResolved, TaskInputLiteral, TaskInputShared:
		return true
	case TaskInputLazyOutput, TaskInputNothing:
		return false
	case TaskInputTuple:
		for _, e := range i.Tuple {
			if !e.IsResolved() {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// IsNothing reports whether i is the explicit nothing-sentinel.
func (i TaskInput) IsNothing() bool { return i.Kind == TaskInputNothing }

func (i TaskInput) String() string {
	switch i.Kind {
	case TaskInputResolved, TaskInputLazyOutput:
		return i.Vc.String()
	case TaskInputLiteral:
		return fmt.Sprintf("%v", i.Literal)
	case TaskInputTuple:
		return fmt.Sprintf("%v", i.Tuple)
	case TaskInputNothing:
		return "<nothing>"
	case TaskInputShared:
		return "<shared>"
	default:
		return "<invalid-input>"
	}
}

// InputsResolved reports whether every input in inputs is resolved and
// none is the nothing-sentinel: the gate dynamic_call uses to decide
// between a native call and a resolver task.
func InputsResolved(inputs []TaskInput) bool {
	for _, in := range inputs {
		if !in.IsResolved() || in.IsNothing() {
			return false
		}
	}
	return true
}
