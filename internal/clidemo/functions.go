package clidemo

import (
	"context"
	"fmt"
	"os"
	"strings"

	"taskweave/internal/core"
	"taskweave/internal/engine"
)

// ValueType tags the two shapes of value the demo call graph passes
// around: file contents and a word count.
const (
	ValueTypeFileContents core.ValueTypeId = 1
	ValueTypeWordCount    core.ValueTypeId = 2
)

// Function ids the demo registers. Kept as named constants rather than
// magic numbers since app.go and demo.go both build
// PersistentTaskType/TaskInput values or calls that name them.
const (
	FuncReadFile  core.FunctionId = 1
	FuncWordCount core.FunctionId = 2
)

// RegisterFunctions installs the demo's two native functions into
// registry.
func RegisterFunctions(registry *core.Registry) {
	registry.RegisterFunction(FuncReadFile, "read_file", readFileFn)
	registry.RegisterFunction(FuncWordCount, "word_count", wordCountFn)
}

// readFileFn reads the file named by its single string input into a
// cell, re-reading from disk every time it executes. The filesystem
// watcher in watch.go is what decides when that re-execution happens.
func readFileFn(inputs []core.TaskInput) core.TaskBody {
	if len(inputs) != 1 {
		return failingBody(fmt.Errorf("read_file: expected 1 input, got %d", len(inputs)))
	}
	path, ok := inputs[0].Literal.(string)
	if !ok {
		return failingBody(fmt.Errorf("read_file: expected a string path literal"))
	}
	return func(ctx context.Context) (core.RawVc, error) {
		contents, err := engine.SpawnBlocking(ctx, func() (string, error) {
			b, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			return string(b), nil
		})
		if err != nil {
			return core.RawVc{}, fmt.Errorf("read_file %q: %w", path, err)
		}
		ec := engine.Current(ctx)
		idx := ec.FindCellByType(ValueTypeFileContents)
		ec.WriteCell(idx, core.CellContent{Ref: &core.SharedReference{Type: ValueTypeFileContents, Payload: contents}}, true)
		return core.TaskCell(ec.TaskId(), idx), nil
	}
}

// wordCountFn takes a resolved reference to file contents and counts
// its whitespace-delimited words. Taking a resolved RawVc input (not a
// literal) means dynamic_call routes this through a ResolveNative
// wrapper whenever the caller hands it an unresolved task output,
// exercising the resolver path.
func wordCountFn(inputs []core.TaskInput) core.TaskBody {
	if len(inputs) != 1 {
		return failingBody(fmt.Errorf("word_count: expected 1 input, got %d", len(inputs)))
	}
	return func(ctx context.Context) (core.RawVc, error) {
		in := inputs[0]
		if in.Kind != core.TaskInputResolved {
			return core.RawVc{}, fmt.Errorf("%w: word_count requires a resolved input", core.ErrInputUnresolved)
		}
		ec := engine.Current(ctx)
		content, err := ec.ReadCell(ctx, in.Vc)
		if err != nil {
			return core.RawVc{}, err
		}
		if content.IsEmpty() {
			return core.RawVc{}, fmt.Errorf("word_count: input cell is empty")
		}
		text, ok := content.Ref.Payload.(string)
		if !ok {
			return core.RawVc{}, fmt.Errorf("word_count: expected file contents, got %T", content.Ref.Payload)
		}
		count := len(strings.Fields(text))
		idx := ec.FindCellByType(ValueTypeWordCount)
		ec.WriteCell(idx, core.CellContent{Ref: &core.SharedReference{Type: ValueTypeWordCount, Payload: count}}, true)
		return core.TaskCell(ec.TaskId(), idx), nil
	}
}

func failingBody(err error) core.TaskBody {
	return func(ctx context.Context) (core.RawVc, error) {
		return core.RawVc{}, err
	}
}
