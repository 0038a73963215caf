package clidemo

import (
	"context"

	"taskweave/internal/core"
	"taskweave/internal/engine"
)

// RootTaskFactory returns the factory for the demo's root task: call
// read_file(path), then chain its (unresolved) output straight into
// word_count via DynamicCall, letting it interpose the resolver
// wrapper rather than awaiting the output here. The root's own output
// is word_count's RawVc, a task-output reference the caller still has
// to Resolve.
func RootTaskFactory(path string) func() core.TaskBody {
	return func() core.TaskBody {
		return func(ctx context.Context) (core.RawVc, error) {
			contents, err := engine.NativeCall(ctx, FuncReadFile, []core.TaskInput{core.Literal(path)})
			if err != nil {
				return core.RawVc{}, err
			}
			return engine.DynamicCall(ctx, FuncWordCount, []core.TaskInput{core.LazyOutput(contents)})
		}
	}
}
