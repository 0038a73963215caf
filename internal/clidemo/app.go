package clidemo

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"taskweave/internal/backend"
	"taskweave/internal/core"
	"taskweave/internal/engine"
)

// newEngine builds a fresh registry/backend/engine triple wired with
// the demo's two functions, the shape every subcommand starts from.
func newEngine(log hclog.Logger) *engine.Engine {
	registry := core.NewRegistry()
	RegisterFunctions(registry)
	mem := backend.NewMemory(registry, log)
	return engine.New(engine.Config{Backend: mem, Registry: registry, Log: log})
}

// Run spawns the demo root task over path, starts a filesystem watcher
// feeding its invalidator, prints the word count on every change, and
// blocks until ctx is canceled (by caller timeout or signal).
func Run(ctx context.Context, path string, log hclog.Logger) error {
	if path == "" {
		return invalidInvocationf("run: -path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return configErrorf("cannot watch %q: %v", path, err)
	}

	e := newEngine(log)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.StopAndWait(stopCtx)
	}()

	rootID := e.SpawnRootTask(RootTaskFactory(path))

	// The root task only re-derives its call graph on invalidation; it
	// does not itself hold the file read. Invalidating rootID would
	// just re-run the same read_file(path) call and hit the memoized
	// cell untouched. read_file is content-addressed by (function,
	// inputs), so interning the identical call here yields the exact
	// task instance the root's body calls, and that is what actually
	// needs to be marked dirty when the file changes.
	readFileOut, err := e.DynamicCall(ctx, 0, core.PersistentTaskType{
		Kind:     core.Native,
		Function: FuncReadFile,
		Inputs:   []core.TaskInput{core.Literal(path)},
	})
	if err != nil {
		return configErrorf("cannot resolve read_file task for %q: %v", path, err)
	}

	watcher, err := NewWatcher(path, log)
	if err != nil {
		return configErrorf("cannot watch %q: %v", path, err)
	}
	defer watcher.Close()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go watcher.Run(watchCtx, e.GetInvalidator(readFileOut.Task))

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var last int
	first := true
	for {
		count, err := readWordCount(sigCtx, e, rootID)
		if err != nil {
			if sigCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("compute word count: %w", &InvocationError{ExitCode: ExitComputeFailure, Message: err.Error()})
		}
		if first || count != last {
			fmt.Printf("%s: %d words\n", path, count)
			last, first = count, false
		}
		if _, _, err := e.WaitNextDone(sigCtx); err != nil {
			if sigCtx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Once runs a single run_once computation over a literal string,
// bypassing the filesystem entirely, and prints its word count.
func Once(ctx context.Context, text string, log hclog.Logger) error {
	e := newEngine(log)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.StopAndWait(stopCtx)
	}()

	out, err := e.RunOnce(ctx, func(ctx context.Context) (core.RawVc, error) {
		ec := engine.Current(ctx)
		idx := ec.FindCellByType(ValueTypeFileContents)
		ec.WriteCell(idx, core.CellContent{Ref: &core.SharedReference{Type: ValueTypeFileContents, Payload: text}}, true)
		contentsVc := core.TaskCell(ec.TaskId(), idx)
		return engine.NativeCall(ctx, FuncWordCount, []core.TaskInput{core.Resolved(contentsVc)})
	})
	if err != nil {
		return &InvocationError{ExitCode: ExitComputeFailure, Message: err.Error()}
	}
	resolved, err := e.Resolve(ctx, 0, out)
	if err != nil {
		return &InvocationError{ExitCode: ExitComputeFailure, Message: err.Error()}
	}
	content, err := e.ReadCell(ctx, 0, resolved)
	if err != nil {
		return &InvocationError{ExitCode: ExitComputeFailure, Message: err.Error()}
	}
	fmt.Printf("%d words\n", content.Ref.Payload.(int))
	return nil
}

// Inspect runs the demo computation to completion once and prints the
// backend's descriptions of the root task and the resolved word_count
// task it dispatched to.
func Inspect(ctx context.Context, path string, log hclog.Logger) error {
	if path == "" {
		return invalidInvocationf("inspect: -path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return configErrorf("cannot inspect %q: %v", path, err)
	}
	e := newEngine(log)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.StopAndWait(stopCtx)
	}()

	rootID := e.SpawnRootTask(RootTaskFactory(path))
	out, err := e.ReadOutputBlocking(ctx, rootID)
	if err != nil {
		return &InvocationError{ExitCode: ExitComputeFailure, Message: err.Error()}
	}
	// out is the resolver wrapper's output; following it down to the
	// terminal cell lands on the word_count task itself.
	resolved, err := e.Resolve(ctx, 0, out)
	if err != nil {
		return &InvocationError{ExitCode: ExitComputeFailure, Message: err.Error()}
	}
	fmt.Printf("%s\n", e.GetTaskDescription(rootID))
	fmt.Printf("%s\n", e.GetTaskDescription(resolved.Task))
	return nil
}

func readWordCount(ctx context.Context, e *engine.Engine, rootID core.TaskId) (int, error) {
	out, err := e.ReadOutputBlocking(ctx, rootID)
	if err != nil {
		return 0, err
	}
	resolved, err := e.Resolve(ctx, 0, out)
	if err != nil {
		return 0, err
	}
	content, err := e.ReadCell(ctx, 0, resolved)
	if err != nil {
		return 0, err
	}
	if content.IsEmpty() {
		return 0, fmt.Errorf("word count cell is empty")
	}
	return content.Ref.Payload.(int), nil
}

