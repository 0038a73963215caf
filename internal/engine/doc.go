// Package engine implements the scheduler, execution context,
// invalidator, and public call surface that sit on top of a
// backend.Backend: the worker pool that drives tasks to completion,
// the ambient per-execution state a task body reads cells and issues
// calls through, and the dynamic_call/native_call/trait_call dispatch
// that turns a function reference plus inputs into a lazy task output.
package engine
