// Package clidemo wires an engine.Engine plus a tiny two-function call
// graph (read a file, count its words) up to a urfave/cli app: the
// ambient surface cmd/taskweaved drives. It exists to exercise the
// engine end to end: memoized native calls, filesystem-driven
// invalidation via fsnotify, and the quiescence/run_once entry points,
// rather than to be a realistic build tool.
package clidemo
