package clidemo

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"

	"taskweave/internal/engine"
)

// Watcher drives inv.Invalidate whenever the watched file is written,
// standing in for the dev-server filesystem layer that would normally
// sit outside the engine and feed it change events.
type Watcher struct {
	fsw  *fsnotify.Watcher
	path string
	log  hclog.Logger
}

// NewWatcher opens an fsnotify watch on the directory containing path,
// since fsnotify watches directories rather than individual files on
// most platforms.
func NewWatcher(path string, log hclog.Logger) (*Watcher, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{fsw: fsw, path: filepath.Clean(path), log: log.Named("watcher")}, nil
}

func (w *Watcher) Close() error { return w.fsw.Close() }

// Run invalidates inv every time the watched file is written or
// created, until ctx is done.
func (w *Watcher) Run(ctx context.Context, inv engine.Invalidator) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.log.Debug("invalidating on filesystem event", "path", ev.Name, "op", ev.Op)
			inv.Invalidate()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("filesystem watch error", "error", err)
		}
	}
}
