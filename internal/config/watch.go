package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/luciancaetano/kephaslink"
)

// NodesFn receives the nodes of a changed file, or the error reading it.
type NodesFn func(nodes []kephaslink.NodeConfig, err error)

// NodesWatcher re-reads a nodes file whenever it changes.
type NodesWatcher struct {
	path    string
	watcher *fsnotify.Watcher
}

// NewNodesWatcher starts watching path. The parent directory is watched so
// editors that replace the file by rename are noticed.
func NewNodesWatcher(path string) (*NodesWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &NodesWatcher{path: abs, watcher: watcher}, nil
}

// Run calls fn for every change until ctx is done, then closes the watcher.
func (w *NodesWatcher) Run(ctx context.Context, fn NodesFn) error {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			fn(ReadNodesFile(w.path))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			fn(nil, err)
		}
	}
}

// WatchNodesFile watches path and blocks until ctx is done.
func WatchNodesFile(ctx context.Context, path string, fn NodesFn) error {
	w, err := NewNodesWatcher(path)
	if err != nil {
		return err
	}
	return w.Run(ctx, fn)
}
