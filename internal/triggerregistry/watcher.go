package triggerregistry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mdasrafkhan/reactor/internal/compiler"
	"github.com/mdasrafkhan/reactor/internal/store"
)

// WorkflowDirWatcher watches a directory of rule JSON files over fsnotify
// and compiles + registers any NEWLY ADDED file as a WorkflowDefinition.
// Hot RELOADING a running execution's compiled steps is an explicit
// non-goal, so only fsnotify.Create events are acted on —
// Write events on an existing file are logged and otherwise ignored.
type WorkflowDirWatcher struct {
	logger  *zap.Logger
	store   store.Store
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewWorkflowDirWatcher(logger *zap.Logger, s store.Store) *WorkflowDirWatcher {
	return &WorkflowDirWatcher{logger: logger, store: s, done: make(chan struct{})}
}

func (w *WorkflowDirWatcher) Start(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Create == fsnotify.Create && strings.HasSuffix(event.Name, ".json") {
					w.registerNew(ctx, event.Name)
				} else if event.Op&fsnotify.Write == fsnotify.Write {
					w.logger.Debug("ignoring write to existing workflow file (hot reload of running executions is not supported)",
						zap.String("file", event.Name))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Error("workflow dir watcher error", zap.Error(err))
			case <-w.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := watcher.Add(dir); err != nil {
		return err
	}
	w.logger.Info("workflow directory watcher started", zap.String("dir", dir))
	return nil
}

func (w *WorkflowDirWatcher) registerNew(ctx context.Context, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		w.logger.Error("read new workflow file", zap.String("file", path), zap.Error(err))
		return
	}

	result, err := compiler.Compile(raw)
	if err != nil {
		w.logger.Error("compile new workflow file", zap.String("file", path), zap.Error(err))
		return
	}
	for _, warn := range result.Warnings {
		w.logger.Warn("compiler warning", zap.String("file", path), zap.String("warning", warn))
	}

	def := &store.WorkflowDefinition{
		ID:            uuid.NewString(),
		Name:          strings.TrimSuffix(filepath.Base(path), ".json"),
		Rule:          json.RawMessage(raw),
		CompiledSteps: result.Steps,
	}
	if err := w.store.SaveWorkflowDefinition(ctx, def); err != nil {
		w.logger.Error("register new workflow", zap.String("file", path), zap.Error(err))
		return
	}
	w.logger.Info("registered new workflow definition",
		zap.String("file", path), zap.String("workflowId", def.ID))
}

func (w *WorkflowDirWatcher) Stop() {
	close(w.done)
}
