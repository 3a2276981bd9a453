// Package watch reports staged paths that disappear from the work tree
// without going through the hooks.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"tigsync/internal/repository"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Drift is a staged path whose file went away behind the index's back.
type Drift struct {
	Path    string    `json:"path"`
	Op      string    `json:"op"`
	Entries int       `json:"entries"`
	At      time.Time `json:"at"`
}

type Watcher struct {
	repo       *repository.Repository
	watcher    *fsnotify.Watcher
	ignoreDirs map[string]bool
	drift      chan Drift
	logger     *zap.Logger
}

// New watches every directory of repo's work tree.
func New(repo *repository.Repository, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	w := &Watcher{
		repo:    repo,
		watcher: fw,
		ignoreDirs: map[string]bool{
			repository.MetadataDirName: true,
			".git":                     true,
			"node_modules":             true,
		},
		drift:  make(chan Drift, 64),
		logger: logger.With(zap.String("work_tree", repo.WorkTree)),
	}

	if err := w.addTree(repo.WorkTree); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", repo.WorkTree, err)
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignoreDirs[d.Name()] {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// Drift delivers detected drift. Events are dropped when nobody reads.
func (w *Watcher) Drift() <-chan Drift {
	return w.drift
}

// Run processes filesystem events until ctx is done or the watcher is
// closed.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.drift)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			d, ok := w.handleEvent(event)
			if !ok {
				continue
			}
			select {
			case w.drift <- d:
			default:
				w.logger.Warn("drift report dropped", zap.String("path", d.Path))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) (Drift, bool) {
	rel, ok := w.repo.RelPath(event.Name)
	if !ok || w.shouldIgnore(rel) {
		return Drift{}, false
	}

	var op string
	switch {
	case event.Has(fsnotify.Create):
		if err := w.addTree(event.Name); err != nil {
			w.logger.Debug("not watching new path", zap.String("path", rel), zap.Error(err))
		}
		return Drift{}, false
	case event.Has(fsnotify.Remove):
		op = "removed"
	case event.Has(fsnotify.Rename):
		op = "renamed"
	default:
		return Drift{}, false
	}

	staged := len(w.repo.Index.Snapshot().EntriesWithin(rel))
	if staged == 0 {
		return Drift{}, false
	}

	w.logger.Warn("staged path changed outside the hooks",
		zap.String("path", rel),
		zap.String("op", op),
		zap.Int("entries", staged))
	return Drift{Path: rel, Op: op, Entries: staged, At: time.Now()}, true
}

func (w *Watcher) shouldIgnore(rel string) bool {
	if rel == "" {
		return true
	}
	for _, part := range strings.Split(rel, "/") {
		if w.ignoreDirs[part] {
			return true
		}
	}
	return false
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
