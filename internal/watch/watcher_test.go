package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tigsync/internal/dircache"
	"tigsync/internal/repository"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T, paths ...string) *repository.Repository {
	t.Helper()
	root := t.TempDir()
	store, err := dircache.NewStore(dircache.Ephemeral{}, nil)
	require.NoError(t, err)

	l, err := store.Lock()
	require.NoError(t, err)
	ed := l.Editor()
	for _, p := range paths {
		abs := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
		require.NoError(t, os.WriteFile(abs, []byte(p), 0644))
		ed.Add(dircache.UpsertPath{Path: p, Apply: func(_ string, e dircache.Entry) dircache.Entry {
			e.Mode = dircache.ModeRegular
			return e
		}})
	}
	_, err = ed.Commit()
	require.NoError(t, err)

	return repository.New(root, filepath.Join(root, repository.MetadataDirName), store, nil)
}

func TestHandleEvent(t *testing.T) {
	repo := newRepo(t, "src/a.go", "src/b.go", "README")
	w, err := New(repo, nil)
	require.NoError(t, err)
	defer w.Close()

	tests := []struct {
		name    string
		event   fsnotify.Event
		drift   bool
		entries int
	}{
		{"staged file removed", fsnotify.Event{Name: filepath.Join(repo.WorkTree, "README"), Op: fsnotify.Remove}, true, 1},
		{"staged folder renamed", fsnotify.Event{Name: filepath.Join(repo.WorkTree, "src"), Op: fsnotify.Rename}, true, 2},
		{"unstaged file removed", fsnotify.Event{Name: filepath.Join(repo.WorkTree, "tmp.txt"), Op: fsnotify.Remove}, false, 0},
		{"write is not drift", fsnotify.Event{Name: filepath.Join(repo.WorkTree, "README"), Op: fsnotify.Write}, false, 0},
		{"metadata ignored", fsnotify.Event{Name: filepath.Join(repo.MetadataDir, "db"), Op: fsnotify.Remove}, false, 0},
		{"outside the work tree", fsnotify.Event{Name: "/nowhere/README", Op: fsnotify.Remove}, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ok := w.handleEvent(tt.event)
			assert.Equal(t, tt.drift, ok)
			assert.Equal(t, tt.entries, d.Entries)
		})
	}
}

func TestRunReportsRemoval(t *testing.T) {
	repo := newRepo(t, "doc/guide.md")
	w, err := New(repo, nil)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.Remove(filepath.Join(repo.WorkTree, "doc", "guide.md")))

	select {
	case d := <-w.Drift():
		assert.Equal(t, "doc/guide.md", d.Path)
		assert.Equal(t, "removed", d.Op)
	case <-ctx.Done():
		t.Fatal("no drift reported")
	}
}
