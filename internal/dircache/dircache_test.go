package dircache

import (
	"fmt"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	ierrors "tigsync/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPersister struct {
	saves int
}

func (f *failingPersister) Load() ([]Entry, error) { return nil, nil }

func (f *failingPersister) Save(_, _ *Snapshot) error {
	f.saves++
	return io.ErrShortWrite
}

func entry(path, id string) Entry {
	return Entry{
		Path:     path,
		Mode:     ModeRegular,
		ObjectID: id,
		Size:     int64(len(id)),
		ModTime:  time.Unix(1700000000, 0).UTC(),
	}
}

func newTestStore(t *testing.T, entries ...Entry) *Store {
	t.Helper()
	s, err := NewStore(Ephemeral{}, nil)
	require.NoError(t, err)
	if len(entries) > 0 {
		l, err := s.Lock()
		require.NoError(t, err)
		require.NoError(t, l.Commit(entries))
	}
	return s
}

func paths(s *Snapshot) []string {
	var out []string
	for _, e := range s.Entries() {
		out = append(out, e.Path)
	}
	return out
}

func TestSnapshotFind(t *testing.T) {
	s := newTestStore(t, entry("a/x", "H1"), entry("a/z", "H2"), entry("b", "H3")).Snapshot()

	tests := []struct {
		path  string
		index int
		found bool
	}{
		{"a/x", 0, true},
		{"a/y", 1, false},
		{"b", 2, true},
		{"0", 0, false},
		{"c", 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			i, ok := s.Find(tt.path)
			assert.Equal(t, tt.index, i)
			assert.Equal(t, tt.found, ok)
		})
	}
}

func TestSnapshotEntriesWithin(t *testing.T) {
	s := newTestStore(t,
		entry("f", "H0"),
		entry("f.txt", "H1"),
		entry("f/1", "H2"),
		entry("f/sub/2", "H3"),
		entry("fa/3", "H4"),
		entry("g/4", "H5"),
	).Snapshot()

	assert.Equal(t, []string{"f", "f/1", "f/sub/2"}, pathsOf(s.EntriesWithin("f")))
	assert.Equal(t, []string{"f/sub/2"}, pathsOf(s.EntriesWithin("f/sub")))
	assert.Empty(t, s.EntriesWithin("h"))
	assert.Len(t, s.EntriesWithin(""), 6)
}

func pathsOf(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Path)
	}
	return out
}

func TestCommitRejectsUnorderedEntries(t *testing.T) {
	s := newTestStore(t)
	l, err := s.Lock()
	require.NoError(t, err)

	err = l.Commit([]Entry{entry("b", "H1"), entry("a", "H2")})
	assert.Error(t, err)
	assert.Equal(t, 0, s.Snapshot().Len())

	// the failed commit released the lock
	l, err = s.Lock()
	require.NoError(t, err)
	l.Unlock()
}

func TestLockContention(t *testing.T) {
	s := newTestStore(t)
	l, err := s.Lock()
	require.NoError(t, err)

	_, err = s.Lock()
	assert.True(t, ierrors.Is(err, ierrors.ErrContention))

	l.Unlock()
	l.Unlock() // second release is harmless

	l2, err := s.Lock()
	require.NoError(t, err)
	l2.Unlock()
}

func TestCommitAfterUnlock(t *testing.T) {
	s := newTestStore(t, entry("a", "H1"))
	l, err := s.Lock()
	require.NoError(t, err)
	l.Unlock()

	assert.Error(t, l.Commit([]Entry{entry("b", "H2")}))
	assert.Equal(t, []string{"a"}, paths(s.Snapshot()))
}

func TestConcurrentUnlockAndCommit(t *testing.T) {
	s := newTestStore(t, entry("a", "H1"))

	for i := 0; i < 50; i++ {
		l, err := s.Lock()
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			l.Unlock()
		}()
		go func() {
			defer wg.Done()
			_ = l.Commit(l.Snapshot().Entries())
		}()
		wg.Wait()

		// whichever ended it, the lock is free again
		l2, err := s.Lock()
		require.NoError(t, err)
		l2.Unlock()
	}
	assert.Equal(t, []string{"a"}, paths(s.Snapshot()))
}

func TestFailedCommitLeavesSnapshot(t *testing.T) {
	p := &failingPersister{}
	s, err := NewStore(p, nil)
	require.NoError(t, err)

	l, err := s.Lock()
	require.NoError(t, err)
	ok, err := l.Builder().Commit()
	assert.False(t, ok)
	assert.True(t, ierrors.Is(err, ierrors.ErrPersistence))
	assert.Equal(t, 1, p.saves)
	assert.Equal(t, 0, s.Snapshot().Len())

	_, err = s.Lock()
	assert.NoError(t, err, "lock must be released after a failed commit")
}

func TestFailedEditLeavesSnapshot(t *testing.T) {
	s := newTestStore(t, entry("a/x", "H1"))
	before := s.Snapshot()
	s.persister = &failingPersister{}

	l, err := s.Lock()
	require.NoError(t, err)
	ok, err := MoveFile(l, "a/x", "a/y", true)
	assert.False(t, ok)
	assert.Error(t, err)
	assert.Same(t, before, s.Snapshot())
	assert.Equal(t, []string{"a/x"}, paths(s.Snapshot()))
}

func TestDeleteEntry(t *testing.T) {
	s := newTestStore(t, entry("a/x", "H1"), entry("a/y", "H2"))

	l, err := s.Lock()
	require.NoError(t, err)
	ok, err := DeleteEntry(l, "a/x")
	require.NoError(t, err)
	assert.True(t, ok)

	got := s.Snapshot().Entries()
	require.Len(t, got, 1)
	assert.Equal(t, entry("a/y", "H2"), got[0])

	t.Run("absent path", func(t *testing.T) {
		l, err := s.Lock()
		require.NoError(t, err)
		ok, err := DeleteEntry(l, "a/missing")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, []string{"a/y"}, paths(s.Snapshot()))

		_, err = s.Lock()
		assert.NoError(t, err)
	})
}

func TestBuilderKeepOutOfOrderPanics(t *testing.T) {
	s := newTestStore(t, entry("a", "H1"), entry("b", "H2"), entry("c", "H3"))
	l, err := s.Lock()
	require.NoError(t, err)
	defer l.Unlock()

	b := l.Builder()
	b.Keep(1, 2)
	assert.Panics(t, func() { b.Keep(0, 1) })
	assert.Panics(t, func() { l.Builder().Keep(2, 5) })
}

func TestBuilderAdd(t *testing.T) {
	s := newTestStore(t, entry("a", "H1"), entry("c", "H3"))
	l, err := s.Lock()
	require.NoError(t, err)

	b := l.Builder()
	b.Keep(0, 1)
	b.Add(entry("b", "H2"))
	b.Keep(1, 1)
	ok, err := b.Commit()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b", "c"}, paths(s.Snapshot()))
}

func TestMoveFile(t *testing.T) {
	src := entry("a/x", "H1")
	src.Mode = ModeExecutable

	t.Run("same repository", func(t *testing.T) {
		s := newTestStore(t, src)
		l, err := s.Lock()
		require.NoError(t, err)

		ok, err := MoveFile(l, "a/x", "a/y", true)
		require.NoError(t, err)
		assert.True(t, ok)

		got := s.Snapshot().Entries()
		require.Len(t, got, 1)
		assert.Equal(t, "a/y", got[0].Path)
		assert.Equal(t, ModeExecutable, got[0].Mode)
		assert.Equal(t, "H1", got[0].ObjectID)
		assert.Equal(t, src.Size, got[0].Size)
	})

	t.Run("delete half only", func(t *testing.T) {
		s := newTestStore(t, src, entry("b", "H2"))
		l, err := s.Lock()
		require.NoError(t, err)

		ok, err := MoveFile(l, "a/x", "elsewhere/x", false)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []string{"b"}, paths(s.Snapshot()))
	})

	t.Run("untracked source", func(t *testing.T) {
		s := newTestStore(t, entry("b", "H2"))
		l, err := s.Lock()
		require.NoError(t, err)

		ok, err := MoveFile(l, "a/x", "a/y", true)
		require.NoError(t, err)
		assert.False(t, ok)
		_, err = s.Lock()
		assert.NoError(t, err)
	})
}

func TestMoveTree(t *testing.T) {
	t.Run("subtree move", func(t *testing.T) {
		s := newTestStore(t, entry("f/1", "H1"), entry("f/2", "H2"), entry("g/3", "H3"))
		l, err := s.Lock()
		require.NoError(t, err)

		res, err := MoveTree(l, "f", "h")
		require.NoError(t, err)
		assert.Equal(t, MoveSuccess, res)

		got := s.Snapshot().Entries()
		assert.Equal(t, []string{"g/3", "h/1", "h/2"}, pathsOf(got))
		assert.Equal(t, []string{"H3", "H1", "H2"}, []string{got[0].ObjectID, got[1].ObjectID, got[2].ObjectID})
	})

	t.Run("untracked subtree", func(t *testing.T) {
		s := newTestStore(t, entry("g/3", "H3"))
		before := s.Snapshot()
		l, err := s.Lock()
		require.NoError(t, err)

		res, err := MoveTree(l, "f", "h")
		require.NoError(t, err)
		assert.Equal(t, MoveUntracked, res)
		assert.Same(t, before, s.Snapshot())
	})

	t.Run("nested move to root", func(t *testing.T) {
		s := newTestStore(t, entry("proj/a", "H1"), entry("proj/b/c", "H2"), entry("z", "H3"))
		l, err := s.Lock()
		require.NoError(t, err)

		res, err := MoveTree(l, "proj", "")
		require.NoError(t, err)
		assert.Equal(t, MoveSuccess, res)
		assert.Equal(t, []string{"a", "b/c", "z"}, paths(s.Snapshot()))
	})

	t.Run("persistence failure", func(t *testing.T) {
		s := newTestStore(t, entry("f/1", "H1"))
		s.persister = &failingPersister{}
		l, err := s.Lock()
		require.NoError(t, err)

		res, err := MoveTree(l, "f", "h")
		assert.Equal(t, MoveFailed, res)
		assert.True(t, ierrors.Is(err, ierrors.ErrPersistence))
		assert.Equal(t, []string{"f/1"}, paths(s.Snapshot()))
	})
}

func TestRemoveTree(t *testing.T) {
	s := newTestStore(t, entry("f/1", "H1"), entry("f/2/3", "H2"), entry("f.go", "H3"))
	l, err := s.Lock()
	require.NoError(t, err)

	res, err := RemoveTree(l, "f")
	require.NoError(t, err)
	assert.Equal(t, MoveSuccess, res)
	assert.Equal(t, []string{"f.go"}, paths(s.Snapshot()))
}

func TestEditorResolvesOpsByPath(t *testing.T) {
	s := newTestStore(t, entry("a", "H1"), entry("d/1", "H2"), entry("d/2", "H3"), entry("z", "H4"))
	l, err := s.Lock()
	require.NoError(t, err)

	ed := l.Editor()
	ed.Add(UpsertPath{Path: "m", Apply: CopyMetaData(entry("ignored", "H5"))})
	ed.Add(DeleteTree{Prefix: "d"})
	ed.Add(UpsertPath{Path: "d/2", Apply: func(p string, existing Entry) Entry {
		assert.Empty(t, existing.ObjectID, "deleted entry must not leak into upsert")
		return entry(p, "H6")
	}})
	ed.Add(DeletePath{Path: "not-there"})
	ed.Add(UpsertPath{Path: "a", Apply: func(p string, existing Entry) Entry {
		existing.Stage = StageOurs
		return existing
	}})
	ok, err := ed.Commit()
	require.NoError(t, err)
	require.True(t, ok)

	got := s.Snapshot().Entries()
	assert.Equal(t, []string{"a", "d/2", "m", "z"}, pathsOf(got))
	assert.Equal(t, "H1", got[0].ObjectID)
	assert.Equal(t, StageOurs, got[0].Stage)
	assert.Equal(t, "H6", got[1].ObjectID)
	assert.Equal(t, "H5", got[2].ObjectID)
}

func TestEditorRejectsInvalidPath(t *testing.T) {
	s := newTestStore(t, entry("a", "H1"))
	l, err := s.Lock()
	require.NoError(t, err)

	ed := l.Editor()
	ed.Add(UpsertPath{Path: "../escape", Apply: CopyMetaData(entry("a", "H1"))})
	ok, err := ed.Commit()
	assert.False(t, ok)
	assert.Error(t, err)
	assert.Equal(t, []string{"a"}, paths(s.Snapshot()))

	_, err = s.Lock()
	assert.NoError(t, err)
}

// Random edit programs must always leave a strictly ascending index.
func TestSnapshotStaysOrdered(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := newTestStore(t)
	dirs := []string{"a", "a/b", "b", "c.d", "c"}

	for round := 0; round < 200; round++ {
		l, err := s.Lock()
		require.NoError(t, err)
		ed := l.Editor()
		for n := rng.Intn(6); n >= 0; n-- {
			dir := dirs[rng.Intn(len(dirs))]
			p := fmt.Sprintf("%s/%d", dir, rng.Intn(5))
			switch rng.Intn(3) {
			case 0:
				ed.Add(DeletePath{Path: p})
			case 1:
				ed.Add(DeleteTree{Prefix: dir})
			default:
				ed.Add(UpsertPath{Path: p, Apply: CopyMetaData(entry(p, fmt.Sprint(round)))})
			}
		}
		_, err = ed.Commit()
		require.NoError(t, err)

		got := s.Snapshot().Entries()
		for i := 1; i < len(got); i++ {
			require.Less(t, got[i-1].Path, got[i].Path, "round %d", round)
		}
	}
}

func TestDiff(t *testing.T) {
	prev, err := NewSnapshot([]Entry{entry("a", "H1"), entry("b", "H2"), entry("c", "H3")})
	require.NoError(t, err)
	next, err := NewSnapshot([]Entry{entry("b", "H2"), entry("c", "H9"), entry("d", "H4")})
	require.NoError(t, err)

	upserts, deletes := Diff(prev, next)
	assert.Equal(t, []string{"c", "d"}, pathsOf(upserts))
	assert.Equal(t, []string{"a"}, deletes)
}

func TestValidPath(t *testing.T) {
	for _, p := range []string{"a", "a/b", "a.b/c"} {
		assert.True(t, ValidPath(p), p)
	}
	for _, p := range []string{"", "/a", "a/", "a//b", "./a", "a/../b"} {
		assert.False(t, ValidPath(p), p)
	}
}
