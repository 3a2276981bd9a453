package dircache

import (
	"fmt"
	"sync"

	ierrors "tigsync/internal/errors"

	"go.uber.org/zap"
)

// Persister durably stores the index. Save must apply the whole change
// or none of it.
type Persister interface {
	Load() ([]Entry, error)
	Save(old, new *Snapshot) error
}

// Ephemeral keeps nothing; the store's in-memory snapshot is the only copy.
type Ephemeral struct{}

func (Ephemeral) Load() ([]Entry, error)    { return nil, nil }
func (Ephemeral) Save(_, _ *Snapshot) error { return nil }

// Store owns the current snapshot of one repository's index and the
// single-writer lock guarding replacement of it. The lock is not reentrant.
type Store struct {
	mu        sync.Mutex
	current   *Snapshot
	holder    *Locked
	persister Persister
	logger    *zap.Logger
}

// NewStore loads the persisted index.
func NewStore(p Persister, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	entries, err := p.Load()
	if err != nil {
		return nil, fmt.Errorf("loading index: %w", err)
	}
	snap, err := SortEntries(entries)
	if err != nil {
		return nil, fmt.Errorf("loading index: %w", err)
	}
	return &Store{current: snap, persister: p, logger: logger}, nil
}

// Snapshot returns the current snapshot without locking.
func (s *Store) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Locked is exclusive write access to a store, holding the snapshot that
// was current when the lock was taken. It ends with Commit or Unlock.
type Locked struct {
	store *Store
	snap  *Snapshot
	done  bool
}

// Lock acquires the store. A second Lock before the first ends fails with
// a contention error rather than blocking.
func (s *Store) Lock() (*Locked, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder != nil {
		return nil, ierrors.Contention("index is locked by another operation")
	}
	l := &Locked{store: s, snap: s.current}
	s.holder = l
	return l, nil
}

// Snapshot returns the entries visible when the lock was acquired.
func (l *Locked) Snapshot() *Snapshot {
	return l.snap
}

// Unlock releases the lock without changing the index. Calling it after
// Commit is a no-op, so it is safe to defer.
func (l *Locked) Unlock() {
	l.store.release(l)
}

// Commit persists entries as the new index and releases the lock. The
// lock is released even when persisting fails; the visible snapshot then
// stays what it was.
func (l *Locked) Commit(entries []Entry) error {
	l.store.mu.Lock()
	done := l.done
	l.store.mu.Unlock()
	if done {
		return fmt.Errorf("index lock already released")
	}
	defer l.store.release(l)

	next, err := NewSnapshot(entries)
	if err != nil {
		return fmt.Errorf("building index snapshot: %w", err)
	}
	if err := l.store.persister.Save(l.snap, next); err != nil {
		l.store.logger.Error("index commit failed",
			zap.Int("entries", next.Len()),
			zap.Error(err))
		return ierrors.Persistence("committing index", err)
	}

	l.store.mu.Lock()
	l.store.current = next
	l.store.mu.Unlock()

	l.store.logger.Debug("index committed",
		zap.Int("before", l.snap.Len()),
		zap.Int("after", next.Len()))
	return nil
}

func (s *Store) release(l *Locked) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.done {
		return
	}
	l.done = true
	if s.holder == l {
		s.holder = nil
	}
}

// Builder starts a range-copying program against the locked snapshot.
func (l *Locked) Builder() *Builder {
	return &Builder{lock: l}
}

// Editor starts a path-keyed edit program against the locked snapshot.
func (l *Locked) Editor() *Editor {
	return newEditor(l)
}

// Diff walks two snapshots in order and reports entries that are new or
// changed in next, and paths that next no longer has.
func Diff(prev, next *Snapshot) (upserts []Entry, deletes []string) {
	i, j := 0, 0
	for i < prev.Len() || j < next.Len() {
		switch {
		case j >= next.Len() || (i < prev.Len() && prev.entries[i].Path < next.entries[j].Path):
			deletes = append(deletes, prev.entries[i].Path)
			i++
		case i >= prev.Len() || next.entries[j].Path < prev.entries[i].Path:
			upserts = append(upserts, next.entries[j])
			j++
		default:
			if !sameEntry(prev.entries[i], next.entries[j]) {
				upserts = append(upserts, next.entries[j])
			}
			i++
			j++
		}
	}
	return upserts, deletes
}

func sameEntry(a, b Entry) bool {
	return a.Path == b.Path && a.Mode == b.Mode && a.ObjectID == b.ObjectID &&
		a.Size == b.Size && a.ModTime.Equal(b.ModTime) && a.Stage == b.Stage
}
