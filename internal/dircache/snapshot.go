package dircache

import (
	"fmt"
	"sort"
	"strings"
)

// Snapshot is an immutable, strictly path-ascending sequence of entries.
type Snapshot struct {
	entries []Entry
}

// NewSnapshot validates order and takes ownership of entries.
func NewSnapshot(entries []Entry) (*Snapshot, error) {
	if err := checkOrder(entries); err != nil {
		return nil, err
	}
	return &Snapshot{entries: entries}, nil
}

// SortEntries orders entries by path and rejects duplicates. It is meant
// for loading from storage that does not guarantee iteration order.
func SortEntries(entries []Entry) (*Snapshot, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	return NewSnapshot(sorted)
}

func checkOrder(entries []Entry) error {
	for i := range entries {
		if !ValidPath(entries[i].Path) {
			return fmt.Errorf("invalid index path %q", entries[i].Path)
		}
		if i > 0 && entries[i-1].Path >= entries[i].Path {
			return fmt.Errorf("index entries out of order: %q before %q", entries[i-1].Path, entries[i].Path)
		}
	}
	return nil
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Entry returns the entry at position i.
func (s *Snapshot) Entry(i int) Entry {
	return s.entries[i]
}

// Entries returns a copy of all entries.
func (s *Snapshot) Entries() []Entry {
	out := make([]Entry, s.Len())
	if s != nil {
		copy(out, s.entries)
	}
	return out
}

// Find locates path by binary search. On a miss it returns the position
// at which path would be inserted.
func (s *Snapshot) Find(path string) (int, bool) {
	n := s.Len()
	i := sort.Search(n, func(i int) bool { return s.entries[i].Path >= path })
	return i, i < n && s.entries[i].Path == path
}

// Get returns the entry recorded at path.
func (s *Snapshot) Get(path string) (Entry, bool) {
	i, ok := s.Find(path)
	if !ok {
		return Entry{}, false
	}
	return s.entries[i], true
}

// NextEntry returns the position following the entry at i.
func (s *Snapshot) NextEntry(i int) int {
	if i < s.Len() {
		return i + 1
	}
	return s.Len()
}

// EntriesWithin returns every entry at prefix or beneath prefix + "/",
// in order. The empty prefix returns the whole snapshot.
func (s *Snapshot) EntriesWithin(prefix string) []Entry {
	if prefix == "" {
		return s.Entries()
	}
	var out []Entry
	if e, ok := s.Get(prefix); ok {
		out = append(out, e)
	}
	lo, hi := s.subtree(prefix)
	return append(out, s.entries[lo:hi]...)
}

// subtree returns the contiguous range of entries beneath prefix + "/".
// Paths sharing a prefix are adjacent in byte order, so one search for
// the start and one for the end is enough.
func (s *Snapshot) subtree(prefix string) (int, int) {
	dir := prefix + "/"
	lo, _ := s.Find(dir)
	hi := lo + sort.Search(s.Len()-lo, func(i int) bool {
		return !strings.HasPrefix(s.entries[lo+i].Path, dir)
	})
	return lo, hi
}
