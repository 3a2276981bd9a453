package dircache

import "fmt"

// Builder assembles a replacement snapshot by copying ranges of the locked
// snapshot and appending individual entries, strictly in path order.
type Builder struct {
	lock    *Locked
	entries []Entry
	next    int // lowest position of the locked snapshot still keepable
}

// Keep appends count entries starting at pos. Ranges must be ascending and
// must not overlap; breaking that is a programming error and panics.
func (b *Builder) Keep(pos, count int) {
	if count == 0 {
		return
	}
	snap := b.lock.Snapshot()
	if pos < b.next || count < 0 || pos+count > snap.Len() {
		panic(fmt.Sprintf("dircache: keep(%d, %d) out of order or range (next %d, len %d)",
			pos, count, b.next, snap.Len()))
	}
	b.append(snap.entries[pos : pos+count]...)
	b.next = pos + count
}

// Add appends a single entry, which must sort after everything so far.
func (b *Builder) Add(e Entry) {
	b.append(e)
}

func (b *Builder) append(es ...Entry) {
	if len(es) == 0 {
		return
	}
	if n := len(b.entries); n > 0 && b.entries[n-1].Path >= es[0].Path {
		panic(fmt.Sprintf("dircache: %q appended after %q", es[0].Path, b.entries[n-1].Path))
	}
	b.entries = append(b.entries, es...)
}

// Commit installs the built sequence and releases the lock. It reports
// false with the persistence error when the index could not be written.
func (b *Builder) Commit() (bool, error) {
	if err := b.lock.Commit(b.entries); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteEntry removes exactly the entry at path using a Builder. It
// reports false without changing anything when path is not in the index.
// The lock is always released.
func DeleteEntry(l *Locked, path string) (bool, error) {
	snap := l.Snapshot()
	first, ok := snap.Find(path)
	if !ok {
		l.Unlock()
		return false, nil
	}

	b := l.Builder()
	b.Keep(0, first)
	next := snap.NextEntry(first)
	b.Keep(next, snap.Len()-next)
	return b.Commit()
}
