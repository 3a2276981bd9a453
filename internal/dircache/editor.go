package dircache

import (
	"fmt"
	"strings"

	"github.com/tidwall/btree"
)

// Op is one named change to the index. Ops may be queued in any order;
// they are resolved by path when the editor commits.
type Op interface {
	path() string
}

// DeletePath removes the entry at Path, if there is one.
type DeletePath struct {
	Path string
}

// DeleteTree removes Prefix and every entry beneath Prefix + "/".
type DeleteTree struct {
	Prefix string
}

// UpsertPath ensures an entry at Path whose fields come from Apply.
type UpsertPath struct {
	Path  string
	Apply Apply
}

func (d DeletePath) path() string { return d.Path }
func (d DeleteTree) path() string { return d.Prefix }
func (u UpsertPath) path() string { return u.Path }

type pathEdits struct {
	deletePath bool
	deleteTree bool
	applies    []Apply
}

// Editor applies a set of path-keyed ops to a locked snapshot as a single
// commit.
type Editor struct {
	lock  *Locked
	edits *btree.Map[string, *pathEdits]
	err   error
}

func newEditor(l *Locked) *Editor {
	return &Editor{lock: l, edits: btree.NewMap[string, *pathEdits](0)}
}

// Add queues op. An op with an invalid path makes Commit fail.
func (ed *Editor) Add(op Op) {
	p := op.path()
	if _, tree := op.(DeleteTree); !(tree && p == "") && !ValidPath(p) {
		if ed.err == nil {
			ed.err = fmt.Errorf("invalid index path %q in %T", p, op)
		}
		return
	}

	pe, ok := ed.edits.Get(p)
	if !ok {
		pe = &pathEdits{}
		ed.edits.Set(p, pe)
	}
	switch o := op.(type) {
	case DeletePath:
		pe.deletePath = true
	case DeleteTree:
		pe.deleteTree = true
	case UpsertPath:
		pe.applies = append(pe.applies, o.Apply)
	}
}

// Len returns the number of distinct paths touched so far.
func (ed *Editor) Len() int {
	return ed.edits.Len()
}

// Commit resolves the queued ops against the locked snapshot, installs
// the result and releases the lock.
func (ed *Editor) Commit() (bool, error) {
	if ed.err != nil {
		ed.lock.Unlock()
		return false, ed.err
	}
	if err := ed.lock.Commit(ed.apply()); err != nil {
		return false, err
	}
	return true, nil
}

// apply merges the snapshot with the upserts in one ordered pass.
// Deleted entries are dropped unless an upsert targets the same path, in
// which case the upsert sees no existing entry.
func (ed *Editor) apply() []Entry {
	snap := ed.lock.Snapshot()
	out := make([]Entry, 0, snap.Len()+ed.edits.Len())

	var upserts []string
	ed.edits.Scan(func(p string, pe *pathEdits) bool {
		if len(pe.applies) > 0 {
			upserts = append(upserts, p)
		}
		return true
	})

	u := 0
	for i := 0; i < snap.Len(); i++ {
		e := snap.entries[i]
		for u < len(upserts) && upserts[u] < e.Path {
			out = append(out, ed.upsert(upserts[u], Entry{Path: upserts[u]}))
			u++
		}
		deleted := ed.deleted(e.Path)
		if u < len(upserts) && upserts[u] == e.Path {
			existing := e
			if deleted {
				existing = Entry{Path: e.Path}
			}
			out = append(out, ed.upsert(e.Path, existing))
			u++
			continue
		}
		if !deleted {
			out = append(out, e)
		}
	}
	for ; u < len(upserts); u++ {
		out = append(out, ed.upsert(upserts[u], Entry{Path: upserts[u]}))
	}
	return out
}

func (ed *Editor) upsert(p string, existing Entry) Entry {
	pe, _ := ed.edits.Get(p)
	e := existing
	for _, apply := range pe.applies {
		e = apply(p, e)
		e.Path = p
	}
	return e
}

// deleted reports whether p is removed by a DeletePath on p or by a
// DeleteTree on p or any of its parent directories.
func (ed *Editor) deleted(p string) bool {
	if pe, ok := ed.edits.Get(p); ok && (pe.deletePath || pe.deleteTree) {
		return true
	}
	if pe, ok := ed.edits.Get(""); ok && pe.deleteTree {
		return true
	}
	for i := strings.IndexByte(p, '/'); i >= 0; {
		if pe, ok := ed.edits.Get(p[:i]); ok && pe.deleteTree {
			return true
		}
		next := strings.IndexByte(p[i+1:], '/')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return false
}
