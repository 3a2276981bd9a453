package dircache

import "strings"

// MoveResult is the outcome of moving a subtree of the index.
type MoveResult int

const (
	MoveSuccess MoveResult = iota
	MoveFailed
	MoveUntracked
)

func (r MoveResult) String() string {
	switch r {
	case MoveSuccess:
		return "success"
	case MoveFailed:
		return "failed"
	case MoveUntracked:
		return "untracked"
	}
	return "unknown"
}

// MoveFile deletes src and, when keep is set, recreates it at dst with
// src's metadata, in one commit. It reports false without touching the
// index when src is not tracked. The lock is always released.
func MoveFile(l *Locked, src, dst string, keep bool) (bool, error) {
	entry, ok := l.Snapshot().Get(src)
	if !ok {
		l.Unlock()
		return false, nil
	}

	ed := l.Editor()
	ed.Add(DeletePath{Path: src})
	if keep {
		ed.Add(UpsertPath{Path: dst, Apply: CopyMetaData(entry)})
	}
	return ed.Commit()
}

// MoveTree re-roots every entry under oldPrefix at newPrefix in one
// commit. It returns MoveUntracked, leaving the index alone, when nothing
// under oldPrefix is staged. The lock is always released.
func MoveTree(l *Locked, oldPrefix, newPrefix string) (MoveResult, error) {
	entries := l.Snapshot().EntriesWithin(oldPrefix)
	if len(entries) == 0 {
		l.Unlock()
		return MoveUntracked, nil
	}

	ed := l.Editor()
	ed.Add(DeleteTree{Prefix: oldPrefix})
	for _, e := range entries {
		ed.Add(UpsertPath{
			Path:  JoinPath(newPrefix, TreeSuffix(e.Path, oldPrefix)),
			Apply: CopyMetaData(e),
		})
	}
	if ok, err := ed.Commit(); !ok {
		return MoveFailed, err
	}
	return MoveSuccess, nil
}

// RemoveTree drops everything under prefix. It returns MoveUntracked when
// nothing was staged there. The lock is always released.
func RemoveTree(l *Locked, prefix string) (MoveResult, error) {
	if len(l.Snapshot().EntriesWithin(prefix)) == 0 {
		l.Unlock()
		return MoveUntracked, nil
	}

	ed := l.Editor()
	ed.Add(DeleteTree{Prefix: prefix})
	if ok, err := ed.Commit(); !ok {
		return MoveFailed, err
	}
	return MoveSuccess, nil
}

// TreeSuffix returns p relative to prefix. A prefix of "" is the root.
func TreeSuffix(p, prefix string) string {
	if prefix == "" {
		return p
	}
	if p == prefix {
		return ""
	}
	return strings.TrimPrefix(p, prefix+"/")
}
