// Package dircache holds the staged-file ledger of one repository: an
// immutable, path-sorted snapshot of entries behind a single-writer lock,
// plus the two ways of producing a replacement snapshot (Builder and Editor).
package dircache

import (
	"fmt"
	"strings"
	"time"
)

// FileMode is the file-type/permission tag recorded for an entry.
type FileMode uint32

const (
	ModeRegular    FileMode = 0o100644
	ModeExecutable FileMode = 0o100755
	ModeSymlink    FileMode = 0o120000
	ModeGitlink    FileMode = 0o160000
)

func (m FileMode) String() string {
	return fmt.Sprintf("%06o", uint32(m))
}

// Stage values; anything above StageNormal is one side of a conflict.
const (
	StageNormal = 0
	StageBase   = 1
	StageOurs   = 2
	StageTheirs = 3
)

// Entry is one tracked path.
type Entry struct {
	Path     string    `json:"path"`
	Mode     FileMode  `json:"mode"`
	ObjectID string    `json:"object_id"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mtime"`
	Stage    int       `json:"stage"`
}

// Apply computes the fields of the entry at path. existing is the entry
// already recorded at path, or a zero Entry carrying only Path when the
// path is new. It must not retain or mutate anything it is given.
type Apply func(path string, existing Entry) Entry

// CopyMetaData returns an Apply that gives the new path src's metadata.
func CopyMetaData(src Entry) Apply {
	return func(path string, _ Entry) Entry {
		e := src
		e.Path = path
		return e
	}
}

// ValidPath reports whether p is a usable repository-relative path.
func ValidPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
		return false
	}
	for _, part := range strings.Split(p, "/") {
		switch part {
		case "", ".", "..":
			return false
		}
	}
	return !strings.ContainsRune(p, 0)
}

// inTree reports whether path is prefix itself or lies beneath it.
// The empty prefix is the repository root and contains everything.
func inTree(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// JoinPath joins a repository-relative directory and a suffix.
func JoinPath(dir, suffix string) string {
	switch {
	case dir == "":
		return suffix
	case suffix == "":
		return dir
	}
	return dir + "/" + suffix
}
