// Package filemgr performs structural file operations on the local
// filesystem.
package filemgr

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Local carries out the filesystem half of a structural operation once
// the index has been updated.
type Local struct {
	logger *zap.Logger
}

func NewLocal(logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{logger: logger}
}

// IsSynchronized reports whether path is present on disk as the caller
// expects it to be. A path that vanished underneath the caller is out of
// sync.
func (l *Local) IsSynchronized(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func (l *Local) StandardDeleteFile(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	l.logger.Debug("file deleted", zap.String("path", path))
	return nil
}

func (l *Local) StandardMoveFile(src, dst string) error {
	return l.rename("file", src, dst)
}

func (l *Local) StandardMoveFolder(src, dst string) error {
	return l.rename("folder", src, dst)
}

func (l *Local) StandardMoveProject(src, dst string) error {
	return l.rename("project", src, dst)
}

func (l *Local) rename(kind, src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("moving %s %s: destination %s exists", kind, src, dst)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", dst, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("moving %s %s: %w", kind, src, err)
	}
	l.logger.Debug("moved",
		zap.String("kind", kind),
		zap.String("src", src),
		zap.String("dst", dst))
	return nil
}
