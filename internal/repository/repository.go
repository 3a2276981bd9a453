// Package repository opens the on-disk pieces of one repository: the
// metadata directory, its badger database, the index store and the
// object safe.
package repository

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"tigsync/internal/dircache"
	ierrors "tigsync/internal/errors"
	"tigsync/internal/safe"
	"tigsync/internal/storage"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// MetadataDirName is the name of the metadata directory in a work tree.
const MetadataDirName = ".tig"

// Options configures repositories opened from disk.
type Options struct {
	CacheSize       int
	CompressMinSize int
}

// Repository is a handle on one repository. Two handles are the same
// repository exactly when they are the same pointer.
type Repository struct {
	WorkTree    string
	MetadataDir string
	DB          *badger.DB
	Index       *dircache.Store
	Safe        *safe.Safe
	Logger      *zap.Logger
}

// Initialize creates the metadata directory layout under workTree and
// returns the metadata directory.
func Initialize(workTree string) (string, error) {
	root, err := filepath.Abs(workTree)
	if err != nil {
		return "", fmt.Errorf("getting absolute path for %s: %w", workTree, err)
	}

	metaDir := filepath.Join(root, MetadataDirName)
	for _, dir := range []string{metaDir, filepath.Join(metaDir, "db"), filepath.Join(metaDir, "content")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return metaDir, nil
}

// FindMetadataDir searches startDir and its parents for a metadata
// directory.
func FindMetadataDir(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		candidate := filepath.Join(dir, MetadataDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", ierrors.NotFound(fmt.Sprintf("no repository found from %s", startDir))
}

// Open opens the repository whose metadata lives in metaDir. The work
// tree is the directory containing metaDir.
func Open(metaDir string, opts Options, logger *zap.Logger) (*Repository, error) {
	metaDir, err := filepath.Abs(metaDir)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path for %s: %w", metaDir, err)
	}
	if info, err := os.Stat(metaDir); err != nil || !info.IsDir() {
		return nil, ierrors.NotFound(fmt.Sprintf("no repository metadata at %s", metaDir))
	}

	dbOpts := badger.DefaultOptions(filepath.Join(metaDir, "db"))
	dbOpts.Logger = nil // Disable logging noise

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	index, err := dircache.NewStore(storage.NewIndexPersister(db), logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening index: %w", err)
	}

	compression := safe.DefaultCompressionOptions()
	if opts.CompressMinSize > 0 {
		compression.MinSize = opts.CompressMinSize
	}
	contentSafe, err := safe.New(db, safe.Options{
		Root:        filepath.Join(metaDir, "content"),
		CacheSize:   opts.CacheSize,
		Compression: compression,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing content safe: %w", err)
	}

	r := New(filepath.Dir(metaDir), metaDir, index, logger)
	r.DB = db
	r.Safe = contentSafe
	return r, nil
}

// New wraps an existing index store without any on-disk backing.
func New(workTree, metaDir string, index *dircache.Store, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		WorkTree:    filepath.Clean(workTree),
		MetadataDir: filepath.Clean(metaDir),
		Index:       index,
		Logger:      logger.With(zap.String("repository", workTree)),
	}
}

// RelPath converts an absolute path inside the work tree to a
// repository-relative, slash-separated path. The work tree itself maps
// to "".
func (r *Repository) RelPath(abs string) (string, bool) {
	rel, err := filepath.Rel(r.WorkTree, filepath.Clean(abs))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		return "", true
	}
	return filepath.ToSlash(rel), true
}

// Close releases the database. It is safe on a repository without one.
func (r *Repository) Close() error {
	if r.DB == nil {
		return nil
	}
	if err := r.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Add stages the given files, and every file beneath the given
// directories, with their current content.
func (r *Repository) Add(paths []string) (int, error) {
	if r.Safe == nil {
		return 0, fmt.Errorf("repository %s has no object store", r.WorkTree)
	}

	var files []string
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return 0, fmt.Errorf("resolving %s: %w", p, err)
		}
		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == MetadataDirName {
					return fs.SkipDir
				}
				return nil
			}
			files = append(files, path)
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("collecting files under %s: %w", p, err)
		}
	}

	l, err := r.Index.Lock()
	if err != nil {
		return 0, err
	}
	ed := l.Editor()
	for _, file := range files {
		entry, err := r.stageFile(file)
		if err != nil {
			l.Unlock()
			return 0, err
		}
		ed.Add(dircache.UpsertPath{Path: entry.Path, Apply: dircache.CopyMetaData(entry)})
	}
	if _, err := ed.Commit(); err != nil {
		return 0, fmt.Errorf("staging files: %w", err)
	}

	r.Logger.Info("files staged", zap.Int("count", len(files)))
	return len(files), nil
}

func (r *Repository) stageFile(file string) (dircache.Entry, error) {
	rel, ok := r.RelPath(file)
	if !ok || rel == "" {
		return dircache.Entry{}, ierrors.ValidationError(fmt.Sprintf("%s is outside the work tree %s", file, r.WorkTree), nil)
	}

	info, err := os.Lstat(file)
	if err != nil {
		return dircache.Entry{}, fmt.Errorf("getting file info: %w", err)
	}

	var content []byte
	mode := dircache.ModeRegular
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(file)
		if err != nil {
			return dircache.Entry{}, fmt.Errorf("reading link %s: %w", rel, err)
		}
		content, mode = []byte(target), dircache.ModeSymlink
	default:
		if content, err = os.ReadFile(file); err != nil {
			return dircache.Entry{}, fmt.Errorf("reading file %s: %w", rel, err)
		}
		if info.Mode()&0111 != 0 {
			mode = dircache.ModeExecutable
		}
	}

	hash, err := r.Safe.Store(rel, content)
	if err != nil {
		return dircache.Entry{}, fmt.Errorf("storing content of %s: %w", rel, err)
	}

	return dircache.Entry{
		Path:     rel,
		Mode:     mode,
		ObjectID: hash,
		Size:     int64(len(content)),
		ModTime:  info.ModTime(),
	}, nil
}

// StagedContent reads back the content the index records for rel.
func (r *Repository) StagedContent(rel string) ([]byte, error) {
	e, ok := r.Index.Snapshot().Get(rel)
	if !ok {
		return nil, ierrors.Untracked(fmt.Sprintf("%s is not staged", rel))
	}
	if r.Safe == nil {
		return nil, fmt.Errorf("repository %s has no object store", r.WorkTree)
	}
	content, err := r.Safe.Get(e.ObjectID)
	if err != nil {
		return nil, ierrors.Internal(fmt.Sprintf("reading staged content of %s", rel), err)
	}
	return content, nil
}

// Unstage drops the given repository-relative paths, and everything
// beneath them, from the index.
func (r *Repository) Unstage(relPaths []string) error {
	l, err := r.Index.Lock()
	if err != nil {
		return err
	}
	ed := l.Editor()
	for _, p := range relPaths {
		ed.Add(dircache.DeleteTree{Prefix: p})
	}
	if _, err := ed.Commit(); err != nil {
		return fmt.Errorf("unstaging: %w", err)
	}
	return nil
}
