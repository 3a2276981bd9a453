// Package hook keeps repository indexes consistent with structural file
// operations. A file manager asks the Coordinator before it deletes or
// moves something; the Coordinator edits the index, then either performs
// the filesystem change through the Tree or leaves it to the caller.
package hook

import (
	"context"
	"fmt"
	"path/filepath"

	"tigsync/internal/dircache"
	ierrors "tigsync/internal/errors"
	"tigsync/internal/logging"
	"tigsync/internal/mapping"
	"tigsync/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outcome tells the file manager what to do with the original request.
type Outcome int

const (
	// NotApplicable leaves the request to the file manager's default
	// handling.
	NotApplicable Outcome = iota
	// Handled means the index was updated and the filesystem change made.
	Handled
	// Failed means the request must not go ahead. The error says why.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case NotApplicable:
		return "not_applicable"
	case Handled:
		return "handled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Tree is the file manager surface the Coordinator delegates to.
type Tree interface {
	IsSynchronized(path string) bool
	StandardDeleteFile(path string) error
	StandardMoveFile(src, dst string) error
	StandardMoveFolder(src, dst string) error
	StandardMoveProject(src, dst string) error
}

// Resolver maps working tree paths to repositories. It is consulted on
// every request and never cached.
type Resolver interface {
	Resolve(path string) (*mapping.Mapping, error)
	IsProtected(path string) bool
}

// Registrar records which project belongs to which repository.
type Registrar interface {
	Register(project, metaDir string) error
	Unregister(project string) error
	// ProjectsOf lists, in order, every project mapped to metaDir.
	ProjectsOf(metaDir string) []string
	// Release closes any handle open on the repository in metaDir.
	Release(metaDir string) error
}

// Flags accompany each request.
type Flags struct {
	// Force applies the request even when the file manager reports the
	// resource out of sync with the disk.
	Force bool
}

type Options struct {
	AllowNestedProjectMove bool
}

type Coordinator struct {
	tree      Tree
	resolver  Resolver
	registrar Registrar
	opts      Options
	logger    *zap.Logger
}

func NewCoordinator(tree Tree, resolver Resolver, registrar Registrar, opts Options, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		tree:      tree,
		resolver:  resolver,
		registrar: registrar,
		opts:      opts,
		logger:    logger,
	}
}

// DeleteFile removes a tracked file from its index before deleting it.
func (c *Coordinator) DeleteFile(ctx context.Context, path string, flags Flags) (Outcome, error) {
	log := c.begin(ctx, "delete-file", zap.String("path", path))

	path, err := absPath(path)
	if err != nil {
		return c.finish(log, Failed, err)
	}
	if !flags.Force && !c.tree.IsSynchronized(path) {
		return c.finish(log, NotApplicable, nil)
	}

	m, err := c.resolver.Resolve(path)
	if err != nil || m == nil {
		return c.failOrSkip(log, err)
	}

	l, err := m.Repository.Index.Lock()
	if err != nil {
		return c.finish(log, Failed, err)
	}
	before := l.Snapshot()
	deleted, err := dircache.DeleteEntry(l, m.RelPath)
	if err != nil {
		return c.finish(log, Failed, err)
	}
	if !deleted {
		return c.finish(log, NotApplicable, nil)
	}

	if err := c.tree.StandardDeleteFile(path); err != nil {
		return c.finish(log, Failed, c.restore(log, m.Repository, before, []string{m.RelPath}, err))
	}
	return c.finish(log, Handled, nil)
}

// DeleteFolder refuses to delete a repository metadata directory. Any
// other folder is left to the file manager: folders have no index entry
// of their own.
func (c *Coordinator) DeleteFolder(ctx context.Context, path string, flags Flags) (Outcome, error) {
	log := c.begin(ctx, "delete-folder", zap.String("path", path))
	outcome, err := c.checkProtected(path)
	return c.finish(log, outcome, err)
}

// DeleteProject applies the same protection as DeleteFolder.
func (c *Coordinator) DeleteProject(ctx context.Context, path string, flags Flags) (Outcome, error) {
	log := c.begin(ctx, "delete-project", zap.String("path", path))
	outcome, err := c.checkProtected(path)
	return c.finish(log, outcome, err)
}

func (c *Coordinator) checkProtected(path string) (Outcome, error) {
	path, err := absPath(path)
	if err != nil {
		return Failed, err
	}
	if c.resolver.IsProtected(path) {
		return Failed, ierrors.Protected(fmt.Sprintf("%s is a repository metadata directory", path))
	}
	return NotApplicable, nil
}

// MoveFile carries the index entry of src over to dst when both lie in
// the same repository. Otherwise src is only dropped from its index and
// dst starts out untracked.
func (c *Coordinator) MoveFile(ctx context.Context, src, dst string, flags Flags) (Outcome, error) {
	log := c.begin(ctx, "move-file", zap.String("src", src), zap.String("dst", dst))

	src, dst, err := absPair(src, dst)
	if err != nil {
		return c.finish(log, Failed, err)
	}
	if !flags.Force && !c.tree.IsSynchronized(src) {
		return c.finish(log, NotApplicable, nil)
	}

	sm, err := c.resolver.Resolve(src)
	if err != nil || sm == nil {
		return c.failOrSkip(log, err)
	}
	dm, err := c.resolver.Resolve(dst)
	if err != nil {
		return c.finish(log, Failed, err)
	}
	same := sameRepository(sm, dm)

	l, err := sm.Repository.Index.Lock()
	if err != nil {
		return c.finish(log, Failed, err)
	}
	before := l.Snapshot()
	dstRel := ""
	if same {
		dstRel = dm.RelPath
	}
	if _, err := dircache.MoveFile(l, sm.RelPath, dstRel, same); err != nil {
		return c.finish(log, Failed, err)
	}

	if err := c.tree.StandardMoveFile(src, dst); err != nil {
		touched := []string{sm.RelPath}
		if same {
			touched = append(touched, dm.RelPath)
		}
		return c.finish(log, Failed, c.restore(log, sm.Repository, before, touched, err))
	}
	return c.finish(log, Handled, nil)
}

// MoveFolder re-roots everything staged under src at dst within one
// repository. Across repositories the entries under src are dropped.
func (c *Coordinator) MoveFolder(ctx context.Context, src, dst string, flags Flags) (Outcome, error) {
	log := c.begin(ctx, "move-folder", zap.String("src", src), zap.String("dst", dst))

	src, dst, err := absPair(src, dst)
	if err != nil {
		return c.finish(log, Failed, err)
	}
	if !flags.Force && !c.tree.IsSynchronized(src) {
		return c.finish(log, NotApplicable, nil)
	}

	sm, err := c.resolver.Resolve(src)
	if err != nil || sm == nil {
		return c.failOrSkip(log, err)
	}
	dm, err := c.resolver.Resolve(dst)
	if err != nil {
		return c.finish(log, Failed, err)
	}
	same := sameRepository(sm, dm)

	l, err := sm.Repository.Index.Lock()
	if err != nil {
		return c.finish(log, Failed, err)
	}
	before := l.Snapshot()

	var result dircache.MoveResult
	if same {
		result, err = dircache.MoveTree(l, sm.RelPath, dm.RelPath)
	} else {
		result, err = dircache.RemoveTree(l, sm.RelPath)
	}
	switch result {
	case dircache.MoveFailed:
		return c.finish(log, Failed, err)
	case dircache.MoveUntracked:
		return c.finish(log, NotApplicable, nil)
	}

	if err := c.tree.StandardMoveFolder(src, dst); err != nil {
		touched := movedPaths(before, sm.RelPath, dm, same)
		return c.finish(log, Failed, c.restore(log, sm.Repository, before, touched, err))
	}
	return c.finish(log, Handled, nil)
}

// MoveProject relocates a project. Inside its repository's work tree the
// project's entries move with it. When the project carries the
// repository's metadata directory the whole repository moves and the
// mapping follows it. Anything else is left to the file manager.
func (c *Coordinator) MoveProject(ctx context.Context, src, dst string, flags Flags) (Outcome, error) {
	log := c.begin(ctx, "move-project", zap.String("src", src), zap.String("dst", dst))

	src, dst, err := absPair(src, dst)
	if err != nil {
		return c.finish(log, Failed, err)
	}

	sm, err := c.resolver.Resolve(src)
	if err != nil || sm == nil {
		return c.failOrSkip(log, err)
	}

	if dst != src && mapping.Within(dst, src) && !c.opts.AllowNestedProjectMove {
		return c.finish(log, Failed, ierrors.UnsafeGeometry(
			"cannot move a project into its own subtree",
			map[string]interface{}{"src": src, "dst": dst}))
	}

	if dstRel, ok := sm.Repository.RelPath(dst); ok {
		outcome, err := c.moveProjectInTree(log, sm, src, dst, dstRel)
		return c.finish(log, outcome, err)
	}
	if sm.Project == src && mapping.Within(sm.MetadataDir, src) {
		outcome, err := c.relocateRepository(log, sm, src, dst)
		return c.finish(log, outcome, err)
	}
	log.Info("project leaves its repository, reconnect it manually",
		zap.String("metadata_dir", sm.MetadataDir))
	return c.finish(log, NotApplicable, nil)
}

func (c *Coordinator) moveProjectInTree(log *zap.Logger, sm *mapping.Mapping, src, dst, dstRel string) (Outcome, error) {
	repo := sm.Repository

	l, err := repo.Index.Lock()
	if err != nil {
		return Failed, err
	}
	before := l.Snapshot()
	result, err := dircache.MoveTree(l, sm.RelPath, dstRel)
	if result == dircache.MoveFailed {
		return Failed, err
	}

	if err := c.tree.StandardMoveProject(src, dst); err != nil {
		if result == dircache.MoveUntracked {
			return Failed, fmt.Errorf("moving project: %w", err)
		}
		touched := movedPaths(before, sm.RelPath, &mapping.Mapping{Repository: repo, RelPath: dstRel}, true)
		return Failed, c.restore(log, repo, before, touched, err)
	}

	if sm.Project != src {
		return Handled, nil
	}
	// Map the new location before dropping the old one so the repository
	// stays open throughout.
	if err := c.registrar.Register(dst, sm.MetadataDir); err != nil {
		return Failed, ierrors.Reconcile(fmt.Sprintf("project moved to %s but could not be mapped", dst), err)
	}
	if err := c.registrar.Unregister(src); err != nil {
		return Failed, ierrors.Reconcile(fmt.Sprintf("stale mapping left for %s", src), err)
	}
	return Handled, nil
}

func (c *Coordinator) relocateRepository(log *zap.Logger, sm *mapping.Mapping, src, dst string) (Outcome, error) {
	rel, err := filepath.Rel(src, sm.MetadataDir)
	if err != nil {
		return Failed, fmt.Errorf("locating metadata directory: %w", err)
	}

	projects := c.registrar.ProjectsOf(sm.MetadataDir)
	for _, p := range projects {
		if !mapping.Within(p, src) {
			return Failed, ierrors.UnsafeGeometry(
				"repository is also mapped from outside the moved project",
				map[string]interface{}{"project": p, "metadata_dir": sm.MetadataDir})
		}
	}

	for i, p := range projects {
		if err := c.registrar.Unregister(p); err != nil {
			return Failed, c.remap(projects[:i+1], sm.MetadataDir, err)
		}
	}
	// Nothing may keep the database open while its directory moves.
	if err := c.registrar.Release(sm.MetadataDir); err != nil {
		return Failed, c.remap(projects, sm.MetadataDir, fmt.Errorf("closing repository: %w", err))
	}
	if err := c.tree.StandardMoveProject(src, dst); err != nil {
		return Failed, c.remap(projects, sm.MetadataDir, fmt.Errorf("moving project: %w", err))
	}

	metaDir := filepath.Join(dst, rel)
	for _, p := range projects {
		sub, _ := filepath.Rel(src, p)
		moved := filepath.Join(dst, sub)
		if err := c.registrar.Register(moved, metaDir); err != nil {
			return Failed, ierrors.Reconcile(fmt.Sprintf("repository moved to %s but %s could not be mapped", metaDir, moved), err)
		}
	}
	log.Info("repository relocated",
		zap.String("metadata_dir", metaDir),
		zap.Int("projects", len(projects)))
	return Handled, nil
}

// remap restores project mappings after a relocation was abandoned.
func (c *Coordinator) remap(projects []string, metaDir string, cause error) error {
	for _, p := range projects {
		if err := c.registrar.Register(p, metaDir); err != nil {
			return ierrors.Reconcile(fmt.Sprintf("project %s left unmapped", p), err)
		}
	}
	return cause
}

// restore puts the entries at touched back the way they were in before,
// after the filesystem refused a change the index already reflects.
func (c *Coordinator) restore(log *zap.Logger, repo *repository.Repository, before *dircache.Snapshot, touched []string, cause error) error {
	log.Warn("filesystem change failed, restoring index", zap.Error(cause))

	l, err := repo.Index.Lock()
	if err != nil {
		return ierrors.Reconcile("index no longer matches the work tree", err)
	}
	ed := l.Editor()
	for _, p := range touched {
		if e, ok := before.Get(p); ok {
			ed.Add(dircache.UpsertPath{Path: p, Apply: dircache.CopyMetaData(e)})
		} else {
			ed.Add(dircache.DeletePath{Path: p})
		}
	}
	if _, err := ed.Commit(); err != nil {
		return ierrors.Reconcile("index no longer matches the work tree", err)
	}
	return fmt.Errorf("filesystem change failed: %w", cause)
}

// movedPaths lists the index paths a subtree move from srcRel touched.
func movedPaths(before *dircache.Snapshot, srcRel string, dm *mapping.Mapping, same bool) []string {
	var paths []string
	for _, e := range before.EntriesWithin(srcRel) {
		paths = append(paths, e.Path)
		if same {
			paths = append(paths, dircache.JoinPath(dm.RelPath, dircache.TreeSuffix(e.Path, srcRel)))
		}
	}
	return paths
}

func sameRepository(sm, dm *mapping.Mapping) bool {
	return dm != nil && dm.Repository == sm.Repository
}

func (c *Coordinator) begin(ctx context.Context, op string, fields ...zap.Field) *zap.Logger {
	if _, ok := ctx.Value(logging.OperationIDKey).(string); !ok {
		ctx = logging.WithOperationID(ctx, uuid.NewString())
	}
	return logging.FromContext(ctx, c.logger).With(zap.String("hook", op)).With(fields...)
}

func (c *Coordinator) failOrSkip(log *zap.Logger, err error) (Outcome, error) {
	if err != nil {
		return c.finish(log, Failed, err)
	}
	return c.finish(log, NotApplicable, nil)
}

func (c *Coordinator) finish(log *zap.Logger, outcome Outcome, err error) (Outcome, error) {
	switch outcome {
	case Failed:
		log.Warn("structural operation refused", zap.Error(err))
	case Handled:
		log.Info("structural operation handled")
	default:
		log.Debug("structural operation left to file manager")
	}
	return outcome, err
}

func absPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", ierrors.ValidationError("invalid path", map[string]interface{}{"path": p})
	}
	return abs, nil
}

func absPair(src, dst string) (string, string, error) {
	src, err := absPath(src)
	if err != nil {
		return "", "", err
	}
	dst, err = absPath(dst)
	if err != nil {
		return "", "", err
	}
	return src, dst, nil
}
