// Package mapping keeps the workspace configuration that says which
// project directory belongs to which repository.
package mapping

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	ierrors "tigsync/internal/errors"
	"tigsync/internal/repository"
	"tigsync/internal/storage"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Registration is the persisted association of a project directory with
// a repository metadata directory.
type Registration struct {
	Project     string `json:"project"`
	MetadataDir string `json:"metadata_dir"`
}

func (r *Registration) GetID() string { return r.Project }

// Mapping is the result of resolving a path.
type Mapping struct {
	Project     string
	MetadataDir string
	Repository  *repository.Repository
	// RelPath is the path relative to the repository work tree, slash
	// separated. The work tree itself is "".
	RelPath string
}

// Registry resolves paths to repositories. Registrations survive restarts
// in the workspace database.
type Registry struct {
	mu       sync.RWMutex
	store    *storage.BadgerStore
	projects map[string]string
	repos    *repository.Manager
	logger   *zap.Logger
}

// NewRegistry loads the registrations held in db. Repositories are
// opened through repos on demand.
func NewRegistry(db *badger.DB, repos *repository.Manager, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store := storage.NewBadgerStore(db, "mapping")
	var regs []Registration
	if err := store.List(&regs); err != nil {
		return nil, fmt.Errorf("loading mappings: %w", err)
	}

	projects := make(map[string]string, len(regs))
	for _, reg := range regs {
		projects[reg.Project] = reg.MetadataDir
	}
	return &Registry{store: store, projects: projects, repos: repos, logger: logger}, nil
}

// Register maps project to the repository whose metadata is in metaDir,
// replacing any earlier mapping of project.
func (r *Registry) Register(project, metaDir string) error {
	project, err := filepath.Abs(project)
	if err != nil {
		return ierrors.ValidationError("invalid project path", map[string]interface{}{"project": project})
	}
	metaDir, err = filepath.Abs(metaDir)
	if err != nil {
		return ierrors.ValidationError("invalid metadata path", map[string]interface{}{"metadata_dir": metaDir})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Put(&Registration{Project: project, MetadataDir: metaDir}); err != nil {
		return fmt.Errorf("registering %s: %w", project, err)
	}
	r.projects[project] = metaDir
	r.logger.Info("project mapped",
		zap.String("project", project),
		zap.String("metadata_dir", metaDir))
	return nil
}

// Unregister removes the mapping of project. The repository handle is
// closed once no mapping refers to it.
func (r *Registry) Unregister(project string) error {
	project = filepath.Clean(project)

	r.mu.Lock()
	defer r.mu.Unlock()

	metaDir, ok := r.projects[project]
	if !ok {
		return ierrors.NotFound(fmt.Sprintf("project %s is not mapped", project))
	}
	if err := r.store.Delete(project); err != nil {
		return fmt.Errorf("unregistering %s: %w", project, err)
	}
	delete(r.projects, project)
	r.logger.Info("project unmapped", zap.String("project", project))

	for _, other := range r.projects {
		if other == metaDir {
			return nil
		}
	}
	if err := r.repos.Release(metaDir); err != nil {
		return fmt.Errorf("closing repository %s: %w", metaDir, err)
	}
	return nil
}

// Resolve returns the mapping governing path, or nil when no registered
// project contains it. The innermost project wins.
func (r *Registry) Resolve(path string) (*Mapping, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, ierrors.ValidationError("invalid path", map[string]interface{}{"path": path})
	}

	r.mu.RLock()
	project, metaDir := r.lookup(path)
	r.mu.RUnlock()
	if project == "" {
		return nil, nil
	}

	repo, err := r.repos.Get(metaDir)
	if err != nil {
		return nil, fmt.Errorf("opening repository for %s: %w", project, err)
	}
	rel, ok := repo.RelPath(path)
	if !ok {
		r.logger.Warn("mapped path outside repository work tree",
			zap.String("path", path),
			zap.String("work_tree", repo.WorkTree))
		return nil, nil
	}
	return &Mapping{Project: project, MetadataDir: metaDir, Repository: repo, RelPath: rel}, nil
}

func (r *Registry) lookup(path string) (string, string) {
	var best string
	for project := range r.projects {
		if Within(path, project) && len(project) > len(best) {
			best = project
		}
	}
	if best == "" {
		return "", ""
	}
	return best, r.projects[best]
}

// IsProtected reports whether path is the metadata directory of a mapped
// repository.
func (r *Registry) IsProtected(path string) bool {
	path = filepath.Clean(path)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, metaDir := range r.projects {
		if metaDir == path {
			return true
		}
	}
	return false
}

// ProjectsOf returns the projects mapped to metaDir, sorted.
func (r *Registry) ProjectsOf(metaDir string) []string {
	metaDir = filepath.Clean(metaDir)

	r.mu.RLock()
	defer r.mu.RUnlock()
	var projects []string
	for project, dir := range r.projects {
		if dir == metaDir {
			projects = append(projects, project)
		}
	}
	sort.Strings(projects)
	return projects
}

// Release closes the repository in metaDir if it is open. The next
// Resolve opens it again from wherever the mappings then point.
func (r *Registry) Release(metaDir string) error {
	if err := r.repos.Release(metaDir); err != nil {
		return fmt.Errorf("closing repository %s: %w", metaDir, err)
	}
	return nil
}

// List returns all registrations sorted by project.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := make([]Registration, 0, len(r.projects))
	for project, metaDir := range r.projects {
		regs = append(regs, Registration{Project: project, MetadataDir: metaDir})
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].Project < regs[j].Project })
	return regs
}

// Within reports whether path is dir or lies beneath it. Both must be
// clean absolute paths.
func Within(path, dir string) bool {
	if path == dir {
		return true
	}
	if dir == string(filepath.Separator) {
		return strings.HasPrefix(path, dir)
	}
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}
