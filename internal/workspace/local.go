// Package workspace assembles the pieces a process needs to answer
// structural hooks: the mapping database, open repositories, and the
// coordinator that ties them to the filesystem.
package workspace

import (
	"fmt"
	"os"

	"tigsync/internal/config"
	"tigsync/internal/filemgr"
	"tigsync/internal/hook"
	"tigsync/internal/mapping"
	"tigsync/internal/repository"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// LocalWorkspace owns the mapping database and every repository opened
// on its behalf.
type LocalWorkspace struct {
	Root        string
	DB          *badger.DB
	Repos       *repository.Manager
	Registry    *mapping.Registry
	Coordinator *hook.Coordinator
	Logger      *zap.Logger
}

// NewLocalWorkspace opens the workspace described by cfg.
func NewLocalWorkspace(cfg *config.Config, logger *zap.Logger) (*LocalWorkspace, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	root := cfg.Workspace.Path
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace directory %s: %w", root, err)
	}

	opts := badger.DefaultOptions(root)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening workspace database: %w", err)
	}
	return newLocalWorkspace(root, db, cfg, logger)
}

func newLocalWorkspace(root string, db *badger.DB, cfg *config.Config, logger *zap.Logger) (*LocalWorkspace, error) {
	repos := repository.NewManager(repository.Options{
		CacheSize:       cfg.Safe.CacheSize,
		CompressMinSize: cfg.Safe.CompressMinSize,
	}, logger)

	registry, err := mapping.NewRegistry(db, repos, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	coordinator := hook.NewCoordinator(
		filemgr.NewLocal(logger),
		registry,
		registry,
		hook.Options{AllowNestedProjectMove: cfg.Hooks.AllowNestedProjectMove},
		logger,
	)

	return &LocalWorkspace{
		Root:        root,
		DB:          db,
		Repos:       repos,
		Registry:    registry,
		Coordinator: coordinator,
		Logger:      logger,
	}, nil
}

// Close closes every open repository, then the mapping database.
func (w *LocalWorkspace) Close() error {
	repoErr := w.Repos.Close()
	if err := w.DB.Close(); err != nil {
		return fmt.Errorf("closing workspace database: %w", err)
	}
	return repoErr
}
