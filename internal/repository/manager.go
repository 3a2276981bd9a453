package repository

import (
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Manager hands out one open Repository per metadata directory, so that
// handle identity means repository identity.
type Manager struct {
	mu     sync.Mutex
	open   map[string]*Repository
	opts   Options
	logger *zap.Logger
}

func NewManager(opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{open: make(map[string]*Repository), opts: opts, logger: logger}
}

// Get returns the repository for metaDir, opening it on first use.
func (m *Manager) Get(metaDir string) (*Repository, error) {
	key := filepath.Clean(metaDir)

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.open[key]; ok {
		return r, nil
	}
	r, err := Open(key, m.opts, m.logger)
	if err != nil {
		return nil, err
	}
	m.open[key] = r
	m.logger.Debug("repository opened", zap.String("metadata_dir", key))
	return r, nil
}

// Release closes the repository for metaDir if it is open.
func (m *Manager) Release(metaDir string) error {
	key := filepath.Clean(metaDir)

	m.mu.Lock()
	r, ok := m.open[key]
	delete(m.open, key)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	m.logger.Debug("repository released", zap.String("metadata_dir", key))
	return r.Close()
}

// Close closes every open repository.
func (m *Manager) Close() error {
	m.mu.Lock()
	open := m.open
	m.open = make(map[string]*Repository)
	m.mu.Unlock()

	var errs []error
	for key, r := range open {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing repositories: %v", errs)
	}
	return nil
}
