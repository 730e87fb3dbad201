package worktree

import (
	"context"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentrun/internal/common/config"
	"github.com/kandev/agentrun/internal/common/logger"
	"github.com/kandev/agentrun/internal/db"
)

// Managers hands out one Manager per repository so operations on the same
// primary checkout share a lock.
type Managers struct {
	config Config
	store  Store
	logger *logger.Logger

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewManagers returns a per-repository manager cache. store may be nil.
func NewManagers(cfg Config, store Store, log *logger.Logger) (*Managers, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Managers{
		config:   cfg,
		store:    store,
		logger:   log,
		managers: make(map[string]*Manager),
	}, nil
}

// For returns the manager for the repository at repoPath, creating it on
// first use. It fails with ErrRepoNotGit for non-repositories.
func (p *Managers) For(ctx context.Context, repoPath string) (*Manager, error) {
	key := repoPath
	if abs, err := filepath.Abs(repoPath); err == nil {
		key = abs
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.managers[key]; ok {
		return m, nil
	}
	m, err := NewManager(ctx, key, p.config, p.store, p.logger)
	if err != nil {
		return nil, err
	}
	// A subdirectory and the repository root share one manager.
	if existing, ok := p.managers[m.RepoPath()]; ok {
		m = existing
	}
	p.managers[key] = m
	p.managers[m.RepoPath()] = m
	return m, nil
}

// RepoPaths returns the repositories with persisted worktree records and
// those opened through For, sorted.
func (p *Managers) RepoPaths(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	p.mu.Lock()
	for _, m := range p.managers {
		seen[m.RepoPath()] = true
	}
	p.mu.Unlock()

	if p.store != nil {
		stored, err := p.store.RepoPaths(ctx)
		if err != nil {
			return nil, err
		}
		for _, path := range stored {
			seen[path] = true
		}
	}
	paths := make([]string, 0, len(seen))
	for path := range seen {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}

// Close releases the store.
func (p *Managers) Close() error {
	if p.store == nil {
		return nil
	}
	return p.store.Close()
}

// Provide builds the worktree managers from configuration. Worktree records
// are persisted to sqlite when worktree.statePath is set.
func Provide(cfg config.WorktreeConfig, log *logger.Logger) (*Managers, func() error, error) {
	var store Store
	if cfg.StatePath != "" {
		path := config.ExpandHome(cfg.StatePath)
		conn, err := db.Open(db.SQLite3, path)
		if err != nil {
			return nil, nil, err
		}
		sqlStore, err := NewSQLStore(conn)
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		store = sqlStore
		log.Info("Using sqlite worktree store", zap.String("path", path))
	}
	managers, err := NewManagers(Config{
		DirName:      cfg.DirName,
		BranchPrefix: cfg.BranchPrefix,
	}, store, log)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, nil, err
	}
	return managers, managers.Close, nil
}
