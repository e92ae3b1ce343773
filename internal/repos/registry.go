// Package repos loads the registry of repositories that work orders may
// target. The registry lives in a single YAML file edited by operators.
package repos

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/forgeloop/forge-orchestrator/internal/domain"
)

type registryFile struct {
	Repositories []*domain.Repository `yaml:"repositories"`
}

// Registry holds repository configurations keyed by id. Reload swaps the
// whole set atomically, so readers never observe a partial update.
type Registry struct {
	path string

	mu   sync.RWMutex
	byID map[string]*domain.Repository
}

// Load reads the registry file. A missing file yields an empty registry so a
// fresh install can start before any repository is configured.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path, byID: map[string]*domain.Repository{}}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the registry file and replaces the in-memory set
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.mu.Lock()
			r.byID = map[string]*domain.Repository{}
			r.mu.Unlock()
			return nil
		}
		return err
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing %s: %w", r.path, err)
	}

	byID := make(map[string]*domain.Repository, len(file.Repositories))
	for _, repo := range file.Repositories {
		if repo.ID == "" {
			return fmt.Errorf("parsing %s: repository without id", r.path)
		}
		if repo.URL == "" {
			return fmt.Errorf("parsing %s: repository %s without url", r.path, repo.ID)
		}
		if _, dup := byID[repo.ID]; dup {
			return fmt.Errorf("parsing %s: duplicate repository id %s", r.path, repo.ID)
		}
		byID[repo.ID] = repo
	}

	r.mu.Lock()
	r.byID = byID
	r.mu.Unlock()
	return nil
}

// Get returns the repository with the given id, or nil
func (r *Registry) Get(id string) *domain.Repository {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// List returns all repositories sorted by id
func (r *Registry) List() []*domain.Repository {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Repository, 0, len(r.byID))
	for _, repo := range r.byID {
		out = append(out, repo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
