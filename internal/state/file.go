package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/forgeloop/forge-orchestrator/internal/domain"
)

// FileRepository stores one JSON document per work order under its directory.
// Writes go through a temp file and rename so a crash never leaves a
// half-written record.
type FileRepository struct {
	dir string
}

// NewFileRepository creates the directory if needed
func NewFileRepository(dir string) (*FileRepository, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return &FileRepository{dir: dir}, nil
}

func (r *FileRepository) path(id string) string {
	return filepath.Join(r.dir, id+".json")
}

// Get returns the record for id, or domain.ErrNotFound
func (r *FileRepository) Get(id string) (*domain.WorkOrder, error) {
	data, err := os.ReadFile(r.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	var order domain.WorkOrder
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("decoding order %s: %w", id, err)
	}
	return &order, nil
}

// Save overwrites the record atomically
func (r *FileRepository) Save(order *domain.WorkOrder) error {
	data, err := json.MarshalIndent(order, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(r.dir, "."+order.ID+"-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), r.path(order.ID))
}

// List returns records matching the filter, oldest first
func (r *FileRepository) List(filter ListFilter) ([]*domain.WorkOrder, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}

	var orders []*domain.WorkOrder
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		order, err := r.Get(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue // skip records written by a newer or corrupted version
		}
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		if filter.RepositoryID != "" && order.RepositoryID != filter.RepositoryID {
			continue
		}
		orders = append(orders, order)
	}

	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

// Delete removes the record; missing ids return domain.ErrNotFound
func (r *FileRepository) Delete(id string) error {
	err := os.Remove(r.path(id))
	if os.IsNotExist(err) {
		return domain.ErrNotFound
	}
	return err
}

// Close is a no-op for the file backend
func (r *FileRepository) Close() error { return nil }
