// Package state persists work orders. Two backends implement the same
// Repository interface: a file-backed store keeping one JSON document per
// order, and a SQLite store. The backend is chosen once at startup.
package state

import (
	"fmt"

	"github.com/forgeloop/forge-orchestrator/internal/domain"
)

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status       domain.Status
	RepositoryID string
}

// Repository persists work-order records. Save is a full overwrite of the
// record; writes for a given id are serialized by the single run task that
// owns the id, so implementations only need to be safe for concurrent use
// across different ids.
type Repository interface {
	Get(id string) (*domain.WorkOrder, error)
	Save(order *domain.WorkOrder) error
	List(filter ListFilter) ([]*domain.WorkOrder, error)
	Delete(id string) error
	Close() error
}

// Open selects and opens a backend: "file" keyed by order id under stateDir,
// or "sqlite" at dbPath.
func Open(backend, stateDir, dbPath string) (Repository, error) {
	switch backend {
	case "file":
		return NewFileRepository(stateDir)
	case "sqlite":
		return NewSQLiteRepository(dbPath)
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}
