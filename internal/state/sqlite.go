package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/forgeloop/forge-orchestrator/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS work_orders (
    id TEXT PRIMARY KEY,
    repository_id TEXT NOT NULL,
    user_request TEXT NOT NULL,
    steps TEXT NOT NULL,
    sandbox_type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    current_phase TEXT,
    error_message TEXT,
    completed_steps TEXT,
    logs TEXT,
    file_changes TEXT,
    issue_number INTEGER,
    pull_request_url TEXT,
    sandbox_branch TEXT,
    sandbox_path TEXT,
    session_id TEXT,
    runner_pid INTEGER,
    created_at TIMESTAMP,
    updated_at TIMESTAMP,
    completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_work_orders_status ON work_orders(status);
CREATE INDEX IF NOT EXISTS idx_work_orders_repository ON work_orders(repository_id);
`

// SQLiteRepository persists work orders in a single SQLite table. List-typed
// fields (steps, logs, file changes) are stored as JSON columns.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens or creates the database and runs migrations
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

const orderColumns = `id, repository_id, user_request, steps, sandbox_type, status,
	current_phase, error_message, completed_steps, logs, file_changes,
	issue_number, pull_request_url, sandbox_branch, sandbox_path, session_id,
	runner_pid, created_at, updated_at, completed_at`

// Save overwrites the full record
func (r *SQLiteRepository) Save(order *domain.WorkOrder) error {
	steps, err := json.Marshal(order.Steps)
	if err != nil {
		return err
	}
	completed, err := json.Marshal(order.CompletedSteps)
	if err != nil {
		return err
	}
	logs, err := json.Marshal(order.Logs)
	if err != nil {
		return err
	}
	changes, err := json.Marshal(order.FileChanges)
	if err != nil {
		return err
	}

	var completedAt interface{}
	if order.CompletedAt != nil {
		completedAt = *order.CompletedAt
	}

	_, err = r.db.Exec(`
		INSERT INTO work_orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			repository_id = excluded.repository_id,
			user_request = excluded.user_request,
			steps = excluded.steps,
			sandbox_type = excluded.sandbox_type,
			status = excluded.status,
			current_phase = excluded.current_phase,
			error_message = excluded.error_message,
			completed_steps = excluded.completed_steps,
			logs = excluded.logs,
			file_changes = excluded.file_changes,
			issue_number = excluded.issue_number,
			pull_request_url = excluded.pull_request_url,
			sandbox_branch = excluded.sandbox_branch,
			sandbox_path = excluded.sandbox_path,
			session_id = excluded.session_id,
			runner_pid = excluded.runner_pid,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`,
		order.ID,
		order.RepositoryID,
		order.UserRequest,
		string(steps),
		string(order.SandboxType),
		string(order.Status),
		order.CurrentPhase,
		order.ErrorMessage,
		string(completed),
		string(logs),
		string(changes),
		order.IssueNumber,
		order.PullRequestURL,
		order.SandboxBranch,
		order.SandboxPath,
		order.SessionID,
		order.RunnerPID,
		order.CreatedAt,
		order.UpdatedAt,
		completedAt,
	)
	return err
}

// Get returns the record for id, or domain.ErrNotFound
func (r *SQLiteRepository) Get(id string) (*domain.WorkOrder, error) {
	row := r.db.QueryRow(`SELECT `+orderColumns+` FROM work_orders WHERE id = ?`, id)
	order, err := scanOrder(row.Scan)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return order, err
}

// List returns records matching the filter, oldest first
func (r *SQLiteRepository) List(filter ListFilter) ([]*domain.WorkOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM work_orders WHERE 1=1`
	var args []interface{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.RepositoryID != "" {
		query += " AND repository_id = ?"
		args = append(args, filter.RepositoryID)
	}
	query += " ORDER BY created_at"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*domain.WorkOrder
	for rows.Next() {
		order, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// Delete removes the record; missing ids return domain.ErrNotFound
func (r *SQLiteRepository) Delete(id string) error {
	res, err := r.db.Exec(`DELETE FROM work_orders WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanOrder(scan func(dest ...interface{}) error) (*domain.WorkOrder, error) {
	var order domain.WorkOrder
	var steps, completed, logs, changes string
	var currentPhase, errorMessage, prURL, sbBranch, sbPath, sessionID sql.NullString
	var sandboxType, status string
	var completedAt sql.NullTime

	err := scan(
		&order.ID,
		&order.RepositoryID,
		&order.UserRequest,
		&steps,
		&sandboxType,
		&status,
		&currentPhase,
		&errorMessage,
		&completed,
		&logs,
		&changes,
		&order.IssueNumber,
		&prURL,
		&sbBranch,
		&sbPath,
		&sessionID,
		&order.RunnerPID,
		&order.CreatedAt,
		&order.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	order.SandboxType = domain.SandboxType(sandboxType)
	order.Status = domain.Status(status)
	order.CurrentPhase = currentPhase.String
	order.ErrorMessage = errorMessage.String
	order.PullRequestURL = prURL.String
	order.SandboxBranch = sbBranch.String
	order.SandboxPath = sbPath.String
	order.SessionID = sessionID.String
	if completedAt.Valid {
		t := completedAt.Time
		order.CompletedAt = &t
	}

	if err := json.Unmarshal([]byte(steps), &order.Steps); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(completed), &order.CompletedSteps); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(logs), &order.Logs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(changes), &order.FileChanges); err != nil {
		return nil, err
	}

	return &order, nil
}
