package state

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgeloop/forge-orchestrator/internal/domain"
)

func normalized(order *domain.WorkOrder) *domain.WorkOrder {
	out := order.Clone()
	out.CreatedAt = out.CreatedAt.UTC().Truncate(time.Millisecond)
	out.UpdatedAt = out.UpdatedAt.UTC().Truncate(time.Millisecond)
	if out.CompletedAt != nil {
		utc := out.CompletedAt.UTC().Truncate(time.Millisecond)
		out.CompletedAt = &utc
	}
	for i := range out.Logs {
		out.Logs[i].Timestamp = out.Logs[i].Timestamp.UTC().Truncate(time.Millisecond)
	}
	return out
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func testOrder(id string) *domain.WorkOrder {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	return &domain.WorkOrder{
		ID:             id,
		RepositoryID:   "demo-repo",
		UserRequest:    "add a health endpoint",
		Steps:          []string{"create-branch", "execute", "commit"},
		SandboxType:    domain.SandboxWorktree,
		Status:         domain.StatusPending,
		CompletedSteps: []string{},
		Logs:           []domain.LogEntry{},
		FileChanges:    []domain.FileChange{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// both backends must behave identically
func backends(t *testing.T) map[string]Repository {
	t.Helper()
	file, err := NewFileRepository(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sqlite, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "orders.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Repository{"file": file, "sqlite": sqlite}
}

func TestRepository_SaveGetRoundTrip(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			order := testOrder("wo-1")
			order.Status = domain.StatusRunning
			order.CurrentPhase = "execute"
			order.CompletedSteps = []string{"create-branch"}
			order.RunnerPID = 4242
			order.SandboxBranch = "forge/wo-1"
			order.SandboxPath = "/tmp/wt"
			order.SessionID = "11111111-2222-3333-4444-555555555555"
			order.AppendLog("execute", domain.StreamStdout, "hello")
			order.FileChanges = []domain.FileChange{{Path: "main.go", Kind: domain.ChangeModified}}
			done := time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)
			order.CompletedAt = &done

			if err := repo.Save(order); err != nil {
				t.Fatal(err)
			}
			got, err := repo.Get("wo-1")
			if err != nil {
				t.Fatal(err)
			}
			// compare the JSON forms so time.Time internals do not matter
			want := mustJSON(t, normalized(order))
			have := mustJSON(t, normalized(got))
			if want != have {
				t.Errorf("round trip mismatch:\nsaved %s\ngot   %s", want, have)
			}
		})
	}
}

func TestRepository_GetMissing(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := repo.Get("nope"); !errors.Is(err, domain.ErrNotFound) {
				t.Errorf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestRepository_SaveOverwrites(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			order := testOrder("wo-1")
			if err := repo.Save(order); err != nil {
				t.Fatal(err)
			}
			order.Status = domain.StatusDone
			if err := repo.Save(order); err != nil {
				t.Fatal(err)
			}
			got, err := repo.Get("wo-1")
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != domain.StatusDone {
				t.Errorf("Status = %s, want done", got.Status)
			}
			all, err := repo.List(ListFilter{})
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 1 {
				t.Errorf("List returned %d orders, want 1", len(all))
			}
		})
	}
}

func TestRepository_ListFilters(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			a := testOrder("wo-a")
			a.Status = domain.StatusRunning
			b := testOrder("wo-b")
			b.Status = domain.StatusDone
			b.CreatedAt = a.CreatedAt.Add(time.Minute)
			c := testOrder("wo-c")
			c.Status = domain.StatusRunning
			c.RepositoryID = "other-repo"
			c.CreatedAt = a.CreatedAt.Add(2 * time.Minute)
			for _, o := range []*domain.WorkOrder{b, a, c} {
				if err := repo.Save(o); err != nil {
					t.Fatal(err)
				}
			}

			running, err := repo.List(ListFilter{Status: domain.StatusRunning})
			if err != nil {
				t.Fatal(err)
			}
			if len(running) != 2 || running[0].ID != "wo-a" || running[1].ID != "wo-c" {
				t.Errorf("running = %v", ids(running))
			}

			demo, err := repo.List(ListFilter{RepositoryID: "demo-repo"})
			if err != nil {
				t.Fatal(err)
			}
			if len(demo) != 2 {
				t.Errorf("demo = %v", ids(demo))
			}

			both, err := repo.List(ListFilter{Status: domain.StatusRunning, RepositoryID: "other-repo"})
			if err != nil {
				t.Fatal(err)
			}
			if len(both) != 1 || both[0].ID != "wo-c" {
				t.Errorf("both = %v", ids(both))
			}
		})
	}
}

func ids(orders []*domain.WorkOrder) []string {
	out := make([]string, len(orders))
	for i, o := range orders {
		out[i] = o.ID
	}
	return out
}

func TestRepository_Delete(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := repo.Save(testOrder("wo-1")); err != nil {
				t.Fatal(err)
			}
			if err := repo.Delete("wo-1"); err != nil {
				t.Fatal(err)
			}
			if _, err := repo.Get("wo-1"); !errors.Is(err, domain.ErrNotFound) {
				t.Errorf("Get after Delete = %v, want ErrNotFound", err)
			}
			if err := repo.Delete("wo-1"); !errors.Is(err, domain.ErrNotFound) {
				t.Errorf("second Delete = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestFileRepository_SkipsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewFileRepository(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.Save(testOrder("wo-1")); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0644)

	all, err := repo.List(ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].ID != "wo-1" {
		t.Errorf("List = %v", ids(all))
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	file, err := Open("file", dir, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := file.(*FileRepository); !ok {
		t.Errorf("backend type = %T", file)
	}

	sqlite, err := Open("sqlite", "", filepath.Join(dir, "orders.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer sqlite.Close()
	if _, ok := sqlite.(*SQLiteRepository); !ok {
		t.Errorf("backend type = %T", sqlite)
	}

	if _, err := Open("redis", "", ""); err == nil {
		t.Error("expected error for unknown backend")
	}
}
