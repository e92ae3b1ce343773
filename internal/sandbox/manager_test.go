package sandbox

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/forgeloop/forge-orchestrator/internal/domain"
)

func setupGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	cmds := [][]string{
		{"git", "init", "-b", "main"},
		{"git", "config", "user.email", "test@test.com"},
		{"git", "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("%v failed: %s", args, out)
		}
	}

	os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test"), 0644)
	for _, args := range [][]string{{"git", "add", "."}, {"git", "commit", "-m", "initial"}} {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		cmd.Run()
	}
	return dir
}

func testRepo(t *testing.T) *domain.Repository {
	return &domain.Repository{
		ID:            "demo",
		URL:           setupGitRepo(t),
		DefaultBranch: "main",
	}
}

func newManager(t *testing.T) *Manager {
	base := t.TempDir()
	return NewManager(filepath.Join(base, "repos"), filepath.Join(base, "worktrees"))
}

func TestManager_CreateWorktree(t *testing.T) {
	m := newManager(t)
	repo := testRepo(t)

	sb, err := m.Create(repo, domain.SandboxWorktree, "order-1234-abcd")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(sb.Path); err != nil {
		t.Fatalf("worktree path missing: %v", err)
	}
	if sb.BranchName != "forge/wo-order-12" {
		t.Errorf("BranchName = %q", sb.BranchName)
	}
	if sb.BaseCommit == "" {
		t.Error("BaseCommit not set")
	}

	if err := m.Destroy(repo, sb); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(sb.Path); !os.IsNotExist(err) {
		t.Error("worktree path still exists after destroy")
	}
}

func TestManager_CreateBranch(t *testing.T) {
	m := newManager(t)
	repo := testRepo(t)

	sb, err := m.Create(repo, domain.SandboxBranch, "order-branch-1")
	if err != nil {
		t.Fatal(err)
	}
	if sb.Path != m.RepoDir(repo.ID) {
		t.Errorf("Path = %q, want clone dir %q", sb.Path, m.RepoDir(repo.ID))
	}

	if err := m.Destroy(repo, sb); err != nil {
		t.Fatal(err)
	}
}

func TestManager_ConflictOnSecondCreate(t *testing.T) {
	m := newManager(t)
	repo := testRepo(t)

	if _, err := m.Create(repo, domain.SandboxWorktree, "order-x"); err != nil {
		t.Fatal(err)
	}

	_, err := m.Create(repo, domain.SandboxWorktree, "order-x")
	if err == nil {
		t.Fatal("expected conflict error")
	}
	var conflict *domain.SandboxConflictError
	if !errors.As(err, &conflict) {
		t.Errorf("error type = %T, want *domain.SandboxConflictError", err)
	}
}

func TestManager_CreateFailsOnBadRepo(t *testing.T) {
	m := newManager(t)
	repo := &domain.Repository{ID: "bad", URL: "/no/such/repo"}

	_, err := m.Create(repo, domain.SandboxWorktree, "order-y")
	if err == nil {
		t.Fatal("expected creation error")
	}
	var creation *domain.SandboxCreationError
	if !errors.As(err, &creation) {
		t.Errorf("error type = %T, want *domain.SandboxCreationError", err)
	}

	// Failed create releases the slot: a retry must not report a conflict
	_, err = m.Create(repo, domain.SandboxWorktree, "order-y")
	if !errors.As(err, &creation) {
		t.Errorf("retry error type = %T, want *domain.SandboxCreationError", err)
	}
}

func TestManager_DestroyIsIdempotent(t *testing.T) {
	m := newManager(t)
	repo := testRepo(t)

	sb, err := m.Create(repo, domain.SandboxWorktree, "order-z")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Destroy(repo, sb); err != nil {
		t.Fatal(err)
	}
	if err := m.Destroy(repo, sb); err != nil {
		t.Errorf("second destroy: %v", err)
	}
	if m.Live("order-z") != nil {
		t.Error("sandbox still registered after destroy")
	}
}

func TestFromOrder(t *testing.T) {
	w := &domain.WorkOrder{
		ID:            "abc",
		SandboxType:   domain.SandboxWorktree,
		SandboxPath:   "/tmp/wt",
		SandboxBranch: "forge/wo-abc",
	}
	sb := FromOrder(w)
	if sb == nil || sb.Path != "/tmp/wt" || sb.BranchName != "forge/wo-abc" {
		t.Errorf("FromOrder = %+v", sb)
	}

	if FromOrder(&domain.WorkOrder{ID: "none"}) != nil {
		t.Error("FromOrder without sandbox fields should be nil")
	}
}
