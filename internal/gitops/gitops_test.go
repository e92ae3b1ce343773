package gitops

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

func TestGit_CreateBranchAndCurrentBranch(t *testing.T) {
	g := New(setupGitRepo(t))

	if err := g.CreateBranch("forge/test-branch", "HEAD"); err != nil {
		t.Fatal(err)
	}

	branch, err := g.CurrentBranch()
	if err != nil {
		t.Fatal(err)
	}
	if branch != "forge/test-branch" {
		t.Errorf("CurrentBranch = %q, want forge/test-branch", branch)
	}
}

func TestGit_WorktreeAddRemove(t *testing.T) {
	g := New(setupGitRepo(t))
	wtPath := filepath.Join(t.TempDir(), "wt")

	if err := g.WorktreeAdd(wtPath, "forge/wt-branch", "HEAD"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(wtPath); err != nil {
		t.Fatalf("worktree not created: %v", err)
	}

	if err := g.WorktreeRemove(wtPath); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(wtPath); !os.IsNotExist(err) {
		t.Error("worktree directory still exists")
	}
}

func TestGit_ChangedFiles(t *testing.T) {
	dir := setupGitRepo(t)
	g := New(dir)

	base, err := g.RevParse("HEAD")
	if err != nil {
		t.Fatal(err)
	}

	// Modify a tracked file, add an untracked one
	os.WriteFile(filepath.Join(dir, "README.md"), []byte("changed"), 0644)
	os.WriteFile(filepath.Join(dir, "new.go"), []byte("package x"), 0644)

	changes, err := g.ChangedFiles(base)
	if err != nil {
		t.Fatal(err)
	}

	kinds := make(map[string]domain.ChangeKind)
	for _, c := range changes {
		kinds[c.Path] = c.Kind
	}
	if kinds["README.md"] != domain.ChangeModified {
		t.Errorf("README.md kind = %q, want modified", kinds["README.md"])
	}
	if kinds["new.go"] != domain.ChangeAdded {
		t.Errorf("new.go kind = %q, want added", kinds["new.go"])
	}
}

func TestGit_ChangedFilesAfterCommit(t *testing.T) {
	dir := setupGitRepo(t)
	g := New(dir)

	base, _ := g.RevParse("HEAD")
	os.WriteFile(filepath.Join(dir, "feature.go"), []byte("package x"), 0644)
	if err := g.CommitAll("add feature"); err != nil {
		t.Fatal(err)
	}

	// Committed changes still show relative to base
	changes, err := g.ChangedFiles(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 || changes[0].Path != "feature.go" {
		t.Errorf("changes = %+v, want [feature.go]", changes)
	}
}

func TestGit_RunError(t *testing.T) {
	g := New(setupGitRepo(t))
	_, err := g.run("rev-parse", "no-such-ref")
	if err == nil {
		t.Fatal("expected error")
	}
	var gitErr *domain.GitOperationError
	if !errors.As(err, &gitErr) {
		t.Errorf("error type = %T, want *domain.GitOperationError", err)
	}
}
