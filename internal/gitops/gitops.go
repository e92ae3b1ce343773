// Package gitops wraps the git command line for clone, branch, worktree,
// commit and push operations. All helpers run git with an explicit working
// directory and surface failures as *domain.GitOperationError carrying the
// combined output.
package gitops

import (
	"os/exec"
	"strings"

	"github.com/forgeloop/forge-orchestrator/internal/domain"
)

// Git runs git commands against one repository checkout
type Git struct {
	dir string
}

// New returns a Git bound to the given repository directory
func New(dir string) *Git {
	return &Git{dir: dir}
}

// Dir returns the repository directory
func (g *Git) Dir() string { return g.dir }

func (g *Git) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = g.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", &domain.GitOperationError{
			Op:     strings.Join(args, " "),
			Output: strings.TrimSpace(string(out)),
			Err:    err,
		}
	}
	return strings.TrimSpace(string(out)), nil
}

// Clone clones url into dest. dest must not exist yet.
func Clone(url, dest string) error {
	cmd := exec.Command("git", "clone", url, dest)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &domain.GitOperationError{
			Op:     "clone",
			Output: strings.TrimSpace(string(out)),
			Err:    err,
		}
	}
	return nil
}

// Fetch updates the named branch from origin. Missing remotes are tolerated
// so local-only repositories (tests, offline use) still work.
func (g *Git) Fetch(branch string) {
	cmd := exec.Command("git", "fetch", "origin", branch)
	cmd.Dir = g.dir
	cmd.Run()
}

// HasRef reports whether ref resolves in this repository
func (g *Git) HasRef(ref string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", "--quiet", ref)
	cmd.Dir = g.dir
	return cmd.Run() == nil
}

// RevParse resolves ref to a commit hash
func (g *Git) RevParse(ref string) (string, error) {
	return g.run("rev-parse", ref)
}

// MergeBase returns the best common ancestor of two refs
func (g *Git) MergeBase(a, b string) (string, error) {
	return g.run("merge-base", a, b)
}

// CurrentBranch returns the checked-out branch name
func (g *Git) CurrentBranch() (string, error) {
	return g.run("rev-parse", "--abbrev-ref", "HEAD")
}

// CreateBranch creates and checks out a branch starting at base
func (g *Git) CreateBranch(name, base string) error {
	_, err := g.run("checkout", "-b", name, base)
	return err
}

// Checkout switches the working copy to ref
func (g *Git) Checkout(ref string) error {
	_, err := g.run("checkout", ref)
	return err
}

// ForceCheckout switches to ref, discarding local modifications
func (g *Git) ForceCheckout(ref string) error {
	_, err := g.run("checkout", "--force", ref)
	return err
}

// DeleteBranch force-deletes a branch. Missing branches are tolerated.
func (g *Git) DeleteBranch(name string) {
	cmd := exec.Command("git", "branch", "-D", name)
	cmd.Dir = g.dir
	cmd.Run()
}

// WorktreeAdd creates a linked worktree at path on a new branch cut from base
func (g *Git) WorktreeAdd(path, branch, base string) error {
	_, err := g.run("worktree", "add", "-b", branch, path, base)
	return err
}

// WorktreeRemove force-removes the worktree at path
func (g *Git) WorktreeRemove(path string) error {
	_, err := g.run("worktree", "remove", "--force", path)
	return err
}

// WorktreePrune drops stale worktree bookkeeping
func (g *Git) WorktreePrune() {
	cmd := exec.Command("git", "worktree", "prune")
	cmd.Dir = g.dir
	cmd.Run()
}

// WorktreeList returns the paths of all linked worktrees
func (g *Git) WorktreeList() ([]string, error) {
	out, err := g.run("worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimPrefix(line, "worktree "))
		}
	}
	return paths, nil
}

// CommitAll stages everything and commits. Returns an error if there is
// nothing to commit.
func (g *Git) CommitAll(message string) error {
	if _, err := g.run("add", "-A"); err != nil {
		return err
	}
	_, err := g.run("commit", "-m", message)
	return err
}

// Push pushes branch to origin, setting the upstream
func (g *Git) Push(branch string) error {
	_, err := g.run("push", "-u", "origin", branch)
	return err
}

// ChangedFiles returns all paths that differ from base, committed or not,
// including untracked files. This is the work order's file_changes view.
func (g *Git) ChangedFiles(base string) ([]domain.FileChange, error) {
	seen := make(map[string]bool)
	var changes []domain.FileChange

	out, err := g.run("diff", "--name-status", base)
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		path := fields[len(fields)-1]
		if seen[path] {
			continue
		}
		seen[path] = true
		changes = append(changes, domain.FileChange{Path: path, Kind: kindFromStatus(fields[0])})
	}

	// Untracked files never show in diff output
	out, err = g.run("ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	for _, path := range strings.Split(out, "\n") {
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		changes = append(changes, domain.FileChange{Path: path, Kind: domain.ChangeAdded})
	}

	return changes, nil
}

func kindFromStatus(code string) domain.ChangeKind {
	switch {
	case strings.HasPrefix(code, "A"):
		return domain.ChangeAdded
	case strings.HasPrefix(code, "D"):
		return domain.ChangeDeleted
	case strings.HasPrefix(code, "R"):
		return domain.ChangeRenamed
	default:
		return domain.ChangeModified
	}
}
