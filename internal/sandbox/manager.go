// Package sandbox provisions and destroys the isolated working copy owned by
// a work order: either a branch checked out in the repository's clone, or a
// linked git worktree. Exactly one live sandbox may exist per work order.
package sandbox

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/forgeloop/forge-orchestrator/internal/domain"
	"github.com/forgeloop/forge-orchestrator/internal/gitops"
)

// Manager creates and tears down sandboxes. Clones live under reposDir keyed
// by repository id; worktrees live under worktreeDir.
type Manager struct {
	reposDir    string
	worktreeDir string

	mu   sync.Mutex
	live map[string]*domain.Sandbox // order id -> live sandbox
}

// NewManager creates a Manager rooted at the given directories
func NewManager(reposDir, worktreeDir string) *Manager {
	return &Manager{
		reposDir:    reposDir,
		worktreeDir: worktreeDir,
		live:        make(map[string]*domain.Sandbox),
	}
}

// RepoDir returns the clone directory for a repository id
func (m *Manager) RepoDir(repoID string) string {
	return filepath.Join(m.reposDir, repoID)
}

// Live returns the live sandbox for an order, or nil
func (m *Manager) Live(orderID string) *domain.Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[orderID]
}

// BranchName returns the sandbox branch for a work order id
func BranchName(orderID string) string {
	short := orderID
	if len(short) > 8 {
		short = short[:8]
	}
	return "forge/wo-" + short
}

// Create provisions a sandbox for the order. A second call while a sandbox is
// live for the same order fails with *domain.SandboxConflictError.
func (m *Manager) Create(repo *domain.Repository, kind domain.SandboxType, orderID string) (*domain.Sandbox, error) {
	m.mu.Lock()
	if _, exists := m.live[orderID]; exists {
		m.mu.Unlock()
		return nil, &domain.SandboxConflictError{OrderID: orderID}
	}
	// Reserve the slot before the git work so concurrent creates collide here
	placeholder := &domain.Sandbox{OrderID: orderID, Kind: kind}
	m.live[orderID] = placeholder
	m.mu.Unlock()

	sb, err := m.provision(repo, kind, orderID)
	if err != nil {
		m.mu.Lock()
		delete(m.live, orderID)
		m.mu.Unlock()
		return nil, &domain.SandboxCreationError{OrderID: orderID, Err: err}
	}

	m.mu.Lock()
	m.live[orderID] = sb
	m.mu.Unlock()
	return sb, nil
}

func (m *Manager) provision(repo *domain.Repository, kind domain.SandboxType, orderID string) (*domain.Sandbox, error) {
	cloneDir := m.RepoDir(repo.ID)
	if _, err := os.Stat(cloneDir); os.IsNotExist(err) {
		if err := os.MkdirAll(m.reposDir, 0755); err != nil {
			return nil, fmt.Errorf("creating repos dir: %w", err)
		}
		if err := gitops.Clone(repo.URL, cloneDir); err != nil {
			return nil, err
		}
	}

	git := gitops.New(cloneDir)
	base := repo.BaseBranch()
	git.Fetch(base)

	baseRef := "origin/" + base
	if !git.HasRef(baseRef) {
		baseRef = base
		if !git.HasRef(baseRef) {
			baseRef = "HEAD"
		}
	}

	branch := BranchName(orderID)

	// Clear leftovers from an earlier run of the same order
	git.WorktreePrune()
	git.DeleteBranch(branch)

	sb := &domain.Sandbox{
		OrderID:    orderID,
		Kind:       kind,
		BranchName: branch,
	}

	switch kind {
	case domain.SandboxWorktree:
		if err := os.MkdirAll(m.worktreeDir, 0755); err != nil {
			return nil, fmt.Errorf("creating worktree dir: %w", err)
		}
		dirName := fmt.Sprintf("%s-%s-%s", repo.ID, shortID(orderID), randomSuffix())
		wtPath := filepath.Join(m.worktreeDir, dirName)
		if err := git.WorktreeAdd(wtPath, branch, baseRef); err != nil {
			return nil, err
		}
		sb.Path = wtPath

	case domain.SandboxBranch:
		if err := git.CreateBranch(branch, baseRef); err != nil {
			return nil, err
		}
		sb.Path = cloneDir

	default:
		return nil, fmt.Errorf("unknown sandbox type %q", kind)
	}

	commit, err := gitops.New(sb.Path).RevParse("HEAD")
	if err != nil {
		return nil, err
	}
	sb.BaseCommit = commit

	return sb, nil
}

// Destroy removes the sandbox's worktree or branch and releases the order's
// slot. Safe to call on every exit path; unknown sandboxes are a no-op.
func (m *Manager) Destroy(repo *domain.Repository, sb *domain.Sandbox) error {
	if sb == nil {
		return nil
	}
	defer func() {
		m.mu.Lock()
		delete(m.live, sb.OrderID)
		m.mu.Unlock()
	}()

	git := gitops.New(m.RepoDir(repo.ID))

	switch sb.Kind {
	case domain.SandboxWorktree:
		if sb.Path != "" {
			if err := git.WorktreeRemove(sb.Path); err != nil {
				// The directory may already be gone; prune and fall through
				git.WorktreePrune()
				if _, statErr := os.Stat(sb.Path); statErr == nil {
					return err
				}
			}
		}
		git.DeleteBranch(sb.BranchName)

	case domain.SandboxBranch:
		// Leave the clone on the default branch before dropping ours
		if err := git.ForceCheckout(repo.BaseBranch()); err != nil {
			return err
		}
		git.DeleteBranch(sb.BranchName)
	}

	return nil
}

// Adopt re-registers a persisted sandbox as live. Used when a resumed order
// kept its sandbox across runs. Fails with *domain.SandboxConflictError if the
// order already has a live sandbox.
func (m *Manager) Adopt(sb *domain.Sandbox) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.live[sb.OrderID]; exists {
		return &domain.SandboxConflictError{OrderID: sb.OrderID}
	}
	m.live[sb.OrderID] = sb
	return nil
}

// Release drops the registry entry without touching git state. Used when an
// order parks in review/failed and keeps its sandbox for inspection.
func (m *Manager) Release(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, orderID)
}

// FromOrder rebuilds a Sandbox from persisted work-order fields, for teardown
// of sandboxes that outlived their process.
func FromOrder(w *domain.WorkOrder) *domain.Sandbox {
	if !w.HasSandbox() {
		return nil
	}
	return &domain.Sandbox{
		OrderID:    w.ID,
		Kind:       w.SandboxType,
		Path:       w.SandboxPath,
		BranchName: w.SandboxBranch,
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func randomSuffix() string {
	b := make([]byte, 3)
	rand.Read(b)
	return hex.EncodeToString(b)
}
