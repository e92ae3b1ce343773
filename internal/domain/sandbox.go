package domain

// Sandbox is the ephemeral isolated working copy owned by exactly one work
// order. Branch-kind sandboxes check out a new branch in the repository's
// clone; worktree-kind sandboxes get a linked worktree of their own.
type Sandbox struct {
	OrderID    string
	Kind       SandboxType
	Path       string // working directory for agent subprocesses
	BranchName string
	BaseCommit string
}
