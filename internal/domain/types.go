package domain

// Status represents the lifecycle state of a work order
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusReview    Status = "review"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no runner currently owns an order in this status.
// review counts as terminal: the order waits for an explicit resume.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReview, StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// SandboxType selects the isolation mechanism for a work order
type SandboxType string

const (
	SandboxBranch   SandboxType = "branch"
	SandboxWorktree SandboxType = "worktree"
)

// Stream identifies the origin of a log entry
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamSystem Stream = "system"
)

// ChangeKind classifies a file change produced by a step
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeRenamed  ChangeKind = "renamed"
)
