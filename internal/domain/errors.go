package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by state repositories for unknown order ids
var ErrNotFound = errors.New("work order not found")

// InvalidStepSelectionError rejects a submission whose selected steps violate
// the step dependency graph. Never persisted: the order is refused up front.
type InvalidStepSelectionError struct {
	Step    string
	Missing string
}

func (e *InvalidStepSelectionError) Error() string {
	if e.Missing != "" {
		return fmt.Sprintf("invalid step selection: %q requires %q", e.Step, e.Missing)
	}
	return fmt.Sprintf("invalid step selection: unknown step %q", e.Step)
}

// SandboxCreationError wraps a git failure while provisioning a sandbox
type SandboxCreationError struct {
	OrderID string
	Err     error
}

func (e *SandboxCreationError) Error() string {
	return fmt.Sprintf("creating sandbox for %s: %v", e.OrderID, e.Err)
}

func (e *SandboxCreationError) Unwrap() error { return e.Err }

// SandboxConflictError signals a second concurrent sandbox for the same order
type SandboxConflictError struct {
	OrderID string
}

func (e *SandboxConflictError) Error() string {
	return fmt.Sprintf("sandbox already exists for work order %s", e.OrderID)
}

// AgentExecutionError reports a failed agent step: nonzero exit, a failure
// marker in output, or a timeout.
type AgentExecutionError struct {
	Step     string
	ExitCode int
	TimedOut bool
	Detail   string
}

func (e *AgentExecutionError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("step %q timed out", e.Step)
	}
	if e.Detail != "" {
		return fmt.Sprintf("step %q failed (exit %d): %s", e.Step, e.ExitCode, e.Detail)
	}
	return fmt.Sprintf("step %q failed (exit %d)", e.Step, e.ExitCode)
}

// GitOperationError wraps a git subprocess failure with its combined output
type GitOperationError struct {
	Op     string
	Output string
	Err    error
}

func (e *GitOperationError) Error() string {
	return fmt.Sprintf("git %s: %s: %v", e.Op, e.Output, e.Err)
}

func (e *GitOperationError) Unwrap() error { return e.Err }

// GitHubAPIError reports a hosting-service API failure. Non-fatal for the
// work order: the code workflow still completes.
type GitHubAPIError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *GitHubAPIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("github api: %v", e.Err)
	}
	return fmt.Sprintf("github api: status %d: %s", e.StatusCode, e.Body)
}

func (e *GitHubAPIError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient (network or 5xx)
func (e *GitHubAPIError) Retryable() bool {
	if e.Err != nil {
		return true
	}
	return e.StatusCode >= 500
}
