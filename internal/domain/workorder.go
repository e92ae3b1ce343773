package domain

import "time"

// LogEntry is one line of work-order output. Entries are append-only while
// the order is active; Seq is assigned by the orchestrator in arrival order.
type LogEntry struct {
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Phase     string    `json:"phase"`
	Stream    Stream    `json:"stream"`
	Text      string    `json:"text"`
}

// FileChange records one path touched by a step
type FileChange struct {
	Path string     `json:"path"`
	Kind ChangeKind `json:"kind"`
}

// WorkOrder is one discrete request to apply an AI-driven code change to a
// repository. It is the unit of persistence and of execution.
type WorkOrder struct {
	ID           string      `json:"id"`
	RepositoryID string      `json:"repository_id"`
	UserRequest  string      `json:"user_request"`
	Steps        []string    `json:"selected_steps"`
	SandboxType  SandboxType `json:"sandbox_type"`
	Status       Status      `json:"status"`
	CurrentPhase string      `json:"current_phase,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`

	// Steps that finished successfully, in execution order. Resume picks up
	// at the first selected step not present here.
	CompletedSteps []string `json:"completed_steps,omitempty"`

	Logs        []LogEntry   `json:"execution_logs"`
	FileChanges []FileChange `json:"file_changes"`

	IssueNumber    int    `json:"issue_number,omitempty"`
	PullRequestURL string `json:"pull_request_url,omitempty"`

	// Sandbox bookkeeping, set while a sandbox is live.
	SandboxBranch string `json:"sandbox_branch,omitempty"`
	SandboxPath   string `json:"sandbox_path,omitempty"`

	// SessionID is the deterministic agent session for this order.
	SessionID string `json:"session_id,omitempty"`

	// RunnerPID is the pid of the supervising process while status=running.
	// The reconciler probes it after a restart to detect orphans.
	RunnerPID int `json:"runner_pid,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HasSandbox reports whether the order still owns sandbox state
func (w *WorkOrder) HasSandbox() bool {
	return w.SandboxBranch != "" || w.SandboxPath != ""
}

// StepCompleted reports whether the named step already finished successfully
func (w *WorkOrder) StepCompleted(name string) bool {
	for _, s := range w.CompletedSteps {
		if s == name {
			return true
		}
	}
	return false
}

// MarkStepCompleted records a successful step exactly once
func (w *WorkOrder) MarkStepCompleted(name string) {
	if !w.StepCompleted(name) {
		w.CompletedSteps = append(w.CompletedSteps, name)
	}
}

// AppendLog adds an entry with the next sequence number
func (w *WorkOrder) AppendLog(phase string, stream Stream, text string) {
	w.Logs = append(w.Logs, LogEntry{
		Seq:       len(w.Logs),
		Timestamp: time.Now().UTC(),
		Phase:     phase,
		Stream:    stream,
		Text:      text,
	})
}

// MergeFileChanges folds step-level changes into the order's change set,
// keyed by path. A later kind for the same path wins.
func (w *WorkOrder) MergeFileChanges(changes []FileChange) {
	for _, c := range changes {
		replaced := false
		for i := range w.FileChanges {
			if w.FileChanges[i].Path == c.Path {
				w.FileChanges[i].Kind = c.Kind
				replaced = true
				break
			}
		}
		if !replaced {
			w.FileChanges = append(w.FileChanges, c)
		}
	}
}

// Clone returns a deep copy safe to hand to concurrent readers
func (w *WorkOrder) Clone() *WorkOrder {
	out := *w
	out.Steps = append([]string(nil), w.Steps...)
	out.CompletedSteps = append([]string(nil), w.CompletedSteps...)
	out.Logs = append([]LogEntry(nil), w.Logs...)
	out.FileChanges = append([]FileChange(nil), w.FileChanges...)
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
