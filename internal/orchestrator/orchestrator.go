// Package orchestrator drives work orders through their selected workflow
// steps: one sequential run task per order, bounded globally by a slot pool.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/forgeloop/forge-orchestrator/internal/config"
	"github.com/forgeloop/forge-orchestrator/internal/domain"
	"github.com/forgeloop/forge-orchestrator/internal/executor"
	"github.com/forgeloop/forge-orchestrator/internal/github"
	"github.com/forgeloop/forge-orchestrator/internal/gitops"
	"github.com/forgeloop/forge-orchestrator/internal/repos"
	"github.com/forgeloop/forge-orchestrator/internal/sandbox"
	"github.com/forgeloop/forge-orchestrator/internal/state"
	"github.com/forgeloop/forge-orchestrator/internal/steps"
)

// PRClient is the hosting-service surface the orchestrator needs. Satisfied
// by *github.Client; stubbed in tests.
type PRClient interface {
	CreatePullRequest(ctx context.Context, repoURL, title, body, head, base string) (*github.PullRequest, error)
	LinkIssue(ctx context.Context, repoURL string, issueNumber int, prURL string) error
}

// SubmitRequest is an external submission
type SubmitRequest struct {
	RepositoryID string   `json:"repository_id"`
	UserRequest  string   `json:"user_request"`
	Steps        []string `json:"selected_steps"`
	SandboxType  string   `json:"sandbox_type,omitempty"`
	IssueNumber  int      `json:"issue_number,omitempty"`
}

// run is the process-local execution record for one active order
type run struct {
	cancel context.CancelFunc
	buf    *executor.LogBuffer
	done   chan struct{}

	// persisted counts the buffer lines already folded into the order's
	// saved logs, so log streamers know where the live tail begins
	persisted atomic.Int64
}

// Orchestrator owns the work-order lifecycle. One run task per active id;
// steps within an order never overlap.
type Orchestrator struct {
	cfg       *config.Config
	store     state.Repository
	registry  *repos.Registry
	sandboxes *sandbox.Manager
	loader    *steps.Loader
	exec      *executor.Executor
	pool      *slotPool
	prs       PRClient // nil disables pull-request creation

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*run

	// OnUpdate, when set before any Submit, observes every persisted order
	// transition with a private copy.
	OnUpdate func(*domain.WorkOrder)
}

// New wires an orchestrator. prs may be nil when no token is configured.
func New(cfg *config.Config, store state.Repository, registry *repos.Registry,
	sandboxes *sandbox.Manager, loader *steps.Loader, prs PRClient) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		registry:  registry,
		sandboxes: sandboxes,
		loader:    loader,
		exec: executor.New(cfg.Agent.Command, cfg.Agent.ExtraArgs,
			time.Duration(cfg.Agent.GracePeriodSeconds)*time.Second),
		pool:       newSlotPool(cfg.General.MaxParallelRuns),
		prs:        prs,
		baseCtx:    ctx,
		baseCancel: cancel,
		runs:       make(map[string]*run),
	}
}

// Submit validates the request and persists a new pending order. It returns
// without executing; Dispatch picks the order up.
func (o *Orchestrator) Submit(req SubmitRequest) (*domain.WorkOrder, error) {
	repo := o.registry.Get(req.RepositoryID)
	if repo == nil {
		return nil, fmt.Errorf("unknown repository %q", req.RepositoryID)
	}
	if strings.TrimSpace(req.UserRequest) == "" {
		return nil, fmt.Errorf("user request must not be empty")
	}
	if err := o.loader.ValidateSelection(req.Steps); err != nil {
		return nil, err
	}

	kind := domain.SandboxType(req.SandboxType)
	if kind == "" {
		kind = repo.DefaultSandboxType
	}
	if kind == "" {
		kind = domain.SandboxWorktree
	}
	if kind != domain.SandboxBranch && kind != domain.SandboxWorktree {
		return nil, fmt.Errorf("unknown sandbox type %q", req.SandboxType)
	}

	now := time.Now().UTC()
	order := &domain.WorkOrder{
		ID:           uuid.NewString(),
		RepositoryID: req.RepositoryID,
		UserRequest:  req.UserRequest,
		Steps:        append([]string(nil), req.Steps...),
		SandboxType:  kind,
		Status:       domain.StatusPending,
		IssueNumber:  req.IssueNumber,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	order.SessionID = executor.SessionID(order.ID)

	if err := o.store.Save(order); err != nil {
		return nil, err
	}
	o.notify(order)
	return order.Clone(), nil
}

// Dispatch starts pending orders while execution slots are free. Called after
// Submit and Resume, and periodically by maintenance.
func (o *Orchestrator) Dispatch() {
	pending, err := o.store.List(state.ListFilter{Status: domain.StatusPending})
	if err != nil {
		log.Printf("dispatch: listing pending orders: %v", err)
		return
	}
	for _, order := range pending {
		if !o.pool.tryAcquire() {
			return
		}
		if !o.launch(order) {
			o.pool.release() // someone else owns the id
		}
	}
}

// Get returns a copy of the order
func (o *Orchestrator) Get(id string) (*domain.WorkOrder, error) {
	order, err := o.store.Get(id)
	if err != nil {
		return nil, err
	}
	return order.Clone(), nil
}

// List returns copies of matching orders
func (o *Orchestrator) List(filter state.ListFilter) ([]*domain.WorkOrder, error) {
	orders, err := o.store.List(filter)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.WorkOrder, len(orders))
	for i, w := range orders {
		out[i] = w.Clone()
	}
	return out, nil
}

// LiveStream returns the streaming log buffer of an active run together with
// the count of buffer lines already folded into the order's persisted logs.
// Streamers replay the persisted logs first and then tail the buffer from that
// count, so lines appended mid-step are neither skipped nor duplicated. Returns
// (nil, 0) when no run is active.
func (o *Orchestrator) LiveStream(id string) (*executor.LogBuffer, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.runs[id]; ok {
		return r.buf, int(r.persisted.Load())
	}
	return nil, 0
}

// FreeSlots reports currently unclaimed execution slots
func (o *Orchestrator) FreeSlots() int { return o.pool.free() }

// Cancel stops an order. Active runs are signalled and awaited; pending and
// review orders move straight to cancelled. done, failed and cancelled orders
// are a no-op: a failed order keeps its retained sandbox for inspection and
// resume.
func (o *Orchestrator) Cancel(id string) (*domain.WorkOrder, error) {
	o.mu.Lock()
	if r, isActive := o.runs[id]; isActive {
		o.mu.Unlock()
		r.cancel()
		<-r.done // run task persists the cancelled state itself
		return o.Get(id)
	}
	// Claim the id with a placeholder so a concurrent launch cannot start
	// the order while we move it to cancelled.
	r := &run{cancel: func() {}, buf: executor.NewLogBuffer(), done: make(chan struct{})}
	o.runs[id] = r
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.runs, id)
		o.mu.Unlock()
		close(r.done)
	}()

	order, err := o.store.Get(id)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() && order.Status != domain.StatusReview {
		return order.Clone(), nil
	}

	o.teardownSandbox(order)
	o.finish(order, domain.StatusCancelled, "")
	return order.Clone(), nil
}

// Resume re-queues an order parked in review or failed. The next run picks up
// at the first selected step not yet completed.
func (o *Orchestrator) Resume(id string) (*domain.WorkOrder, error) {
	if o.active(id) {
		return nil, fmt.Errorf("order %s is already running", id)
	}
	order, err := o.store.Get(id)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.StatusReview && order.Status != domain.StatusFailed {
		return nil, fmt.Errorf("order %s is %s, only review or failed orders can resume", id, order.Status)
	}

	order.Status = domain.StatusPending
	order.ErrorMessage = ""
	order.CompletedAt = nil
	order.UpdatedAt = time.Now().UTC()
	if err := o.store.Save(order); err != nil {
		return nil, err
	}
	o.notify(order)
	o.Dispatch()
	return order.Clone(), nil
}

// Shutdown cancels all active runs and waits for them to persist their state
func (o *Orchestrator) Shutdown() {
	o.baseCancel()
	o.wg.Wait()
}

func (o *Orchestrator) active(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[id]
	return ok
}

// launch claims the order id and starts its run task. Claiming is a single
// check-and-insert under the lock: whoever inserts into runs owns the id, so
// concurrent dispatchers can never start two tasks for the same order.
func (o *Orchestrator) launch(order *domain.WorkOrder) bool {
	ctx, cancel := context.WithCancel(o.baseCtx)
	r := &run{cancel: cancel, buf: executor.NewLogBuffer(), done: make(chan struct{})}

	o.mu.Lock()
	if _, claimed := o.runs[order.ID]; claimed {
		o.mu.Unlock()
		cancel()
		return false
	}
	o.runs[order.ID] = r
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.pool.release()
		defer func() {
			o.mu.Lock()
			delete(o.runs, order.ID)
			o.mu.Unlock()
			close(r.done)
		}()
		o.drive(ctx, r, order)
	}()
	return true
}

// drive executes the order's remaining steps sequentially. It owns the order
// record exclusively until it returns.
func (o *Orchestrator) drive(ctx context.Context, r *run, order *domain.WorkOrder) {
	// Re-read under the claim: the snapshot listed by Dispatch may predate a
	// concurrent cancel or an earlier dispatcher finishing the same order.
	fresh, err := o.store.Get(order.ID)
	if err != nil {
		log.Printf("run %s: reloading order: %v", order.ID, err)
		return
	}
	order = fresh
	if order.Status != domain.StatusPending {
		return
	}

	repo := o.registry.Get(order.RepositoryID)
	if repo == nil {
		o.finish(order, domain.StatusFailed, fmt.Sprintf("repository %q no longer configured", order.RepositoryID))
		return
	}

	defs, err := o.loader.Resolve(repo, order.Steps)
	if err != nil {
		o.finish(order, domain.StatusFailed, err.Error())
		return
	}

	order.Status = domain.StatusRunning
	order.RunnerPID = os.Getpid()
	order.UpdatedAt = time.Now().UTC()
	if err := o.store.Save(order); err != nil {
		log.Printf("run %s: persisting running state: %v", order.ID, err)
	}
	o.notify(order)

	sb, err := o.obtainSandbox(repo, order)
	if err != nil {
		o.finish(order, domain.StatusFailed, err.Error())
		return
	}

	for _, def := range defs {
		if order.StepCompleted(def.Name) {
			continue
		}
		if ctx.Err() != nil {
			o.cancelled(repo, order, sb)
			return
		}

		order.CurrentPhase = def.Name
		order.AppendLog(def.Name, domain.StreamSystem, "step started")
		order.UpdatedAt = time.Now().UTC()
		o.persist(order)

		if err := o.runStep(ctx, r, def, order, repo, sb); err != nil {
			if ctx.Err() != nil {
				o.cancelled(repo, order, sb)
				return
			}
			o.failed(r, order, def.Name, err)
			return
		}

		order.MarkStepCompleted(def.Name)
		order.AppendLog(def.Name, domain.StreamSystem, "step completed")
		order.UpdatedAt = time.Now().UTC()
		o.persist(order)
		// The step's buffer output is in the saved logs now; advance the
		// marker after the save so streamers never miss the window between.
		r.persisted.Store(int64(r.buf.Len()))
	}

	o.teardown(repo, order, sb)
	o.finish(order, domain.StatusDone, "")
}

// obtainSandbox creates a fresh sandbox or re-adopts the one a parked order
// kept. Re-adopted sandboxes recover their base commit from the merge base
// with the default branch.
func (o *Orchestrator) obtainSandbox(repo *domain.Repository, order *domain.WorkOrder) (*domain.Sandbox, error) {
	if order.HasSandbox() {
		sb := sandbox.FromOrder(order)
		if err := o.sandboxes.Adopt(sb); err != nil {
			return nil, err
		}
		git := gitops.New(sb.Path)
		base, err := git.MergeBase(sb.BranchName, repo.BaseBranch())
		if err != nil {
			base, err = git.RevParse("HEAD")
			if err != nil {
				o.sandboxes.Release(order.ID)
				return nil, err
			}
		}
		sb.BaseCommit = base
		return sb, nil
	}

	sb, err := o.sandboxes.Create(repo, order.SandboxType, order.ID)
	if err != nil {
		return nil, err
	}
	order.SandboxBranch = sb.BranchName
	order.SandboxPath = sb.Path
	order.UpdatedAt = time.Now().UTC()
	o.persist(order)
	return sb, nil
}

func (o *Orchestrator) runStep(ctx context.Context, r *run, def steps.Definition,
	order *domain.WorkOrder, repo *domain.Repository, sb *domain.Sandbox) error {
	switch def.Name {
	case steps.StepCreateBranch:
		// The sandbox itself is the branch
		order.AppendLog(def.Name, domain.StreamSystem, "branch "+sb.BranchName)
		return nil

	case steps.StepCommit:
		git := gitops.New(sb.Path)
		if err := git.CommitAll(commitMessage(order)); err != nil {
			return err
		}
		order.AppendLog(def.Name, domain.StreamSystem, "committed changes on "+sb.BranchName)
		return nil

	case steps.StepCreatePR:
		o.createPullRequest(ctx, order, repo, sb)
		return nil

	default:
		return o.runAgentStep(ctx, r, def, order, repo, sb)
	}
}

// runAgentStep invokes the coding agent for one step and folds its output
// into the order record
func (o *Orchestrator) runAgentStep(ctx context.Context, r *run, def steps.Definition,
	order *domain.WorkOrder, repo *domain.Repository, sb *domain.Sandbox) error {
	prompt, err := o.loader.BuildPrompt(def, order, repo, o.agentTemplateID())
	if err != nil {
		return err
	}

	mark := r.buf.Len()
	timeout := time.Duration(o.cfg.Agent.StepTimeoutMinutes) * time.Minute
	_, execErr := o.exec.Execute(ctx, def.Name, prompt, sb, order.SessionID, timeout, r.buf)

	for _, line := range r.buf.Since(mark) {
		order.AppendLog(def.Name, line.Stream, line.Text)
	}

	changes, diffErr := gitops.New(sb.Path).ChangedFiles(sb.BaseCommit)
	if diffErr != nil {
		log.Printf("run %s: diffing %s: %v", order.ID, def.Name, diffErr)
	} else {
		order.MergeFileChanges(changes)
	}

	return execErr
}

// createPullRequest is best effort: API failures leave pull_request_url empty
// with a recorded warning, never failing the order
func (o *Orchestrator) createPullRequest(ctx context.Context, order *domain.WorkOrder,
	repo *domain.Repository, sb *domain.Sandbox) {
	warn := func(format string, args ...interface{}) {
		order.AppendLog(steps.StepCreatePR, domain.StreamSystem, fmt.Sprintf(format, args...))
	}

	if o.prs == nil {
		warn("pull request skipped: no API token configured")
		return
	}
	if err := gitops.New(sb.Path).Push(sb.BranchName); err != nil {
		warn("pull request skipped: pushing %s: %v", sb.BranchName, err)
		return
	}

	title := prTitle(order)
	body := prBody(order)
	pr, err := o.prs.CreatePullRequest(ctx, repo.URL, title, body, sb.BranchName, repo.BaseBranch())
	if err != nil {
		warn("pull request creation failed: %v", err)
		return
	}
	order.PullRequestURL = pr.HTMLURL
	order.AppendLog(steps.StepCreatePR, domain.StreamSystem, "opened "+pr.HTMLURL)

	if order.IssueNumber > 0 {
		if err := o.prs.LinkIssue(ctx, repo.URL, order.IssueNumber, pr.HTMLURL); err != nil {
			warn("linking issue #%d failed: %v", order.IssueNumber, err)
		}
	}
}

// failed parks the order: review when a selected review step remains ahead
// and execute already succeeded, failed otherwise. The sandbox is retained
// either way.
func (o *Orchestrator) failed(r *run, order *domain.WorkOrder, step string, err error) {
	status := domain.StatusFailed
	if o.parksInReview(order, step) {
		status = domain.StatusReview
	}

	msg := errorMessage(r.buf, err)
	order.AppendLog(step, domain.StreamSystem, "step failed: "+msg)
	o.sandboxes.Release(order.ID)
	o.finish(order, status, msg)
}

// parksInReview reports whether a failure should land in review instead of
// failed: the review step must be selected and still ahead, and execute must
// have succeeded already.
func (o *Orchestrator) parksInReview(order *domain.WorkOrder, failedStep string) bool {
	reviewSelected := false
	for _, s := range order.Steps {
		if s == steps.StepReview {
			reviewSelected = true
		}
	}
	if !reviewSelected || order.StepCompleted(steps.StepReview) {
		return false
	}
	return order.StepCompleted(steps.StepExecute) || failedStep == steps.StepReview
}

func (o *Orchestrator) cancelled(repo *domain.Repository, order *domain.WorkOrder, sb *domain.Sandbox) {
	o.teardown(repo, order, sb)
	o.finish(order, domain.StatusCancelled, "")
}

// teardown destroys the sandbox and clears its bookkeeping on the order
func (o *Orchestrator) teardown(repo *domain.Repository, order *domain.WorkOrder, sb *domain.Sandbox) {
	if sb == nil {
		return
	}
	if err := o.sandboxes.Destroy(repo, sb); err != nil {
		log.Printf("run %s: destroying sandbox: %v", order.ID, err)
	}
	order.SandboxBranch = ""
	order.SandboxPath = ""
}

// teardownSandbox is teardown for orders without an active run task
func (o *Orchestrator) teardownSandbox(order *domain.WorkOrder) {
	sb := sandbox.FromOrder(order)
	if sb == nil {
		return
	}
	if repo := o.registry.Get(order.RepositoryID); repo != nil {
		if err := o.sandboxes.Destroy(repo, sb); err != nil {
			log.Printf("cancel %s: destroying sandbox: %v", order.ID, err)
		}
	}
	order.SandboxBranch = ""
	order.SandboxPath = ""
}

// finish moves the order to a terminal status and persists it
func (o *Orchestrator) finish(order *domain.WorkOrder, status domain.Status, errMsg string) {
	now := time.Now().UTC()
	order.Status = status
	order.ErrorMessage = errMsg
	order.CurrentPhase = ""
	order.RunnerPID = 0
	order.UpdatedAt = now
	order.CompletedAt = &now
	o.persist(order)
}

func (o *Orchestrator) persist(order *domain.WorkOrder) {
	if err := o.store.Save(order); err != nil {
		log.Printf("order %s: persisting: %v", order.ID, err)
	}
	o.notify(order)
}

func (o *Orchestrator) notify(order *domain.WorkOrder) {
	if o.OnUpdate != nil {
		o.OnUpdate(order.Clone())
	}
}

func (o *Orchestrator) agentTemplateID() string {
	return filepath.Base(o.cfg.Agent.Command)
}

// errorMessage prefers the executor's failure detail, then the raw log tail
func errorMessage(buf *executor.LogBuffer, err error) string {
	var agentErr *domain.AgentExecutionError
	if errors.As(err, &agentErr) {
		if agentErr.Detail != "" {
			return agentErr.Detail
		}
		if tail := buf.Tail(3); tail != "" {
			return tail
		}
	}
	return err.Error()
}

func commitMessage(order *domain.WorkOrder) string {
	return firstLine(order.UserRequest, 72)
}

func prTitle(order *domain.WorkOrder) string {
	return firstLine(order.UserRequest, 80)
}

func prBody(order *domain.WorkOrder) string {
	var b strings.Builder
	b.WriteString(order.UserRequest)
	if len(order.FileChanges) > 0 {
		b.WriteString("\n\nFiles changed:\n")
		for _, c := range order.FileChanges {
			fmt.Fprintf(&b, "- %s (%s)\n", c.Path, c.Kind)
		}
	}
	if order.IssueNumber > 0 {
		fmt.Fprintf(&b, "\nCloses #%d\n", order.IssueNumber)
	}
	return b.String()
}

func firstLine(s string, max int) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	if len(line) > max {
		line = line[:max-3] + "..."
	}
	return line
}
