package state

import (
	"context"
	"fmt"
	"log"
	"os"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forgeloop/forge-orchestrator/internal/domain"
	"github.com/forgeloop/forge-orchestrator/internal/sandbox"
)

// interruptedMessage is recorded on orders orphaned by a process restart
const interruptedMessage = "interrupted by restart"

// RepoResolver maps a repository id to its configuration; nil means unknown
type RepoResolver func(id string) *domain.Repository

// Reconciler repairs work orders left inconsistent by a prior crash: any
// order persisted as running whose supervising process no longer exists is
// marked failed and its sandbox destroyed. Running it twice yields the same
// final state.
type Reconciler struct {
	store     Repository
	sandboxes *sandbox.Manager
	resolve   RepoResolver

	// probe reports whether a supervising pid is alive; overridable in tests
	probe func(pid int) bool
}

// NewReconciler wires a reconciler over the given store and sandbox manager
func NewReconciler(store Repository, sandboxes *sandbox.Manager, resolve RepoResolver) *Reconciler {
	return &Reconciler{
		store:     store,
		sandboxes: sandboxes,
		resolve:   resolve,
		probe:     processAlive,
	}
}

// Run reconciles all running orders and returns how many were repaired.
// Per-order failures are logged and skipped so one bad record never blocks
// recovery of the rest.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	orders, err := r.store.List(ListFilter{Status: domain.StatusRunning})
	if err != nil {
		return 0, fmt.Errorf("listing running orders: %w", err)
	}

	repaired := make(chan struct{}, len(orders))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, order := range orders {
		order := order
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if order.RunnerPID != 0 && r.probe(order.RunnerPID) {
				return nil // a live runner still owns this order
			}
			if err := r.repair(order); err != nil {
				log.Printf("reconcile %s: %v", order.ID, err)
				return nil // best effort, keep going
			}
			repaired <- struct{}{}
			return nil
		})
	}

	err = g.Wait()
	close(repaired)
	return len(repaired), err
}

func (r *Reconciler) repair(order *domain.WorkOrder) error {
	if sb := sandbox.FromOrder(order); sb != nil {
		if repo := r.resolve(order.RepositoryID); repo != nil {
			if err := r.sandboxes.Destroy(repo, sb); err != nil {
				// Record but proceed: the order must not stay running
				log.Printf("reconcile %s: destroying sandbox: %v", order.ID, err)
			}
		}
		order.SandboxBranch = ""
		order.SandboxPath = ""
	}

	now := time.Now().UTC()
	order.Status = domain.StatusFailed
	order.ErrorMessage = interruptedMessage
	order.RunnerPID = 0
	order.AppendLog(order.CurrentPhase, domain.StreamSystem, interruptedMessage)
	order.UpdatedAt = now
	order.CompletedAt = &now

	return r.store.Save(order)
}

// processAlive probes a pid with signal 0
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
