// Package maintenance runs the periodic housekeeping jobs: crash
// reconciliation, dispatch of queued orders, and sweeping of worktree
// directories no live order references anymore.
package maintenance

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/forgeloop/forge-orchestrator/internal/domain"
	"github.com/forgeloop/forge-orchestrator/internal/state"
)

// Job is one named maintenance task
type Job struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Runner executes the registered jobs on a cron schedule. The schedule is
// checked with a coarse ticker; sub-minute precision is not needed here.
type Runner struct {
	schedule cron.Schedule
	interval time.Duration

	mu   sync.Mutex
	jobs []Job
}

// NewRunner parses the cron expression (standard five-field form)
func NewRunner(cronExpr string) (*Runner, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parsing maintenance cron %q: %w", cronExpr, err)
	}
	return &Runner{schedule: schedule, interval: 30 * time.Second}, nil
}

// Register adds a job. Jobs run sequentially in registration order.
func (r *Runner) Register(name string, fn func(ctx context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, Job{Name: name, Fn: fn})
}

// Start runs the schedule loop until ctx is cancelled
func (r *Runner) Start(ctx context.Context) {
	go func() {
		next := r.schedule.Next(time.Now())
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if now.Before(next) {
					continue
				}
				r.RunOnce(ctx)
				next = r.schedule.Next(now)
			}
		}
	}()
}

// RunOnce executes all jobs immediately, logging failures
func (r *Runner) RunOnce(ctx context.Context) {
	r.mu.Lock()
	jobs := append([]Job(nil), r.jobs...)
	r.mu.Unlock()

	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if err := job.Fn(ctx); err != nil {
			log.Printf("maintenance %s: %v", job.Name, err)
		}
	}
}

// staleAge is how long an unreferenced worktree directory must sit around
// before the sweeper removes it
const staleAge = 24 * time.Hour

// SweepWorktrees removes worktree directories that no pending, running,
// review or failed order references. Directories younger than staleAge are
// left alone to avoid racing a sandbox mid-creation.
func SweepWorktrees(store state.Repository, worktreeDir string) error {
	entries, err := os.ReadDir(worktreeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	referenced := map[string]bool{}
	for _, status := range []domain.Status{
		domain.StatusPending, domain.StatusRunning, domain.StatusReview, domain.StatusFailed,
	} {
		orders, err := store.List(state.ListFilter{Status: status})
		if err != nil {
			return err
		}
		for _, order := range orders {
			if order.SandboxPath != "" {
				referenced[filepath.Clean(order.SandboxPath)] = true
			}
		}
	}

	cutoff := time.Now().Add(-staleAge)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(worktreeDir, entry.Name())
		if referenced[filepath.Clean(path)] {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			log.Printf("sweep: removing %s: %v", path, err)
		}
	}
	return nil
}
