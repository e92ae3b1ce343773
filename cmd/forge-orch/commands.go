package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeloop/forge-orchestrator/internal/config"
	"github.com/forgeloop/forge-orchestrator/internal/domain"
	"github.com/forgeloop/forge-orchestrator/internal/github"
	"github.com/forgeloop/forge-orchestrator/internal/maintenance"
	"github.com/forgeloop/forge-orchestrator/internal/orchestrator"
	"github.com/forgeloop/forge-orchestrator/internal/repos"
	"github.com/forgeloop/forge-orchestrator/internal/sandbox"
	"github.com/forgeloop/forge-orchestrator/internal/state"
	"github.com/forgeloop/forge-orchestrator/internal/steps"
	"github.com/forgeloop/forge-orchestrator/web/api"
)

var (
	submitRepo    string
	submitSteps   []string
	submitSandbox string
	submitIssue   int
	listStatus    string
	listRepo      string
	logsSince     int
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration engine and API server",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	submitCmd := &cobra.Command{
		Use:   "submit REQUEST",
		Short: "Submit a work order",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmit,
	}
	submitCmd.Flags().StringVar(&submitRepo, "repo", "", "repository id (required)")
	submitCmd.Flags().StringSliceVar(&submitSteps, "steps",
		[]string{steps.StepCreateBranch, steps.StepExecute, steps.StepCommit}, "workflow steps")
	submitCmd.Flags().StringVar(&submitSandbox, "sandbox", "", "sandbox type: branch or worktree")
	submitCmd.Flags().IntVar(&submitIssue, "issue", 0, "issue number to link")
	submitCmd.MarkFlagRequired("repo")
	rootCmd.AddCommand(submitCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List work orders",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().StringVar(&listRepo, "repo", "", "filter by repository id")
	rootCmd.AddCommand(listCmd)

	statusCmd := &cobra.Command{
		Use:   "status ORDER",
		Short: "Show one work order",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	logsCmd := &cobra.Command{
		Use:   "logs ORDER",
		Short: "Print a work order's logs",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	logsCmd.Flags().IntVar(&logsSince, "since", 0, "first sequence number to print")
	rootCmd.AddCommand(logsCmd)

	cancelCmd := &cobra.Command{
		Use:   "cancel ORDER",
		Short: "Cancel a work order",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	rootCmd.AddCommand(cancelCmd)

	resumeCmd := &cobra.Command{
		Use:   "resume ORDER",
		Short: "Resume a work order parked in review or failed",
		Args:  cobra.ExactArgs(1),
		RunE:  runResume,
	}
	rootCmd.AddCommand(resumeCmd)

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair orders left running by a crashed engine",
		RunE:  runReconcile,
	}
	rootCmd.AddCommand(reconcileCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (state.Repository, error) {
	return state.Open(cfg.General.StateBackend, cfg.General.StateDir, cfg.General.DatabasePath)
}

func loadRegistry(cfg *config.Config) (*repos.Registry, error) {
	return repos.Load(filepath.Join(cfg.General.DataDir, "repositories.yaml"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	registry, err := loadRegistry(cfg)
	if err != nil {
		return err
	}

	manager := sandbox.NewManager(filepath.Join(cfg.General.DataDir, "repos"), cfg.General.WorktreeDir)

	// Repair whatever the previous process left behind before taking work
	reconciler := state.NewReconciler(store, manager, registry.Get)
	repaired, err := reconciler.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	if repaired > 0 {
		fmt.Printf("Reconciled %d orphaned order(s)\n", repaired)
	}

	loader := steps.NewLoader(
		filepath.Join(cfg.General.DataDir, "templates"),
		filepath.Join(cfg.General.DataDir, "standards"),
	)
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if watcher, err := steps.NewWatcher(loader); err == nil {
		watcher.Start(ctx)
	}

	var prs orchestrator.PRClient
	if token := os.Getenv(cfg.GitHub.TokenEnv); token != "" {
		prs = github.New(cfg.GitHub.APIBaseURL, token, cfg.GitHub.RetryAttempts)
	}

	orch := orchestrator.New(cfg, store, registry, manager, loader, prs)
	defer orch.Shutdown()

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := api.NewServer(orch, registry, addr)
	orch.OnUpdate = func(order *domain.WorkOrder) {
		server.Broadcast(api.SSEEvent{Type: "order_updated", Data: order})
	}

	runner, err := maintenance.NewRunner(cfg.Maintenance.ReconcileCron)
	if err != nil {
		return err
	}
	runner.Register("reconcile", func(ctx context.Context) error {
		_, err := reconciler.Run(ctx)
		return err
	})
	runner.Register("dispatch", func(context.Context) error {
		orch.Dispatch()
		return nil
	})
	if cfg.Maintenance.SweepEnabled {
		runner.Register("sweep", func(context.Context) error {
			return maintenance.SweepWorktrees(store, cfg.General.WorktreeDir)
		})
	}
	runner.Start(ctx)

	orch.Dispatch()
	fmt.Printf("Listening on http://%s\n", addr)
	return server.Start()
}

func runSubmit(cmd *cobra.Command, args []string) error {
	req := orchestrator.SubmitRequest{
		RepositoryID: submitRepo,
		UserRequest:  args[0],
		Steps:        submitSteps,
		SandboxType:  submitSandbox,
		IssueNumber:  submitIssue,
	}

	var order domain.WorkOrder
	if err := apiPost("/api/orders", req, &order); err != nil {
		return err
	}
	fmt.Printf("Submitted %s (%s)\n", order.ID, order.Status)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	orders, err := store.List(state.ListFilter{
		Status:       domain.Status(listStatus),
		RepositoryID: listRepo,
	})
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		fmt.Println("No work orders")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREPO\tSTATUS\tPHASE\tCREATED\tREQUEST")
	for _, order := range orders {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(order.ID), order.RepositoryID, order.Status, order.CurrentPhase,
			order.CreatedAt.Local().Format(time.DateTime), truncate(order.UserRequest, 50))
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	order, err := findOrder(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Order:      %s\n", order.ID)
	fmt.Printf("Repository: %s\n", order.RepositoryID)
	fmt.Printf("Status:     %s\n", order.Status)
	if order.CurrentPhase != "" {
		fmt.Printf("Phase:      %s\n", order.CurrentPhase)
	}
	fmt.Printf("Steps:      %s\n", strings.Join(order.Steps, ", "))
	if len(order.CompletedSteps) > 0 {
		fmt.Printf("Completed:  %s\n", strings.Join(order.CompletedSteps, ", "))
	}
	if order.ErrorMessage != "" {
		fmt.Printf("Error:      %s\n", order.ErrorMessage)
	}
	if order.SandboxBranch != "" {
		fmt.Printf("Branch:     %s\n", order.SandboxBranch)
	}
	if order.PullRequestURL != "" {
		fmt.Printf("PR:         %s\n", order.PullRequestURL)
	}
	if len(order.FileChanges) > 0 {
		fmt.Println("Changes:")
		for _, c := range order.FileChanges {
			fmt.Printf("  %-8s %s\n", c.Kind, c.Path)
		}
	}
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	order, err := findOrder(args[0])
	if err != nil {
		return err
	}
	for _, entry := range order.Logs {
		if entry.Seq < logsSince {
			continue
		}
		fmt.Printf("[%s] %-13s %s\n", entry.Timestamp.Local().Format("15:04:05"), entry.Phase, entry.Text)
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	order, err := resolveOrderID(args[0])
	if err != nil {
		return err
	}
	var updated domain.WorkOrder
	if err := apiPost("/api/orders/"+order+"/cancel", nil, &updated); err != nil {
		return err
	}
	fmt.Printf("Order %s is now %s\n", shortID(updated.ID), updated.Status)
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	order, err := resolveOrderID(args[0])
	if err != nil {
		return err
	}
	var updated domain.WorkOrder
	if err := apiPost("/api/orders/"+order+"/resume", nil, &updated); err != nil {
		return err
	}
	fmt.Printf("Order %s is now %s\n", shortID(updated.ID), updated.Status)
	return nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	registry, err := loadRegistry(cfg)
	if err != nil {
		return err
	}
	manager := sandbox.NewManager(filepath.Join(cfg.General.DataDir, "repos"), cfg.General.WorktreeDir)

	repaired, err := state.NewReconciler(store, manager, registry.Get).Run(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Reconciled %d order(s)\n", repaired)
	return nil
}

// findOrder reads the store directly, accepting id prefixes
func findOrder(idOrPrefix string) (*domain.WorkOrder, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	if order, err := store.Get(idOrPrefix); err == nil {
		return order, nil
	}

	orders, err := store.List(state.ListFilter{})
	if err != nil {
		return nil, err
	}
	var match *domain.WorkOrder
	for _, order := range orders {
		if strings.HasPrefix(order.ID, idOrPrefix) {
			if match != nil {
				return nil, fmt.Errorf("order id %q is ambiguous", idOrPrefix)
			}
			match = order
		}
	}
	if match == nil {
		return nil, fmt.Errorf("no order matching %q", idOrPrefix)
	}
	return match, nil
}

func resolveOrderID(idOrPrefix string) (string, error) {
	order, err := findOrder(idOrPrefix)
	if err != nil {
		return "", err
	}
	return order.ID, nil
}

// apiPost talks to the running serve instance
func apiPost(path string, payload, out interface{}) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	url := fmt.Sprintf("http://%s:%d%s", cfg.Web.Host, cfg.Web.Port, path)
	resp, err := http.Post(url, "application/json", body)
	if err != nil {
		return fmt.Errorf("is the engine running? %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
