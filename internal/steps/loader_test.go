package steps

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/forgeloop/forge-orchestrator/internal/domain"
)

func newLoader(t *testing.T) *Loader {
	t.Helper()
	base := t.TempDir()
	tmplDir := filepath.Join(base, "templates")
	stdDir := filepath.Join(base, "standards")
	os.MkdirAll(tmplDir, 0755)
	os.MkdirAll(stdDir, 0755)
	return NewLoader(tmplDir, stdDir)
}

func TestValidateSelection(t *testing.T) {
	l := newLoader(t)

	tests := []struct {
		name     string
		selected []string
		wantErr  bool
	}{
		{"full workflow", []string{StepCreateBranch, StepExecute, StepCommit, StepCreatePR}, false},
		{"execute only", []string{StepExecute}, false},
		{"planning and execute", []string{StepPlanning, StepExecute}, false},
		{"commit without execute", []string{StepCommit}, true},
		{"create-pr without commit", []string{StepExecute, StepCreatePR}, true},
		{"review without execute", []string{StepReview}, true},
		{"unknown step", []string{"deploy"}, true},
		{"empty selection", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.ValidateSelection(tt.selected)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSelection(%v) error = %v, wantErr %v", tt.selected, err, tt.wantErr)
			}
			if err != nil {
				var sel *domain.InvalidStepSelectionError
				if !errors.As(err, &sel) {
					t.Errorf("error type = %T, want *domain.InvalidStepSelectionError", err)
				}
			}
		})
	}
}

func TestResolve_Order(t *testing.T) {
	l := newLoader(t)

	defs, err := l.Resolve(nil, []string{StepCreatePR, StepExecute, StepCommit, StepCreateBranch})
	if err != nil {
		t.Fatal(err)
	}

	var names []string
	for _, d := range defs {
		names = append(names, d.Name)
	}
	want := []string{StepCreateBranch, StepExecute, StepCommit, StepCreatePR}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("order = %v, want %v", names, want)
		}
	}
}

func TestResolve_WorkflowTemplateOverride(t *testing.T) {
	l := newLoader(t)

	tmpl := `id: custom
steps:
  - name: execute
    prompt: "CUSTOM {{.Request}}"
`
	os.WriteFile(filepath.Join(l.templatesDir, "custom.yaml"), []byte(tmpl), 0644)

	repo := &domain.Repository{ID: "r", WorkflowTemplateID: "custom"}
	defs, err := l.Resolve(repo, []string{StepExecute})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(defs[0].PromptTemplate, "CUSTOM") {
		t.Errorf("PromptTemplate = %q, want CUSTOM override", defs[0].PromptTemplate)
	}
}

func TestBuildPrompt_MergesContext(t *testing.T) {
	l := newLoader(t)
	os.WriteFile(filepath.Join(l.standardsDir, "go-style.md"), []byte("Use gofmt."), 0644)

	repo := &domain.Repository{
		ID:                "r",
		CodingStandardIDs: []string{"go-style"},
		PrimingContext:    map[string]string{"language": "Go"},
		AgentOverrides: map[string]domain.AgentOverride{
			"claude": {Tools: []string{"bash", "edit"}},
		},
	}
	order := &domain.WorkOrder{UserRequest: "add a health endpoint"}

	def := DefaultCatalog()[StepExecute]
	prompt, err := l.BuildPrompt(def, order, repo, "claude")
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"add a health endpoint", "language: Go", "Use gofmt.", "bash, edit"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestBuildPrompt_EmptyForGitOnlySteps(t *testing.T) {
	l := newLoader(t)
	def := DefaultCatalog()[StepCommit]
	prompt, err := l.BuildPrompt(def, &domain.WorkOrder{}, &domain.Repository{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if prompt != "" {
		t.Errorf("prompt = %q, want empty for commit step", prompt)
	}
}

func TestWatcher_InvalidatesTemplateCache(t *testing.T) {
	l := newLoader(t)
	path := filepath.Join(l.templatesDir, "custom.yaml")
	os.WriteFile(path, []byte("id: custom\nsteps:\n  - name: execute\n    prompt: \"v1\"\n"), 0644)

	repo := &domain.Repository{ID: "r", WorkflowTemplateID: "custom"}
	defs, err := l.Resolve(repo, []string{StepExecute})
	if err != nil {
		t.Fatal(err)
	}
	if defs[0].PromptTemplate != "v1" {
		t.Fatalf("PromptTemplate = %q, want v1", defs[0].PromptTemplate)
	}

	w, err := NewWatcher(l)
	if err != nil {
		t.Fatal(err)
	}
	w.SetDebounce(10 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	os.WriteFile(path, []byte("id: custom\nsteps:\n  - name: execute\n    prompt: \"v2\"\n"), 0644)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		defs, err = l.Resolve(repo, []string{StepExecute})
		if err == nil && defs[0].PromptTemplate == "v2" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("template cache not invalidated, still %q", defs[0].PromptTemplate)
}
