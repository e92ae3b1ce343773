package steps

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/forgeloop/forge-orchestrator/internal/domain"
)

// workflowTemplate is the on-disk shape of a workflow override file
// (<templatesDir>/<id>.yaml). Steps listed here replace the catalog entry of
// the same name for repositories referencing the template.
type workflowTemplate struct {
	ID    string       `yaml:"id"`
	Steps []Definition `yaml:"steps"`
}

// Loader resolves the ordered step list and per-step prompt context for a
// work order. Workflow templates and coding standards are read from disk and
// cached; Invalidate drops the cache (wired to the fsnotify watcher).
type Loader struct {
	templatesDir string
	standardsDir string

	mu        sync.RWMutex
	catalog   map[string]Definition
	templates map[string]*workflowTemplate
	standards map[string]string
}

// NewLoader creates a Loader with the built-in catalog
func NewLoader(templatesDir, standardsDir string) *Loader {
	return &Loader{
		templatesDir: templatesDir,
		standardsDir: standardsDir,
		catalog:      DefaultCatalog(),
		templates:    make(map[string]*workflowTemplate),
		standards:    make(map[string]string),
	}
}

// ValidateSelection checks the selected steps against the dependency graph.
// Returns *domain.InvalidStepSelectionError for unknown steps or a selection
// missing a prerequisite (commit and create-pr require execute, create-pr
// requires commit).
func (l *Loader) ValidateSelection(selected []string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(selected) == 0 {
		return &domain.InvalidStepSelectionError{Step: ""}
	}

	chosen := make(map[string]bool, len(selected))
	for _, name := range selected {
		if _, ok := l.catalog[name]; !ok {
			return &domain.InvalidStepSelectionError{Step: name}
		}
		chosen[name] = true
	}

	for _, name := range selected {
		for _, dep := range l.catalog[name].DependsOn {
			if !chosen[dep] {
				return &domain.InvalidStepSelectionError{Step: name, Missing: dep}
			}
		}
	}
	return nil
}

// Resolve validates the selection and returns the step definitions in
// execution order, with any workflow-template overrides applied.
func (l *Loader) Resolve(repo *domain.Repository, selected []string) ([]Definition, error) {
	if err := l.ValidateSelection(selected); err != nil {
		return nil, err
	}

	overrides := map[string]Definition{}
	if repo != nil && repo.WorkflowTemplateID != "" {
		tmpl, err := l.loadTemplate(repo.WorkflowTemplateID)
		if err != nil {
			return nil, err
		}
		for _, def := range tmpl.Steps {
			overrides[def.Name] = def
		}
	}

	chosen := make(map[string]bool, len(selected))
	for _, name := range selected {
		chosen[name] = true
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var defs []Definition
	for _, name := range canonicalOrder {
		if !chosen[name] {
			continue
		}
		def := l.catalog[name]
		if ov, ok := overrides[name]; ok {
			if ov.PromptTemplate != "" {
				def.PromptTemplate = ov.PromptTemplate
			}
			if ov.DependsOn != nil {
				def.DependsOn = ov.DependsOn
			}
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Invalidate drops cached templates and standards so the next Resolve rereads
// them from disk
func (l *Loader) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.templates = make(map[string]*workflowTemplate)
	l.standards = make(map[string]string)
}

func (l *Loader) loadTemplate(id string) (*workflowTemplate, error) {
	l.mu.RLock()
	if tmpl, ok := l.templates[id]; ok {
		l.mu.RUnlock()
		return tmpl, nil
	}
	l.mu.RUnlock()

	path := filepath.Join(l.templatesDir, id+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading workflow template %q: %w", id, err)
	}

	var tmpl workflowTemplate
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("parsing workflow template %q: %w", id, err)
	}

	l.mu.Lock()
	l.templates[id] = &tmpl
	l.mu.Unlock()
	return &tmpl, nil
}

// loadStandard reads one coding standard document by id. Missing standards
// are tolerated with an empty string: a repository may reference standards
// that only exist in some deployments.
func (l *Loader) loadStandard(id string) string {
	l.mu.RLock()
	if s, ok := l.standards[id]; ok {
		l.mu.RUnlock()
		return s
	}
	l.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(l.standardsDir, id+".md"))
	content := ""
	if err == nil {
		content = string(data)
	}

	l.mu.Lock()
	l.standards[id] = content
	l.mu.Unlock()
	return content
}

// PromptData is the context handed to a step's prompt template
type PromptData struct {
	Request   string
	Step      string
	Priming   map[string]string
	Standards []string
	Tools     []string
}

// BuildPrompt renders the resolved prompt for one step of a work order,
// merging the user request with the repository's priming context, coding
// standards, and any per-agent override for agentTemplateID.
func (l *Loader) BuildPrompt(def Definition, order *domain.WorkOrder, repo *domain.Repository, agentTemplateID string) (string, error) {
	if def.PromptTemplate == "" {
		return "", nil
	}

	data := PromptData{
		Request: order.UserRequest,
		Step:    def.Name,
	}

	standardIDs := repo.CodingStandardIDs
	if repo.PrimingContext != nil {
		data.Priming = repo.PrimingContext
	}
	if ov, ok := repo.AgentOverrides[agentTemplateID]; ok {
		if len(ov.Standards) > 0 {
			standardIDs = ov.Standards
		}
		data.Tools = ov.Tools
	}
	for _, id := range standardIDs {
		if s := l.loadStandard(id); s != "" {
			data.Standards = append(data.Standards, s)
		}
	}

	tmpl, err := template.New(def.Name).Parse(def.PromptTemplate)
	if err != nil {
		return "", fmt.Errorf("compile prompt template for %s: %w", def.Name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt for %s: %w", def.Name, err)
	}
	return buf.String(), nil
}
