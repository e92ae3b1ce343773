// Package steps resolves the ordered step list for a work order and builds
// the per-step prompt by merging repository priming context, coding standards
// and per-agent overrides.
package steps

// Workflow step names
const (
	StepCreateBranch = "create-branch"
	StepPlanning     = "planning"
	StepExecute      = "execute"
	StepReview       = "review"
	StepCommit       = "commit"
	StepCreatePR     = "create-pr"
)

// Definition describes one workflow step
type Definition struct {
	Name           string   `yaml:"name"`
	PromptTemplate string   `yaml:"prompt"`
	DependsOn      []string `yaml:"depends_on"`
}

// canonicalOrder fixes the execution order of selected steps. Dependency
// validation guarantees this order never violates depends_on.
var canonicalOrder = []string{
	StepCreateBranch,
	StepPlanning,
	StepExecute,
	StepReview,
	StepCommit,
	StepCreatePR,
}

const executePrompt = `You are implementing the following change request:

{{.Request}}
{{if .Priming}}
Project context:
{{range $k, $v := .Priming}}- {{$k}}: {{$v}}
{{end}}{{end}}{{if .Standards}}
Coding standards to follow:
{{range .Standards}}{{.}}

{{end}}{{end}}{{if .Tools}}Allowed tools: {{range $i, $t := .Tools}}{{if $i}}, {{end}}{{$t}}{{end}}
{{end}}
Instructions:
1. Implement the requested change in the current working directory.
2. Run the project's tests and make them pass.
3. Do not commit; the orchestrator handles version control.

Do not ask for clarification. Make reasonable decisions based on the request.
`

const planningPrompt = `Analyze the following change request and write an
implementation plan to PLAN.md in the working directory:

{{.Request}}
{{if .Priming}}
Project context:
{{range $k, $v := .Priming}}- {{$k}}: {{$v}}
{{end}}{{end}}
List the files you expect to touch and the order of changes. Do not modify
any other files yet.
`

const reviewPrompt = `Review the uncommitted changes in the current working
directory against this request:

{{.Request}}
{{if .Standards}}
Coding standards:
{{range .Standards}}{{.}}

{{end}}{{end}}
Fix any defects you find. Exit with a nonzero status if the changes are not
acceptable and cannot be fixed.
`

// DefaultCatalog returns the built-in step definitions. create-branch and
// commit have no prompt: the orchestrator performs them with git directly.
func DefaultCatalog() map[string]Definition {
	return map[string]Definition{
		StepCreateBranch: {Name: StepCreateBranch},
		StepPlanning:     {Name: StepPlanning, PromptTemplate: planningPrompt},
		StepExecute:      {Name: StepExecute, PromptTemplate: executePrompt},
		StepReview:       {Name: StepReview, PromptTemplate: reviewPrompt, DependsOn: []string{StepExecute}},
		StepCommit:       {Name: StepCommit, DependsOn: []string{StepExecute}},
		StepCreatePR:     {Name: StepCreatePR, DependsOn: []string{StepExecute, StepCommit}},
	}
}
