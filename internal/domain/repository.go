package domain

// AgentOverride carries per-agent-template adjustments configured on a
// repository. Keys of Repository.AgentOverrides are agent template ids.
type AgentOverride struct {
	Tools     []string `json:"override_tools,omitempty" yaml:"override_tools"`
	Standards []string `json:"override_standards,omitempty" yaml:"override_standards"`
}

// Repository is the configuration of one target repository. It is supplied by
// the external caller and read-only from the engine's point of view.
type Repository struct {
	ID                 string                   `json:"id" yaml:"id"`
	URL                string                   `json:"url" yaml:"url"`
	DisplayName        string                   `json:"display_name" yaml:"display_name"`
	DefaultBranch      string                   `json:"default_branch" yaml:"default_branch"`
	DefaultSandboxType SandboxType              `json:"default_sandbox_type" yaml:"default_sandbox_type"`
	DefaultCommands    []string                 `json:"default_commands" yaml:"default_commands"`
	WorkflowTemplateID string                   `json:"workflow_template_id,omitempty" yaml:"workflow_template_id"`
	CodingStandardIDs  []string                 `json:"coding_standard_ids,omitempty" yaml:"coding_standard_ids"`
	PrimingContext     map[string]string        `json:"priming_context,omitempty" yaml:"priming_context"`
	AgentOverrides     map[string]AgentOverride `json:"agent_overrides,omitempty" yaml:"agent_overrides"`
	Pinned             bool                     `json:"pinned" yaml:"pinned"`
}

// BaseBranch returns the branch sandboxes are cut from
func (r *Repository) BaseBranch() string {
	if r.DefaultBranch == "" {
		return "main"
	}
	return r.DefaultBranch
}
