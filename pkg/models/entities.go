package models

import (
	"strings"
	"time"
)

// Project is a long-lived container for missions with a monotonic phase.
type Project struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	OriginalRequest string        `json:"original_request"`
	Phase           ProjectPhase  `json:"phase"`
	Status          ProjectStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Mission is a unit of work derived from a single directive. It owns steps.
type Mission struct {
	ID        string  `json:"id"`
	ProjectID *string `json:"project_id,omitempty"`
	// LinkPhase is the project phase at the time the mission was linked.
	LinkPhase  *ProjectPhase `json:"link_phase,omitempty"`
	Directive  string        `json:"directive"`
	ProposalID *string       `json:"proposal_id,omitempty"`
	Status     MissionStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Step is the smallest scheduled unit; one step per materialized plan task.
type Step struct {
	ID          string `json:"id"`
	MissionID   string `json:"mission_id"`
	AgentID     string `json:"agent_id"`
	Description string `json:"description"`
	// AcceptanceCriteria is carried verbatim from the plan task.
	AcceptanceCriteria string    `json:"acceptance_criteria,omitempty"`
	Tier               ModelTier `json:"tier"`
	// StepOrder is the parallel-wave index in DAG plans, or a strict sequence
	// index in legacy linear plans.
	StepOrder int        `json:"step_order"`
	Status    StepStatus `json:"status"`
	// ParentStepID is the legacy linear-chain predecessor. Ignored when the
	// step has blocks edges in step_dependencies.
	ParentStepID  *string    `json:"parent_step_id,omitempty"`
	Result        string     `json:"result,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	RevisionCount int        `json:"revision_count"`
	SkipPipeline  bool       `json:"skip_pipeline"`
	SkipResearch  bool       `json:"skip_research"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// StepDependency is a directed edge between steps within one mission.
type StepDependency struct {
	StepID          string         `json:"step_id"`
	DependsOnStepID string         `json:"depends_on_step_id"`
	Type            DependencyType `json:"type"`
}

// PlanTask is one entry in a decomposition plan, pre-materialization.
// ID is synthetic ("T1".."Tn"); DependsOn references those synthetic ids.
type PlanTask struct {
	ID                 string   `json:"id"`
	Description        string   `json:"description"`
	Role               string   `json:"role"`
	ParallelGroup      int      `json:"parallel_group"`
	DependsOn          []string `json:"depends_on"`
	AcceptanceCriteria string   `json:"acceptance_criteria"`
}

// DecompositionPlan is the persisted output of the decomposition engine.
type DecompositionPlan struct {
	ID               string     `json:"id"`
	MissionID        string     `json:"mission_id"`
	Tasks            []PlanTask `json:"tasks"`
	EndState         EndState   `json:"end_state"`
	EscalationNeeded bool       `json:"escalation_needed"`
	EscalationReason string     `json:"escalation_reason,omitempty"`
	HiringNeeded     []HireSpec `json:"hiring_needed,omitempty"`
	Status           PlanStatus `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
}

// HireSpec describes an agent the plan requires but the roster lacks.
type HireSpec struct {
	Role   string `json:"role"`
	Reason string `json:"reason"`
}

// PhaseRecord is one row per executed pipeline phase of a step.
type PhaseRecord struct {
	ID         string    `json:"id"`
	StepID     string    `json:"step_id"`
	Name       PhaseName `json:"phase_name"`
	PhaseOrder int       `json:"phase_order"`
	// Tier is nil for the research phase, which makes no tiered LLM call of
	// its own.
	Tier       *ModelTier     `json:"tier,omitempty"`
	Score      *float64       `json:"score,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Approval is one row per review attempt against a step.
type Approval struct {
	ID              string         `json:"id"`
	StepID          string         `json:"step_id"`
	ReviewerAgentID string         `json:"reviewer_agent_id"`
	ReviewType      ReviewType     `json:"review_type"`
	Status          ApprovalStatus `json:"status"`
	Feedback        string         `json:"feedback,omitempty"`
	// AutoRejected is true when the parser flipped an APPROVE verdict to
	// reject because the overall score was below 3.
	AutoRejected bool       `json:"auto_rejected"`
	CreatedAt    time.Time  `json:"created_at"`
	ReviewedAt   *time.Time `json:"reviewed_at,omitempty"`
}

// Agent is an actor that can be assigned steps or reviews.
// TeamID nil marks a system/test agent, never eligible as a domain reviewer.
type Agent struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Role             string    `json:"role"`
	TeamID           *string   `json:"team_id,omitempty"`
	Status           string    `json:"status"`
	IsLead           bool      `json:"is_lead"`
	CurrentPersonaID string    `json:"current_persona_id"`
	CreatedAt        time.Time `json:"created_at"`
}

// Persona is an immutable system-prompt row; upgrades append a new row.
type Persona struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	SystemPrompt string    `json:"system_prompt"`
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
}

// Escalation records a plan the engine refused to execute without a human
// decision.
type Escalation struct {
	ID        string         `json:"id"`
	MissionID string         `json:"mission_id"`
	Type      EscalationType `json:"type"`
	Reason    string         `json:"reason"`
	CreatedAt time.Time      `json:"created_at"`
}

// SanitizeAgentID maps caller identifiers onto the usage attribution column.
// Only real agent ids (the "agent-" prefix) are attributable; system callers
// like the decomposer or the review processor record NULL so the llm_usage
// foreign key holds.
func SanitizeAgentID(callerID string) *string {
	if strings.HasPrefix(callerID, "agent-") {
		return &callerID
	}
	return nil
}

// LLMUsage is one persisted usage row per LLM call.
type LLMUsage struct {
	ID string `json:"id"`
	// AgentID is nil when the caller identity was not a real agent row
	// (values like "system" are sanitized to nil before writing).
	AgentID          *string   `json:"agent_id,omitempty"`
	MissionStepID    *string   `json:"mission_step_id,omitempty"`
	Model            string    `json:"model"`
	Tier             ModelTier `json:"tier"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CreatedAt        time.Time `json:"created_at"`
}

// MemoryKind distinguishes approach memories from lesson memories.
type MemoryKind string

// Memory kind constants.
const (
	MemoryKindApproach MemoryKind = "approach"
	MemoryKindLesson   MemoryKind = "lesson"
)

// AgentMemory stores approach summaries (for plan retrieval) and lesson
// strings (reviewer feedback for an assignee).
type AgentMemory struct {
	ID        string     `json:"id"`
	AgentID   *string    `json:"agent_id,omitempty"`
	Kind      MemoryKind `json:"kind"`
	TopicTags []string   `json:"topic_tags,omitempty"`
	Content   string     `json:"content"`
	Score     float64    `json:"score"`
	CreatedAt time.Time  `json:"created_at"`
}
