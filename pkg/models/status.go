// Package models defines the core entities and closed enumerations shared by
// the planner, scheduler, pipeline, review, and mirror packages.
package models

// StepStatus is the lifecycle state of a step.
type StepStatus string

// Step status constants.
const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusInReview   StepStatus = "in_review"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusCanceled   StepStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusCanceled:
		return true
	}
	return false
}

// allowedStepTransitions is the closed set of legal step status transitions.
// pending → in_progress → {in_review | pending (abandoned) | failed};
// in_review → {completed | pending (revision)}; any non-terminal → canceled.
var allowedStepTransitions = map[StepStatus][]StepStatus{
	StepStatusPending:    {StepStatusInProgress, StepStatusFailed, StepStatusCanceled},
	StepStatusInProgress: {StepStatusInReview, StepStatusPending, StepStatusFailed, StepStatusCanceled},
	StepStatusInReview:   {StepStatusCompleted, StepStatusPending, StepStatusFailed, StepStatusCanceled},
}

// ValidStepTransition reports whether from → to is a legal step transition.
func ValidStepTransition(from, to StepStatus) bool {
	for _, allowed := range allowedStepTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// MissionStatus is the lifecycle state of a mission.
type MissionStatus string

// Mission status constants.
const (
	MissionStatusInProgress MissionStatus = "in_progress"
	MissionStatusCompleted  MissionStatus = "completed"
	MissionStatusFailed     MissionStatus = "failed"
	MissionStatusCanceled   MissionStatus = "canceled"
)

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

// Project status constants.
const (
	ProjectStatusActive    ProjectStatus = "active"
	ProjectStatusCompleted ProjectStatus = "completed"
	ProjectStatusCanceled  ProjectStatus = "canceled"
)

// ProjectPhase is a monotonic stage in a project's lifetime.
type ProjectPhase string

// Project phase constants, in advancement order.
const (
	PhaseDiscovery    ProjectPhase = "discovery"
	PhaseRequirements ProjectPhase = "requirements"
	PhaseDesign       ProjectPhase = "design"
	PhaseBuild        ProjectPhase = "build"
	PhaseTest         ProjectPhase = "test"
	PhaseDeploy       ProjectPhase = "deploy"
	PhaseCompleted    ProjectPhase = "completed"
)

// phaseOrder maps each phase to its index for monotonicity checks.
var phaseOrder = map[ProjectPhase]int{
	PhaseDiscovery:    0,
	PhaseRequirements: 1,
	PhaseDesign:       2,
	PhaseBuild:        3,
	PhaseTest:         4,
	PhaseDeploy:       5,
	PhaseCompleted:    6,
}

// PhaseIndex returns the ordinal of a phase, or -1 for unknown phases.
func PhaseIndex(p ProjectPhase) int {
	if idx, ok := phaseOrder[p]; ok {
		return idx
	}
	return -1
}

// NextPhase returns the phase following p and true, or "" and false when p is
// terminal or unknown.
func NextPhase(p ProjectPhase) (ProjectPhase, bool) {
	switch p {
	case PhaseDiscovery:
		return PhaseRequirements, true
	case PhaseRequirements:
		return PhaseDesign, true
	case PhaseDesign:
		return PhaseBuild, true
	case PhaseBuild:
		return PhaseTest, true
	case PhaseTest:
		return PhaseDeploy, true
	case PhaseDeploy:
		return PhaseCompleted, true
	}
	return "", false
}

// DependencyType distinguishes scheduling edges from informational edges.
type DependencyType string

// Dependency type constants. Only DependencyBlocks gates scheduling.
const (
	DependencyBlocks  DependencyType = "blocks"
	DependencyInforms DependencyType = "informs"
)

// ReviewType identifies the stage of the approval chain.
type ReviewType string

// Review type constants.
const (
	ReviewTypeQA       ReviewType = "qa"
	ReviewTypeTeamLead ReviewType = "team_lead"
)

// ApprovalStatus is the state of one review attempt.
type ApprovalStatus string

// Approval status constants.
const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

// ModelTier selects the cost class of an LLM call.
type ModelTier string

// Model tier constants. Tier1 is the cheapest.
const (
	TierCheap     ModelTier = "tier1"
	TierMedium    ModelTier = "tier2"
	TierExpensive ModelTier = "tier3"
)

// EndState tags what kind of deliverable a plan aims for.
type EndState string

// End state constants.
const (
	EndStateProductionDocs   EndState = "production_docs"
	EndStateWorkingPrototype EndState = "working_prototype"
	EndStateHybrid           EndState = "hybrid"
)

// EscalationType classifies why a plan was escalated to a human.
type EscalationType string

// Escalation type constants.
const (
	EscalationBudget        EscalationType = "budget"
	EscalationStrategic     EscalationType = "strategic"
	EscalationBrand         EscalationType = "brand"
	EscalationCapabilityGap EscalationType = "capability_gap"
	EscalationAmbiguity     EscalationType = "ambiguity"
)

// PlanStatus marks whether a decomposition plan is current or replaced.
type PlanStatus string

// Plan status constants.
const (
	PlanStatusActive     PlanStatus = "active"
	PlanStatusSuperseded PlanStatus = "superseded"
)

// PhaseName identifies a pipeline phase.
type PhaseName string

// Pipeline phase constants.
const (
	PhaseNameDecompose  PhaseName = "decompose"
	PhaseNameResearch   PhaseName = "research"
	PhaseNameSynthesize PhaseName = "synthesize"
	PhaseNameCritique   PhaseName = "critique"
	PhaseNameRevise     PhaseName = "revise"
)
