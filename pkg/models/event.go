package models

import "time"

// EventType identifies a user-visible state change announced by the ingress
// process.
type EventType string

// Event type constants.
const (
	EventTaskCompleted        EventType = "task_completed"
	EventTaskFailed           EventType = "task_failed"
	EventMissionCompleted     EventType = "mission_completed"
	EventMissionFailed        EventType = "mission_failed"
	EventProjectPhaseAdvanced EventType = "project_phase_advanced"
	EventProjectCompleted     EventType = "project_completed"
	EventRevisionCapReached   EventType = "revision_cap_reached"
	EventAgentUpskilled       EventType = "agent_upskilled"
	EventLinearInboundIssue   EventType = "linear_inbound_issue"
)

// Event is a persisted announcement record. The ingress process polls
// unannounced events and marks them announced after delivery.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	MissionID   *string        `json:"mission_id,omitempty"`
	StepID      *string        `json:"step_id,omitempty"`
	ProjectID   *string        `json:"project_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	AnnouncedAt *time.Time     `json:"announced_at,omitempty"`
}

// LinearSyncRecord maps a local entity to its mirrored Linear object.
type LinearSyncRecord struct {
	ID         string    `json:"id"`
	EntityKind string    `json:"entity_kind"` // "mission" or "step"
	EntityID   string    `json:"entity_id"`
	LinearID   string    `json:"linear_id"`
	LinearURL  string    `json:"linear_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Proposal is an inbound work item awaiting decomposition, either from chat
// ingress or from the Linear inbound poller.
type Proposal struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Source      string    `json:"source"` // "chat" or "linear"
	ExternalID  *string   `json:"external_id,omitempty"`
	RawMessage  string    `json:"raw_message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
