// Package events persists user-visible state changes as rows and announces
// them from the ingress process. Emission is fire-and-forget: a failed insert
// costs an announcement, never a state transition.
package events

import (
	"context"
	"log/slog"

	"github.com/foreman-hq/foreman/pkg/models"
)

// Store is the persistence surface the emitter needs.
type Store interface {
	InsertEvent(ctx context.Context, e *models.Event) error
}

// Emitter writes event rows. All methods log on error and return nothing.
type Emitter struct {
	store  Store
	logger *slog.Logger
}

// NewEmitter wires the event emitter.
func NewEmitter(st Store, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{store: st, logger: logger}
}

func (e *Emitter) emit(ctx context.Context, ev *models.Event) {
	if err := e.store.InsertEvent(ctx, ev); err != nil {
		e.logger.Warn("Failed to emit event", "type", ev.Type, "error", err)
	}
}

// StepCompleted announces a step passing its final review.
func (e *Emitter) StepCompleted(ctx context.Context, step *models.Step) {
	e.emit(ctx, &models.Event{
		Type:      models.EventTaskCompleted,
		MissionID: &step.MissionID,
		StepID:    &step.ID,
		Payload:   map[string]any{"description": step.Description},
	})
}

// StepFailed announces a step failure with its reason.
func (e *Emitter) StepFailed(ctx context.Context, step *models.Step, reason string) {
	e.emit(ctx, &models.Event{
		Type:      models.EventTaskFailed,
		MissionID: &step.MissionID,
		StepID:    &step.ID,
		Payload:   map[string]any{"description": step.Description, "reason": reason},
	})
}

// MissionCompleted announces a mission reaching completed. Callers gate this
// on the store's idempotent transition so it fires exactly once.
func (e *Emitter) MissionCompleted(ctx context.Context, missionID string) {
	e.emit(ctx, &models.Event{Type: models.EventMissionCompleted, MissionID: &missionID})
}

// MissionFailed announces a mission with no completed steps left to run.
func (e *Emitter) MissionFailed(ctx context.Context, missionID string) {
	e.emit(ctx, &models.Event{Type: models.EventMissionFailed, MissionID: &missionID})
}

// ProjectPhaseAdvanced announces a project moving to its next phase.
func (e *Emitter) ProjectPhaseAdvanced(ctx context.Context, projectID string, phase models.ProjectPhase) {
	e.emit(ctx, &models.Event{
		Type:      models.EventProjectPhaseAdvanced,
		ProjectID: &projectID,
		Payload:   map[string]any{"phase": string(phase)},
	})
}

// ProjectCompleted announces a project finishing its deploy phase.
func (e *Emitter) ProjectCompleted(ctx context.Context, projectID string) {
	e.emit(ctx, &models.Event{Type: models.EventProjectCompleted, ProjectID: &projectID})
}

// RevisionCapReached announces a step failing after its third rejection.
func (e *Emitter) RevisionCapReached(ctx context.Context, step *models.Step) {
	e.emit(ctx, &models.Event{
		Type:      models.EventRevisionCapReached,
		MissionID: &step.MissionID,
		StepID:    &step.ID,
	})
}

// AgentUpskilled announces a persona upgrade.
func (e *Emitter) AgentUpskilled(ctx context.Context, agentID string, expertise string) {
	e.emit(ctx, &models.Event{
		Type:    models.EventAgentUpskilled,
		Payload: map[string]any{"agent_id": agentID, "expertise": expertise},
	})
}

// LinearInboundIssue announces a proposal created from an inbound issue.
func (e *Emitter) LinearInboundIssue(ctx context.Context, identifier, title string) {
	e.emit(ctx, &models.Event{
		Type:    models.EventLinearInboundIssue,
		Payload: map[string]any{"identifier": identifier, "title": title},
	})
}
