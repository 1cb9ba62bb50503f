package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/foreman-hq/foreman/pkg/models"
	"github.com/foreman-hq/foreman/pkg/store"
)

// managedLabelName marks every issue this system creates. Inbound sync skips
// labeled issues so our own writes never echo back as new work.
const managedLabelName = "foreman"

// maxFieldChars caps mirrored titles and descriptions.
const maxFieldChars = 255

// Store is the sync-record surface the service needs.
type Store interface {
	UpsertSyncRecord(ctx context.Context, r *models.LinearSyncRecord) error
	GetSyncRecord(ctx context.Context, entityKind, entityID string) (*models.LinearSyncRecord, error)
}

// stepStateNames maps step statuses onto Linear workflow state names. Failed
// steps land on Canceled; Linear has no failure state.
var stepStateNames = map[models.StepStatus]string{
	models.StepStatusPending:    "Todo",
	models.StepStatusInProgress: "In Progress",
	models.StepStatusInReview:   "In Review",
	models.StepStatusCompleted:  "Done",
	models.StepStatusFailed:     "Canceled",
	models.StepStatusCanceled:   "Canceled",
}

// Service mirrors missions and steps into Linear. All methods log on error
// and return nothing.
type Service struct {
	client *Client
	store  Store
	teamID string
	logger *slog.Logger

	mu             sync.Mutex
	initialized    bool
	stateIDs       map[string]string
	managedLabelID string
}

// NewService wires the mirror service.
func NewService(client *Client, st Store, teamID string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client:   client,
		store:    st,
		teamID:   teamID,
		logger:   logger,
		stateIDs: make(map[string]string),
	}
}

// Truncate caps a mirrored field at maxFieldChars runes with a trailing
// ellipsis. Rune-based so a multibyte title is never cut mid-character.
func Truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxFieldChars {
		return s
	}
	return string(runes[:maxFieldChars-3]) + "..."
}

// ensureInitialized lazily populates the workflow state and label caches.
// The flag is set only after every piece is actually in place, so a partial
// failure retries on the next operation.
func (s *Service) ensureInitialized(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	var result struct {
		Team struct {
			States struct {
				Nodes []struct {
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"nodes"`
			} `json:"states"`
			Labels struct {
				Nodes []struct {
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"nodes"`
			} `json:"labels"`
		} `json:"team"`
	}
	err := s.client.Execute(ctx, `
		query TeamSetup($teamId: String!) {
			team(id: $teamId) {
				states { nodes { id name } }
				labels { nodes { id name } }
			}
		}`,
		map[string]any{"teamId": s.teamID}, &result)
	if err != nil {
		return fmt.Errorf("failed to load team setup: %w", err)
	}
	if len(result.Team.States.Nodes) == 0 {
		return fmt.Errorf("team %s has no workflow states", s.teamID)
	}

	states := make(map[string]string, len(result.Team.States.Nodes))
	for _, n := range result.Team.States.Nodes {
		states[strings.ToLower(n.Name)] = n.ID
	}

	labelID := ""
	for _, n := range result.Team.Labels.Nodes {
		if strings.EqualFold(n.Name, managedLabelName) {
			labelID = n.ID
			break
		}
	}
	if labelID == "" {
		var created struct {
			IssueLabelCreate struct {
				IssueLabel struct {
					ID string `json:"id"`
				} `json:"issueLabel"`
			} `json:"issueLabelCreate"`
		}
		err := s.client.Execute(ctx, `
			mutation CreateLabel($teamId: String!, $name: String!) {
				issueLabelCreate(input: {teamId: $teamId, name: $name}) {
					issueLabel { id }
				}
			}`,
			map[string]any{"teamId": s.teamID, "name": managedLabelName}, &created)
		if err != nil {
			return fmt.Errorf("failed to create managed label: %w", err)
		}
		labelID = created.IssueLabelCreate.IssueLabel.ID
	}

	s.stateIDs = states
	s.managedLabelID = labelID
	s.initialized = true
	s.logger.Info("Mirror cache initialized", "states", len(states))
	return nil
}

// MissionCreated mirrors a mission as a Linear project, idempotently: an
// existing sync record short-circuits.
func (s *Service) MissionCreated(ctx context.Context, mission *models.Mission) {
	logger := s.logger.With("mission_id", mission.ID)
	if _, err := s.store.GetSyncRecord(ctx, "mission", mission.ID); err == nil {
		return
	} else if !errors.Is(err, store.ErrSyncRecordNotFound) {
		logger.Warn("Mirror sync record lookup failed", "error", err)
		return
	}
	if err := s.ensureInitialized(ctx); err != nil {
		logger.Warn("Mirror not initialized, skipping mission sync", "error", err)
		return
	}

	var result struct {
		ProjectCreate struct {
			Project struct {
				ID  string `json:"id"`
				URL string `json:"url"`
			} `json:"project"`
		} `json:"projectCreate"`
	}
	err := s.client.Execute(ctx, `
		mutation CreateProject($teamId: String!, $name: String!, $description: String!) {
			projectCreate(input: {teamIds: [$teamId], name: $name, description: $description}) {
				project { id url }
			}
		}`,
		map[string]any{
			"teamId":      s.teamID,
			"name":        Truncate(mission.Directive),
			"description": Truncate(mission.Directive),
		}, &result)
	if err != nil {
		logger.Warn("Failed to mirror mission", "error", err)
		return
	}

	if err := s.store.UpsertSyncRecord(ctx, &models.LinearSyncRecord{
		EntityKind: "mission",
		EntityID:   mission.ID,
		LinearID:   result.ProjectCreate.Project.ID,
		LinearURL:  result.ProjectCreate.Project.URL,
	}); err != nil {
		logger.Warn("Failed to record mission sync", "error", err)
	}
}

// StepsCreated mirrors newly materialized steps as issues under the
// mission's project, tagged with the managed label.
func (s *Service) StepsCreated(ctx context.Context, missionID string, steps []*models.Step) {
	logger := s.logger.With("mission_id", missionID)
	if err := s.ensureInitialized(ctx); err != nil {
		logger.Warn("Mirror not initialized, skipping step sync", "error", err)
		return
	}

	projectID := ""
	if rec, err := s.store.GetSyncRecord(ctx, "mission", missionID); err == nil {
		projectID = rec.LinearID
	}

	for _, step := range steps {
		input := map[string]any{
			"teamId":      s.teamID,
			"title":       Truncate(step.Description),
			"description": step.AcceptanceCriteria,
			"labelIds":    []string{s.managedLabelID},
		}
		if projectID != "" {
			input["projectId"] = projectID
		}
		if stateID, ok := s.stateID(models.StepStatusPending); ok {
			input["stateId"] = stateID
		}

		var result struct {
			IssueCreate struct {
				Issue struct {
					ID  string `json:"id"`
					URL string `json:"url"`
				} `json:"issue"`
			} `json:"issueCreate"`
		}
		err := s.client.Execute(ctx, `
			mutation CreateIssue($input: IssueCreateInput!) {
				issueCreate(input: $input) { issue { id url } }
			}`,
			map[string]any{"input": input}, &result)
		if err != nil {
			logger.Warn("Failed to mirror step", "step_id", step.ID, "error", err)
			continue
		}

		if err := s.store.UpsertSyncRecord(ctx, &models.LinearSyncRecord{
			EntityKind: "step",
			EntityID:   step.ID,
			LinearID:   result.IssueCreate.Issue.ID,
			LinearURL:  result.IssueCreate.Issue.URL,
		}); err != nil {
			logger.Warn("Failed to record step sync", "step_id", step.ID, "error", err)
		}
	}
}

// StepStatusChanged moves the mirrored issue to the workflow state matching
// the step status.
func (s *Service) StepStatusChanged(ctx context.Context, step *models.Step, status models.StepStatus) {
	logger := s.logger.With("step_id", step.ID)
	if err := s.ensureInitialized(ctx); err != nil {
		logger.Warn("Mirror not initialized, skipping status sync", "error", err)
		return
	}
	rec, err := s.store.GetSyncRecord(ctx, "step", step.ID)
	if err != nil {
		if !errors.Is(err, store.ErrSyncRecordNotFound) {
			logger.Warn("Mirror sync record lookup failed", "error", err)
		}
		return
	}
	stateID, ok := s.stateID(status)
	if !ok {
		logger.Warn("No workflow state for status", "status", status)
		return
	}

	err = s.client.Execute(ctx, `
		mutation UpdateIssue($issueId: String!, $stateId: String!) {
			issueUpdate(id: $issueId, input: {stateId: $stateId}) { success }
		}`,
		map[string]any{"issueId": rec.LinearID, "stateId": stateID}, nil)
	if err != nil {
		logger.Warn("Failed to sync step status", "status", status, "error", err)
	}
}

// FeedbackPosted mirrors rejection feedback as an issue comment.
func (s *Service) FeedbackPosted(ctx context.Context, step *models.Step, feedback string) {
	logger := s.logger.With("step_id", step.ID)
	rec, err := s.store.GetSyncRecord(ctx, "step", step.ID)
	if err != nil {
		if !errors.Is(err, store.ErrSyncRecordNotFound) {
			logger.Warn("Mirror sync record lookup failed", "error", err)
		}
		return
	}

	err = s.client.Execute(ctx, `
		mutation CreateComment($issueId: String!, $body: String!) {
			commentCreate(input: {issueId: $issueId, body: $body}) { success }
		}`,
		map[string]any{"issueId": rec.LinearID, "body": feedback}, nil)
	if err != nil {
		logger.Warn("Failed to mirror review feedback", "error", err)
	}
}

// ManagedLabelID exposes the cached label id for inbound loop prevention.
// Empty until the lazy init has run.
func (s *Service) ManagedLabelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.managedLabelID
}

// stateID resolves a step status to a cached workflow state id.
func (s *Service) stateID(status models.StepStatus) (string, bool) {
	name, ok := stepStateNames[status]
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.stateIDs[strings.ToLower(name)]
	return id, ok
}
