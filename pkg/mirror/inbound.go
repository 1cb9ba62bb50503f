package mirror

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foreman-hq/foreman/pkg/models"
	"github.com/foreman-hq/foreman/pkg/store"
)

// firstPollLookback is how far the first poll of a process reaches back.
const firstPollLookback = 60 * time.Second

// InboundStore is the persistence surface inbound sync needs.
type InboundStore interface {
	ProposalExistsByExternalID(ctx context.Context, externalID string) (bool, error)
	FindSyncRecordByLinearID(ctx context.Context, linearID string) (*models.LinearSyncRecord, error)
	CreateProposal(ctx context.Context, p *models.Proposal) error
}

// InboundEmitter announces accepted inbound issues.
type InboundEmitter interface {
	LinearInboundIssue(ctx context.Context, identifier, title string)
}

// Intake receives each accepted proposal for decomposition. May be nil when
// the process only records proposals.
type Intake interface {
	ProposalReceived(ctx context.Context, p *models.Proposal)
}

// InboundIssue is one issue pulled from Linear, by poll or webhook.
type InboundIssue struct {
	ID          string
	Identifier  string
	Title       string
	Description string
	CreatorID   string
	LabelIDs    []string
	URL         string
}

// Poller pulls issues created in Linear and turns them into proposals.
type Poller struct {
	client    *Client
	store     InboundStore
	emitter   InboundEmitter
	intake    Intake
	teamID    string
	apiUserID string
	tick      time.Duration

	lastPoll    time.Time
	labelSource func() string
	logger      *slog.Logger
}

// NewPoller wires the inbound poller. intake may be nil.
func NewPoller(client *Client, st InboundStore, emitter InboundEmitter, intake Intake,
	teamID, apiUserID string, tick time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		client:    client,
		store:     st,
		emitter:   emitter,
		intake:    intake,
		teamID:    teamID,
		apiUserID: apiUserID,
		tick:      tick,
		logger:    logger,
	}
}

// Run polls until the context ends.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	p.logger.Info("Inbound poller started", "tick", p.tick)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Inbound poller stopped")
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce fetches issues created since the last poll. lastPoll only moves
// forward, and only after a successful fetch, so a failed round is retried
// with the same window.
func (p *Poller) PollOnce(ctx context.Context) {
	since := p.lastPoll
	if since.IsZero() {
		since = time.Now().Add(-firstPollLookback)
	}
	now := time.Now()

	var result struct {
		Issues struct {
			Nodes []struct {
				ID         string `json:"id"`
				Identifier string `json:"identifier"`
				Title      string `json:"title"`
				Description string `json:"description"`
				URL        string `json:"url"`
				Creator    struct {
					ID string `json:"id"`
				} `json:"creator"`
				Labels struct {
					Nodes []struct {
						ID string `json:"id"`
					} `json:"nodes"`
				} `json:"labels"`
			} `json:"nodes"`
		} `json:"issues"`
	}
	err := p.client.Execute(ctx, `
		query InboundIssues($teamId: ID!, $since: DateTimeOrDuration!) {
			issues(filter: {team: {id: {eq: $teamId}}, createdAt: {gt: $since}}) {
				nodes {
					id identifier title description url
					creator { id }
					labels { nodes { id } }
				}
			}
		}`,
		map[string]any{"teamId": p.teamID, "since": since.UTC().Format(time.RFC3339)}, &result)
	if err != nil {
		p.logger.Warn("Inbound poll failed", "error", err)
		return
	}

	for _, node := range result.Issues.Nodes {
		issue := InboundIssue{
			ID:          node.ID,
			Identifier:  node.Identifier,
			Title:       node.Title,
			Description: node.Description,
			CreatorID:   node.Creator.ID,
			URL:         node.URL,
		}
		for _, l := range node.Labels.Nodes {
			issue.LabelIDs = append(issue.LabelIDs, l.ID)
		}
		p.HandleInbound(ctx, issue)
	}

	if now.After(p.lastPoll) {
		p.lastPoll = now
	}
}

// HandleInbound applies loop prevention and dedupe to one inbound issue and,
// when it survives, records it as a proposal. Shared by the poller and the
// webhook path.
func (p *Poller) HandleInbound(ctx context.Context, issue InboundIssue) {
	logger := p.logger.With("linear_id", issue.ID, "identifier", issue.Identifier)

	// Loop prevention layer one: our own API user created it
	if p.apiUserID != "" && issue.CreatorID == p.apiUserID {
		return
	}
	// Layer two: it carries the system-managed label, so we wrote it
	if p.hasManagedLabel(issue.LabelIDs) {
		return
	}

	// Dedupe against both the sync table and prior proposals
	if _, err := p.store.FindSyncRecordByLinearID(ctx, issue.ID); err == nil {
		return
	} else if !errors.Is(err, store.ErrSyncRecordNotFound) {
		logger.Warn("Inbound dedupe lookup failed", "error", err)
		return
	}
	exists, err := p.store.ProposalExistsByExternalID(ctx, issue.ID)
	if err != nil {
		logger.Warn("Inbound proposal lookup failed", "error", err)
		return
	}
	if exists {
		return
	}

	externalID := issue.ID
	proposal := &models.Proposal{
		ID:          uuid.New().String(),
		Title:       issue.Title,
		Description: issue.Description,
		Source:      "linear",
		ExternalID:  &externalID,
		RawMessage:  strings.TrimSpace(issue.Title + "\n\n" + issue.Description),
	}
	if err := p.store.CreateProposal(ctx, proposal); err != nil {
		logger.Warn("Failed to record inbound proposal", "error", err)
		return
	}
	logger.Info("Inbound issue accepted", "title", issue.Title)
	if p.emitter != nil {
		p.emitter.LinearInboundIssue(ctx, issue.Identifier, issue.Title)
	}
	if p.intake != nil {
		p.intake.ProposalReceived(ctx, proposal)
	}
}

// hasManagedLabel matches inbound label ids against the outbound service's
// cached managed-label id. Payloads carry ids only; without a wired label
// source the check passes the issue through and dedupe still protects us.
func (p *Poller) hasManagedLabel(labelIDs []string) bool {
	if p.labelSource == nil {
		return false
	}
	managed := p.labelSource()
	if managed == "" {
		return false
	}
	for _, id := range labelIDs {
		if id == managed {
			return true
		}
	}
	return false
}

// SetManagedLabelSource wires the outbound service's label cache into the
// inbound loop-prevention check.
func (p *Poller) SetManagedLabelSource(fn func() string) {
	p.labelSource = fn
}
