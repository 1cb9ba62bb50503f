package ingress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/foreman-hq/foreman/pkg/mirror"
	"github.com/foreman-hq/foreman/pkg/models"
	"github.com/foreman-hq/foreman/pkg/store"
	"github.com/foreman-hq/foreman/pkg/version"
)

// maxWebhookBody bounds webhook payloads.
const maxWebhookBody = 1 << 20

// WebhookSink receives validated inbound issues; mirror.Poller implements it.
type WebhookSink interface {
	HandleInbound(ctx context.Context, issue mirror.InboundIssue)
}

// Pinger reports database liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the gin HTTP surface.
type Server struct {
	intake        *Intake
	store         Store
	webhook       WebhookSink
	webhookSecret string
	pinger        Pinger
	logger        *slog.Logger
}

// NewServer wires the HTTP surface. webhook and pinger may be nil; an empty
// webhookSecret disables the webhook endpoint.
func NewServer(intake *Intake, st Store, webhook WebhookSink, webhookSecret string,
	pinger Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		intake:        intake,
		store:         st,
		webhook:       webhook,
		webhookSecret: webhookSecret,
		pinger:        pinger,
		logger:        logger,
	}
}

// Routes builds the gin engine.
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.health)
	r.POST("/webhooks/linear", s.linearWebhook)

	v1 := r.Group("/api/v1")
	v1.POST("/directives", s.submitDirective)
	v1.GET("/missions/:id", s.getMission)
	v1.POST("/missions/:id/cancel", s.cancelMission)
	return r
}

func (s *Server) health(c *gin.Context) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": version.Full()})
}

type directiveRequest struct {
	Directive string  `json:"directive" binding:"required"`
	ProjectID *string `json:"project_id"`
}

// submitDirective records the raw request as a proposal, then launches and
// plans a mission for it.
func (s *Server) submitDirective(c *gin.Context) {
	var req directiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	proposal := &models.Proposal{
		ID:         uuid.New().String(),
		Title:      mirror.Truncate(req.Directive),
		Source:     "chat",
		RawMessage: req.Directive,
	}
	if err := s.store.CreateProposal(c.Request.Context(), proposal); err != nil {
		s.logger.Error("Failed to record proposal", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record proposal"})
		return
	}

	mission, res, err := s.intake.Launch(c.Request.Context(), req.Directive, req.ProjectID, &proposal.ID)
	if err != nil {
		s.logger.Error("Failed to launch mission", "error", err)
		status := http.StatusInternalServerError
		body := gin.H{"error": "failed to plan mission"}
		if mission != nil {
			// The mission row exists; planning failed after it
			body["mission_id"] = mission.ID
		}
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"mission_id": mission.ID,
		"escalated":  res.Escalated,
		"steps":      len(res.Steps),
	})
}

func (s *Server) getMission(c *gin.Context) {
	id := c.Param("id")
	mission, err := s.store.GetMission(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrMissionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "mission not found"})
			return
		}
		s.logger.Error("Failed to load mission", "mission_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load mission"})
		return
	}
	steps, err := s.store.ListStepsByMission(c.Request.Context(), id)
	if err != nil {
		s.logger.Error("Failed to load steps", "mission_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load steps"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mission": mission, "steps": steps})
}

// cancelMission marks the mission canceled and sweeps its open steps. Steps
// already running notice the status at the next phase boundary.
func (s *Server) cancelMission(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.GetMission(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrMissionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "mission not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load mission"})
		return
	}
	if err := s.store.CancelMission(c.Request.Context(), id); err != nil {
		s.logger.Error("Failed to cancel mission", "mission_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel mission"})
		return
	}
	if err := s.store.CancelOpenSteps(c.Request.Context(), id); err != nil {
		s.logger.Error("Failed to cancel open steps", "mission_id", id, "error", err)
	}
	c.JSON(http.StatusAccepted, gin.H{"mission_id": id, "status": models.MissionStatusCanceled})
}

// linearWebhook validates the HMAC signature over the raw body and hands new
// issues to the shared inbound path.
func (s *Server) linearWebhook(c *gin.Context) {
	if s.webhookSecret == "" || s.webhook == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "webhook not configured"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if !mirror.ValidateSignature(s.webhookSecret, body, c.GetHeader("Linear-Signature")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	ev, err := mirror.ParseWebhook(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if !ev.IsNewIssue() {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	s.webhook.HandleInbound(c.Request.Context(), ev.Issue())
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}
