package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foreman-hq/foreman/pkg/models"
)

// announceBatchSize bounds one polling round.
const announceBatchSize = 20

// AnnouncerStore is the persistence surface the announcement loop needs.
type AnnouncerStore interface {
	ListUnannouncedEvents(ctx context.Context, limit int) ([]*models.Event, error)
	MarkEventAnnounced(ctx context.Context, id string) error
}

// Sink delivers one event to wherever users watch. An error leaves the event
// unannounced for the next round.
type Sink interface {
	Announce(ctx context.Context, e *models.Event) error
}

// LogSink announces events to the structured log. The default sink when no
// chat surface is configured.
type LogSink struct {
	Logger *slog.Logger
}

// Announce writes one event to the log.
func (s LogSink) Announce(ctx context.Context, e *models.Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Event", "type", e.Type, "summary", Summarize(e))
	return nil
}

// Announcer polls unannounced events and delivers them to the sink.
type Announcer struct {
	store  AnnouncerStore
	sink   Sink
	tick   time.Duration
	logger *slog.Logger
}

// NewAnnouncer wires the announcement loop.
func NewAnnouncer(st AnnouncerStore, sink Sink, tick time.Duration, logger *slog.Logger) *Announcer {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = LogSink{Logger: logger}
	}
	return &Announcer{store: st, sink: sink, tick: tick, logger: logger}
}

// Run polls until the context ends.
func (a *Announcer) Run(ctx context.Context) {
	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()

	a.logger.Info("Announcer started", "tick", a.tick)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Announcer stopped")
			return
		case <-ticker.C:
			a.RunOnce(ctx)
		}
	}
}

// RunOnce announces one batch. Delivery failures leave events for the next
// round; marking is per event so one failure never blocks the rest.
func (a *Announcer) RunOnce(ctx context.Context) {
	evs, err := a.store.ListUnannouncedEvents(ctx, announceBatchSize)
	if err != nil {
		a.logger.Warn("Failed to list unannounced events", "error", err)
		return
	}
	for _, ev := range evs {
		if err := a.sink.Announce(ctx, ev); err != nil {
			a.logger.Warn("Failed to announce event", "event_id", ev.ID, "type", ev.Type, "error", err)
			continue
		}
		if err := a.store.MarkEventAnnounced(ctx, ev.ID); err != nil {
			a.logger.Warn("Failed to mark event announced", "event_id", ev.ID, "error", err)
		}
	}
}

// Summarize renders one event as a short human line.
func Summarize(e *models.Event) string {
	switch e.Type {
	case models.EventTaskCompleted:
		return fmt.Sprintf("Task completed: %v", e.Payload["description"])
	case models.EventTaskFailed:
		return fmt.Sprintf("Task failed: %v (%v)", e.Payload["description"], e.Payload["reason"])
	case models.EventMissionCompleted:
		return fmt.Sprintf("Mission %s completed", deref(e.MissionID))
	case models.EventMissionFailed:
		return fmt.Sprintf("Mission %s failed", deref(e.MissionID))
	case models.EventProjectPhaseAdvanced:
		return fmt.Sprintf("Project %s advanced to %v", deref(e.ProjectID), e.Payload["phase"])
	case models.EventProjectCompleted:
		return fmt.Sprintf("Project %s completed", deref(e.ProjectID))
	case models.EventRevisionCapReached:
		return fmt.Sprintf("Step %s hit the revision cap and was failed", deref(e.StepID))
	case models.EventAgentUpskilled:
		return fmt.Sprintf("Agent %v gained expertise", e.Payload["agent_id"])
	case models.EventLinearInboundIssue:
		return fmt.Sprintf("Inbound issue %v: %v", e.Payload["identifier"], e.Payload["title"])
	}
	return string(e.Type)
}

func deref(s *string) string {
	if s == nil {
		return "?"
	}
	return *s
}
