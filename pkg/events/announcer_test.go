package events

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foreman-hq/foreman/pkg/models"
)

type fakeEventStore struct {
	events    []*models.Event
	announced []string
	insertErr error
}

func (f *fakeEventStore) InsertEvent(ctx context.Context, e *models.Event) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	e.ID = fmt.Sprintf("ev-%d", len(f.events)+1)
	f.events = append(f.events, e)
	return nil
}

func (f *fakeEventStore) ListUnannouncedEvents(ctx context.Context, limit int) ([]*models.Event, error) {
	var out []*models.Event
	for _, e := range f.events {
		if len(out) == limit {
			break
		}
		if !contains(f.announced, e.ID) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEventStore) MarkEventAnnounced(ctx context.Context, id string) error {
	f.announced = append(f.announced, id)
	return nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

type flakySink struct {
	failFor map[string]bool
	seen    []string
}

func (s *flakySink) Announce(ctx context.Context, e *models.Event) error {
	if s.failFor[e.ID] {
		return errors.New("delivery failed")
	}
	s.seen = append(s.seen, e.ID)
	return nil
}

func TestRunOnce_FailedDeliveryStaysForNextRound(t *testing.T) {
	st := &fakeEventStore{}
	em := NewEmitter(st, nil)
	em.MissionCompleted(context.Background(), "m1")
	em.MissionFailed(context.Background(), "m2")
	require.Len(t, st.events, 2)

	sink := &flakySink{failFor: map[string]bool{"ev-1": true}}
	a := NewAnnouncer(st, sink, 0, nil)

	a.RunOnce(context.Background())
	assert.Equal(t, []string{"ev-2"}, sink.seen, "one failure never blocks the rest")
	assert.Equal(t, []string{"ev-2"}, st.announced)

	sink.failFor = nil
	a.RunOnce(context.Background())
	assert.Equal(t, []string{"ev-2", "ev-1"}, sink.seen)
	assert.ElementsMatch(t, []string{"ev-1", "ev-2"}, st.announced)

	// Nothing left to announce
	a.RunOnce(context.Background())
	assert.Len(t, sink.seen, 2)
}

func TestEmit_InsertFailureIsSwallowed(t *testing.T) {
	st := &fakeEventStore{insertErr: errors.New("db down")}
	em := NewEmitter(st, nil)

	em.StepFailed(context.Background(), &models.Step{ID: "s1", MissionID: "m1"}, "boom")
	assert.Empty(t, st.events)
}

func TestSummarize(t *testing.T) {
	missionID := "m1"
	projectID := "p1"
	stepID := "s1"

	cases := []struct {
		name string
		e    *models.Event
		want string
	}{
		{"task completed", &models.Event{
			Type:    models.EventTaskCompleted,
			Payload: map[string]any{"description": "survey the market"},
		}, "Task completed: survey the market"},
		{"task failed", &models.Event{
			Type:    models.EventTaskFailed,
			Payload: map[string]any{"description": "survey", "reason": "blocked"},
		}, "Task failed: survey (blocked)"},
		{"mission completed", &models.Event{
			Type: models.EventMissionCompleted, MissionID: &missionID,
		}, "Mission m1 completed"},
		{"phase advanced", &models.Event{
			Type: models.EventProjectPhaseAdvanced, ProjectID: &projectID,
			Payload: map[string]any{"phase": "design"},
		}, "Project p1 advanced to design"},
		{"revision cap", &models.Event{
			Type: models.EventRevisionCapReached, StepID: &stepID,
		}, "Step s1 hit the revision cap and was failed"},
		{"inbound issue", &models.Event{
			Type:    models.EventLinearInboundIssue,
			Payload: map[string]any{"identifier": "FOR-1", "title": "do it"},
		}, "Inbound issue FOR-1: do it"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Summarize(tc.e))
		})
	}
}
