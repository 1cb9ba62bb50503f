package capability

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/foreman-hq/foreman/pkg/llm"
	"github.com/foreman-hq/foreman/pkg/models"
)

// scriptedCaller returns a fixed response or error.
type scriptedCaller struct {
	content string
	err     error
	calls   int
	lastReq llm.Request
}

func (s *scriptedCaller) Call(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.calls++
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Content: s.content, Model: "test", Tier: req.ForceTier}, nil
}

func sampleTasks() []models.PlanTask {
	return []models.PlanTask{
		{ID: "T1", Role: "researcher", Description: "survey the market", AcceptanceCriteria: "10 sources"},
		{ID: "T2", Role: "writer", Description: "draft the report", DependsOn: []string{"T1"}, ParallelGroup: 1},
	}
}

func TestBuildManifest_QuotesBudgetsAndRoles(t *testing.T) {
	m := NewRegistry().BuildManifest()

	for _, role := range []string{"RESEARCHER", "ANALYST", "WRITER", "ENGINEER", "REVIEWER", "LEAD"} {
		assert.Contains(t, m, role)
	}
	assert.Contains(t, m, "At most 6 search queries per step")
	assert.Contains(t, m, "At most 16 page fetches per step")
	assert.Contains(t, m, "At most 3 URLs fetched per query")
	assert.Contains(t, m, "8000 characters")
	assert.Contains(t, m, "MapReduce")
	assert.Contains(t, m, "CANNOT")
}

func TestValidateFeasibility_ParsesVerdict(t *testing.T) {
	caller := &scriptedCaller{content: "```json\n{\"feasible\": false, \"issues\": [\"T1: exceeds fetch budget\"]}\n```"}
	v := NewValidator(NewRegistry(), caller, nil)

	res := v.ValidateFeasibility(context.Background(), sampleTasks())

	assert.False(t, res.Feasible)
	assert.Equal(t, []string{"T1: exceeds fetch budget"}, res.Issues)
	assert.Equal(t, models.TierCheap, caller.lastReq.ForceTier, "feasibility runs on the cheap tier")
	assert.True(t, strings.Contains(caller.lastReq.UserMessage, "T1") &&
		strings.Contains(caller.lastReq.UserMessage, "GLOBAL CONSTRAINTS"))
}

func TestValidateFeasibility_FailOpen(t *testing.T) {
	tests := []struct {
		name   string
		caller *scriptedCaller
	}{
		{name: "call error", caller: &scriptedCaller{err: errors.New("rate limited")}},
		{name: "no json in response", caller: &scriptedCaller{content: "I think it is fine."}},
		{name: "malformed json", caller: &scriptedCaller{content: `{"feasible": "maybe`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(NewRegistry(), tt.caller, nil)
			res := v.ValidateFeasibility(context.Background(), sampleTasks())
			assert.True(t, res.Feasible, "validation must never block on its own failure")
			assert.Empty(t, res.Issues)
		})
	}
}

func TestValidateFeasibility_EmptyPlanSkipsCall(t *testing.T) {
	caller := &scriptedCaller{content: "{}"}
	v := NewValidator(NewRegistry(), caller, nil)

	res := v.ValidateFeasibility(context.Background(), nil)

	assert.True(t, res.Feasible)
	assert.Zero(t, caller.calls)
}
