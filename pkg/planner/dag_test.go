package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foreman-hq/foreman/pkg/models"
)

func task(id string, deps ...string) models.PlanTask {
	return models.PlanTask{ID: id, Description: id, Role: "analyst", DependsOn: deps}
}

func TestValidateDAG(t *testing.T) {
	tests := []struct {
		name    string
		tasks   []models.PlanTask
		wantErr string
	}{
		{
			name:  "linear chain",
			tasks: []models.PlanTask{task("T1"), task("T2", "T1"), task("T3", "T2")},
		},
		{
			name: "diamond",
			tasks: []models.PlanTask{
				task("T1"), task("T2", "T1"), task("T3", "T1"), task("T4", "T2", "T3"),
			},
		},
		{
			name:  "independent tasks",
			tasks: []models.PlanTask{task("T1"), task("T2"), task("T3")},
		},
		{
			name:    "two-node cycle",
			tasks:   []models.PlanTask{task("T1", "T2"), task("T2", "T1")},
			wantErr: "cycle",
		},
		{
			name:    "three-node cycle behind a valid prefix",
			tasks:   []models.PlanTask{task("T0"), task("T1", "T3"), task("T2", "T1"), task("T3", "T2")},
			wantErr: "cycle",
		},
		{
			name:    "self dependency",
			tasks:   []models.PlanTask{task("T1", "T1")},
			wantErr: "depends on itself",
		},
		{
			name:    "unknown dependency",
			tasks:   []models.PlanTask{task("T1", "T9")},
			wantErr: "unknown task",
		},
		{
			name:    "duplicate id",
			tasks:   []models.PlanTask{task("T1"), task("T1")},
			wantErr: "duplicate",
		},
		{
			name:    "missing id",
			tasks:   []models.PlanTask{{Description: "x"}},
			wantErr: "no id",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDAG(tt.tasks)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateDAG_Deterministic(t *testing.T) {
	tasks := []models.PlanTask{
		task("T1"), task("T2", "T1"), task("T3", "T1"), task("T4", "T2", "T3"),
	}
	for i := 0; i < 50; i++ {
		require.NoError(t, ValidateDAG(tasks))
	}
}
