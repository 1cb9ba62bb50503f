package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foreman-hq/foreman/pkg/models"
)

func setRequiredModels(t *testing.T) {
	t.Setenv("LLM_TIER1_MODEL", "small-model")
	t.Setenv("LLM_TIER2_MODEL", "mid-model")
	t.Setenv("LLM_TIER3_MODEL", "big-model")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredModels(t)
	t.Setenv("LLM_API_KEY", "shared-key")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, s.HTTPPort)
	assert.Equal(t, 10*time.Second, s.Scheduler.Tick)
	assert.Equal(t, 10, s.Scheduler.CandidateBatch)
	assert.Equal(t, 30*time.Second, s.Linear.PollTick)
	assert.NotEmpty(t, s.PodID, "falls back to the hostname")
	assert.False(t, s.LinearEnabled())

	cheap := s.LLM.Endpoints[models.TierCheap]
	assert.Equal(t, "small-model", cheap.Model)
	assert.Equal(t, "openai", cheap.Provider)
	assert.Equal(t, "shared-key", cheap.APIKey, "shared key covers tiers without their own")
}

func TestLoad_PerTierOverrides(t *testing.T) {
	setRequiredModels(t)
	t.Setenv("LLM_API_KEY", "shared-key")
	t.Setenv("LLM_TIER3_PROVIDER", "anthropic")
	t.Setenv("LLM_TIER3_API_KEY", "tier3-key")
	t.Setenv("LLM_TIER3_BASE_URL", "https://llm.internal/v1")

	s, err := Load()
	require.NoError(t, err)

	expensive := s.LLM.Endpoints[models.TierExpensive]
	assert.Equal(t, "anthropic", expensive.Provider)
	assert.Equal(t, "tier3-key", expensive.APIKey)
	assert.Equal(t, "https://llm.internal/v1", expensive.BaseURL)
	assert.Equal(t, "shared-key", s.LLM.Endpoints[models.TierCheap].APIKey)
}

func TestLoad_MissingModelsAreAllNamed(t *testing.T) {
	t.Setenv("LLM_TIER1_MODEL", "small-model")
	t.Setenv("LLM_TIER2_MODEL", "")
	t.Setenv("LLM_TIER3_MODEL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLM_TIER2_MODEL")
	assert.Contains(t, err.Error(), "LLM_TIER3_MODEL")
	assert.NotContains(t, err.Error(), "LLM_TIER1_MODEL")
}

func TestLoad_InvalidValues(t *testing.T) {
	setRequiredModels(t)

	t.Setenv("HTTP_PORT", "not-a-port")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP_PORT")

	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("SCHEDULER_TICK", "fast")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCHEDULER_TICK")
}

func TestLinearEnabled(t *testing.T) {
	setRequiredModels(t)
	t.Setenv("LINEAR_API_KEY", "lin_key")
	t.Setenv("LINEAR_TEAM_ID", "team-1")
	t.Setenv("LINEAR_WEBHOOK_SECRET", "hush")

	s, err := Load()
	require.NoError(t, err)
	assert.True(t, s.LinearEnabled())
	assert.Equal(t, "hush", s.Linear.WebhookSecret)
}
