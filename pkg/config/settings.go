// Package config loads process settings from the environment. A .env file is
// honored when present; real environment variables win over it.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/foreman-hq/foreman/pkg/database"
	"github.com/foreman-hq/foreman/pkg/llm"
	"github.com/foreman-hq/foreman/pkg/models"
)

// tierEnvPrefixes maps model tiers to their environment prefix.
var tierEnvPrefixes = map[models.ModelTier]string{
	models.TierCheap:     "LLM_TIER1",
	models.TierMedium:    "LLM_TIER2",
	models.TierExpensive: "LLM_TIER3",
}

// SchedulerSettings controls the worker loop.
type SchedulerSettings struct {
	Tick           time.Duration
	CandidateBatch int
}

// LinearSettings configures the Linear mirror. Empty APIKey or TeamID
// disables mirroring entirely.
type LinearSettings struct {
	APIKey        string
	TeamID        string
	APIUserID     string
	WebhookSecret string
	PollTick      time.Duration
}

// SlackSettings configures the announcement sink. Empty token or channel
// falls back to the log sink.
type SlackSettings struct {
	BotToken  string
	ChannelID string
}

// Settings is everything a process needs to start.
type Settings struct {
	HTTPPort int
	PodID    string

	// TeamID groups hired agents; there is one team per deployment.
	TeamID string

	Database  database.Config
	LLM       llm.Config
	Scheduler SchedulerSettings
	Linear    LinearSettings
	Slack     SlackSettings

	// BraveAPIKey enables web search. Empty disables the web collaborator's
	// search path; page fetching still works.
	BraveAPIKey string
}

// LinearEnabled reports whether the mirror collaborator should be wired.
func (s *Settings) LinearEnabled() bool {
	return s.Linear.APIKey != "" && s.Linear.TeamID != ""
}

// Load reads a .env file if one exists, then builds Settings from the
// environment. Per-tier model names are required; everything else defaults.
func Load() (*Settings, error) {
	// godotenv never overrides variables already set in the environment
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load database config: %w", err)
	}

	llmCfg, err := loadLLMConfig()
	if err != nil {
		return nil, err
	}

	httpPort, err := intEnv("HTTP_PORT", 8080)
	if err != nil {
		return nil, err
	}
	batch, err := intEnv("SCHEDULER_CANDIDATE_BATCH", 10)
	if err != nil {
		return nil, err
	}
	tick, err := durationEnv("SCHEDULER_TICK", 10*time.Second)
	if err != nil {
		return nil, err
	}
	pollTick, err := durationEnv("LINEAR_POLL_TICK", 30*time.Second)
	if err != nil {
		return nil, err
	}

	podID := os.Getenv("POD_ID")
	if podID == "" {
		host, _ := os.Hostname()
		podID = host
	}

	teamID := os.Getenv("TEAM_ID")
	if teamID == "" {
		teamID = "core"
	}

	return &Settings{
		HTTPPort: httpPort,
		PodID:    podID,
		TeamID:   teamID,
		Database: dbCfg,
		LLM:      llmCfg,
		Scheduler: SchedulerSettings{
			Tick:           tick,
			CandidateBatch: batch,
		},
		Linear: LinearSettings{
			APIKey:        os.Getenv("LINEAR_API_KEY"),
			TeamID:        os.Getenv("LINEAR_TEAM_ID"),
			APIUserID:     os.Getenv("LINEAR_API_USER_ID"),
			WebhookSecret: os.Getenv("LINEAR_WEBHOOK_SECRET"),
			PollTick:      pollTick,
		},
		Slack: SlackSettings{
			BotToken:  os.Getenv("SLACK_BOT_TOKEN"),
			ChannelID: os.Getenv("SLACK_CHANNEL_ID"),
		},
		BraveAPIKey: os.Getenv("BRAVE_API_KEY"),
	}, nil
}

// loadLLMConfig builds the per-tier endpoint map. Each tier needs at least a
// model name; provider defaults to openai and the API key falls back to the
// shared LLM_API_KEY.
func loadLLMConfig() (llm.Config, error) {
	cfg := llm.DefaultConfig()
	sharedKey := os.Getenv("LLM_API_KEY")

	var missing []string
	for tier, prefix := range tierEnvPrefixes {
		model := os.Getenv(prefix + "_MODEL")
		if model == "" {
			missing = append(missing, prefix+"_MODEL")
			continue
		}
		apiKey := os.Getenv(prefix + "_API_KEY")
		if apiKey == "" {
			apiKey = sharedKey
		}
		provider := os.Getenv(prefix + "_PROVIDER")
		if provider == "" {
			provider = "openai"
		}
		cfg.Endpoints[tier] = llm.Endpoint{
			Provider: provider,
			Model:    model,
			BaseURL:  os.Getenv(prefix + "_BASE_URL"),
			APIKey:   apiKey,
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing) // map iteration order is random
		return llm.Config{}, fmt.Errorf("missing model configuration: %s", strings.Join(missing, ", "))
	}

	if timeout, err := durationEnv("LLM_TIMEOUT", cfg.Timeout); err != nil {
		return llm.Config{}, err
	} else {
		cfg.Timeout = timeout
	}
	return cfg, nil
}

func intEnv(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
