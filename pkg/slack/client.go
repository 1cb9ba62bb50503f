// Package slack posts event announcements to a Slack channel. It is one of
// the pluggable announcement sinks; the log sink remains the default.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/foreman-hq/foreman/pkg/events"
	"github.com/foreman-hq/foreman/pkg/models"
)

// postTimeout caps one chat.postMessage call.
const postTimeout = 10 * time.Second

// Client is a thin wrapper around the slack-go SDK.
type Client struct {
	api       *goslack.Client
	channelID string
	logger    *slog.Logger
}

// NewClient creates a Slack client posting to one channel.
func NewClient(token, channelID string) *Client {
	return &Client{
		api:       goslack.New(token),
		channelID: channelID,
		logger:    slog.Default().With("component", "slack"),
	}
}

// NewClientWithAPIURL targets a custom API URL, for tests.
func NewClientWithAPIURL(token, channelID, apiURL string) *Client {
	return &Client{
		api:       goslack.New(token, goslack.OptionAPIURL(apiURL)),
		channelID: channelID,
		logger:    slog.Default().With("component", "slack"),
	}
}

// PostMessage sends one plain-text message to the configured channel.
func (c *Client) PostMessage(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	_, _, err := c.api.PostMessageContext(ctx, c.channelID,
		goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("chat.postMessage failed: %w", err)
	}
	return nil
}

// Announce delivers one event as a channel message. Implements events.Sink;
// an error leaves the event for the announcer's next round.
func (c *Client) Announce(ctx context.Context, e *models.Event) error {
	return c.PostMessage(ctx, events.Summarize(e))
}
