package mirror

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ValidateSignature checks a webhook's HMAC-SHA256 signature over the raw
// request body, in constant time.
func ValidateSignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// WebhookEvent is the inbound webhook payload shape.
type WebhookEvent struct {
	Action string `json:"action"`
	Type   string `json:"type"`
	Data   struct {
		ID          string   `json:"id"`
		Title       string   `json:"title"`
		Description string   `json:"description"`
		CreatorID   string   `json:"creatorId"`
		LabelIDs    []string `json:"labelIds"`
		URL         string   `json:"url"`
		Identifier  string   `json:"identifier"`
	} `json:"data"`
}

// ParseWebhook decodes a validated webhook body.
func ParseWebhook(body []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}
	return &ev, nil
}

// IsNewIssue reports whether the event is an issue creation; everything
// else is ignored.
func (e *WebhookEvent) IsNewIssue() bool {
	return e.Action == "create" && e.Type == "Issue"
}

// Issue converts the webhook payload to the shared inbound shape.
func (e *WebhookEvent) Issue() InboundIssue {
	return InboundIssue{
		ID:          e.Data.ID,
		Identifier:  e.Data.Identifier,
		Title:       e.Data.Title,
		Description: e.Data.Description,
		CreatorID:   e.Data.CreatorID,
		LabelIDs:    e.Data.LabelIDs,
		URL:         e.Data.URL,
	}
}
