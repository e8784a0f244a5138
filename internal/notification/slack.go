package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const slackPostMessageURL = "https://slack.com/api/chat.postMessage"

// slackFieldOrder lists the metadata keys shown as message fields.
var slackFieldOrder = []string{"action_id", "task_type", "risk_tier", "actor_id"}

// SlackSender posts confirmation requests with the Slack Web API.
type SlackSender struct {
	botToken   string
	apiURL     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSlackSender creates a Slack notification sender.
func NewSlackSender(botToken string, logger *slog.Logger) *SlackSender {
	return &SlackSender{
		botToken:   botToken,
		apiURL:     slackPostMessageURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

func (s *SlackSender) Type() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, ch *Channel, msg *Message) error {
	channelID := ch.Config["channel_id"]
	if channelID == "" {
		return fmt.Errorf("slack channel %q missing channel_id in config", ch.Name)
	}

	header := http.Header{
		"Content-Type":  {"application/json; charset=utf-8"},
		"Authorization": {"Bearer " + s.botToken},
	}
	status, respBody, err := postJSON(ctx, s.httpClient, s.apiURL, header, map[string]any{
		"channel": channelID,
		"text":    slackText(msg), // Notification fallback.
		"blocks":  slackBlocks(msg),
	}, 1024)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("slack API returned %d: %s", status, string(respBody))
	}

	// Slack answers 200 on errors too.
	var slackResp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err == nil && !slackResp.OK {
		return fmt.Errorf("slack API error: %s", slackResp.Error)
	}
	return nil
}

func slackText(msg *Message) string {
	if msg.Subject == "" {
		return msg.Body
	}
	return fmt.Sprintf("*%s*\n%s", msg.Subject, msg.Body)
}

func slackBlocks(msg *Message) []map[string]any {
	var blocks []map[string]any
	if msg.Subject != "" {
		blocks = append(blocks, map[string]any{
			"type": "header",
			"text": map[string]any{"type": "plain_text", "text": msg.Subject},
		})
	}
	if msg.Body != "" {
		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": map[string]any{"type": "mrkdwn", "text": msg.Body},
		})
	}
	var fields []map[string]any
	for _, k := range slackFieldOrder {
		if v := msg.Metadata[k]; v != "" {
			fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*%s*\n`%s`", k, v)})
		}
	}
	if len(fields) > 0 {
		blocks = append(blocks, map[string]any{"type": "section", "fields": fields})
	}
	return blocks
}
