// Package notifications delivers operator alerts about archival backlog.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Notifier delivers a single alert.
type Notifier interface {
	SendAlert(ctx context.Context, source string, severity string, message string) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) SendAlert(_ context.Context, source, severity, message string) error {
	fields := []zap.Field{zap.String("source", source), zap.String("severity", severity)}
	switch severity {
	case SeverityCritical:
		n.log.Error(message, fields...)
	case SeverityWarning:
		n.log.Warn(message, fields...)
	default:
		n.log.Info(message, fields...)
	}
	return nil
}

// SlackNotifier posts alerts to a Slack-compatible incoming webhook.
type SlackNotifier struct {
	WebhookURL string
	client     *http.Client
}

type slackAttachment struct {
	Color string `json:"color"`
	Title string `json:"title"`
	Text  string `json:"text"`
	Ts    int64  `json:"ts"`
}

type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		WebhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func severityColor(severity string) string {
	switch severity {
	case SeverityCritical:
		return "#ff0000"
	case SeverityWarning:
		return "#ffa500"
	default:
		return "#36a64f"
	}
}

func (n *SlackNotifier) SendAlert(ctx context.Context, source string, severity string, message string) error {
	body, err := json.Marshal(slackPayload{
		Text: "rainwal alert: " + source,
		Attachments: []slackAttachment{{
			Color: severityColor(severity),
			Title: fmt.Sprintf("[%s] Alert", severity),
			Text:  message,
			Ts:    time.Now().Unix(),
		}},
	})
	if err != nil {
		return fmt.Errorf("notifications: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notifications: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notifications: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack api returned status: %d", resp.StatusCode)
	}
	return nil
}

// Multi fans an alert out to several services and reports the first error.
type Multi []Notifier

func (m Multi) SendAlert(ctx context.Context, source, severity, message string) error {
	var first error
	for _, n := range m {
		if err := n.SendAlert(ctx, source, severity, message); err != nil && first == nil {
			first = err
		}
	}
	return first
}
