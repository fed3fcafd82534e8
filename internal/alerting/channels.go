package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"threatlens/internal/schema"
)

const defaultHTTPTimeout = 10 * time.Second

// ---------------------------------------------------------------------
// Webhook channel
// ---------------------------------------------------------------------

// WebhookConfig configures the generic webhook channel.
type WebhookConfig struct {
	URL       string `yaml:"url"`
	AuthToken string `yaml:"auth_token"`
}

// WebhookChannel POSTs a JSON alert payload to a configured endpoint.
type WebhookChannel struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookChannel creates a webhook notification channel.
func NewWebhookChannel(cfg WebhookConfig) *WebhookChannel {
	return &WebhookChannel{
		config: cfg,
		client: &http.Client{Timeout: defaultHTTPTimeout},
	}
}

func (w *WebhookChannel) Name() string { return "webhook" }

// Send delivers the alert as JSON.
func (w *WebhookChannel) Send(ctx context.Context, alert *schema.Alert) error {
	payload := map[string]interface{}{
		"alert_id":            alert.ID,
		"timestamp":           alert.CreatedAt.Format(time.RFC3339),
		"user_id":             alert.UserID,
		"threat_type":         alert.ThreatType,
		"severity":            alert.Severity,
		"priority":            alert.Priority,
		"title":               alert.Title,
		"description":         alert.Description,
		"risk_score":          alert.RiskScore,
		"evidence":            alert.Evidence,
		"recommended_actions": alert.RecommendedActions,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ThreatLens-AlertManager/1.0")
	if w.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.config.AuthToken)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// ---------------------------------------------------------------------
// Chat channel
// ---------------------------------------------------------------------

// ChatConfig configures the chat webhook channel.
type ChatConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

// ChatChannel posts Slack-compatible attachment messages to an incoming
// webhook.
type ChatChannel struct {
	config ChatConfig
	client *http.Client
}

// NewChatChannel creates a chat notification channel.
func NewChatChannel(cfg ChatConfig) *ChatChannel {
	return &ChatChannel{
		config: cfg,
		client: &http.Client{Timeout: defaultHTTPTimeout},
	}
}

func (c *ChatChannel) Name() string { return "chat" }

// Send posts the alert as a colored attachment.
func (c *ChatChannel) Send(ctx context.Context, alert *schema.Alert) error {
	attachment := map[string]interface{}{
		"color": priorityColor(alert.Priority),
		"title": alert.Title,
		"text":  alert.Description,
		"fields": []map[string]interface{}{
			{"title": "User", "value": alert.UserID, "short": true},
			{"title": "Threat Type", "value": string(alert.ThreatType), "short": true},
			{"title": "Severity", "value": strings.ToUpper(string(alert.Severity)), "short": true},
			{"title": "Risk Score", "value": fmt.Sprintf("%.2f", alert.RiskScore), "short": true},
		},
		"footer": "ThreatLens",
		"ts":     alert.CreatedAt.Unix(),
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{attachment},
	}
	if c.config.Channel != "" {
		payload["channel"] = c.config.Channel
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal chat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("chat webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// priorityColor maps alert priority to an attachment sidebar color.
func priorityColor(p schema.Priority) string {
	switch p {
	case schema.PriorityCritical:
		return "#d32f2f"
	case schema.PriorityHigh:
		return "#ff9800"
	case schema.PriorityMedium:
		return "#ffc107"
	case schema.PriorityLow:
		return "#4caf50"
	default:
		return "#9e9e9e"
	}
}

// ---------------------------------------------------------------------
// Email channel
// ---------------------------------------------------------------------

// EmailConfig configures the SMTP email channel.
type EmailConfig struct {
	Host       string   `yaml:"host"`
	Port       int      `yaml:"port"`
	Username   string   `yaml:"username"`
	Password   string   `yaml:"password"`
	From       string   `yaml:"from"`
	Recipients []string `yaml:"recipients"`
}

// sendMailFunc matches smtp.SendMail, injectable for tests.
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel sends HTML alert emails over SMTP.
type EmailChannel struct {
	config   EmailConfig
	sendMail sendMailFunc
}

// NewEmailChannel creates an email notification channel.
func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	return &EmailChannel{
		config:   cfg,
		sendMail: smtp.SendMail,
	}
}

func (e *EmailChannel) Name() string { return "email" }

// Send composes and sends the alert email. SMTP has no context support,
// so cancellation is only checked before the dial.
func (e *EmailChannel) Send(ctx context.Context, alert *schema.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(e.config.Recipients) == 0 {
		return fmt.Errorf("email channel has no recipients configured")
	}

	var auth smtp.Auth
	if e.config.Username != "" {
		auth = smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)
	}

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	msg := e.composeMessage(alert)

	if err := e.sendMail(addr, auth, e.config.From, e.config.Recipients, msg); err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}
	return nil
}

func (e *EmailChannel) composeMessage(alert *schema.Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.config.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.config.Recipients, ", "))
	fmt.Fprintf(&b, "Subject: ThreatLens Alert: %s\r\n", alert.Title)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "<html><body>")
	fmt.Fprintf(&b, "<h2>Security Alert Detected</h2>")
	fmt.Fprintf(&b, "<p><strong>Alert ID:</strong> %s</p>", alert.ID)
	fmt.Fprintf(&b, "<p><strong>User:</strong> %s</p>", alert.UserID)
	fmt.Fprintf(&b, "<p><strong>Threat Type:</strong> %s</p>", alert.ThreatType)
	fmt.Fprintf(&b, "<p><strong>Severity:</strong> %s</p>", alert.Severity)
	fmt.Fprintf(&b, "<p><strong>Risk Score:</strong> %.2f</p>", alert.RiskScore)
	fmt.Fprintf(&b, "<p><strong>Description:</strong> %s</p>", alert.Description)
	fmt.Fprintf(&b, "<p><strong>Time:</strong> %s</p>", alert.CreatedAt.Format(time.RFC3339))
	if len(alert.RecommendedActions) > 0 {
		b.WriteString("<h3>Recommended Actions</h3><ul>")
		for _, action := range alert.RecommendedActions {
			fmt.Fprintf(&b, "<li>%s</li>", action)
		}
		b.WriteString("</ul>")
	}
	b.WriteString("<hr><p>This alert was generated by the ThreatLens detection pipeline.</p>")
	b.WriteString("</body></html>")

	return []byte(b.String())
}

// ---------------------------------------------------------------------
// Log channel
// ---------------------------------------------------------------------

// LogChannel writes alerts to the structured log. Useful as a default
// sink in development and as a fallback destination.
type LogChannel struct {
	name   string
	logger *slog.Logger
}

// NewLogChannel creates a log-backed channel registered under name.
func NewLogChannel(name string, logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{name: name, logger: logger}
}

func (l *LogChannel) Name() string { return l.name }

func (l *LogChannel) Send(_ context.Context, alert *schema.Alert) error {
	l.logger.Warn("security alert",
		"alert_id", alert.ID,
		"user_id", alert.UserID,
		"threat_type", alert.ThreatType,
		"severity", alert.Severity,
		"priority", alert.Priority,
		"risk_score", alert.RiskScore,
		"title", alert.Title,
	)
	return nil
}
