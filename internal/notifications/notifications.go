// Package notifications pushes request lifecycle events to Slack and email.
// Delivery is best effort; command paths fire and forget.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/accessdesk/accessdesk/internal/models"
)

// EventType defines the type of notification
type EventType string

const (
	EventRequestCreated   EventType = "request_created"
	EventRequestApproved  EventType = "request_approved"
	EventRequestRejected  EventType = "request_rejected"
	EventRequestCancelled EventType = "request_cancelled"
	EventRequestApplied   EventType = "request_applied"
	EventRequestExpired   EventType = "request_expired"
)

// Event represents a notification to be sent
type Event struct {
	Type      EventType
	Title     string
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// Config holds notification configuration
type Config struct {
	Slack SlackConfig `yaml:"slack"`
	Email EmailConfig `yaml:"email"`
}

// SlackConfig holds Slack configuration
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	IconEmoji  string `yaml:"icon_emoji"`
	Enabled    bool   `yaml:"enabled"`
}

// EmailConfig holds email configuration
type EmailConfig struct {
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	Enabled  bool     `yaml:"enabled"`
}

// Service handles notifications
type Service struct {
	config Config
	logger *slog.Logger
	client *http.Client
}

// NewService creates a new notification service
func NewService(config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		config: config,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// NotifyRequest sends a lifecycle event for the request to all enabled
// channels.
func (s *Service) NotifyRequest(ctx context.Context, typ EventType, req *models.Request, actor string) error {
	event := &Event{
		Type:    typ,
		Title:   eventTitle(typ),
		Message: fmt.Sprintf("Request %s for %s (%s)", req.ID, req.Principal.ARN, typ),
		Data: map[string]interface{}{
			"request_id": req.ID.String(),
			"principal":  req.Principal.ARN,
			"account":    req.Principal.Account,
			"requester":  req.Requester,
			"changes":    len(req.Changes),
			"actor":      actor,
		},
		Timestamp: time.Now(),
	}
	if req.ExpirationDate != nil {
		event.Data["expires"] = req.ExpirationDate.Format(time.RFC3339)
	}
	return s.Send(ctx, event)
}

func eventTitle(typ EventType) string {
	switch typ {
	case EventRequestCreated:
		return "Access Request Created"
	case EventRequestApproved:
		return "Access Request Approved"
	case EventRequestRejected:
		return "Access Request Rejected"
	case EventRequestCancelled:
		return "Access Request Cancelled"
	case EventRequestApplied:
		return "Access Request Applied"
	case EventRequestExpired:
		return "Access Request Expired"
	default:
		return "Access Request Updated"
	}
}

// Send sends an event to all enabled channels
func (s *Service) Send(ctx context.Context, event *Event) error {
	var errs []error

	if s.config.Slack.Enabled {
		if err := s.sendSlack(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("slack: %w", err))
		}
	}

	if s.config.Email.Enabled {
		if err := s.sendEmail(event); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %v", errs)
	}
	return nil
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// sendSlack sends an event to Slack
func (s *Service) sendSlack(ctx context.Context, event *Event) error {
	fields := []SlackField{}
	for _, key := range []string{"principal", "account", "requester", "actor", "expires"} {
		if v, ok := event.Data[key].(string); ok && v != "" {
			fields = append(fields, SlackField{
				Title: strings.Title(key),
				Value: v,
				Short: true,
			})
		}
	}

	msg := SlackMessage{
		Channel:   s.config.Slack.Channel,
		Username:  s.config.Slack.Username,
		IconEmoji: s.config.Slack.IconEmoji,
		Attachments: []SlackAttachment{
			{
				Color:     eventColor(event.Type),
				Title:     event.Title,
				Text:      event.Message,
				Fallback:  fmt.Sprintf("%s: %s", event.Title, event.Message),
				Fields:    fields,
				Footer:    "accessdesk",
				Timestamp: event.Timestamp.Unix(),
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.config.Slack.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	s.logger.Info("slack notification sent", "type", event.Type, "title", event.Title)
	return nil
}

// eventColor converts an event type to a Slack color
func eventColor(typ EventType) string {
	switch typ {
	case EventRequestRejected, EventRequestExpired:
		return "#FF0000"
	case EventRequestCancelled:
		return "#FFA500"
	case EventRequestCreated:
		return "#2196F3"
	default:
		return "#36A64F"
	}
}

// sendEmail sends an event via email
func (s *Service) sendEmail(event *Event) error {
	subject := fmt.Sprintf("[accessdesk] %s", event.Title)
	body, err := s.formatEmailBody(event)
	if err != nil {
		return err
	}

	msg := s.buildEmailMessage(subject, body)

	auth := smtp.PlainAuth("", s.config.Email.Username, s.config.Email.Password, s.config.Email.SMTPHost)
	addr := fmt.Sprintf("%s:%d", s.config.Email.SMTPHost, s.config.Email.SMTPPort)

	if err := smtp.SendMail(addr, auth, s.config.Email.From, s.config.Email.To, []byte(msg)); err != nil {
		return err
	}

	s.logger.Info("email notification sent",
		"type", event.Type,
		"title", event.Title,
		"recipients", len(s.config.Email.To))
	return nil
}

// buildEmailMessage builds an email message
func (s *Service) buildEmailMessage(subject, body string) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", s.config.Email.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(s.config.Email.To, ",")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String()
}

// formatEmailBody formats the email body
func (s *Service) formatEmailBody(event *Event) (string, error) {
	tmpl := `
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; margin: 0; padding: 20px; background-color: #f5f5f5; }
        .container { max-width: 600px; margin: 0 auto; background: white; border-radius: 8px; }
        .header { padding: 20px; background: {{.HeaderColor}}; color: white; border-radius: 8px 8px 0 0; }
        .content { padding: 20px; }
        .data-table { width: 100%; border-collapse: collapse; margin-top: 15px; }
        .data-table td { padding: 8px; border-bottom: 1px solid #eee; }
        .data-table td:first-child { font-weight: bold; width: 30%; }
        .footer { padding: 15px 20px; background: #f9f9f9; border-radius: 0 0 8px 8px; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h2 style="margin:0;">{{.Title}}</h2>
        </div>
        <div class="content">
            <p>{{.Message}}</p>
            {{if .HasData}}
            <table class="data-table">
                {{range $key, $value := .Data}}
                <tr>
                    <td>{{$key}}</td>
                    <td>{{$value}}</td>
                </tr>
                {{end}}
            </table>
            {{end}}
        </div>
        <div class="footer">
            <p>This is an automated message from accessdesk.</p>
            <p>Generated at: {{.Timestamp}}</p>
        </div>
    </div>
</body>
</html>
`
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}

	data := map[string]interface{}{
		"Title":       event.Title,
		"Message":     event.Message,
		"HeaderColor": eventColor(event.Type),
		"Data":        event.Data,
		"HasData":     len(event.Data) > 0,
		"Timestamp":   event.Timestamp.Format(time.RFC1123),
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
