// Package delivery dispatches completed form submissions to their configured
// destination: email over SMTP, an HTTP webhook, SMS via Twilio, or a Google
// Sheets row. Every dispatch is recorded as a submission, sent or failed.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/formpilot/FormPilot/internal/models"
)

// EmailSender delivers a plain-text message to one recipient.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// WebhookSender posts a JSON payload to a URL.
type WebhookSender interface {
	SendWebhook(ctx context.Context, url string, payload map[string]any) error
}

// SMSSender delivers a text message to one phone number.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// SheetsAppender appends one row to a spreadsheet tab.
type SheetsAppender interface {
	AppendRow(ctx context.Context, spreadsheetID, sheetTab string, headers, row []string) error
}

// Opts holds configuration options for the dispatcher.
type Opts struct {
	TenantID string
	AgentID  string
	Email    EmailSender
	Webhook  WebhookSender
	SMS      SMSSender
	Sheets   SheetsAppender
}

// Option defines a functional option for configuring the dispatcher.
type Option func(*Opts)

// WithEmail sets the email channel.
func WithEmail(s EmailSender) Option {
	return func(o *Opts) { o.Email = s }
}

// WithWebhook sets the webhook channel.
func WithWebhook(s WebhookSender) Option {
	return func(o *Opts) { o.Webhook = s }
}

// WithSMS sets the SMS channel.
func WithSMS(s SMSSender) Option {
	return func(o *Opts) { o.SMS = s }
}

// WithSheets sets the Google Sheets channel.
func WithSheets(s SheetsAppender) Option {
	return func(o *Opts) { o.Sheets = s }
}

// Dispatcher routes completed submissions to their delivery channel.
type Dispatcher struct {
	tenantID string
	agentID  string
	email    EmailSender
	webhook  WebhookSender
	sms      SMSSender
	sheets   SheetsAppender
}

// NewDispatcher creates a dispatcher for one agent. Channels left unset fail
// their deliveries with a configuration error rather than panicking.
func NewDispatcher(tenantID, agentID string, opts ...Option) *Dispatcher {
	cfg := Opts{TenantID: tenantID, AgentID: agentID}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Dispatcher{
		tenantID: cfg.TenantID,
		agentID:  cfg.AgentID,
		email:    cfg.Email,
		webhook:  cfg.Webhook,
		sms:      cfg.SMS,
		sheets:   cfg.Sheets,
	}
}

// Dispatch delivers the collected values of a newly completed form. The
// returned submission records the outcome; ok is false when the form has no
// delivery configuration at all.
func (d *Dispatcher) Dispatch(ctx context.Context, form *models.FormDefinition, state *models.ConversationState) (models.Submission, bool) {
	policy := form.Delivery
	if policy == nil {
		if form.SubmissionURL == "" {
			return models.Submission{}, false
		}
		// Legacy forms carry only a webhook target.
		policy = &models.DeliveryConfig{Channel: models.DeliveryWebhook, Target: form.SubmissionURL}
	}

	sub := models.Submission{
		ID:        uuid.NewString(),
		TenantID:  d.tenantID,
		AgentID:   d.agentID,
		FormID:    form.ID,
		ThreadID:  state.ThreadID,
		Channel:   policy.Channel,
		Target:    policy.Target,
		Status:    models.SubmissionSent,
		Values:    state.FormValues,
		CreatedAt: time.Now().UTC(),
	}

	slog.Debug("Dispatcher.Dispatch: delivering submission",
		"form_id", form.ID, "channel", policy.Channel, "thread_id", state.ThreadID)

	if err := d.deliver(ctx, form, state, policy); err != nil {
		slog.Error("Dispatcher.Dispatch: delivery failed",
			"error", err, "form_id", form.ID, "channel", policy.Channel)
		sub.Status = models.SubmissionFailed
		sub.Error = err.Error()
	}
	return sub, true
}

func (d *Dispatcher) deliver(ctx context.Context, form *models.FormDefinition, state *models.ConversationState, policy *models.DeliveryConfig) error {
	switch policy.Channel {
	case models.DeliveryEmail:
		if d.email == nil {
			return fmt.Errorf("email delivery is not configured")
		}
		subject := policy.Subject
		if subject == "" {
			subject = fmt.Sprintf("New %s submission", form.Name)
		}
		return d.email.SendEmail(ctx, policy.Target, subject, renderBody(form, state))
	case models.DeliveryWebhook:
		if d.webhook == nil {
			return fmt.Errorf("webhook delivery is not configured")
		}
		return d.webhook.SendWebhook(ctx, policy.Target, map[string]any{
			"form_id":   form.ID,
			"form_name": form.Name,
			"thread_id": state.ThreadID,
			"values":    state.FormValues,
		})
	case models.DeliverySMS:
		if d.sms == nil {
			return fmt.Errorf("sms delivery is not configured")
		}
		return d.sms.SendSMS(ctx, policy.Target, renderBody(form, state))
	case models.DeliverySheets:
		if d.sheets == nil {
			return fmt.Errorf("google sheets delivery is not configured")
		}
		headers, row := renderRow(form, state)
		return d.sheets.AppendRow(ctx, policy.Target, policy.SheetTab, headers, row)
	default:
		return fmt.Errorf("unknown delivery channel %q", policy.Channel)
	}
}

// renderBody formats collected values as label: value lines, in field order.
func renderBody(form *models.FormDefinition, state *models.ConversationState) string {
	lines := []string{fmt.Sprintf("%s submission from thread %s", form.Name, state.ThreadID)}
	for _, name := range orderedFieldNames(form) {
		field := form.FieldByName(name)
		label := field.Label
		if label == "" {
			label = field.Name
		}
		lines = append(lines, fmt.Sprintf("%s: %s", label, models.FormatValue(state.FormValues[name])))
	}
	return strings.Join(lines, "\n")
}

// renderRow builds the spreadsheet header and value row, in field order, with
// thread id and timestamp columns appended.
func renderRow(form *models.FormDefinition, state *models.ConversationState) ([]string, []string) {
	names := orderedFieldNames(form)
	headers := make([]string, 0, len(names)+2)
	row := make([]string, 0, len(names)+2)
	for _, name := range names {
		field := form.FieldByName(name)
		label := field.Label
		if label == "" {
			label = field.Name
		}
		headers = append(headers, label)
		row = append(row, models.FormatValue(state.FormValues[name]))
	}
	headers = append(headers, "thread_id", "submitted_at")
	row = append(row, state.ThreadID, time.Now().UTC().Format(time.RFC3339))
	return headers, row
}

// orderedFieldNames returns the form's field order, extended with any fields
// (for example hook-written ones) missing from it, sorted for stability.
func orderedFieldNames(form *models.FormDefinition) []string {
	seen := make(map[string]bool, len(form.FieldOrder))
	names := make([]string, 0, len(form.Fields))
	for _, name := range form.FieldOrder {
		if form.FieldByName(name) != nil && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	var extra []string
	for i := range form.Fields {
		if !seen[form.Fields[i].Name] {
			extra = append(extra, form.Fields[i].Name)
		}
	}
	sort.Strings(extra)
	return append(names, extra...)
}
