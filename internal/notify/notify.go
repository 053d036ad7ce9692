// Package notify turns routed and escalated groups into messages for
// people. Delivery is pluggable: LogSender only logs and WebhookSender
// posts JSON to an HTTP endpoint.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"text/template"

	"github.com/randalmurphal/comet/internal/sources"
	"github.com/randalmurphal/comet/pkg/comet"
	"github.com/randalmurphal/comet/pkg/comet/api"
	cerrors "github.com/randalmurphal/comet/pkg/comet/errors"
	"github.com/randalmurphal/comet/pkg/comet/event"
)

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// LogSender logs messages instead of sending them.
type LogSender struct {
	Logger *slog.Logger
}

// Send implements Sender.
func (s LogSender) Send(ctx context.Context, recipient, subject, body string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	preview := body
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}
	logger.InfoContext(ctx, "sending message",
		slog.String("recipient", recipient),
		slog.String("subject", subject),
		slog.String("body", preview),
	)
	return nil
}

var bodyTemplate = template.Must(template.New("body").Parse(
	`{{.Intro}}
{{range .Events}}
- {{.Details}} (first seen {{.ReceivedAt.Format "2006-01-02 15:04 MST"}})
{{- end}}
`))

type bodyData struct {
	Intro  string
	Events []api.EventResponse
}

// Notifier routes groups to their owners and escalations to the
// per-source escalation recipient.
type Notifier struct {
	sender Sender
}

var (
	_ comet.Router    = (*Notifier)(nil)
	_ comet.Escalator = (*Notifier)(nil)
)

// New creates a Notifier.
func New(sender Sender) *Notifier {
	return &Notifier{sender: sender}
}

// Route implements comet.Router. Groups without an owner cannot be
// delivered and fail permanently.
func (n *Notifier) Route(ctx context.Context, sourceType, owner string, records []event.Record) error {
	if owner == "" {
		return cerrors.Permanent(&cerrors.RecipientError{Reason: "group has no owner"}, "route "+sourceType)
	}
	body, err := render(fmt.Sprintf("%d issue(s) need your attention:", len(records)), records)
	if err != nil {
		return err
	}
	return n.sender.Send(ctx, owner, sources.Subject(sourceType), body)
}

// Escalate implements comet.Escalator.
func (n *Notifier) Escalate(ctx context.Context, sourceType string, records []event.Record) error {
	subject := fmt.Sprintf("Comet escalations: %d events have not been acted on", len(records))
	body, err := render("The following issues were reported to their owners and not acknowledged:", records)
	if err != nil {
		return err
	}
	return n.sender.Send(ctx, sources.EscalationRecipient(sourceType), subject, body)
}

func render(intro string, records []event.Record) (string, error) {
	data := bodyData{Intro: intro, Events: make([]api.EventResponse, 0, len(records))}
	for _, r := range records {
		data.Events = append(data.Events, api.ToEventResponse(r))
	}
	var buf bytes.Buffer
	if err := bodyTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering message body: %w", err)
	}
	return buf.String(), nil
}
