package notify

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/wolfman30/clinic-appointments/pkg/logging"
)

// EmailSender delivers one rendered notification to one mailbox.
type EmailSender interface {
	Send(ctx context.Context, email Email) error
}

// Email is a rendered notification addressed to a single recipient. The
// notification ID is attached to the provider request so a send can be traced
// back to its queue message.
type Email struct {
	NotificationID string
	Kind           Kind
	To             Contact
	Content        Content
}

func newEmail(msg Message, to Contact, content Content) Email {
	return Email{NotificationID: msg.ID, Kind: msg.Kind, To: to, Content: content}
}

// HTML renders the body as escaped paragraphs.
func (e Email) HTML() string {
	var b strings.Builder
	for _, para := range strings.Split(e.Content.Body, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}

// Sender is the From identity shared by the email providers.
type Sender struct {
	Email string
	Name  string
}

func (s Sender) withDefaults() Sender {
	if s.Name == "" {
		s.Name = "Clinic"
	}
	return s
}

type sendgridClient interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridSender delivers notification emails through the SendGrid v3 API.
type SendGridSender struct {
	client sendgridClient
	from   Sender
	logger *logging.Logger
}

// NewSendGridSender returns nil when no API key is configured.
func NewSendGridSender(apiKey string, from Sender, logger *logging.Logger) *SendGridSender {
	if apiKey == "" {
		return nil
	}
	return newSendGridSender(sendgrid.NewSendClient(apiKey), from, logger)
}

func newSendGridSender(client sendgridClient, from Sender, logger *logging.Logger) *SendGridSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &SendGridSender{client: client, from: from.withDefaults(), logger: logger}
}

// Send implements EmailSender. The notification ID and kind go out as a
// custom arg and a category so SendGrid event webhooks can be correlated.
func (s *SendGridSender) Send(ctx context.Context, e Email) error {
	if s.client == nil {
		return fmt.Errorf("notify: sendgrid client not configured")
	}

	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail(e.To.Name, e.To.Email))
	if e.NotificationID != "" {
		p.SetCustomArg("notification_id", e.NotificationID)
	}
	m := mail.NewV3Mail().
		SetFrom(mail.NewEmail(s.from.Name, s.from.Email)).
		AddPersonalizations(p).
		AddContent(mail.NewContent("text/plain", e.Content.Body), mail.NewContent("text/html", e.HTML()))
	m.Subject = e.Content.Subject
	if e.Kind != "" {
		m.AddCategories(string(e.Kind))
	}

	resp, err := s.client.SendWithContext(ctx, m)
	if err != nil {
		return fmt.Errorf("notify: sendgrid %s: %w", e.Kind, err)
	}
	if resp.StatusCode >= 400 {
		s.logger.Error("sendgrid rejected email", "status", resp.StatusCode, "body", resp.Body, "notification_id", e.NotificationID)
		return fmt.Errorf("notify: sendgrid %s: status %d", e.Kind, resp.StatusCode)
	}
	s.logger.Debug("email sent", "provider", "sendgrid", "notification_id", e.NotificationID, "kind", e.Kind)
	return nil
}

// StubEmailSender logs instead of sending. Used when no provider is set up.
type StubEmailSender struct {
	logger *logging.Logger
}

// NewStubEmailSender creates a logging-only sender.
func NewStubEmailSender(logger *logging.Logger) *StubEmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubEmailSender{logger: logger}
}

// Send implements EmailSender.
func (s *StubEmailSender) Send(_ context.Context, e Email) error {
	s.logger.Info("email not sent, no provider configured",
		"notification_id", e.NotificationID, "kind", e.Kind, "subject", e.Content.Subject)
	return nil
}
