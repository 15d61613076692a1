package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfman30/clinic-appointments/pkg/logging"
)

// Channel names recorded in the delivery log. Email channels are suffixed
// with the address so each admin mailbox is tracked on its own.
const (
	channelInbox       = "inbox"
	channelSMS         = "sms"
	channelEmailPrefix = "email:"
)

// Service delivers a dequeued Message over every channel that applies:
// in-app inbox always, email when an address is known, SMS for the kinds
// that render an SMS body. A channel that succeeded once for a message ID is
// not used again when the queue redelivers that message.
type Service struct {
	email      EmailSender
	sms        SMSSender
	directory  Directory
	inbox      Inbox
	deliveries DeliveryLog
	adminEmail []string
	clinicName string
	logger     *logging.Logger
}

// ServiceConfig wires the delivery channels. Nil channels are skipped. A nil
// Deliveries log falls back to a process-local one.
type ServiceConfig struct {
	Email       EmailSender
	SMS         SMSSender
	Directory   Directory
	Inbox       Inbox
	Deliveries  DeliveryLog
	AdminEmails []string
	ClinicName  string
}

// NewService creates a delivery service.
func NewService(cfg ServiceConfig, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Deliveries == nil {
		cfg.Deliveries = NewMemoryDeliveryLog()
	}
	return &Service{
		email:      cfg.Email,
		sms:        cfg.SMS,
		directory:  cfg.Directory,
		inbox:      cfg.Inbox,
		deliveries: cfg.Deliveries,
		adminEmail: cfg.AdminEmails,
		clinicName: cfg.ClinicName,
		logger:     logger,
	}
}

// Deliver sends msg. Channel failures are joined and returned so the caller
// can leave the message on the queue; the next attempt skips the channels
// that already went out.
func (s *Service) Deliver(ctx context.Context, msg Message) error {
	switch msg.Recipient.Audience {
	case AudiencePatient:
		return s.deliverToPatient(ctx, msg)
	case AudienceAdmin:
		return s.deliverToAdmins(ctx, msg)
	default:
		return fmt.Errorf("notify: unknown audience %q", msg.Recipient.Audience)
	}
}

func (s *Service) deliverToPatient(ctx context.Context, msg Message) error {
	var contact Contact
	if s.directory != nil {
		c, err := s.directory.Lookup(ctx, msg.Recipient.PatientID)
		switch {
		case errors.Is(err, ErrContactNotFound):
			s.logger.Warn("notify: no contact for patient", "patient_id", msg.Recipient.PatientID, "kind", msg.Kind)
		case err != nil:
			return err
		default:
			contact = c
		}
	}
	if contact.Name != "" && msg.Payload.String("patient_name") == "" {
		if msg.Payload == nil {
			msg.Payload = Payload{}
		}
		msg.Payload["patient_name"] = contact.Name
	}
	content := Render(msg, s.clinicName)

	var errs []error
	if s.inbox != nil {
		errs = append(errs, s.once(ctx, msg, channelInbox, func() error {
			return s.inbox.Save(ctx, msg, content)
		}))
	}
	if s.email != nil && contact.Email != "" {
		errs = append(errs, s.once(ctx, msg, channelEmailPrefix+contact.Email, func() error {
			return s.email.Send(ctx, newEmail(msg, contact, content))
		}))
	}
	if s.sms != nil && contact.Phone != "" && content.SMS != "" {
		errs = append(errs, s.once(ctx, msg, channelSMS, func() error {
			return s.sms.SendSMS(ctx, contact.Phone, content.SMS)
		}))
	}
	err := errors.Join(errs...)
	s.logger.Info("notification delivered",
		"id", msg.ID,
		"kind", msg.Kind,
		"patient_id", msg.Recipient.PatientID,
		"failed", err != nil,
	)
	return err
}

func (s *Service) deliverToAdmins(ctx context.Context, msg Message) error {
	content := Render(msg, s.clinicName)

	var errs []error
	if s.inbox != nil {
		errs = append(errs, s.once(ctx, msg, channelInbox, func() error {
			return s.inbox.Save(ctx, msg, content)
		}))
	}
	if s.email != nil {
		for _, addr := range s.adminEmail {
			to := Contact{Email: addr}
			errs = append(errs, s.once(ctx, msg, channelEmailPrefix+addr, func() error {
				return s.email.Send(ctx, newEmail(msg, to, content))
			}))
		}
	}
	err := errors.Join(errs...)
	s.logger.Info("admin notification delivered", "id", msg.ID, "kind", msg.Kind, "recipients", len(s.adminEmail), "failed", err != nil)
	return err
}

// once runs send unless the delivery log shows channel already succeeded for
// msg. Messages without an ID cannot be tracked and are always sent.
func (s *Service) once(ctx context.Context, msg Message, channel string, send func() error) error {
	if msg.ID == "" {
		return send()
	}
	done, err := s.deliveries.Delivered(ctx, msg.ID, channel)
	if err != nil {
		return err
	}
	if done {
		s.logger.Debug("notify: channel already delivered", "id", msg.ID, "channel", channel)
		return nil
	}
	if err := send(); err != nil {
		return fmt.Errorf("notify: %s: %w", channel, err)
	}
	if err := s.deliveries.MarkDelivered(ctx, msg.ID, channel); err != nil {
		s.logger.Error("notify: record delivery failed", "id", msg.ID, "channel", channel, "error", err)
	}
	return nil
}
