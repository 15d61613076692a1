package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/clinic-appointments/pkg/logging"
)

// Publisher implements Notifier by enqueuing messages for the delivery
// worker. It never talks to an email or SMS provider directly.
type Publisher struct {
	queue  Queue
	logger *logging.Logger
	now    func() time.Time
}

// NewPublisher creates a queue-backed notifier.
func NewPublisher(queue Queue, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{queue: queue, logger: logger, now: time.Now}
}

// Send encodes the notification and places it on the queue.
func (p *Publisher) Send(ctx context.Context, to Recipient, kind Kind, payload Payload) error {
	if p == nil || p.queue == nil {
		return fmt.Errorf("notify: publisher not configured")
	}
	if to.Audience == AudiencePatient && to.PatientID == "" {
		return fmt.Errorf("notify: patient recipient requires patient id")
	}
	msg := Message{
		ID:        uuid.NewString(),
		Recipient: to,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: p.now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify: encode message: %w", err)
	}
	if err := p.queue.Send(ctx, string(body)); err != nil {
		return fmt.Errorf("notify: enqueue %s: %w", kind, err)
	}
	p.logger.Debug("notification queued", "id", msg.ID, "kind", kind, "audience", to.Audience, "patient_id", to.PatientID)
	return nil
}

// Async wraps a Notifier so Send returns immediately and the underlying send
// runs in the background with its own timeout. Failures are only logged.
type Async struct {
	next    Notifier
	logger  *logging.Logger
	timeout time.Duration
}

// NewAsync creates a fire-and-forget wrapper.
func NewAsync(next Notifier, logger *logging.Logger) *Async {
	if logger == nil {
		logger = logging.Default()
	}
	return &Async{next: next, logger: logger, timeout: 10 * time.Second}
}

// Send dispatches in a goroutine and always returns nil.
func (a *Async) Send(ctx context.Context, to Recipient, kind Kind, payload Payload) error {
	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.next.Send(sendCtx, to, kind, payload); err != nil {
			a.logger.Warn("async notification failed", "kind", kind, "patient_id", to.PatientID, "error", err)
		}
	}()
	return nil
}

func decodeMessage(body string) (Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return Message{}, fmt.Errorf("notify: decode message: %w", err)
	}
	if msg.Kind == "" {
		return Message{}, fmt.Errorf("notify: decode message: missing kind")
	}
	return msg, nil
}
