package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockEmailSender struct {
	sent []Email
	err  error
}

func (m *mockEmailSender) Send(ctx context.Context, msg Email) error {
	m.sent = append(m.sent, msg)
	return m.err
}

type mockSMSSender struct {
	to   []string
	body []string
	err  error
}

func (m *mockSMSSender) SendSMS(ctx context.Context, to, body string) error {
	m.to = append(m.to, to)
	m.body = append(m.body, body)
	return m.err
}

type mockDirectory struct {
	contacts map[string]Contact
	err      error
}

func (m *mockDirectory) Lookup(ctx context.Context, patientID string) (Contact, error) {
	if m.err != nil {
		return Contact{}, m.err
	}
	c, ok := m.contacts[patientID]
	if !ok {
		return Contact{}, ErrContactNotFound
	}
	return c, nil
}

type mockInbox struct {
	saved []Message
	err   error
}

func (m *mockInbox) Save(ctx context.Context, msg Message, content Content) error {
	m.saved = append(m.saved, msg)
	return m.err
}

func newTestService(email *mockEmailSender, sms *mockSMSSender, inbox *mockInbox) *Service {
	return NewService(ServiceConfig{
		Email: email,
		SMS:   sms,
		Directory: &mockDirectory{contacts: map[string]Contact{
			"pat-1": {Name: "Maria", Email: "maria@example.com", Phone: "+639170000001"},
			"pat-2": {Name: "Jose"},
		}},
		Inbox:       inbox,
		AdminEmails: []string{"ops@clinic.ph", "desk@clinic.ph"},
		ClinicName:  "Bayside Clinic",
	}, nil)
}

func TestService_DeliverPatientAllChannels(t *testing.T) {
	email, sms, inbox := &mockEmailSender{}, &mockSMSSender{}, &mockInbox{}
	svc := newTestService(email, sms, inbox)

	err := svc.Deliver(context.Background(), Message{
		ID:        "m1",
		Recipient: Patient("pat-1"),
		Kind:      KindNoShow,
		Payload:   Payload{"service_name": "Facial", "date": "2026-03-09", "time_slot": "09:00-09:30"},
	})
	require.NoError(t, err)

	require.Len(t, inbox.saved, 1)
	require.Len(t, email.sent, 1)
	assert.Equal(t, "maria@example.com", email.sent[0].To.Email)
	assert.Equal(t, "m1", email.sent[0].NotificationID)
	assert.Contains(t, email.sent[0].Content.Body, "Hi Maria")
	require.Len(t, sms.to, 1)
	assert.Equal(t, "+639170000001", sms.to[0])
}

func TestService_DeliverSkipsSMSForEmailOnlyKinds(t *testing.T) {
	email, sms, inbox := &mockEmailSender{}, &mockSMSSender{}, &mockInbox{}
	svc := newTestService(email, sms, inbox)

	err := svc.Deliver(context.Background(), Message{ID: "m1", Recipient: Patient("pat-1"), Kind: KindRefundReceipt, Payload: Payload{"refund_amount": "800.00"}})
	require.NoError(t, err)
	assert.Len(t, email.sent, 1)
	assert.Empty(t, sms.to)
}

func TestService_DeliverPatientWithoutAddresses(t *testing.T) {
	email, sms, inbox := &mockEmailSender{}, &mockSMSSender{}, &mockInbox{}
	svc := newTestService(email, sms, inbox)

	require.NoError(t, svc.Deliver(context.Background(), Message{ID: "m1", Recipient: Patient("pat-2"), Kind: KindNoShow}))
	require.NoError(t, svc.Deliver(context.Background(), Message{ID: "m2", Recipient: Patient("unknown"), Kind: KindNoShow}))

	assert.Len(t, inbox.saved, 2)
	assert.Empty(t, email.sent)
	assert.Empty(t, sms.to)
}

func TestService_DeliverJoinsChannelErrors(t *testing.T) {
	email := &mockEmailSender{err: errors.New("ses down")}
	sms := &mockSMSSender{err: errors.New("telnyx down")}
	svc := newTestService(email, sms, &mockInbox{})

	err := svc.Deliver(context.Background(), Message{ID: "m1", Recipient: Patient("pat-1"), Kind: KindNoShow})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "ses down") && strings.Contains(err.Error(), "telnyx down"))
}

func TestService_DeliverDirectoryError(t *testing.T) {
	svc := NewService(ServiceConfig{Directory: &mockDirectory{err: errors.New("db down")}}, nil)
	err := svc.Deliver(context.Background(), Message{Recipient: Patient("pat-1"), Kind: KindNoShow})
	assert.ErrorContains(t, err, "db down")
}

func TestService_DeliverAdmins(t *testing.T) {
	email, sms, inbox := &mockEmailSender{}, &mockSMSSender{}, &mockInbox{}
	svc := newTestService(email, sms, inbox)

	err := svc.Deliver(context.Background(), Message{
		ID:        "m1",
		Recipient: Admins(),
		Kind:      KindAdminRiskAlert,
		Payload:   Payload{"patient_id": "pat-1", "no_show_count": 2},
	})
	require.NoError(t, err)
	require.Len(t, email.sent, 2)
	assert.Equal(t, "ops@clinic.ph", email.sent[0].To.Email)
	assert.Contains(t, email.sent[0].Content.Body, "has 2 no-shows")
	assert.Empty(t, sms.to)
	assert.Len(t, inbox.saved, 1)
}

func TestService_DeliverUnknownAudience(t *testing.T) {
	svc := NewService(ServiceConfig{}, nil)
	assert.Error(t, svc.Deliver(context.Background(), Message{Recipient: Recipient{Audience: "robots"}}))
}

func TestService_RedeliveryRetriesOnlyFailedChannels(t *testing.T) {
	email, sms, inbox := &mockEmailSender{}, &mockSMSSender{err: errors.New("telnyx 503")}, &mockInbox{}
	svc := newTestService(email, sms, inbox)
	msg := Message{ID: "m1", Recipient: Patient("pat-1"), Kind: KindRefundReadyForPickup, Payload: Payload{"refund_amount": "800.00"}}

	for i := 0; i < 3; i++ {
		assert.ErrorContains(t, svc.Deliver(context.Background(), msg), "telnyx 503")
	}
	sms.err = nil
	require.NoError(t, svc.Deliver(context.Background(), msg))
	require.NoError(t, svc.Deliver(context.Background(), msg))

	assert.Len(t, email.sent, 1)
	assert.Len(t, inbox.saved, 1)
	assert.Len(t, sms.to, 4)
}

func TestService_AdminMailboxesTrackedSeparately(t *testing.T) {
	email := &failFirstEmail{failTo: "desk@clinic.ph"}
	svc := NewService(ServiceConfig{Email: email, AdminEmails: []string{"ops@clinic.ph", "desk@clinic.ph"}}, nil)
	msg := Message{ID: "m1", Recipient: Admins(), Kind: KindAdminRiskAlert}

	require.Error(t, svc.Deliver(context.Background(), msg))
	require.NoError(t, svc.Deliver(context.Background(), msg))
	assert.Equal(t, []string{"ops@clinic.ph", "desk@clinic.ph", "desk@clinic.ph"}, email.attempts)
}

func TestService_DeliveryLogErrorKeepsMessage(t *testing.T) {
	email := &mockEmailSender{}
	svc := NewService(ServiceConfig{
		Email:      email,
		Directory:  &mockDirectory{contacts: map[string]Contact{"pat-1": {Email: "maria@example.com"}}},
		Deliveries: brokenDeliveryLog{},
	}, nil)

	err := svc.Deliver(context.Background(), Message{ID: "m1", Recipient: Patient("pat-1"), Kind: KindNoShow})
	assert.ErrorContains(t, err, "ledger down")
	assert.Empty(t, email.sent)
}

type failFirstEmail struct {
	failTo   string
	failed   bool
	attempts []string
}

func (m *failFirstEmail) Send(_ context.Context, e Email) error {
	m.attempts = append(m.attempts, e.To.Email)
	if e.To.Email == m.failTo && !m.failed {
		m.failed = true
		return errors.New("mailbox full")
	}
	return nil
}

type brokenDeliveryLog struct{}

func (brokenDeliveryLog) Delivered(context.Context, string, string) (bool, error) {
	return false, errors.New("ledger down")
}

func (brokenDeliveryLog) MarkDelivered(context.Context, string, string) error { return nil }
