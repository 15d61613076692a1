package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher_Send(t *testing.T) {
	q := NewMemoryQueue(2)
	pub := NewPublisher(q, nil)
	pub.now = func() time.Time { return time.Date(2026, 3, 9, 1, 0, 0, 0, time.UTC) }

	err := pub.Send(context.Background(), Patient("pat-1"), KindNoShow, Payload{"appointment_id": "appt-1"})
	require.NoError(t, err)

	msgs, err := q.Receive(context.Background(), 1, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Body), &msg))
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, KindNoShow, msg.Kind)
	assert.Equal(t, Patient("pat-1"), msg.Recipient)
	assert.Equal(t, "appt-1", msg.Payload.String("appointment_id"))
	assert.Equal(t, 2026, msg.CreatedAt.Year())
}

func TestPublisher_RejectsPatientWithoutID(t *testing.T) {
	pub := NewPublisher(NewMemoryQueue(1), nil)
	err := pub.Send(context.Background(), Recipient{Audience: AudiencePatient}, KindNoShow, nil)
	assert.Error(t, err)
}

type failingQueue struct{ MemoryQueue }

func (failingQueue) Send(context.Context, string) error { return errors.New("queue down") }

func TestPublisher_QueueError(t *testing.T) {
	pub := NewPublisher(&failingQueue{}, nil)
	err := pub.Send(context.Background(), Admins(), KindAdminRiskAlert, nil)
	assert.ErrorContains(t, err, "queue down")
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []Kind
	err   error
	done  chan struct{}
}

func (r *recordingNotifier) Send(ctx context.Context, to Recipient, kind Kind, payload Payload) error {
	r.mu.Lock()
	r.calls = append(r.calls, kind)
	r.mu.Unlock()
	if r.done != nil {
		r.done <- struct{}{}
	}
	return r.err
}

func TestAsync_SendsInBackground(t *testing.T) {
	next := &recordingNotifier{err: errors.New("smtp down"), done: make(chan struct{}, 1)}
	async := NewAsync(next, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, async.Send(ctx, Patient("p"), KindNoShow, nil))
	cancel()

	select {
	case <-next.done:
	case <-time.After(2 * time.Second):
		t.Fatal("async send did not run")
	}
	next.mu.Lock()
	defer next.mu.Unlock()
	assert.Equal(t, []Kind{KindNoShow}, next.calls)
}

func TestDecodeMessage(t *testing.T) {
	_, err := decodeMessage("not json")
	assert.Error(t, err)
	_, err = decodeMessage(`{"id":"1"}`)
	assert.Error(t, err)

	msg, err := decodeMessage(`{"id":"1","kind":"refund_receipt","recipient":{"audience":"patient","patient_id":"p"},"payload":{"n":3}}`)
	require.NoError(t, err)
	assert.Equal(t, KindRefundReceipt, msg.Kind)
	assert.Equal(t, "3", msg.Payload.String("n"))
}
