package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wolfman30/clinic-appointments/pkg/logging"
)

const (
	defaultWorkerCount   = 2
	defaultWaitSeconds   = 10
	defaultBatchSize     = 5
	maxWaitSeconds       = 20
	maxReceiveBatchSize  = 10
	deleteTimeoutSeconds = 5
)

// Deliverer sends one decoded message.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) error
}

// DeliveryObserver records delivery outcomes. Implemented by the metrics
// package; nil disables recording.
type DeliveryObserver interface {
	ObserveDelivery(kind string, err error)
}

// Worker consumes the notification queue. Messages that fail delivery are
// left on the queue for redelivery; undecodable messages are dropped.
type Worker struct {
	queue     Queue
	deliverer Deliverer
	limiter   *rate.Limiter
	observer  DeliveryObserver
	logger    *logging.Logger

	workers          int
	receiveWaitSecs  int
	receiveBatchSize int

	wg sync.WaitGroup
}

// NewWorker creates a queue consumer.
func NewWorker(queue Queue, deliverer Deliverer, logger *logging.Logger) *Worker {
	if queue == nil {
		panic("notify: queue cannot be nil")
	}
	if deliverer == nil {
		panic("notify: deliverer cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Worker{
		queue:            queue,
		deliverer:        deliverer,
		logger:           logger,
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
	}
}

// WithWorkerCount sets the number of concurrent consumer goroutines.
func (w *Worker) WithWorkerCount(count int) *Worker {
	if count > 0 {
		w.workers = count
	}
	return w
}

// WithRateLimit caps deliveries per second across all goroutines.
// A non-positive rate disables throttling.
func (w *Worker) WithRateLimit(perSecond float64) *Worker {
	if perSecond <= 0 {
		w.limiter = nil
		return w
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	w.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return w
}

// WithReceive tunes long-poll wait and batch size.
func (w *Worker) WithReceive(waitSeconds, batchSize int) *Worker {
	if waitSeconds >= 0 {
		w.receiveWaitSecs = min(waitSeconds, maxWaitSeconds)
	}
	if batchSize > 0 {
		w.receiveBatchSize = min(batchSize, maxReceiveBatchSize)
	}
	return w
}

// WithObserver records per-message outcomes.
func (w *Worker) WithObserver(o DeliveryObserver) *Worker {
	w.observer = o
	return w
}

// Start launches worker goroutines until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Run starts the workers and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.Start(ctx)
	w.Wait()
	return nil
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("notify worker started", "worker_id", workerID)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("notify worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.receiveBatchSize, w.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to receive notifications", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

// HandleMessage processes one queue entry. Exposed for tests and for
// draining in-process queues synchronously.
func (w *Worker) HandleMessage(ctx context.Context, qm QueueMessage) {
	w.handleMessage(ctx, qm)
}

func (w *Worker) handleMessage(ctx context.Context, qm QueueMessage) {
	msg, err := decodeMessage(qm.Body)
	if err != nil {
		w.logger.Error("dropping undecodable notification", "error", err, "queue_message_id", qm.ID)
		w.deleteMessage(ctx, qm.ReceiptHandle)
		return
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
	}

	err = w.deliverer.Deliver(ctx, msg)
	if w.observer != nil {
		w.observer.ObserveDelivery(string(msg.Kind), err)
	}
	if err != nil {
		w.logger.Error("notification delivery failed", "error", err, "id", msg.ID, "kind", msg.Kind)
		return
	}
	w.deleteMessage(ctx, qm.ReceiptHandle)
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}
	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteTimeoutSeconds*time.Second)
	defer cancel()
	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete notification", "error", err)
	}
}
