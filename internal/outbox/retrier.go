package outbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/CyberMesh/defense-agent/internal/alert"
	"github.com/CyberMesh/defense-agent/internal/metrics"
)

// RetryingPublisher wraps a Publisher with a durable queue. It also
// implements alert.Channel, so the dispatcher can treat the outbox as
// just another delivery channel.
type RetryingPublisher struct {
	queue    Queue
	backend  Publisher
	metrics  *metrics.Recorder
	logger   *zap.Logger
	interval time.Duration
	stopCh   chan struct{}
	stopped  chan struct{}
}

// RetrierOptions configure RetryingPublisher.
type RetrierOptions struct {
	Queue    Queue
	Backend  Publisher
	Metrics  *metrics.Recorder
	Logger   *zap.Logger
	Interval time.Duration
}

// NewRetryingPublisher constructs the wrapper and starts its drain loop.
func NewRetryingPublisher(opts RetrierOptions) (*RetryingPublisher, error) {
	if opts.Queue == nil {
		return nil, errors.New("outbox retrier: queue required")
	}
	if opts.Backend == nil {
		return nil, errors.New("outbox retrier: backend required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	r := &RetryingPublisher{
		queue:    opts.Queue,
		backend:  opts.Backend,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go r.loop()
	return r, nil
}

// Name satisfies alert.Channel.
func (r *RetryingPublisher) Name() string { return "kafka" }

// Send satisfies alert.Channel by enqueueing the alert durably.
func (r *RetryingPublisher) Send(ctx context.Context, a alert.Alert) error {
	return r.Publish(ctx, Payload{Alert: a, EnqueuedAt: time.Now().UTC()})
}

// Publish enqueues the payload and wakes the worker.
func (r *RetryingPublisher) Publish(ctx context.Context, payload Payload) error {
	if _, err := r.queue.Enqueue(ctx, payload); err != nil {
		if r.metrics != nil {
			r.metrics.ObserveOutboxPublish("enqueue_failure", 0)
		}
		if r.logger != nil {
			r.logger.Error("outbox retrier: enqueue failed", zap.Error(err), zap.String("alert_id", payload.Alert.ID))
		}
		return err
	}
	r.observeDepth(ctx)
	return nil
}

// PublishBatch enqueues multiple payloads.
func (r *RetryingPublisher) PublishBatch(ctx context.Context, payloads []Payload) error {
	var firstErr error
	for _, payload := range payloads {
		if err := r.Publish(ctx, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *RetryingPublisher) loop() {
	defer close(r.stopped)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	ctx := context.Background()
	r.drain(ctx)
	notify := r.queue.Notify()
	for {
		select {
		case <-r.stopCh:
			return
		case <-notify:
			r.drain(ctx)
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

func (r *RetryingPublisher) drain(ctx context.Context) {
	for {
		id, payload, err := r.queue.Peek(ctx)
		if errors.Is(err, ErrQueueEmpty) {
			r.observeDepth(ctx)
			return
		}
		if err != nil {
			if r.logger != nil {
				r.logger.Error("outbox retrier: peek failed", zap.Error(err))
			}
			return
		}
		if err := r.backend.Publish(ctx, payload); err != nil {
			if r.logger != nil {
				r.logger.Error("outbox retrier: publish failed", zap.Error(err), zap.String("alert_id", payload.Alert.ID))
			}
			if r.metrics != nil {
				r.metrics.ObserveOutboxRetry()
			}
			// The head stays queued for the next attempt. Back off, but
			// let Close interrupt the wait so shutdown is not held
			// hostage by a broker outage.
			select {
			case <-r.stopCh:
				return
			case <-time.After(r.interval):
			}
			continue
		}
		if err := r.queue.Delete(ctx, id); err != nil && r.logger != nil {
			r.logger.Warn("outbox retrier: delete failed", zap.Error(err), zap.Uint64("queue_id", id))
		}
		r.observeDepth(ctx)
	}
}

func (r *RetryingPublisher) observeDepth(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	size, err := r.queue.Len(ctx)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("outbox retrier: len failed", zap.Error(err))
		}
		return
	}
	r.metrics.SetOutboxDepth(size)
}

// Close stops the worker and closes the queue.
func (r *RetryingPublisher) Close(ctx context.Context) error {
	close(r.stopCh)
	<-r.stopped
	return r.queue.Close()
}
