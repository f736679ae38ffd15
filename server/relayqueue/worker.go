package relayqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/trove/logger"
	"github.com/migadu/trove/pkg/circuitbreaker"
	"github.com/migadu/trove/pkg/metrics"
	"github.com/migadu/trove/server/delivery"
)

// Queue is the part of DiskQueue the worker needs.
type Queue interface {
	AcquireNext() (*QueuedMessage, []byte, error)
	MarkSuccess(id string) error
	MarkFailure(id, errMsg string) (exhausted bool, err error)
	MarkPermanentFailure(id, errMsg string) error
	Release(id string) error
	Stats() (Stats, error)
}

// Reporter receives the final outcome of each queued message.
type Reporter interface {
	ReportDisposition(ctx context.Context, report delivery.DispositionReport)
}

// Worker drains the relay queue in batches with bounded concurrency.
// Start and Stop are idempotent.
type Worker struct {
	queue       Queue
	sender      Sender
	reporter    Reporter
	interval    time.Duration
	batchSize   int
	concurrency int
	sendTimeout time.Duration
	notifyCh    chan struct{}
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

func NewWorker(queue Queue, sender Sender, reporter Reporter, interval time.Duration, batchSize, concurrency int) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Worker{
		queue:       queue,
		sender:      sender,
		reporter:    reporter,
		interval:    interval,
		batchSize:   batchSize,
		concurrency: concurrency,
		sendTimeout: 10 * time.Minute,
		notifyCh:    make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})

	w.wg.Add(1)
	go w.run(ctx, w.stopCh)
	logger.Info("Relay: worker started", "interval", w.interval, "batch_size", w.batchSize, "concurrency", w.concurrency)
}

// Stop signals the loop and waits for in-flight deliveries.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	logger.Info("Relay: worker stopped")
}

// NotifyQueued wakes the worker without waiting for the next tick. It never
// blocks.
func (w *Worker) NotifyQueued() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context, stopCh chan struct{}) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.processQueue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		case <-w.notifyCh:
		}
		if err := w.processQueue(ctx); err != nil {
			logger.Error("Relay: worker cycle failed", "error", err)
		}
	}
}

// processQueue acquires up to batchSize due messages and delivers them
// with at most concurrency in flight. It returns after all of them finish.
func (w *Worker) processQueue(ctx context.Context) error {
	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	processed := 0
	for processed < w.batchSize {
		if ctx.Err() != nil {
			return nil
		}

		msg, body, err := w.queue.AcquireNext()
		if err != nil {
			return fmt.Errorf("failed to acquire message: %w", err)
		}
		if msg == nil {
			break
		}

		select {
		case <-ctx.Done():
			if err := w.queue.Release(msg.ID); err != nil {
				logger.Error("Relay: failed to release message", "id", msg.ID, "error", err)
			}
			return nil
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w.processMessage(ctx, msg, body)
		}()
		processed++
	}

	if processed > 0 {
		wg.Wait()
		if stats, err := w.queue.Stats(); err == nil {
			logger.Info("Relay: batch done", "count", processed,
				"pending", stats.Pending, "processing", stats.Processing, "failed", stats.Failed)
		}
	}
	return nil
}

func (w *Worker) processMessage(ctx context.Context, msg *QueuedMessage, body []byte) {
	logger.Debug("Relay: delivering", "id", msg.ID, "kind", msg.Kind, "from", msg.From, "to", msg.To,
		"attempt", msg.Attempts+1, "age", time.Since(msg.QueuedAt))

	sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	start := time.Now()
	err := w.sender.Send(sendCtx, msg.From, msg.To, body)
	cancel()
	metrics.RelayDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.RelayAttempts.WithLabelValues("success").Inc()
		if markErr := w.queue.MarkSuccess(msg.ID); markErr != nil {
			logger.Error("Relay: failed to remove delivered message", "id", msg.ID, "error", markErr)
		}
		w.report(ctx, msg, body, delivery.DispositionDelivered, "")

	case circuitbreaker.IsRejection(err) || ctx.Err() != nil:
		// Delivery was not attempted, or shutdown interrupted it.
		if relErr := w.queue.Release(msg.ID); relErr != nil {
			logger.Error("Relay: failed to release message", "id", msg.ID, "error", relErr)
		}

	case delivery.IsPermanentError(err):
		metrics.RelayAttempts.WithLabelValues("permanent").Inc()
		logger.Warn("Relay: permanent failure", "id", msg.ID, "to", msg.To, "error", err)
		if markErr := w.queue.MarkPermanentFailure(msg.ID, err.Error()); markErr != nil {
			logger.Error("Relay: failed to mark permanent failure", "id", msg.ID, "error", markErr)
		}
		w.report(ctx, msg, body, delivery.DispositionBounced, err.Error())

	default:
		metrics.RelayAttempts.WithLabelValues("transient").Inc()
		exhausted, markErr := w.queue.MarkFailure(msg.ID, err.Error())
		if markErr != nil {
			logger.Error("Relay: failed to mark failure", "id", msg.ID, "error", markErr)
			return
		}
		if exhausted {
			w.report(ctx, msg, body, delivery.DispositionBounced,
				fmt.Sprintf("giving up after %d attempts: %v", msg.Attempts+1, err))
		}
	}
}

func (w *Worker) report(ctx context.Context, msg *QueuedMessage, body []byte, d delivery.Disposition, detail string) {
	if w.reporter == nil {
		return
	}
	w.reporter.ReportDisposition(context.WithoutCancel(ctx), delivery.DispositionReport{
		QueueID:     msg.ID,
		From:        msg.From,
		To:          msg.To,
		Kind:        msg.Kind,
		Disposition: d,
		Detail:      detail,
		Original:    body,
	})
}

// Stats returns current queue counts.
func (w *Worker) Stats() (Stats, error) {
	return w.queue.Stats()
}
