package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/adapter/external/provider"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/entity"
	"github.com/Sychedelic-but-cooler/nginx-proxy-orchestra-sub000/internal/telemetry"
)

type worker struct {
	m             *Manager
	integrationID uuid.UUID
	name          string
	wake          chan struct{}
	cancel        context.CancelFunc
	done          chan struct{}
	logger        *slog.Logger
}

func (w *worker) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) stop() {
	w.cancel()
	<-w.done
}

func (w *worker) run(ctx context.Context) {
	defer func() {
		telemetry.DispatchWorkers.Dec()
		close(w.done)
	}()

	w.logger.Info("Dispatch worker started")
	for {
		if !w.waitForWork(ctx) {
			w.logger.Info("Dispatch worker stopped")
			return
		}
		w.runJob(ctx)
	}
}

// waitForWork blocks until the next claimable item is due. It returns
// false when ctx is cancelled.
func (w *worker) waitForWork(ctx context.Context) bool {
	poll := w.m.opts.PollInterval
	for {
		if ctx.Err() != nil {
			return false
		}

		next, err := w.m.repo.NextDueAt(ctx, w.integrationID)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			w.logger.Error("Failed to read queue", "error", err)
			if !w.sleep(ctx, poll) {
				return false
			}
			continue
		}

		if next != nil {
			wait := next.Sub(w.m.now())
			if wait <= 0 {
				return true
			}
			if wait < poll {
				poll = wait
			}
		}
		if !w.sleep(ctx, poll) {
			return false
		}
		poll = w.m.opts.PollInterval
	}
}

// sleep waits d, a wake-up or cancellation; false means cancelled
func (w *worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-w.wake:
		return true
	case <-timer.C:
		return true
	}
}

// runJob delivers one claimed run. The rate limit is waited for after
// the claim, right before the driver call; cancelling that wait puts the
// run back to pending without an attempt. Once the call is issued it and
// its bookkeeping run to completion even if ctx is cancelled. A panic
// ends the job, never the worker.
func (w *worker) runJob(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Dispatch job panicked", "panic", r)
		}
	}()
	bg := context.WithoutCancel(ctx)

	// integration config is read once per job
	in, err := w.m.repo.GetIntegration(ctx, w.integrationID)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("Failed to load integration", "error", err)
		}
		return
	}

	driver, buildErr := w.m.drivers(in)
	batch := 1
	if buildErr == nil && driver.SupportsBatch() {
		batch = w.m.opts.BatchSize
	}

	items, err := w.m.repo.ClaimDue(ctx, w.integrationID, w.m.now(), batch)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("Failed to claim queue items", "error", err)
		}
		return
	}
	if len(items) == 0 {
		return
	}

	if buildErr != nil {
		w.record(bg, in, items, fmt.Errorf("build driver: %w", buildErr))
		return
	}

	if err := w.m.limiter.Wait(ctx, w.integrationID.String()); err != nil {
		w.release(bg, items)
		if ctx.Err() == nil {
			w.logger.Error("Rate limiter failed", "error", err)
			w.sleep(ctx, w.m.opts.PollInterval)
		}
		return
	}
	w.record(bg, in, items, w.safeCall(bg, driver, items))
}

// release returns a claimed run to pending as it was claimed, keeping
// its attempts and due time
func (w *worker) release(ctx context.Context, items []entity.QueueItem) {
	now := w.m.now()
	for i := range items {
		if err := w.m.repo.ScheduleRetry(ctx, &items[i], now); err != nil {
			w.logger.Error("Failed to release claimed item", "queue_item_id", items[i].ID, "error", err)
		}
	}
	w.logger.Debug("Released claimed items", "count", len(items))
}

// safeCall turns a driver panic into a retryable failure of the claimed run
func (w *worker) safeCall(ctx context.Context, driver provider.Driver, items []entity.QueueItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Driver panicked", "ip", items[0].IPAddress, "operation", items[0].Operation, "panic", r)
			err = fmt.Errorf("%w: driver panic: %v", entity.ErrDriverUnavailable, r)
		}
	}()
	return w.call(ctx, driver, items)
}

func (w *worker) call(ctx context.Context, driver provider.Driver, items []entity.QueueItem) error {
	callCtx, cancel := context.WithTimeout(ctx, w.m.opts.CallTimeout)
	defer cancel()

	start := time.Now()
	var err error
	switch {
	case len(items) > 1:
		ips := make([]string, len(items))
		for i, item := range items {
			ips[i] = item.IPAddress
		}
		err = driver.BanBatch(callCtx, ips)
	case items[0].Operation == entity.OperationUnban:
		err = driver.Unban(callCtx, items[0].IPAddress)
	default:
		err = driver.Ban(callCtx, items[0].IPAddress)
	}
	telemetry.DispatchCallDuration.WithLabelValues(w.name).Observe(time.Since(start).Seconds())
	telemetry.DispatchBatchSize.Observe(float64(len(items)))

	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, entity.ErrTimeout) {
		err = fmt.Errorf("%w: %w", entity.ErrTimeout, err)
	}
	return err
}

// record applies the outcome of one call to every item of the run
func (w *worker) record(ctx context.Context, in *entity.Integration, items []entity.QueueItem, callErr error) {
	now := w.m.now()
	for i := range items {
		items[i].Attempts++
	}

	if callErr == nil {
		if err := w.m.repo.MarkSent(ctx, items, now); err != nil {
			w.logger.Error("Failed to mark items sent", "error", err)
		}
		for i := range items {
			w.outcome(ctx, in, &items[i], entity.EventQueueItemSent, entity.AuditDispatchSent, "sent", nil, now)
		}
		w.logger.Debug("Delivered queue items", "count", len(items), "operation", items[0].Operation)
		return
	}

	retryable := entity.IsRetryable(callErr)
	for i := range items {
		item := &items[i]
		item.LastError = callErr.Error()

		if retryable && item.Attempts < entity.MaxDispatchAttempts {
			item.Status = entity.QueueStatusPending
			item.NextAttemptAt = now.Add(entity.RetryBackoff(w.m.opts.RetryBase, item.Attempts))
			if err := w.m.repo.ScheduleRetry(ctx, item, now); err != nil {
				w.logger.Error("Failed to schedule retry", "queue_item_id", item.ID, "error", err)
			}
			telemetry.DispatchCallsTotal.WithLabelValues(w.name, string(item.Operation), "retry").Inc()
			w.logger.Warn("Delivery failed, retry scheduled",
				"ip", item.IPAddress,
				"operation", item.Operation,
				"attempts", item.Attempts,
				"next_attempt_at", item.NextAttemptAt,
				"error", callErr,
			)
			continue
		}

		if err := w.m.repo.MarkFailed(ctx, item, now); err != nil {
			w.logger.Error("Failed to mark item failed", "queue_item_id", item.ID, "error", err)
		}
		w.outcome(ctx, in, item, entity.EventQueueItemFailed, entity.AuditDispatchFailed, "failed", callErr, now)
		w.logger.Error("Delivery failed permanently",
			"ip", item.IPAddress,
			"operation", item.Operation,
			"attempts", item.Attempts,
			"error", callErr,
		)
	}
}

func (w *worker) outcome(ctx context.Context, in *entity.Integration, item *entity.QueueItem, eventType, action, result string, callErr error, now time.Time) {
	telemetry.DispatchCallsTotal.WithLabelValues(w.name, string(item.Operation), result).Inc()

	evt := entity.DeliveryEvent{
		QueueItemID:     item.ID,
		IntegrationID:   in.ID,
		IntegrationName: in.Name,
		BanID:           item.BanID,
		IPAddress:       item.IPAddress,
		Operation:       item.Operation,
		Attempts:        item.Attempts,
	}
	if callErr != nil {
		evt.Error = callErr.Error()
	}
	w.m.sink.Publish(eventType, evt)

	entry := entity.NewAuditEntry(action, entity.ResourceQueueItem, item.ID.String(), entity.ActorSystem, nil, evt, now)
	if callErr != nil {
		entry.Success = false
		entry.ErrorMessage = callErr.Error()
	}
	_ = w.m.sink.Record(ctx, entry)
}
