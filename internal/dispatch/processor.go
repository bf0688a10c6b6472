// Package dispatch runs delivery sweeps over the notification queue. The
// Processor is shared by the in-process Dispatcher and the standalone worker.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "artmarket-notifier/internal/common/errors"
	"artmarket-notifier/internal/common/logger"
	"artmarket-notifier/internal/common/metrics"
	"artmarket-notifier/internal/common/observability"
	"artmarket-notifier/internal/delivery"
	"artmarket-notifier/internal/models"
	"artmarket-notifier/internal/queue"
)

// Store is the queue surface a sweep needs.
type Store interface {
	FetchEligible(ctx context.Context, limit int) ([]*models.QueuedNotification, error)
	Claim(ctx context.Context, id string) (int, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, at time.Time, message string) error
	Requeue(ctx context.Context, id string, at time.Time, message string) error
	AppendLog(ctx context.Context, entry *models.NotificationLog) error
	ExpireExhausted(ctx context.Context) (int64, error)
}

// Recorder receives every appended log row, e.g. the Elasticsearch mirror.
type Recorder interface {
	Record(ctx context.Context, entry *models.NotificationLog)
}

// DefaultSendTimeout bounds one provider call. Sends run detached from the
// sweep context so shutdown never aborts a message mid-flight.
const DefaultSendTimeout = 30 * time.Second

type SweepResult struct {
	Selected int
	Sent     int
	Failed   int
	Requeued int
	Skipped  int
	Expired  int64
}

type Processor struct {
	store      Store
	capability delivery.Capability
	dispatcher string
	recorder   Recorder
	obs        *observability.Observability
	log        logger.Logger
	now        func() time.Time

	sendTimeout time.Duration
}

type ProcessorOption func(*Processor)

func WithRecorder(r Recorder) ProcessorOption {
	return func(p *Processor) { p.recorder = r }
}

func WithObservability(o *observability.Observability) ProcessorOption {
	return func(p *Processor) { p.obs = o }
}

func WithSendTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.sendTimeout = d
		}
	}
}

// NewProcessor binds a store to a delivery capability. dispatcher names the
// caller ("service" or "worker") in logs, metrics and audit rows.
func NewProcessor(store Store, capability delivery.Capability, dispatcher string, log logger.Logger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:      store,
		capability: capability,
		dispatcher: dispatcher,
		log:        logger.ForComponent(log, "sweep").WithFields(map[string]interface{}{"dispatcher": dispatcher}),
		now:        func() time.Time { return time.Now().UTC() },

		sendTimeout: DefaultSendTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Configured reports whether sweeps can deliver anything.
func (p *Processor) Configured() bool {
	_, ok := delivery.ChannelOf(p.capability)
	return ok
}

// Sweep selects up to SweepBatchSize eligible rows and processes them one
// after another. With an unconfigured channel it returns immediately
// without touching the store. Cancelling ctx stops the sweep before the next
// row; the row already being sent is finished and recorded.
func (p *Processor) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	channel, ok := delivery.ChannelOf(p.capability)
	if !ok {
		reason := ""
		if u, isU := p.capability.(delivery.Unconfigured); isU {
			reason = u.Reason
		}
		p.log.Debug("delivery channel unconfigured, skipping sweep", map[string]interface{}{"reason": reason})
		metrics.Sweeps.WithLabelValues(p.dispatcher, "unconfigured").Inc()
		return res, nil
	}

	start := time.Now()
	inFlight := metrics.SweepsInFlight.WithLabelValues(p.dispatcher)
	inFlight.Inc()
	defer inFlight.Dec()

	err := p.sweep(ctx, channel, &res)

	elapsed := time.Since(start)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.Sweeps.WithLabelValues(p.dispatcher, status).Inc()
	metrics.SweepDuration.WithLabelValues(p.dispatcher).Observe(elapsed.Seconds())
	p.obs.RecordSweep(ctx, p.dispatcher, status, elapsed)
	p.obs.RecordRows(ctx, p.dispatcher, metrics.OutcomeSent, res.Sent)
	p.obs.RecordRows(ctx, p.dispatcher, metrics.OutcomeRequeued, res.Requeued)
	p.obs.RecordRows(ctx, p.dispatcher, metrics.OutcomeFailed, res.Failed)
	p.obs.RecordRows(ctx, p.dispatcher, metrics.OutcomeSkipped, res.Skipped)

	if res.Selected > 0 || err != nil {
		fields := map[string]interface{}{
			"selected":    res.Selected,
			"sent":        res.Sent,
			"requeued":    res.Requeued,
			"failed":      res.Failed,
			"skipped":     res.Skipped,
			"expired":     res.Expired,
			"duration_ms": elapsed.Milliseconds(),
		}
		if err != nil {
			fields["error"] = err.Error()
			p.log.Error("sweep failed", fields)
		} else {
			p.log.Info("sweep completed", fields)
		}
	}
	return res, err
}

func (p *Processor) sweep(ctx context.Context, channel delivery.Channel, res *SweepResult) error {
	rows, err := p.store.FetchEligible(ctx, models.SweepBatchSize)
	if err != nil {
		return fmt.Errorf("fetch eligible rows: %w", err)
	}
	res.Selected = len(rows)

	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		if err := p.process(ctx, channel, row, res); err != nil {
			return err
		}
	}

	expired, err := p.store.ExpireExhausted(context.WithoutCancel(ctx))
	if err != nil {
		return fmt.Errorf("expire exhausted rows: %w", err)
	}
	res.Expired = expired
	return nil
}

// process claims one row and delivers it. Once claimed, the send and the
// bookkeeping ignore ctx cancellation, so the row always leaves sending with
// the provider's real outcome.
func (p *Processor) process(ctx context.Context, channel delivery.Channel, row *models.QueuedNotification, res *SweepResult) error {
	attempts, err := p.store.Claim(ctx, row.ID)
	if errors.Is(err, queue.ErrNotClaimed) {
		res.Skipped++
		metrics.EmailDeliveries.WithLabelValues(p.dispatcher, metrics.OutcomeSkipped).Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim %s: %w", row.ID, err)
	}

	msg := delivery.Message{
		To:      row.RecipientEmail,
		Subject: row.Subject,
		HTML:    row.BodyHTML,
	}
	if row.FromEmail != nil {
		msg.From = *row.FromEmail
	}
	if row.BodyText != nil {
		msg.Text = *row.BodyText
	}

	bookkeeping := context.WithoutCancel(ctx)
	sendCtx, cancel := context.WithTimeout(bookkeeping, p.sendTimeout)
	messageID, sendErr := channel.Send(sendCtx, msg)
	cancel()

	at := p.now()
	entry := &models.NotificationLog{
		QueueID:        row.ID,
		RecipientEmail: row.RecipientEmail,
		TemplateCode:   row.TemplateCode,
		Subject:        row.Subject,
		Attempt:        attempts,
		Dispatcher:     p.dispatcher,
		CreatedAt:      at,
	}

	if sendErr == nil {
		if err := p.store.MarkSent(bookkeeping, row.ID, at); err != nil {
			return fmt.Errorf("mark %s sent: %w", row.ID, err)
		}
		entry.Status = models.LogStatusSent
		entry.ProviderMessageID = models.StringPtr(messageID)
		res.Sent++
		metrics.EmailDeliveries.WithLabelValues(p.dispatcher, metrics.OutcomeSent).Inc()
	} else {
		message := providerResponse(sendErr)
		outcome := metrics.OutcomeRequeued
		if attempts >= models.MaxAttempts {
			outcome = metrics.OutcomeFailed
			err = p.store.MarkFailed(bookkeeping, row.ID, at, message)
			res.Failed++
		} else {
			err = p.store.Requeue(bookkeeping, row.ID, at, message)
			res.Requeued++
		}
		if err != nil {
			return fmt.Errorf("record failure of %s: %w", row.ID, err)
		}
		entry.Status = models.LogStatusFailed
		entry.ProviderResponse = models.StringPtr(message)
		metrics.EmailDeliveries.WithLabelValues(p.dispatcher, outcome).Inc()

		p.log.Warn("delivery attempt failed", map[string]interface{}{
			"queue_id": row.ID,
			"attempt":  attempts,
			"outcome":  outcome,
			"error":    message,
		})
	}

	if err := p.store.AppendLog(bookkeeping, entry); err != nil {
		return fmt.Errorf("append log for %s: %w", row.ID, err)
	}
	if p.recorder != nil {
		p.recorder.Record(bookkeeping, entry)
	}
	return nil
}

func providerResponse(err error) string {
	if stdErr, ok := apperrors.As(err); ok && stdErr.Details != "" {
		return stdErr.Details
	}
	return err.Error()
}
