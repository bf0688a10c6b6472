// Package worker is the standalone delivery process. In push mode it sweeps
// whenever Postgres notifies the queue channel; in poll mode it sweeps in a
// loop with exponential backoff on failure.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"artmarket-notifier/internal/common/database"
	apperrors "artmarket-notifier/internal/common/errors"
	"artmarket-notifier/internal/common/logger"
	"artmarket-notifier/internal/common/schedule"
	"artmarket-notifier/internal/dispatch"
)

var errListenerClosed = errors.New("listener notification channel closed")

type Mode int

const (
	ModePush Mode = iota
	ModePoll
)

func (m Mode) String() string {
	if m == ModePoll {
		return "poll"
	}
	return "push"
}

const (
	DefaultChannel   = "email_queue"
	DefaultSafetyNet = 5 * time.Minute
	DefaultPollBase  = time.Second
	DefaultPollMax   = 30 * time.Second

	listenerPingInterval = 90 * time.Second
)

type Config struct {
	Channel   string
	SafetyNet time.Duration
	PollBase  time.Duration
	PollMax   time.Duration
}

func (c *Config) applyDefaults() {
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.SafetyNet <= 0 {
		c.SafetyNet = DefaultSafetyNet
	}
	if c.PollBase <= 0 {
		c.PollBase = DefaultPollBase
	}
	if c.PollMax < c.PollBase {
		c.PollMax = DefaultPollMax
	}
}

// Sweeper runs one dispatch sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (dispatch.SweepResult, error)
}

type Worker struct {
	sweeper  Sweeper
	listener database.Listener
	cfg      Config
	log      logger.Logger

	processing   atomic.Bool
	shuttingDown atomic.Bool
	inFlight     sync.WaitGroup

	// onPollDelay observes every poll delay; tests use it.
	onPollDelay func(time.Duration)
}

// New builds a worker. listener may be nil, in which case push mode falls
// back to polling straight away.
func New(sweeper Sweeper, listener database.Listener, cfg Config, log logger.Logger) *Worker {
	cfg.applyDefaults()
	return &Worker{
		sweeper:  sweeper,
		listener: listener,
		cfg:      cfg,
		log:      logger.ForComponent(log, "email-worker"),
	}
}

// Run blocks until ctx is cancelled, then shuts down gracefully: no new
// sweeps start, the listener is released and the in-flight sweep is awaited.
// The caller closes the connection pool afterwards.
func (w *Worker) Run(ctx context.Context, mode Mode) error {
	w.log.Info("worker starting", map[string]interface{}{"mode": mode.String(), "channel": w.cfg.Channel})
	defer w.closeListener()

	if mode == ModePush {
		err := w.runPush(ctx)
		if err == nil {
			return nil
		}
		w.log.Error("push mode unavailable, falling back to polling", map[string]interface{}{
			"error": err.Error(),
			"code":  string(apperrors.ErrCodeChannelRegistration),
		})
	}
	return w.runPoll(ctx)
}

// runPush returns nil after a clean shutdown and a channel registration
// error when push delivery cannot be set up or is lost.
func (w *Worker) runPush(ctx context.Context) error {
	if w.listener == nil {
		return apperrors.NewChannelRegistrationError(w.cfg.Channel, nil)
	}
	if err := w.listen(ctx); err != nil {
		if ctx.Err() != nil {
			w.shuttingDown.Store(true)
			w.log.Info("worker stopped before listening", nil)
			return nil
		}
		return apperrors.NewChannelRegistrationError(w.cfg.Channel, err)
	}
	w.log.Info("listening for queue notifications", map[string]interface{}{
		"channel":      w.cfg.Channel,
		"safety_net_s": w.cfg.SafetyNet.Seconds(),
	})

	// Rows enqueued while the worker was down have no pending notification.
	w.requestSweep(ctx, "startup")

	safetyNet := schedule.Every(ctx, w.cfg.SafetyNet, func(ctx context.Context) {
		w.requestSweep(ctx, "safety_net")
	})
	defer safetyNet.Stop()

	ping := time.NewTicker(listenerPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown(safetyNet)
			return nil

		case n, ok := <-w.listener.Notify():
			if !ok {
				safetyNet.Stop()
				w.inFlight.Wait()
				return apperrors.NewChannelRegistrationError(w.cfg.Channel, errListenerClosed)
			}
			reason := "notify"
			if n == nil {
				reason = "reconnect"
			}
			w.requestSweep(ctx, reason)

		case <-ping.C:
			go func() {
				if err := w.listener.Ping(); err != nil {
					w.log.Warn("listener ping failed", map[string]interface{}{"error": err.Error()})
				}
			}()
		}
	}
}

// listen subscribes to the queue channel. pq blocks in Listen until its
// dedicated connection is up; closing the listener on return from Run
// releases that goroutine.
func (w *Worker) listen(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- w.listener.Listen(w.cfg.Channel) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requestSweep starts a sweep in the background unless one is already
// running; such requests are dropped, not queued.
func (w *Worker) requestSweep(ctx context.Context, reason string) {
	if w.shuttingDown.Load() {
		return
	}
	if !w.processing.CompareAndSwap(false, true) {
		w.log.Debug("sweep in progress, request dropped", map[string]interface{}{"reason": reason})
		return
	}

	w.inFlight.Add(1)
	go func() {
		defer w.inFlight.Done()
		defer w.processing.Store(false)
		_ = w.sweep(ctx)
	}()
}

func (w *Worker) runPoll(ctx context.Context) error {
	w.log.Info("polling queue", map[string]interface{}{
		"base_ms": w.cfg.PollBase.Milliseconds(),
		"max_ms":  w.cfg.PollMax.Milliseconds(),
	})
	backoff := schedule.NewBackoff(w.cfg.PollBase, w.cfg.PollMax)

	for {
		if ctx.Err() != nil {
			w.shutdown(nil)
			return nil
		}

		err := w.sweepGuarded(ctx)
		delay := backoff.Next(err != nil)
		if w.onPollDelay != nil {
			w.onPollDelay(delay)
		}
		if err != nil {
			w.log.Warn("poll sweep failed, backing off", map[string]interface{}{
				"error":    err.Error(),
				"delay_ms": delay.Milliseconds(),
			})
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			w.shutdown(nil)
			return nil
		case <-timer.C:
		}
	}
}

func (w *Worker) sweepGuarded(ctx context.Context) error {
	if !w.processing.CompareAndSwap(false, true) {
		return nil
	}
	defer w.processing.Store(false)
	return w.sweep(ctx)
}

func (w *Worker) sweep(ctx context.Context) error {
	if w.shuttingDown.Load() {
		return nil
	}
	_, err := w.sweeper.Sweep(ctx)
	return err
}

func (w *Worker) shutdown(safetyNet *schedule.Task) {
	w.shuttingDown.Store(true)
	safetyNet.Stop()

	if w.listener != nil {
		if err := w.listener.Unlisten(w.cfg.Channel); err != nil {
			w.log.Debug("unlisten failed", map[string]interface{}{"error": err.Error()})
		}
	}

	w.inFlight.Wait()
	w.log.Info("worker stopped", nil)
}

func (w *Worker) closeListener() {
	if w.listener == nil {
		return
	}
	if err := w.listener.Close(); err != nil {
		w.log.Debug("listener close failed", map[string]interface{}{"error": err.Error()})
	}
}
