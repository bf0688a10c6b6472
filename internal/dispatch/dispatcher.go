package dispatch

import (
	"context"
	"sync"
	"time"

	"artmarket-notifier/internal/common/logger"
	"artmarket-notifier/internal/common/schedule"
)

// DefaultInterval is the in-process sweep cadence.
const DefaultInterval = 60 * time.Second

// Dispatcher runs sweeps inside the hosting process: one on every interval
// tick and one for every immediate-priority enqueue. It is created once at
// startup and stopped at shutdown.
type Dispatcher struct {
	processor *Processor
	interval  time.Duration
	log       logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	task    *schedule.Task
	stopped bool
	wg      sync.WaitGroup
}

func NewDispatcher(processor *Processor, interval time.Duration, log logger.Logger) *Dispatcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		processor: processor,
		interval:  interval,
		log:       logger.ForComponent(log, "dispatcher"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the periodic sweeps. The first tick fires one interval from
// now. Calling Start twice, or after Stop, does nothing.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.task != nil || d.stopped {
		return
	}
	d.task = schedule.Every(d.ctx, d.interval, d.runSweep)
	d.log.Info("dispatcher started", map[string]interface{}{
		"interval_ms": d.interval.Milliseconds(),
		"configured":  d.processor.Configured(),
	})
}

// Stop halts the ticker and tells in-flight sweeps to stop before their next
// row, then waits for them. A send already in progress completes.
// Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	task := d.task
	d.task = nil
	d.cancel()
	d.mu.Unlock()

	task.Stop()
	d.wg.Wait()
	d.log.Info("dispatcher stopped", nil)
}

// TriggerSweep starts one sweep in the background and returns at once.
// Overlapping sweeps are allowed; the per-row claim keeps them from
// sending the same row twice.
func (d *Dispatcher) TriggerSweep() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runSweep(d.ctx)
	}()
}

// Wait blocks until every triggered sweep has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) runSweep(ctx context.Context) {
	// Errors are already logged by the processor and never reach callers.
	_, _ = d.processor.Sweep(ctx)
}
