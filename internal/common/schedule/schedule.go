// Package schedule holds the cancellable periodic task and the backoff
// policy used by the dispatchers.
package schedule

import (
	"context"
	"sync"
	"time"
)

// Task is a periodic job bound to its own cancellation. Stop halts it with
// one call regardless of how many timers the owner runs through it.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Every runs fn each interval until Stop is called or parent is cancelled.
// The first run happens one interval after the call, not immediately.
func Every(parent context.Context, interval time.Duration, fn func(ctx context.Context)) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()

	return t
}

// Stop cancels the task and waits for its loop to exit. Safe to call more
// than once and on a nil Task.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.once.Do(t.cancel)
	<-t.done
}

// Done is closed once the task loop has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Backoff yields the wait before the next poll. Success resets to Base;
// every failure returns the current delay and doubles it for the next one,
// capped at Max. Three failures in a row therefore wait 1s, 2s, 4s for a 1s base.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	current time.Duration
}

func NewBackoff(base, maxDelay time.Duration) *Backoff {
	return &Backoff{Base: base, Max: maxDelay, current: base}
}

// Next records the outcome of the last sweep and returns the delay to wait.
func (b *Backoff) Next(failed bool) time.Duration {
	if !failed {
		b.current = b.Base
		return b.Base
	}

	delay := b.current
	if delay > b.Max {
		delay = b.Max
	}
	next := b.current * 2
	if next > b.Max {
		next = b.Max
	}
	b.current = next
	return delay
}

// Reset returns the policy to its base delay.
func (b *Backoff) Reset() {
	b.current = b.Base
}
