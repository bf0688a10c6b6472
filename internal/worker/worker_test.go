package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artmarket-notifier/internal/common/logger"
	"artmarket-notifier/internal/delivery"
	"artmarket-notifier/internal/dispatch"
	"artmarket-notifier/internal/models"
	"artmarket-notifier/internal/queue/queuetest"
)

// ==========================
// Test doubles
// ==========================

type fakeListener struct {
	notify    chan *pq.Notification
	listenErr error
	// connecting, when set, holds Listen until Close, like pq while the
	// dedicated connection is down.
	connecting chan struct{}

	mu        sync.Mutex
	listened  []string
	unlistens int
	closes    int
}

func newFakeListener() *fakeListener {
	return &fakeListener{notify: make(chan *pq.Notification, 32)}
}

func (f *fakeListener) Listen(channel string) error {
	if f.connecting != nil {
		<-f.connecting
		return errors.New("pq: Listener has been closed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listenErr != nil {
		return f.listenErr
	}
	f.listened = append(f.listened, channel)
	return nil
}

func (f *fakeListener) Unlisten(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlistens++
	return nil
}

func (f *fakeListener) Notify() <-chan *pq.Notification { return f.notify }
func (f *fakeListener) Ping() error                     { return nil }

func (f *fakeListener) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if f.connecting != nil && f.closes == 1 {
		close(f.connecting)
	}
	return nil
}

func (f *fakeListener) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unlistens, f.closes
}

// scriptedSweeper fails the first failures calls and optionally blocks on
// gate while sweeping.
type scriptedSweeper struct {
	calls    int32
	failures int32
	gate     chan struct{}
	started  chan struct{}
}

func (s *scriptedSweeper) Sweep(ctx context.Context) (dispatch.SweepResult, error) {
	n := atomic.AddInt32(&s.calls, 1)
	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		<-s.gate
	}
	if n <= s.failures {
		return dispatch.SweepResult{}, errors.New("database unreachable")
	}
	return dispatch.SweepResult{}, nil
}

func (s *scriptedSweeper) Calls() int32 { return atomic.LoadInt32(&s.calls) }

type okChannel struct{ sends int32 }

func (c *okChannel) Name() string { return "ok" }
func (c *okChannel) Send(context.Context, delivery.Message) (string, error) {
	atomic.AddInt32(&c.sends, 1)
	return "id", nil
}

// ctxChannel blocks each send for delay unless ctx ends first.
type ctxChannel struct {
	delay   time.Duration
	started chan struct{}
}

func (c *ctxChannel) Name() string { return "ctx" }
func (c *ctxChannel) Send(ctx context.Context, _ delivery.Message) (string, error) {
	select {
	case c.started <- struct{}{}:
	default:
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(c.delay):
		return "id", nil
	}
}

func runAsync(ctx context.Context, w *Worker, mode Mode) <-chan error {
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, mode) }()
	return done
}

// ==========================
// Poll mode
// ==========================

func TestPoll_BackoffProgression(t *testing.T) {
	sweeper := &scriptedSweeper{failures: 3}
	w := New(sweeper, nil, Config{PollBase: time.Millisecond, PollMax: 30 * time.Millisecond}, logger.NewTestLogger(t))

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	ctx, cancel := context.WithCancel(context.Background())
	w.onPollDelay = func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		delays = append(delays, d)
		if len(delays) == 5 {
			cancel()
		}
	}

	require.NoError(t, w.Run(ctx, ModePoll))

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(delays), 5)
	assert.Equal(t, []time.Duration{
		1 * time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
		1 * time.Millisecond,
		1 * time.Millisecond,
	}, delays[:5])
}

func TestPoll_SweepFailureDoesNotStopLoop(t *testing.T) {
	sweeper := &scriptedSweeper{failures: 1000}
	w := New(sweeper, nil, Config{PollBase: time.Millisecond, PollMax: 2 * time.Millisecond}, logger.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, w, ModePoll)

	assert.Eventually(t, func() bool { return sweeper.Calls() >= 5 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

// ==========================
// Push mode
// ==========================

func TestPush_SweepsOnNotification(t *testing.T) {
	store := queuetest.NewMemoryStore()
	ch := &okChannel{}
	processor := dispatch.NewProcessor(store, delivery.Ready{Channel: ch}, "worker", logger.NewTestLogger(t))

	listener := newFakeListener()
	w := New(processor, listener, Config{SafetyNet: time.Hour}, logger.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, w, ModePush)

	require.Eventually(t, func() bool {
		listener.mu.Lock()
		defer listener.mu.Unlock()
		return len(listener.listened) == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return store.FetchCount() >= 1 && !w.processing.Load()
	}, time.Second, 5*time.Millisecond)

	n := &models.QueuedNotification{RecipientEmail: "buyer@example.com", Subject: "s", BodyHTML: "b", Priority: 5}
	require.NoError(t, store.Insert(context.Background(), n))
	listener.notify <- &pq.Notification{Channel: DefaultChannel, Extra: n.ID}

	assert.Eventually(t, func() bool {
		got, _ := store.Get(context.Background(), n.ID)
		return got.Status == models.StatusSent
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	unlistens, closes := listener.counts()
	assert.Equal(t, 1, unlistens)
	assert.Equal(t, 1, closes)
}

func TestPush_RequestsDuringSweepAreDropped(t *testing.T) {
	sweeper := &scriptedSweeper{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	listener := newFakeListener()
	w := New(sweeper, listener, Config{SafetyNet: time.Hour}, logger.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, w, ModePush)

	// The startup sweep is now blocked on the gate.
	<-sweeper.started
	for i := 0; i < 5; i++ {
		listener.notify <- &pq.Notification{Channel: DefaultChannel}
	}
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), sweeper.Calls())

	close(sweeper.gate)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), sweeper.Calls())
}

func TestPush_ReconnectTriggersSweep(t *testing.T) {
	sweeper := &scriptedSweeper{}
	listener := newFakeListener()
	w := New(sweeper, listener, Config{SafetyNet: time.Hour}, logger.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, w, ModePush)

	require.Eventually(t, func() bool { return sweeper.Calls() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !w.processing.Load() }, time.Second, time.Millisecond)

	listener.notify <- nil
	assert.Eventually(t, func() bool { return sweeper.Calls() == 2 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestPush_SafetyNet(t *testing.T) {
	sweeper := &scriptedSweeper{}
	w := New(sweeper, newFakeListener(), Config{SafetyNet: 20 * time.Millisecond}, logger.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, w, ModePush)

	assert.Eventually(t, func() bool { return sweeper.Calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestPush_ListenFailureFallsBackToPolling(t *testing.T) {
	sweeper := &scriptedSweeper{}
	listener := newFakeListener()
	listener.listenErr = errors.New("permission denied for channel")
	w := New(sweeper, listener, Config{PollBase: time.Millisecond, PollMax: 5 * time.Millisecond}, logger.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, w, ModePush)

	assert.Eventually(t, func() bool { return sweeper.Calls() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestPush_ShutdownWhileListenBlocks(t *testing.T) {
	sweeper := &scriptedSweeper{}
	listener := newFakeListener()
	listener.connecting = make(chan struct{})
	w := New(sweeper, listener, Config{SafetyNet: time.Hour}, logger.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, w, ModePush)
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker ignored shutdown while waiting for the listener connection")
	}
	assert.Equal(t, int32(0), sweeper.Calls())
	_, closes := listener.counts()
	assert.Equal(t, 1, closes)
}

func TestPush_NoListenerFallsBackToPolling(t *testing.T) {
	sweeper := &scriptedSweeper{}
	w := New(sweeper, nil, Config{PollBase: time.Millisecond, PollMax: 5 * time.Millisecond}, logger.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, w, ModePush)

	assert.Eventually(t, func() bool { return sweeper.Calls() >= 2 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestShutdown_WaitsForInFlightSweep(t *testing.T) {
	sweeper := &scriptedSweeper{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	w := New(sweeper, newFakeListener(), Config{SafetyNet: time.Hour}, logger.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, w, ModePush)
	<-sweeper.started
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned while a sweep was still running")
	case <-time.After(30 * time.Millisecond):
	}

	close(sweeper.gate)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.True(t, w.shuttingDown.Load())
}

func TestShutdown_InFlightSendCompletes(t *testing.T) {
	store := queuetest.NewMemoryStore()
	n := &models.QueuedNotification{RecipientEmail: "collector@example.com", Subject: "Outbid", BodyHTML: "b", Priority: 1}
	require.NoError(t, store.Insert(context.Background(), n))

	ch := &ctxChannel{delay: 150 * time.Millisecond, started: make(chan struct{}, 1)}
	processor := dispatch.NewProcessor(store, delivery.Ready{Channel: ch}, "worker", logger.NewTestLogger(t))
	w := New(processor, nil, Config{PollBase: time.Hour, PollMax: time.Hour}, logger.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, w, ModePoll)
	<-ch.started
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	got, err := store.Get(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, got.Status)
	assert.Equal(t, 1, got.Attempts)
	logs := store.Logs(n.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, models.LogStatusSent, logs[0].Status)
}

func TestConfigDefaults(t *testing.T) {
	w := New(&scriptedSweeper{}, nil, Config{}, logger.NewNoOpLogger())
	assert.Equal(t, DefaultChannel, w.cfg.Channel)
	assert.Equal(t, DefaultSafetyNet, w.cfg.SafetyNet)
	assert.Equal(t, DefaultPollBase, w.cfg.PollBase)
	assert.Equal(t, DefaultPollMax, w.cfg.PollMax)
	assert.Equal(t, "poll", ModePoll.String())
	assert.Equal(t, "push", ModePush.String())
}
