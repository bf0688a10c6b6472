// Package queuetest provides an in-memory queue with the same selection,
// claim and transition rules as the Postgres store.
package queuetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"artmarket-notifier/internal/models"
	"artmarket-notifier/internal/queue"
)

type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*models.QueuedNotification
	logs []*models.NotificationLog
	seq  int

	// FetchErr, when set, is returned by FetchEligible.
	FetchErr error
	fetches  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*models.QueuedNotification)}
}

func (m *MemoryStore) Insert(_ context.Context, n *models.QueuedNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	if n.ID == "" {
		n.ID = fmt.Sprintf("q-%03d", m.seq)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Unix(int64(m.seq), 0).UTC()
	}
	n.Status = models.StatusPending
	n.Attempts = 0
	cp := *n
	m.rows[n.ID] = &cp
	return nil
}

// FetchCount reports how many times FetchEligible ran.
func (m *MemoryStore) FetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// Put stores n as is, bypassing the insert defaults.
func (m *MemoryStore) Put(n models.QueuedNotification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[n.ID] = &n
}

func (m *MemoryStore) FetchEligible(_ context.Context, limit int) ([]*models.QueuedNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetches++
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}

	var out []*models.QueuedNotification
	for _, r := range m.rows {
		if r.Eligible() {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Claim(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[id]
	if !ok || r.Status != models.StatusPending || r.Attempts >= models.MaxAttempts {
		return 0, queue.ErrNotClaimed
	}
	r.Status = models.StatusSending
	r.Attempts++
	return r.Attempts, nil
}

func (m *MemoryStore) MarkSent(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.rows[id]
	r.Status = models.StatusSent
	r.SentAt = &at
	r.ErrorMessage = nil
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, id string, at time.Time, message string) error {
	return m.fail(id, models.StatusFailed, at, message)
}

func (m *MemoryStore) Requeue(_ context.Context, id string, at time.Time, message string) error {
	return m.fail(id, models.StatusPending, at, message)
}

func (m *MemoryStore) fail(id string, status models.NotificationStatus, at time.Time, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.rows[id]
	r.Status = status
	r.FailedAt = &at
	r.ErrorMessage = &message
	return nil
}

func (m *MemoryStore) ExpireExhausted(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	now := time.Now().UTC()
	for _, r := range m.rows {
		if r.Status == models.StatusPending && r.Attempts >= models.MaxAttempts {
			r.Status = models.StatusFailed
			if r.FailedAt == nil {
				r.FailedAt = &now
			}
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AppendLog(_ context.Context, entry *models.NotificationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	if cp.ID == "" {
		cp.ID = fmt.Sprintf("log-%03d", len(m.logs)+1)
	}
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *MemoryStore) Stats(_ context.Context) (*models.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &models.QueueStats{}
	for _, r := range m.rows {
		stats.Add(r.Status, 1)
	}
	return stats, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.QueuedNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("notification %s not found", id)
	}
	cp := *r
	return &cp, nil
}

// Logs returns the audit rows for one queue id in append order.
func (m *MemoryStore) Logs(queueID string) []*models.NotificationLog {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.NotificationLog
	for _, l := range m.logs {
		if l.QueueID == queueID {
			out = append(out, l)
		}
	}
	return out
}
