package enqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "artmarket-notifier/internal/common/errors"
	"artmarket-notifier/internal/common/logger"
	"artmarket-notifier/internal/models"
	"artmarket-notifier/internal/templates"
)

// ==========================
// Test doubles
// ==========================

type memoryQueue struct {
	mu      sync.Mutex
	rows    []*models.QueuedNotification
	failFor string
}

func (q *memoryQueue) Insert(_ context.Context, n *models.QueuedNotification) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failFor != "" && n.RecipientEmail == q.failFor {
		return apperrors.NewDatabaseInsertFailedError("email_queue", errors.New("insert failed"))
	}
	n.ID = fmt.Sprintf("q-%d", len(q.rows)+1)
	n.Status = models.StatusPending
	n.Attempts = 0
	q.rows = append(q.rows, n)
	return nil
}

func (q *memoryQueue) Stats(context.Context) (*models.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := &models.QueueStats{}
	for _, r := range q.rows {
		stats.Add(r.Status, 1)
	}
	return stats, nil
}

type countingTrigger struct{ calls int32 }

func (c *countingTrigger) TriggerSweep() { atomic.AddInt32(&c.calls, 1) }

type mockSubscribers struct{ mock.Mock }

func (m *mockSubscribers) ListActive(ctx context.Context, language string) ([]*models.NewsletterSubscriber, error) {
	args := m.Called(ctx, language)
	subs, _ := args.Get(0).([]*models.NewsletterSubscriber)
	return subs, args.Error(1)
}

func (m *mockSubscribers) Upsert(ctx context.Context, sub *models.NewsletterSubscriber) (*models.NewsletterSubscriber, error) {
	args := m.Called(ctx, sub)
	saved, _ := args.Get(0).(*models.NewsletterSubscriber)
	return saved, args.Error(1)
}

func (m *mockSubscribers) Unsubscribe(ctx context.Context, email string) error {
	return m.Called(ctx, email).Error(0)
}

func (m *mockSubscribers) TouchLastEmailSent(ctx context.Context, language string) (int64, error) {
	args := m.Called(ctx, language)
	return args.Get(0).(int64), args.Error(1)
}

type stubSource map[string]*models.Template

func (s stubSource) GetActive(_ context.Context, code string) (*models.Template, error) {
	t, ok := s[code]
	if !ok {
		return nil, apperrors.NewTemplateNotFoundError(code)
	}
	return t, nil
}

func welcomeTemplate() *models.Template {
	ar := "أهلا {{name}}"
	return &models.Template{
		Code:       WelcomeTemplateCode,
		SubjectEN:  "Welcome {{name}}",
		SubjectAR:  &ar,
		BodyHTMLEN: "<p>Thanks {{name}}, we will write to {{email}}.</p>",
		IsActive:   true,
	}
}

func newEnqueuer(t *testing.T, q *memoryQueue, subs SubscriberStore, trigger Trigger) *Enqueuer {
	log := logger.NewTestLogger(t)
	resolver := templates.NewResolver(stubSource{WelcomeTemplateCode: welcomeTemplate()}, nil, log)
	return New(q, resolver, subs, trigger, log)
}

// ==========================
// Contract A
// ==========================

func TestEnqueueRaw_PriorityTrigger(t *testing.T) {
	tests := []struct {
		name         string
		priority     int
		wantPriority int
		wantTrigger  int32
	}{
		{"priority 2 triggers immediate sweep", 2, 2, 1},
		{"priority 3 is still immediate", 3, 3, 1},
		{"priority 4 waits for the tick", 4, 4, 0},
		{"unset priority defaults to 5", 0, 5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &memoryQueue{}
			trigger := &countingTrigger{}
			e := newEnqueuer(t, q, nil, trigger)

			n, err := e.EnqueueRaw(context.Background(), Entry{
				RecipientEmail: "buyer@example.com",
				Subject:        "Order confirmed",
				BodyHTML:       "<p>ok</p>",
				Priority:       tt.priority,
			})
			require.NoError(t, err)

			assert.Equal(t, models.StatusPending, n.Status)
			assert.Equal(t, 0, n.Attempts)
			assert.Equal(t, tt.wantPriority, n.Priority)
			assert.Nil(t, n.BodyText)
			assert.Equal(t, tt.wantTrigger, atomic.LoadInt32(&trigger.calls))
		})
	}
}

func TestEnqueueRaw_Validation(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
	}{
		{"missing email", Entry{Subject: "s", BodyHTML: "b"}},
		{"bad email", Entry{RecipientEmail: "not-an-email", Subject: "s", BodyHTML: "b"}},
		{"display name form", Entry{RecipientEmail: "Sam <sam@example.com>", Subject: "s", BodyHTML: "b"}},
		{"missing subject", Entry{RecipientEmail: "a@example.com", BodyHTML: "b"}},
		{"missing body", Entry{RecipientEmail: "a@example.com", Subject: "s"}},
		{"negative priority", Entry{RecipientEmail: "a@example.com", Subject: "s", BodyHTML: "b", Priority: -1}},
		{"bad sender", Entry{RecipientEmail: "a@example.com", FromEmail: "gallery at example", Subject: "s", BodyHTML: "b"}},
		{"blank sender", Entry{RecipientEmail: "a@example.com", FromEmail: "   ", Subject: "s", BodyHTML: "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &memoryQueue{}
			_, err := newEnqueuer(t, q, nil, nil).EnqueueRaw(context.Background(), tt.entry)
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidationFailed))
			assert.Empty(t, q.rows)
		})
	}
}

func TestEnqueueRaw_SenderIsTrimmedAndKept(t *testing.T) {
	q := &memoryQueue{}
	n, err := newEnqueuer(t, q, nil, nil).EnqueueRaw(context.Background(), Entry{
		RecipientEmail: "a@example.com", FromEmail: " gallery@example.com ", Subject: "s", BodyHTML: "b",
	})
	require.NoError(t, err)
	require.NotNil(t, n.FromEmail)
	assert.Equal(t, "gallery@example.com", *n.FromEmail)
}

func TestEnqueueRaw_NoTriggerConfigured(t *testing.T) {
	q := &memoryQueue{}
	_, err := newEnqueuer(t, q, nil, nil).EnqueueRaw(context.Background(), Entry{
		RecipientEmail: "buyer@example.com", Subject: "s", BodyHTML: "b", Priority: 1,
	})
	assert.NoError(t, err)
	assert.Len(t, q.rows, 1)
}

// ==========================
// Contract B
// ==========================

func TestEnqueueTemplated(t *testing.T) {
	q := &memoryQueue{}
	e := newEnqueuer(t, q, nil, nil)

	n, err := e.EnqueueTemplated(context.Background(), "buyer@example.com", WelcomeTemplateCode,
		map[string]interface{}{"name": "Sam", "email": "buyer@example.com"},
		Options{Language: "ar", RecipientUserID: "user-9"})
	require.NoError(t, err)

	assert.Equal(t, "أهلا Sam", n.Subject)
	assert.Equal(t, "<p>Thanks Sam, we will write to buyer@example.com.</p>", n.BodyHTML)
	require.NotNil(t, n.TemplateCode)
	assert.Equal(t, WelcomeTemplateCode, *n.TemplateCode)
	require.NotNil(t, n.RecipientUserID)
	assert.Equal(t, "user-9", *n.RecipientUserID)
	assert.Equal(t, "Sam", n.Variables["name"])
	assert.Equal(t, models.DefaultPriority, n.Priority)
}

func TestEnqueueTemplated_TemplateNotFound(t *testing.T) {
	q := &memoryQueue{}
	_, err := newEnqueuer(t, q, nil, nil).EnqueueTemplated(context.Background(), "buyer@example.com", "nope", nil, Options{})

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTemplateNotFound))
	assert.Empty(t, q.rows)
}

// ==========================
// Contract C
// ==========================

func activeSubscribers(n int) []*models.NewsletterSubscriber {
	subs := make([]*models.NewsletterSubscriber, 0, n)
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("Collector %d", i)
		subs = append(subs, &models.NewsletterSubscriber{
			Email:    fmt.Sprintf("c%d@example.com", i),
			Name:     &name,
			Language: "en",
			Status:   models.SubscriptionActive,
		})
	}
	return subs
}

func TestSendNewsletter_FanOut(t *testing.T) {
	q := &memoryQueue{}
	subs := &mockSubscribers{}
	trigger := &countingTrigger{}

	// The store filters unsubscribed rows; five active remain.
	subs.On("ListActive", mock.Anything, "").Return(activeSubscribers(5), nil)
	subs.On("TouchLastEmailSent", mock.Anything, "").Return(int64(5), nil)

	count, err := newEnqueuer(t, q, subs, trigger).SendNewsletter(context.Background(), NewsletterInput{
		Subject:  "Spring auction for {{name}}",
		BodyHTML: "<p>New works</p>",
	})
	require.NoError(t, err)

	assert.Equal(t, 5, count)
	require.Len(t, q.rows, 5)
	seen := map[string]bool{}
	for _, r := range q.rows {
		assert.Equal(t, models.NewsletterPriority, r.Priority)
		assert.Contains(t, r.Subject, "Spring auction for Collector")
		seen[r.RecipientEmail] = true
	}
	assert.Len(t, seen, 5)
	assert.Equal(t, int32(0), atomic.LoadInt32(&trigger.calls))
	subs.AssertExpectations(t)
}

func TestSendNewsletter_NameIsNotExpanded(t *testing.T) {
	q := &memoryQueue{}
	subs := &mockSubscribers{}
	name := "{{email}}"
	subs.On("ListActive", mock.Anything, "").Return([]*models.NewsletterSubscriber{
		{Email: "c1@example.com", Name: &name, Language: "en", Status: models.SubscriptionActive},
	}, nil)
	subs.On("TouchLastEmailSent", mock.Anything, "").Return(int64(1), nil)

	_, err := newEnqueuer(t, q, subs, nil).SendNewsletter(context.Background(), NewsletterInput{
		Subject:  "Hi {{name}}",
		BodyHTML: "<p>{{name}} / {{email}}</p>",
	})
	require.NoError(t, err)
	require.Len(t, q.rows, 1)
	assert.Equal(t, "Hi {{email}}", q.rows[0].Subject)
	assert.Equal(t, "<p>{{email}} / c1@example.com</p>", q.rows[0].BodyHTML)
}

func TestSendNewsletter_LanguageFilterAppliesToTouch(t *testing.T) {
	q := &memoryQueue{}
	subs := &mockSubscribers{}
	subs.On("ListActive", mock.Anything, "ar").Return(activeSubscribers(2), nil)
	subs.On("TouchLastEmailSent", mock.Anything, "ar").Return(int64(2), nil)

	count, err := newEnqueuer(t, q, subs, nil).SendNewsletter(context.Background(), NewsletterInput{
		Subject: "s", BodyHTML: "b", Language: "ar",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	subs.AssertExpectations(t)
}

func TestSendNewsletter_AnyFailureFailsAll(t *testing.T) {
	q := &memoryQueue{failFor: "c3@example.com"}
	subs := &mockSubscribers{}
	subs.On("ListActive", mock.Anything, "").Return(activeSubscribers(5), nil)

	count, err := newEnqueuer(t, q, subs, nil).SendNewsletter(context.Background(), NewsletterInput{Subject: "s", BodyHTML: "b"})
	require.Error(t, err)
	assert.Equal(t, 0, count)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDatabaseInsertFailed))
	subs.AssertNotCalled(t, "TouchLastEmailSent", mock.Anything, mock.Anything)
}

func TestSendNewsletter_NoSubscribers(t *testing.T) {
	q := &memoryQueue{}
	subs := &mockSubscribers{}
	subs.On("ListActive", mock.Anything, "").Return([]*models.NewsletterSubscriber{}, nil)
	subs.On("TouchLastEmailSent", mock.Anything, "").Return(int64(0), nil)

	count, err := newEnqueuer(t, q, subs, nil).SendNewsletter(context.Background(), NewsletterInput{Subject: "s", BodyHTML: "b"})
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Empty(t, q.rows)
}

// ==========================
// Contract D
// ==========================

func TestSubscribe_QueuesWelcome(t *testing.T) {
	q := &memoryQueue{}
	subs := &mockSubscribers{}

	subs.On("Upsert", mock.Anything, mock.MatchedBy(func(s *models.NewsletterSubscriber) bool {
		return s.Email == "new@example.com" && s.Language == "ar" && s.Name != nil && *s.Name == "Huda"
	})).Return(&models.NewsletterSubscriber{
		Email:    "new@example.com",
		Name:     models.StringPtr("Huda"),
		Language: "ar",
		Status:   models.SubscriptionActive,
	}, nil)

	sub, welcome, err := newEnqueuer(t, q, subs, nil).Subscribe(context.Background(), " New@Example.com ", SubscribeOptions{
		Name:     "Huda",
		Language: "ar",
	})
	require.NoError(t, err)

	assert.Equal(t, models.SubscriptionActive, sub.Status)
	require.NotNil(t, welcome)
	assert.Equal(t, "new@example.com", welcome.RecipientEmail)
	assert.Equal(t, "أهلا Huda", welcome.Subject)
	assert.Equal(t, "new@example.com", welcome.Variables["email"])
	subs.AssertExpectations(t)
}

func TestSubscribe_InvalidEmail(t *testing.T) {
	subs := &mockSubscribers{}
	_, _, err := newEnqueuer(t, &memoryQueue{}, subs, nil).Subscribe(context.Background(), "nope", SubscribeOptions{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidationFailed))
	subs.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

func TestUnsubscribe(t *testing.T) {
	subs := &mockSubscribers{}
	subs.On("Unsubscribe", mock.Anything, "a@example.com").Return(nil)
	subs.On("Unsubscribe", mock.Anything, "ghost@example.com").Return(apperrors.NewSubscriberNotFoundError("ghost@example.com"))

	e := newEnqueuer(t, &memoryQueue{}, subs, nil)
	assert.NoError(t, e.Unsubscribe(context.Background(), "A@example.com"))

	err := e.Unsubscribe(context.Background(), "ghost@example.com")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSubscriberNotFound))
}

func TestStats(t *testing.T) {
	q := &memoryQueue{}
	e := newEnqueuer(t, q, nil, nil)
	for i := 0; i < 3; i++ {
		_, err := e.EnqueueRaw(context.Background(), Entry{RecipientEmail: "a@example.com", Subject: "s", BodyHTML: "b"})
		require.NoError(t, err)
	}

	stats, err := e.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, 3, stats.Total)
}
