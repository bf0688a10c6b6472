// Package newsletter stores newsletter subscribers.
package newsletter

import (
	"context"
	"database/sql"
	"time"

	apperrors "artmarket-notifier/internal/common/errors"
	"artmarket-notifier/internal/models"

	"github.com/lib/pq"
)

const (
	subscriberColumns = `email, name, language, categories, status, source, subscribed_at, unsubscribed_at, last_email_sent_at`

	// $2 = '' disables the language filter.
	listActiveSQL = `SELECT ` + subscriberColumns + `
		FROM newsletter_subscribers
		WHERE status = $1 AND ($2 = '' OR language = $2)
		ORDER BY email ASC`

	upsertSQL = `INSERT INTO newsletter_subscribers (email, name, language, categories, status, source, subscribed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (email) DO UPDATE SET
			name = COALESCE(EXCLUDED.name, newsletter_subscribers.name),
			language = EXCLUDED.language,
			categories = EXCLUDED.categories,
			status = EXCLUDED.status,
			source = COALESCE(EXCLUDED.source, newsletter_subscribers.source),
			subscribed_at = EXCLUDED.subscribed_at,
			unsubscribed_at = NULL
		RETURNING ` + subscriberColumns

	unsubscribeSQL = `UPDATE newsletter_subscribers
		SET status = $2, unsubscribed_at = $3
		WHERE email = $1`

	touchLastEmailSentSQL = `UPDATE newsletter_subscribers
		SET last_email_sent_at = $3
		WHERE status = $1 AND ($2 = '' OR language = $2)`
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// ListActive returns active subscribers, optionally restricted to one language.
func (s *Store) ListActive(ctx context.Context, language string) ([]*models.NewsletterSubscriber, error) {
	rows, err := s.db.QueryContext(ctx, listActiveSQL, string(models.SubscriptionActive), language)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("list_active_subscribers", err)
	}
	defer rows.Close()

	var out []*models.NewsletterSubscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, apperrors.NewQueryExecutionFailedError("list_active_subscribers", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("list_active_subscribers", err)
	}
	return out, nil
}

// Upsert creates the subscriber or reactivates an existing one.
func (s *Store) Upsert(ctx context.Context, sub *models.NewsletterSubscriber) (*models.NewsletterSubscriber, error) {
	if sub.Language == "" {
		sub.Language = models.LanguageEnglish
	}
	categories := sub.Categories
	if categories == nil {
		categories = []string{}
	}

	row := s.db.QueryRowContext(ctx, upsertSQL,
		sub.Email,
		sub.Name,
		sub.Language,
		pq.Array(categories),
		string(models.SubscriptionActive),
		sub.Source,
		s.now(),
	)
	saved, err := scanSubscriber(row)
	if err != nil {
		return nil, apperrors.NewDatabaseInsertFailedError("newsletter_subscribers", err)
	}
	return saved, nil
}

// Unsubscribe marks the subscriber unsubscribed. Already queued emails are untouched.
func (s *Store) Unsubscribe(ctx context.Context, email string) error {
	res, err := s.db.ExecContext(ctx, unsubscribeSQL, email, string(models.SubscriptionUnsubscribed), s.now())
	if err != nil {
		return apperrors.NewQueryExecutionFailedError("unsubscribe", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.NewQueryExecutionFailedError("unsubscribe", err)
	}
	if n == 0 {
		return apperrors.NewSubscriberNotFoundError(email)
	}
	return nil
}

// TouchLastEmailSent stamps every active subscriber matching language.
func (s *Store) TouchLastEmailSent(ctx context.Context, language string) (int64, error) {
	res, err := s.db.ExecContext(ctx, touchLastEmailSentSQL, string(models.SubscriptionActive), language, s.now())
	if err != nil {
		return 0, apperrors.NewQueryExecutionFailedError("touch_last_email_sent", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscriber(row scanner) (*models.NewsletterSubscriber, error) {
	var (
		sub                      models.NewsletterSubscriber
		status                   string
		name, source             sql.NullString
		unsubscribedAt, lastSent sql.NullTime
		categories               pq.StringArray
	)
	if err := row.Scan(
		&sub.Email, &name, &sub.Language, &categories, &status, &source,
		&sub.SubscribedAt, &unsubscribedAt, &lastSent,
	); err != nil {
		return nil, err
	}
	sub.Status = models.SubscriptionStatus(status)
	sub.Categories = []string(categories)
	if name.Valid {
		sub.Name = &name.String
	}
	if source.Valid {
		sub.Source = &source.String
	}
	if unsubscribedAt.Valid {
		sub.UnsubscribedAt = &unsubscribedAt.Time
	}
	if lastSent.Valid {
		sub.LastEmailSentAt = &lastSent.Time
	}
	return &sub, nil
}
