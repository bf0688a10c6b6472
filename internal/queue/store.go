// Package queue is the Postgres-backed notification queue. Both dispatchers
// select and transition rows exclusively through this store, so the
// eligibility predicate and ordering exist in one place.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	apperrors "artmarket-notifier/internal/common/errors"
	"artmarket-notifier/internal/models"

	"github.com/google/uuid"
)

// ErrNotClaimed means the row was no longer pending when the claim ran,
// i.e. another dispatcher owns it.
var ErrNotClaimed = errors.New("queue: row not claimed")

const queueColumns = `id, recipient_email, recipient_user_id, template_code, subject, body_html, body_text,
	from_email, variables, priority, status, attempts, sent_at, failed_at, error_message, created_at`

const (
	insertSQL = `INSERT INTO email_queue (
			id, recipient_email, recipient_user_id, template_code, subject, body_html, body_text,
			from_email, variables, priority, status, attempts, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	fetchEligibleSQL = `SELECT ` + queueColumns + `
		FROM email_queue
		WHERE status = $1 AND attempts <= $2
		ORDER BY priority ASC, created_at ASC
		LIMIT $3`

	claimSQL = `UPDATE email_queue
		SET status = $2, attempts = attempts + 1
		WHERE id = $1 AND status = $3 AND attempts < $4
		RETURNING attempts`

	markSentSQL = `UPDATE email_queue
		SET status = $2, sent_at = $3, error_message = NULL
		WHERE id = $1`

	markFailureSQL = `UPDATE email_queue
		SET status = $2, failed_at = $3, error_message = $4
		WHERE id = $1`

	expireExhaustedSQL = `UPDATE email_queue
		SET status = $1, failed_at = COALESCE(failed_at, $2)
		WHERE status = $3 AND attempts >= $4`

	insertLogSQL = `INSERT INTO email_logs (
			id, queue_id, recipient_email, template_code, subject, status, attempt,
			provider_message_id, provider_response, dispatcher, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	statsSQL = `SELECT status, COUNT(*) FROM email_queue GROUP BY status`

	getSQL = `SELECT ` + queueColumns + ` FROM email_queue WHERE id = $1`

	listLogsSQL = `SELECT id, queue_id, recipient_email, template_code, subject, status, attempt,
			provider_message_id, provider_response, dispatcher, created_at
		FROM email_logs
		WHERE queue_id = $1
		ORDER BY created_at ASC`
)

// Store is the Postgres implementation of the notification queue.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Insert stores n as a fresh pending row. ID and CreatedAt are filled in when empty.
func (s *Store) Insert(ctx context.Context, n *models.QueuedNotification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	n.Status = models.StatusPending
	n.Attempts = 0

	_, err := s.db.ExecContext(ctx, insertSQL,
		n.ID,
		n.RecipientEmail,
		n.RecipientUserID,
		n.TemplateCode,
		n.Subject,
		n.BodyHTML,
		n.BodyText,
		n.FromEmail,
		n.Variables,
		n.Priority,
		string(n.Status),
		n.Attempts,
		n.CreatedAt,
	)
	if err != nil {
		return apperrors.NewDatabaseInsertFailedError("email_queue", err)
	}
	return nil
}

// FetchEligible returns up to limit pending rows with attempts <= MaxAttempts,
// lowest priority value first, oldest first within a priority.
func (s *Store) FetchEligible(ctx context.Context, limit int) ([]*models.QueuedNotification, error) {
	rows, err := s.db.QueryContext(ctx, fetchEligibleSQL, string(models.StatusPending), models.MaxAttempts, limit)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("fetch_eligible", err)
	}
	defer rows.Close()

	var out []*models.QueuedNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, apperrors.NewQueryExecutionFailedError("fetch_eligible", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("fetch_eligible", err)
	}
	return out, nil
}

// Claim atomically moves a pending row to sending and increments attempts.
// It returns the new attempt count, or ErrNotClaimed if the row changed
// since it was selected.
func (s *Store) Claim(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, claimSQL,
		id,
		string(models.StatusSending),
		string(models.StatusPending),
		models.MaxAttempts,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotClaimed
	}
	if err != nil {
		return 0, apperrors.NewQueryExecutionFailedError("claim", err)
	}
	return attempts, nil
}

func (s *Store) MarkSent(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, markSentSQL, id, string(models.StatusSent), at); err != nil {
		return apperrors.NewQueryExecutionFailedError("mark_sent", err)
	}
	return nil
}

// MarkFailed is terminal.
func (s *Store) MarkFailed(ctx context.Context, id string, at time.Time, message string) error {
	return s.markFailure(ctx, id, models.StatusFailed, at, message)
}

// Requeue puts a failed attempt back to pending for a later sweep.
func (s *Store) Requeue(ctx context.Context, id string, at time.Time, message string) error {
	return s.markFailure(ctx, id, models.StatusPending, at, message)
}

func (s *Store) markFailure(ctx context.Context, id string, status models.NotificationStatus, at time.Time, message string) error {
	if _, err := s.db.ExecContext(ctx, markFailureSQL, id, string(status), at, message); err != nil {
		return apperrors.NewQueryExecutionFailedError("mark_"+string(status), err)
	}
	return nil
}

// ExpireExhausted fails any pending row that already used all attempts and
// returns how many rows it moved.
func (s *Store) ExpireExhausted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, expireExhaustedSQL,
		string(models.StatusFailed),
		s.now(),
		string(models.StatusPending),
		models.MaxAttempts,
	)
	if err != nil {
		return 0, apperrors.NewQueryExecutionFailedError("expire_exhausted", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// AppendLog writes one audit row. ID and CreatedAt are filled in when empty.
func (s *Store) AppendLog(ctx context.Context, entry *models.NotificationLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, insertLogSQL,
		entry.ID,
		entry.QueueID,
		entry.RecipientEmail,
		entry.TemplateCode,
		entry.Subject,
		string(entry.Status),
		entry.Attempt,
		entry.ProviderMessageID,
		entry.ProviderResponse,
		entry.Dispatcher,
		entry.CreatedAt,
	)
	if err != nil {
		return apperrors.NewDatabaseInsertFailedError("email_logs", err)
	}
	return nil
}

// Stats counts rows per status.
func (s *Store) Stats(ctx context.Context) (*models.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, statsSQL)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("stats", err)
	}
	defer rows.Close()

	stats := &models.QueueStats{}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, apperrors.NewQueryExecutionFailedError("stats", err)
		}
		stats.Add(models.NotificationStatus(status), count)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("stats", err)
	}
	return stats, nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.QueuedNotification, error) {
	n, err := scanNotification(s.db.QueryRowContext(ctx, getSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotificationNotFoundError(id)
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("get", err)
	}
	return n, nil
}

func (s *Store) ListLogs(ctx context.Context, queueID string) ([]*models.NotificationLog, error) {
	rows, err := s.db.QueryContext(ctx, listLogsSQL, queueID)
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("list_logs", err)
	}
	defer rows.Close()

	var out []*models.NotificationLog
	for rows.Next() {
		var (
			entry                                         models.NotificationLog
			status                                        string
			templateCode, providerMessageID, providerResp sql.NullString
		)
		if err := rows.Scan(
			&entry.ID, &entry.QueueID, &entry.RecipientEmail, &templateCode, &entry.Subject,
			&status, &entry.Attempt, &providerMessageID, &providerResp, &entry.Dispatcher, &entry.CreatedAt,
		); err != nil {
			return nil, apperrors.NewQueryExecutionFailedError("list_logs", err)
		}
		entry.Status = models.LogStatus(status)
		entry.TemplateCode = nullString(templateCode)
		entry.ProviderMessageID = nullString(providerMessageID)
		entry.ProviderResponse = nullString(providerResp)
		out = append(out, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("list_logs", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row scanner) (*models.QueuedNotification, error) {
	var (
		n                                                 models.QueuedNotification
		status                                            string
		recipientUserID, templateCode, bodyText, fromMail sql.NullString
		errorMessage                                      sql.NullString
		sentAt, failedAt                                  sql.NullTime
	)
	if err := row.Scan(
		&n.ID, &n.RecipientEmail, &recipientUserID, &templateCode, &n.Subject, &n.BodyHTML, &bodyText,
		&fromMail, &n.Variables, &n.Priority, &status, &n.Attempts, &sentAt, &failedAt, &errorMessage, &n.CreatedAt,
	); err != nil {
		return nil, err
	}
	n.Status = models.NotificationStatus(status)
	n.RecipientUserID = nullString(recipientUserID)
	n.TemplateCode = nullString(templateCode)
	n.BodyText = nullString(bodyText)
	n.FromEmail = nullString(fromMail)
	n.ErrorMessage = nullString(errorMessage)
	n.SentAt = nullTime(sentAt)
	n.FailedAt = nullTime(failedAt)
	return &n, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
