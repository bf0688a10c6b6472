package templates

import (
	"context"
	"database/sql"
	"errors"

	apperrors "artmarket-notifier/internal/common/errors"
	"artmarket-notifier/internal/models"
)

const getActiveTemplateSQL = `SELECT template_code, subject_en, subject_ar, body_html_en, body_html_ar,
		body_text_en, body_text_ar, is_active, updated_at
	FROM email_templates
	WHERE template_code = $1 AND is_active = true`

// Source loads an active template by code.
type Source interface {
	GetActive(ctx context.Context, code string) (*models.Template, error)
}

// Store reads templates from Postgres.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetActive(ctx context.Context, code string) (*models.Template, error) {
	var t models.Template
	var subjectAR, htmlAR, textEN, textAR sql.NullString
	err := s.db.QueryRowContext(ctx, getActiveTemplateSQL, code).Scan(
		&t.Code, &t.SubjectEN, &subjectAR, &t.BodyHTMLEN, &htmlAR,
		&textEN, &textAR, &t.IsActive, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewTemplateNotFoundError(code)
	}
	if err != nil {
		return nil, apperrors.NewQueryExecutionFailedError("get_template", err)
	}

	t.SubjectAR = optional(subjectAR)
	t.BodyHTMLAR = optional(htmlAR)
	t.BodyTextEN = optional(textEN)
	t.BodyTextAR = optional(textAR)
	return &t, nil
}

func optional(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
