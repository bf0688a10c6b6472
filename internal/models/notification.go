// internal/models/notification.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

type NotificationStatus string

const (
	StatusPending NotificationStatus = "pending"
	StatusSending NotificationStatus = "sending"
	StatusSent    NotificationStatus = "sent"
	StatusFailed  NotificationStatus = "failed"
)

func (s NotificationStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

const (
	// MaxAttempts is the delivery attempt cap. A fourth attempt is never scheduled.
	MaxAttempts = 3
	// ImmediatePriorityThreshold: priorities at or below it trigger an
	// immediate sweep on enqueue.
	ImmediatePriorityThreshold = 3
	DefaultPriority            = 5
	NewsletterPriority         = 7
	SweepBatchSize             = 10
)

// QueuedNotification is one email awaiting or having undergone a delivery attempt.
// Subject and bodies are fully resolved before insert.
type QueuedNotification struct {
	ID              string             `json:"id"`
	RecipientEmail  string             `json:"recipientEmail"`
	RecipientUserID *string            `json:"recipientUserId,omitempty"`
	TemplateCode    *string            `json:"templateCode,omitempty"`
	Subject         string             `json:"subject"`
	BodyHTML        string             `json:"bodyHtml"`
	BodyText        *string            `json:"bodyText,omitempty"`
	FromEmail       *string            `json:"fromEmail,omitempty"`
	Variables       Variables          `json:"variables,omitempty"`
	Priority        int                `json:"priority"`
	Status          NotificationStatus `json:"status"`
	Attempts        int                `json:"attempts"`
	SentAt          *time.Time         `json:"sentAt,omitempty"`
	FailedAt        *time.Time         `json:"failedAt,omitempty"`
	ErrorMessage    *string            `json:"errorMessage,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
}

// Eligible mirrors the sweep predicate used by the queue store.
func (n *QueuedNotification) Eligible() bool {
	return n.Status == StatusPending && n.Attempts <= MaxAttempts
}

// Variables is the substitution map kept on the row for audit; stored as JSONB.
type Variables map[string]interface{}

func (v Variables) Value() (driver.Value, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func (v *Variables) Scan(src interface{}) error {
	var data []byte
	switch s := src.(type) {
	case nil:
		*v = nil
		return nil
	case []byte:
		data = s
	case string:
		data = []byte(s)
	default:
		return errors.New("variables: unsupported scan type")
	}
	if len(data) == 0 {
		*v = nil
		return nil
	}
	return json.Unmarshal(data, v)
}

type LogStatus string

const (
	LogStatusSent   LogStatus = "sent"
	LogStatusFailed LogStatus = "failed"
)

// NotificationLog is the append-only audit record of one delivery attempt outcome.
type NotificationLog struct {
	ID                string    `json:"id"`
	QueueID           string    `json:"queueId"`
	RecipientEmail    string    `json:"recipientEmail"`
	TemplateCode      *string   `json:"templateCode,omitempty"`
	Subject           string    `json:"subject"`
	Status            LogStatus `json:"status"`
	Attempt           int       `json:"attempt"`
	ProviderMessageID *string   `json:"providerMessageId,omitempty"`
	ProviderResponse  *string   `json:"providerResponse,omitempty"`
	Dispatcher        string    `json:"dispatcher"`
	CreatedAt         time.Time `json:"createdAt"`
}

// QueueStats holds row counts grouped by status.
type QueueStats struct {
	Pending int `json:"pending"`
	Sending int `json:"sending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

func (s *QueueStats) Add(status NotificationStatus, count int) {
	switch status {
	case StatusPending:
		s.Pending += count
	case StatusSending:
		s.Sending += count
	case StatusSent:
		s.Sent += count
	case StatusFailed:
		s.Failed += count
	}
	s.Total += count
}

// StringPtr is a small helper for the optional text columns.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
