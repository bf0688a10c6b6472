package models

import "time"

type SubscriptionStatus string

const (
	SubscriptionActive       SubscriptionStatus = "active"
	SubscriptionUnsubscribed SubscriptionStatus = "unsubscribed"
)

// NewsletterSubscriber is keyed by email.
type NewsletterSubscriber struct {
	Email           string             `json:"email"`
	Name            *string            `json:"name,omitempty"`
	Language        string             `json:"language"`
	Categories      []string           `json:"categories,omitempty"`
	Status          SubscriptionStatus `json:"status"`
	Source          *string            `json:"source,omitempty"`
	SubscribedAt    time.Time          `json:"subscribedAt"`
	UnsubscribedAt  *time.Time         `json:"unsubscribedAt,omitempty"`
	LastEmailSentAt *time.Time         `json:"lastEmailSentAt,omitempty"`
}
