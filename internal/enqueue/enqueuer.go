// Package enqueue is the write side of the notification queue: raw and
// templated enqueue, newsletter fan-out and subscription management.
package enqueue

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	apperrors "artmarket-notifier/internal/common/errors"
	"artmarket-notifier/internal/common/logger"
	"artmarket-notifier/internal/common/metrics"
	"artmarket-notifier/internal/models"
	"artmarket-notifier/internal/templates"

	"golang.org/x/sync/errgroup"
)

const (
	WelcomeTemplateCode = "welcome"

	sourceRaw        = "raw"
	sourceTemplated  = "templated"
	sourceNewsletter = "newsletter"

	newsletterConcurrency = 16
)

// QueueStore is the part of the queue the enqueuer writes to.
type QueueStore interface {
	Insert(ctx context.Context, n *models.QueuedNotification) error
	Stats(ctx context.Context) (*models.QueueStats, error)
}

type TemplateResolver interface {
	Resolve(ctx context.Context, code, lang string, vars map[string]interface{}) (*models.ResolvedContent, error)
}

type SubscriberStore interface {
	ListActive(ctx context.Context, language string) ([]*models.NewsletterSubscriber, error)
	Upsert(ctx context.Context, sub *models.NewsletterSubscriber) (*models.NewsletterSubscriber, error)
	Unsubscribe(ctx context.Context, email string) error
	TouchLastEmailSent(ctx context.Context, language string) (int64, error)
}

// Trigger starts a sweep without waiting for it.
type Trigger interface {
	TriggerSweep()
}

// Entry is a fully formed notification. Priority 0 means unset.
type Entry struct {
	RecipientEmail  string
	RecipientUserID string
	TemplateCode    string
	Subject         string
	BodyHTML        string
	BodyText        string
	FromEmail       string
	Variables       map[string]interface{}
	Priority        int
}

type Options struct {
	Language        string
	Priority        int
	RecipientUserID string
	FromEmail       string
}

type NewsletterInput struct {
	Subject  string
	BodyHTML string
	BodyText string
	// Language restricts the audience; empty sends to everyone.
	Language string
}

type SubscribeOptions struct {
	Name       string
	Language   string
	Categories []string
	Source     string
}

type Enqueuer struct {
	queue       QueueStore
	resolver    TemplateResolver
	subscribers SubscriberStore
	trigger     Trigger
	log         logger.Logger
}

// New builds an Enqueuer. trigger may be nil, in which case high priority
// rows simply wait for the next scheduled sweep.
func New(queue QueueStore, resolver TemplateResolver, subscribers SubscriberStore, trigger Trigger, log logger.Logger) *Enqueuer {
	return &Enqueuer{
		queue:       queue,
		resolver:    resolver,
		subscribers: subscribers,
		trigger:     trigger,
		log:         logger.ForComponent(log, "enqueuer"),
	}
}

// EnqueueRaw inserts a pending row and, for priority <= 3, kicks an
// immediate sweep after the insert commits.
func (e *Enqueuer) EnqueueRaw(ctx context.Context, entry Entry) (*models.QueuedNotification, error) {
	return e.enqueue(ctx, entry, sourceRaw)
}

func (e *Enqueuer) enqueue(ctx context.Context, entry Entry, source string) (*models.QueuedNotification, error) {
	if err := validateEntry(entry); err != nil {
		return nil, err
	}

	priority := entry.Priority
	if priority == 0 {
		priority = models.DefaultPriority
	}

	n := &models.QueuedNotification{
		RecipientEmail:  strings.TrimSpace(entry.RecipientEmail),
		RecipientUserID: models.StringPtr(entry.RecipientUserID),
		TemplateCode:    models.StringPtr(entry.TemplateCode),
		Subject:         entry.Subject,
		BodyHTML:        entry.BodyHTML,
		BodyText:        models.StringPtr(entry.BodyText),
		FromEmail:       models.StringPtr(strings.TrimSpace(entry.FromEmail)),
		Variables:       models.Variables(entry.Variables),
		Priority:        priority,
	}
	if err := e.queue.Insert(ctx, n); err != nil {
		return nil, err
	}
	metrics.EmailsEnqueued.WithLabelValues(source).Inc()

	e.log.Debug("notification enqueued", map[string]interface{}{
		"queue_id": n.ID,
		"priority": n.Priority,
		"source":   source,
	})

	if n.Priority <= models.ImmediatePriorityThreshold && e.trigger != nil {
		e.trigger.TriggerSweep()
	}
	return n, nil
}

// EnqueueTemplated resolves the template then enqueues the result. A missing
// template surfaces as TEMPLATE_NOT_FOUND and nothing is inserted.
func (e *Enqueuer) EnqueueTemplated(ctx context.Context, recipientEmail, templateCode string, vars map[string]interface{}, opts Options) (*models.QueuedNotification, error) {
	lang := opts.Language
	if lang == "" {
		lang = models.LanguageEnglish
	}

	content, err := e.resolver.Resolve(ctx, templateCode, lang, vars)
	if err != nil {
		return nil, err
	}

	entry := Entry{
		RecipientEmail:  recipientEmail,
		RecipientUserID: opts.RecipientUserID,
		TemplateCode:    templateCode,
		Subject:         content.Subject,
		BodyHTML:        content.BodyHTML,
		FromEmail:       opts.FromEmail,
		Variables:       vars,
		Priority:        opts.Priority,
	}
	if content.BodyText != nil {
		entry.BodyText = *content.BodyText
	}
	return e.enqueue(ctx, entry, sourceTemplated)
}

// SendNewsletter enqueues one priority 7 row per active subscriber. All
// inserts run concurrently; the first failure fails the call. On success the
// same audience gets last_email_sent_at stamped and the audience size is returned.
func (e *Enqueuer) SendNewsletter(ctx context.Context, in NewsletterInput) (int, error) {
	if strings.TrimSpace(in.Subject) == "" || strings.TrimSpace(in.BodyHTML) == "" {
		return 0, apperrors.NewValidationError("newsletter subject and html body are required")
	}

	subs, err := e.subscribers.ListActive(ctx, in.Language)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(newsletterConcurrency)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			vars := map[string]interface{}{"email": sub.Email, "name": ""}
			if sub.Name != nil {
				vars["name"] = *sub.Name
			}
			_, err := e.enqueue(gctx, Entry{
				RecipientEmail: sub.Email,
				Subject:        templates.Render(in.Subject, vars),
				BodyHTML:       templates.Render(in.BodyHTML, vars),
				BodyText:       templates.Render(in.BodyText, vars),
				Variables:      vars,
				Priority:       models.NewsletterPriority,
			}, sourceNewsletter)
			if err != nil {
				return fmt.Errorf("enqueue newsletter for %s: %w", sub.Email, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	if _, err := e.subscribers.TouchLastEmailSent(ctx, in.Language); err != nil {
		return 0, err
	}

	e.log.Info("newsletter enqueued", map[string]interface{}{
		"recipients": len(subs),
		"language":   in.Language,
	})
	return len(subs), nil
}

// Subscribe creates or reactivates the subscriber and queues the welcome email
// in the subscriber's language.
func (e *Enqueuer) Subscribe(ctx context.Context, email string, opts SubscribeOptions) (*models.NewsletterSubscriber, *models.QueuedNotification, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if err := validateEmail(email); err != nil {
		return nil, nil, err
	}

	lang := opts.Language
	if lang == "" {
		lang = models.LanguageEnglish
	}

	sub, err := e.subscribers.Upsert(ctx, &models.NewsletterSubscriber{
		Email:      email,
		Name:       models.StringPtr(opts.Name),
		Language:   lang,
		Categories: opts.Categories,
		Source:     models.StringPtr(opts.Source),
	})
	if err != nil {
		return nil, nil, err
	}

	name := opts.Name
	if name == "" && sub.Name != nil {
		name = *sub.Name
	}
	welcome, err := e.EnqueueTemplated(ctx, email, WelcomeTemplateCode, map[string]interface{}{
		"name":  name,
		"email": email,
	}, Options{Language: sub.Language})
	if err != nil {
		return sub, nil, err
	}
	return sub, welcome, nil
}

// Unsubscribe leaves already queued notifications alone.
func (e *Enqueuer) Unsubscribe(ctx context.Context, email string) error {
	return e.subscribers.Unsubscribe(ctx, strings.TrimSpace(strings.ToLower(email)))
}

func (e *Enqueuer) Stats(ctx context.Context) (*models.QueueStats, error) {
	return e.queue.Stats(ctx)
}

func validateEntry(entry Entry) error {
	if err := validateEmail(entry.RecipientEmail); err != nil {
		return err
	}
	if entry.FromEmail != "" {
		if err := validateEmail(entry.FromEmail); err != nil {
			return apperrors.NewValidationError(fmt.Sprintf("invalid sender address: %s", entry.FromEmail))
		}
	}
	if strings.TrimSpace(entry.Subject) == "" {
		return apperrors.NewValidationError("subject is required")
	}
	if strings.TrimSpace(entry.BodyHTML) == "" {
		return apperrors.NewValidationError("html body is required")
	}
	if entry.Priority < 0 {
		return apperrors.NewValidationError("priority must not be negative")
	}
	return nil
}

func validateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return apperrors.NewValidationError("recipient email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return apperrors.NewValidationError(fmt.Sprintf("invalid email address: %s", email))
	}
	return nil
}
