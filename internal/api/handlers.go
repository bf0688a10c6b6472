// Package api exposes the enqueuer and queue inspection over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"artmarket-notifier/internal/common/logger"
	"artmarket-notifier/internal/common/validation"
	"artmarket-notifier/internal/enqueue"
	"artmarket-notifier/internal/models"
)

const readyTimeout = 2 * time.Second

type Enqueuer interface {
	EnqueueRaw(ctx context.Context, entry enqueue.Entry) (*models.QueuedNotification, error)
	EnqueueTemplated(ctx context.Context, recipientEmail, templateCode string, vars map[string]interface{}, opts enqueue.Options) (*models.QueuedNotification, error)
	SendNewsletter(ctx context.Context, in enqueue.NewsletterInput) (int, error)
	Subscribe(ctx context.Context, email string, opts enqueue.SubscribeOptions) (*models.NewsletterSubscriber, *models.QueuedNotification, error)
	Unsubscribe(ctx context.Context, email string) error
	Stats(ctx context.Context) (*models.QueueStats, error)
}

// NotificationReader looks up a queued row and its delivery log.
type NotificationReader interface {
	Get(ctx context.Context, id string) (*models.QueuedNotification, error)
	ListLogs(ctx context.Context, queueID string) ([]*models.NotificationLog, error)
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// TemplateCache drops a cached template so the next resolve reads Postgres.
type TemplateCache interface {
	Invalidate(ctx context.Context, code string) error
}

type Handler struct {
	enqueuer  Enqueuer
	reader    NotificationReader
	db        Pinger
	templates TemplateCache
	log       logger.Logger
}

func NewHandler(enqueuer Enqueuer, reader NotificationReader, db Pinger, log logger.Logger) *Handler {
	return &Handler{
		enqueuer: enqueuer,
		reader:   reader,
		db:       db,
		log:      logger.ForComponent(log, "api"),
	}
}

// WithTemplateCache enables cache eviction after a template is edited or
// deactivated. Without it the eviction route succeeds with evicted=false.
func (h *Handler) WithTemplateCache(tc TemplateCache) *Handler {
	h.templates = tc
	return h
}

type rawNotificationRequest struct {
	RecipientEmail  string                 `json:"recipientEmail"`
	RecipientUserID string                 `json:"recipientUserId"`
	TemplateCode    string                 `json:"templateCode"`
	Subject         string                 `json:"subject"`
	BodyHTML        string                 `json:"bodyHtml"`
	BodyText        string                 `json:"bodyText"`
	FromEmail       string                 `json:"fromEmail"`
	Variables       map[string]interface{} `json:"variables"`
	Priority        int                    `json:"priority"`
}

type templatedNotificationRequest struct {
	RecipientEmail  string                 `json:"recipientEmail"`
	RecipientUserID string                 `json:"recipientUserId"`
	TemplateCode    string                 `json:"templateCode"`
	Variables       map[string]interface{} `json:"variables"`
	Language        string                 `json:"language"`
	Priority        int                    `json:"priority"`
	FromEmail       string                 `json:"fromEmail"`
}

type newsletterRequest struct {
	Subject  string `json:"subject"`
	BodyHTML string `json:"bodyHtml"`
	BodyText string `json:"bodyText"`
	Language string `json:"language"`
}

type subscribeRequest struct {
	Email      string   `json:"email"`
	Name       string   `json:"name"`
	Language   string   `json:"language"`
	Categories []string `json:"categories"`
	Source     string   `json:"source"`
}

type unsubscribeRequest struct {
	Email string `json:"email"`
}

// bind validates the body against schema and decodes it into out. It writes
// the 400 response itself and reports whether the handler may continue.
func bind(c *gin.Context, schema *validation.Schema, out interface{}) bool {
	body, err := c.GetRawData()
	if err != nil {
		respondValidationError(c, []string{"unreadable request body"})
		return false
	}

	result, err := schema.ValidateJSON(body)
	if err != nil {
		respondValidationError(c, []string{"request body is not valid JSON"})
		return false
	}
	if !result.Valid {
		respondValidationError(c, result.GetErrorMessages())
		return false
	}

	if err := binding.JSON.BindBody(body, out); err != nil {
		respondValidationError(c, []string{err.Error()})
		return false
	}
	return true
}

// EnqueueRaw handles POST /api/v1/notifications.
func (h *Handler) EnqueueRaw(c *gin.Context) {
	var req rawNotificationRequest
	if !bind(c, validation.RawNotificationSchema, &req) {
		return
	}

	n, err := h.enqueuer.EnqueueRaw(c.Request.Context(), enqueue.Entry{
		RecipientEmail:  req.RecipientEmail,
		RecipientUserID: req.RecipientUserID,
		TemplateCode:    req.TemplateCode,
		Subject:         req.Subject,
		BodyHTML:        req.BodyHTML,
		BodyText:        req.BodyText,
		FromEmail:       req.FromEmail,
		Variables:       req.Variables,
		Priority:        req.Priority,
	})
	if err != nil {
		respondAppError(c, err)
		return
	}
	respondSuccess(c, http.StatusAccepted, n)
}

// EnqueueTemplated handles POST /api/v1/notifications/templated.
func (h *Handler) EnqueueTemplated(c *gin.Context) {
	var req templatedNotificationRequest
	if !bind(c, validation.TemplatedNotificationSchema, &req) {
		return
	}

	n, err := h.enqueuer.EnqueueTemplated(c.Request.Context(), req.RecipientEmail, req.TemplateCode, req.Variables, enqueue.Options{
		Language:        req.Language,
		Priority:        req.Priority,
		RecipientUserID: req.RecipientUserID,
		FromEmail:       req.FromEmail,
	})
	if err != nil {
		respondAppError(c, err)
		return
	}
	respondSuccess(c, http.StatusAccepted, n)
}

// SendNewsletter handles POST /api/v1/newsletter/send.
func (h *Handler) SendNewsletter(c *gin.Context) {
	var req newsletterRequest
	if !bind(c, validation.NewsletterSchema, &req) {
		return
	}

	count, err := h.enqueuer.SendNewsletter(c.Request.Context(), enqueue.NewsletterInput{
		Subject:  req.Subject,
		BodyHTML: req.BodyHTML,
		BodyText: req.BodyText,
		Language: req.Language,
	})
	if err != nil {
		respondAppError(c, err)
		return
	}
	respondSuccess(c, http.StatusAccepted, gin.H{"recipients": count})
}

// Subscribe handles POST /api/v1/newsletter/subscribe. The subscription
// stands even if the welcome email cannot be queued.
func (h *Handler) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if !bind(c, validation.SubscribeSchema, &req) {
		return
	}

	sub, welcome, err := h.enqueuer.Subscribe(c.Request.Context(), req.Email, enqueue.SubscribeOptions{
		Name:       req.Name,
		Language:   req.Language,
		Categories: req.Categories,
		Source:     req.Source,
	})
	if err != nil && sub == nil {
		respondAppError(c, err)
		return
	}
	if err != nil {
		h.log.Warn("welcome email not queued", map[string]interface{}{
			"email": sub.Email,
			"error": err.Error(),
		})
	}

	data := gin.H{"subscriber": sub, "welcomeQueued": welcome != nil}
	if welcome != nil {
		data["welcomeId"] = welcome.ID
	}
	respondSuccess(c, http.StatusCreated, data)
}

// Unsubscribe handles POST /api/v1/newsletter/unsubscribe.
func (h *Handler) Unsubscribe(c *gin.Context) {
	var req unsubscribeRequest
	if !bind(c, validation.UnsubscribeSchema, &req) {
		return
	}

	if err := h.enqueuer.Unsubscribe(c.Request.Context(), req.Email); err != nil {
		respondAppError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"email": req.Email, "status": models.SubscriptionUnsubscribed})
}

// Stats handles GET /api/v1/notifications/stats.
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.enqueuer.Stats(c.Request.Context())
	if err != nil {
		respondAppError(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, stats)
}

// GetNotification handles GET /api/v1/notifications/:id.
func (h *Handler) GetNotification(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	n, err := h.reader.Get(ctx, id)
	if err != nil {
		respondAppError(c, err)
		return
	}
	logs, err := h.reader.ListLogs(ctx, id)
	if err != nil {
		respondAppError(c, err)
		return
	}
	if logs == nil {
		logs = []*models.NotificationLog{}
	}
	respondSuccess(c, http.StatusOK, gin.H{"notification": n, "logs": logs})
}

// InvalidateTemplate handles DELETE /api/v1/templates/:code/cache.
func (h *Handler) InvalidateTemplate(c *gin.Context) {
	code := c.Param("code")
	result, err := validation.TemplateRefSchema.ValidateInput(map[string]interface{}{"templateCode": code})
	if err != nil {
		respondAppError(c, err)
		return
	}
	if !result.Valid {
		respondValidationError(c, result.GetErrorMessages())
		return
	}

	if h.templates == nil {
		respondSuccess(c, http.StatusOK, gin.H{"templateCode": code, "evicted": false})
		return
	}
	if err := h.templates.Invalidate(c.Request.Context(), code); err != nil {
		h.log.Error("template cache eviction failed", map[string]interface{}{
			"template_code": code,
			"error":         err.Error(),
		})
		respondAppError(c, err)
		return
	}
	h.log.Info("template cache evicted", map[string]interface{}{"template_code": code})
	respondSuccess(c, http.StatusOK, gin.H{"templateCode": code, "evicted": true})
}

func (h *Handler) Health(c *gin.Context) {
	respondSuccess(c, http.StatusOK, gin.H{"status": "ok"})
}

// Ready reports whether Postgres answers.
func (h *Handler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		h.log.Warn("readiness check failed", map[string]interface{}{"error": err.Error()})
		respondError(c, http.StatusServiceUnavailable, "NOT_READY", "Database unavailable")
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"status": "ready"})
}
