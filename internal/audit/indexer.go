// Package audit mirrors delivery log rows into Elasticsearch for search and
// dashboards. The Postgres email_logs table stays the source of truth.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"artmarket-notifier/internal/common/logger"
	"artmarket-notifier/internal/models"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

const DefaultIndex = "notification-logs"

const indexTimeout = 5 * time.Second

// Indexer writes NotificationLog documents. A nil *Indexer records nothing.
type Indexer struct {
	es    *elasticsearch.Client
	index string
	log   logger.Logger
}

func NewIndexer(es *elasticsearch.Client, index string, log logger.Logger) *Indexer {
	if es == nil {
		return nil
	}
	if index == "" {
		index = DefaultIndex
	}
	return &Indexer{es: es, index: index, log: logger.ForComponent(log, "audit")}
}

type document struct {
	*models.NotificationLog
	Timestamp time.Time `json:"@timestamp"`
}

// Record indexes one log entry. Failures are logged and never returned so
// the mirror cannot affect delivery.
func (i *Indexer) Record(ctx context.Context, entry *models.NotificationLog) {
	if i == nil || entry == nil {
		return
	}
	if err := i.put(ctx, entry); err != nil {
		i.log.Warn("failed to mirror notification log", map[string]interface{}{
			"queue_id": entry.QueueID,
			"log_id":   entry.ID,
			"error":    err.Error(),
		})
	}
}

func (i *Indexer) put(ctx context.Context, entry *models.NotificationLog) error {
	body, err := json.Marshal(document{NotificationLog: entry, Timestamp: entry.CreatedAt})
	if err != nil {
		return fmt.Errorf("marshal log: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, indexTimeout)
	defer cancel()

	req := esapi.IndexRequest{
		Index:      i.index,
		DocumentID: entry.ID,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, i.es)
	if err != nil {
		return fmt.Errorf("index request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("index error %s: %s", res.Status(), string(msg))
	}
	return nil
}
