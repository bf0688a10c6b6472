// internal/common/database/postgres.go
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"artmarket-notifier/internal/common/config"
	"artmarket-notifier/internal/common/logger"

	_ "github.com/lib/pq"
)

// PostgresClient wraps the pooled SQL connection shared by the queue,
// template and subscriber stores.
type PostgresClient struct {
	DB  *sql.DB
	dsn string
}

// NewPostgres opens the pool. It does not dial; call Ping or ConnectWithRetry.
func NewPostgres(cfg config.PostgresConfig) (*PostgresClient, error) {
	dsn := cfg.GetDSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &PostgresClient{DB: db, dsn: dsn}, nil
}

// ConnectWithRetry opens the pool and pings it, doubling the wait between
// attempts. The last error is returned once maxAttempts is exhausted.
func ConnectWithRetry(ctx context.Context, cfg config.PostgresConfig, maxAttempts int, initialDelay time.Duration, log logger.Logger) (*PostgresClient, error) {
	var (
		client *PostgresClient
		err    error
	)
	delay := initialDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		client, err = NewPostgres(cfg)
		if err == nil {
			if err = client.Ping(ctx); err == nil {
				return client, nil
			}
			_ = client.Close()
		}

		if attempt == maxAttempts {
			break
		}

		log.Warn("postgres connection failed, retrying", map[string]interface{}{
			"error":       err.Error(),
			"attempt":     attempt,
			"maxAttempts": maxAttempts,
			"nextRetryIn": delay.String(),
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return nil, fmt.Errorf("postgres connection failed after %d attempts: %w", maxAttempts, err)
}

// Ping tests the database connection
func (c *PostgresClient) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

// DSN returns the connection string, needed by the dedicated LISTEN connection.
func (c *PostgresClient) DSN() string {
	return c.dsn
}

// Close closes the pool
func (c *PostgresClient) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}
