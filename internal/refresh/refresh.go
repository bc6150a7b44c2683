// Package refresh pushes cache-invalidation signals to downstream consumers
// over a Redis list. Triggers are best effort with a short bound: a slow or
// absent Redis never blocks a command path.
package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultQueue   = "accessdesk:refresh"
	defaultTimeout = 2 * time.Second
)

type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Queue    string `yaml:"queue"`
}

// signal is the message consumers read off the queue.
type signal struct {
	Account   string    `json:"account"`
	Timestamp time.Time `json:"timestamp"`
}

type Trigger struct {
	client  *redis.Client
	queue   string
	timeout time.Duration
	logger  *slog.Logger
}

func NewTrigger(cfg Config, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	queue := cfg.Queue
	if queue == "" {
		queue = defaultQueue
	}
	return &Trigger{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		queue:   queue,
		timeout: defaultTimeout,
		logger:  logger,
	}
}

// Trigger enqueues a refresh signal for the account.
func (t *Trigger) Trigger(ctx context.Context, account string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	payload, err := json.Marshal(signal{Account: account, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding refresh signal: %w", err)
	}
	if err := t.client.LPush(ctx, t.queue, payload).Err(); err != nil {
		return fmt.Errorf("pushing refresh signal: %w", err)
	}
	t.logger.Debug("refresh triggered", "account", account, "queue", t.queue)
	return nil
}

func (t *Trigger) Close() error {
	return t.client.Close()
}
