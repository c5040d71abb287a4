package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Event is one executed bundle recorded for auditing and dashboards.
type Event struct {
	BasketID   uint64    `json:"basket_id"`
	BundleID   string    `json:"bundle_id"`
	Intent     string    `json:"intent"` // buy | redeem | rebalance
	Status     string    `json:"status"`
	LandedSlot uint64    `json:"landed_slot"`
	Batches    int       `json:"batches"`
	Legs       int       `json:"legs"`
	Timestamp  time.Time `json:"timestamp"`
}

// Recorder writes execution events to Redis (recent list + pub/sub) and
// ClickHouse (durable rows). Both sinks are best-effort: recording failures
// never change a session's outcome.
type Recorder struct {
	redis      *redis.Client
	clickhouse driver.Conn
	logger     *logrus.Logger
}

// Config for the recorder; either sink may be left unconfigured.
type Config struct {
	RedisAddr          string
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string
	Logger             *logrus.Logger
}

func NewRecorder(ctx context.Context, cfg Config) (*Recorder, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	r := &Recorder{logger: cfg.Logger}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		r.redis = client
	}

	if cfg.ClickHouseAddr != "" {
		conn, err := clickhouse.Open(&clickhouse.Options{
			Addr: []string{cfg.ClickHouseAddr},
			Auth: clickhouse.Auth{
				Database: cfg.ClickHouseDatabase,
				Username: cfg.ClickHouseUsername,
				Password: cfg.ClickHousePassword,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		if err := conn.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
		}
		r.clickhouse = conn
	}

	return r, nil
}

// Record fans an event out to all configured sinks. Errors are logged and
// swallowed.
func (r *Recorder) Record(ctx context.Context, ev *Event) {
	if r == nil || ev == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if r.redis != nil {
		if err := r.recordRedis(ctx, ev); err != nil {
			r.logger.WithError(err).Warn("failed to record event to Redis")
		}
	}
	if r.clickhouse != nil {
		if err := r.recordClickHouse(ctx, ev); err != nil {
			r.logger.WithError(err).Warn("failed to record event to ClickHouse")
		}
	}
}

func (r *Recorder) recordRedis(ctx context.Context, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("basket:%d:executions", ev.BasketID)

	pipe := r.redis.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, 99)
	pipe.Publish(ctx, "executions:all", data)
	pipe.Publish(ctx, fmt.Sprintf("executions:basket:%d", ev.BasketID), data)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Recorder) recordClickHouse(ctx context.Context, ev *Event) error {
	query := `
		INSERT INTO basket_executions (
			basket_id, bundle_id, intent, status,
			landed_slot, batches, legs, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := r.clickhouse.Exec(ctx, query,
		ev.BasketID,
		ev.BundleID,
		ev.Intent,
		ev.Status,
		ev.LandedSlot,
		ev.Batches,
		ev.Legs,
		ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// RecentExecutions returns the latest recorded events for a basket from
// Redis, newest first.
func (r *Recorder) RecentExecutions(ctx context.Context, basketID uint64, limit int64) ([]*Event, error) {
	if r.redis == nil {
		return nil, nil
	}

	raw, err := r.redis.LRange(ctx, fmt.Sprintf("basket:%d:executions", basketID), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read executions: %w", err)
	}

	events := make([]*Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}

// Close releases both sinks.
func (r *Recorder) Close() error {
	var errs []error
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if r.clickhouse != nil {
		if err := r.clickhouse.Close(); err != nil {
			errs = append(errs, fmt.Errorf("clickhouse close: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
