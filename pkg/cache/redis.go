package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gregtusar/pairs/pkg/models"
	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 24 * time.Hour

// BarCache stores fetched price series in redis so restarts and repeated
// backtests do not refetch history.
type BarCache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(addr, password string, db int, ttl time.Duration) (*BarCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &BarCache{client: client, ttl: ttl}, nil
}

func (c *BarCache) Close() error {
	return c.client.Close()
}

func seriesKey(symbol string, tf models.Timeframe, start, end time.Time) string {
	return fmt.Sprintf("bars:%s:%s:%d:%d", tf, symbol, start.Unix(), end.Unix())
}

// Get returns the cached series for symbol, or ok=false on a miss.
func (c *BarCache) Get(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time) (models.PriceSeries, bool, error) {
	data, err := c.client.Get(ctx, seriesKey(symbol, tf, start, end)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.PriceSeries{}, false, nil
	}
	if err != nil {
		return models.PriceSeries{}, false, fmt.Errorf("failed to read cached bars for %s: %w", symbol, err)
	}

	var s models.PriceSeries
	if err := json.Unmarshal(data, &s); err != nil {
		return models.PriceSeries{}, false, fmt.Errorf("failed to decode cached bars for %s: %w", symbol, err)
	}
	return s, true, nil
}

func (c *BarCache) Set(ctx context.Context, s models.PriceSeries, tf models.Timeframe, start, end time.Time) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, seriesKey(s.Symbol, tf, start, end), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache bars for %s: %w", s.Symbol, err)
	}
	return nil
}
