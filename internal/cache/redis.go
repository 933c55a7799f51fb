package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinwatch/internal/config"
)

const (
	defaultPriceTTL  = 60 * time.Second
	defaultRetention = 24 * time.Hour

	fieldPrice      = "price"
	fieldChange24h  = "change24h"
	fieldObservedAt = "observedAt"
	fieldWrittenAt  = "writtenAt"
)

// RedisOptions tune the Redis cache.
type RedisOptions struct {
	KeyPrefix        string
	PriceTTL         time.Duration
	HistoryRetention time.Duration
	Now              func() time.Time
}

// Redis keeps the latest price in a hash with a TTL and the history in a
// sorted set scored by write time in unix milliseconds.
type Redis struct {
	client *redis.Client
	opts   RedisOptions
	logger zerolog.Logger
}

// historyMember is the sorted-set member encoding.
type historyMember struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
}

// NewClient opens a go-redis client from config and checks connectivity.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// NewRedis wraps a go-redis client.
func NewRedis(client *redis.Client, opts RedisOptions, logger zerolog.Logger) *Redis {
	if opts.PriceTTL <= 0 {
		opts.PriceTTL = defaultPriceTTL
	}
	if opts.HistoryRetention <= 0 {
		opts.HistoryRetention = defaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Redis{
		client: client,
		opts:   opts,
		logger: logger.With().Str("component", "price_cache").Logger(),
	}
}

// Ping reports backend health as "up" or "down: <reason>".
func (c *Redis) Ping(ctx context.Context) string {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Sprintf("down: %v", err)
	}
	return "up"
}

func (c *Redis) latestKey(assetID string) string {
	return c.opts.KeyPrefix + "price:" + assetID
}

func (c *Redis) historyKey(assetID string) string {
	return c.opts.KeyPrefix + "price:history:" + assetID
}

// WriteBatch replaces the latest entry, appends one history point and prunes
// expired history for every coin in the batch, all in a single pipeline.
func (c *Redis) WriteBatch(ctx context.Context, batch map[string]PriceSnapshot) error {
	if len(batch) == 0 {
		return nil
	}

	writtenAt := c.opts.Now().UTC()
	writtenMs := writtenAt.UnixMilli()
	cutoff := writtenMs - c.opts.HistoryRetention.Milliseconds()

	ids := make([]string, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	pipe := c.client.Pipeline()
	for _, id := range ids {
		snap := batch[id]
		latestKey := c.latestKey(id)
		historyKey := c.historyKey(id)

		observed := snap.ObservedAt
		if observed.IsZero() {
			observed = writtenAt
		}
		change := ""
		if snap.Change24h.Valid {
			change = snap.Change24h.Decimal.String()
		}

		pipe.HSet(ctx, latestKey, map[string]interface{}{
			fieldPrice:      snap.Price.String(),
			fieldChange24h:  change,
			fieldObservedAt: strconv.FormatInt(observed.UnixMilli(), 10),
			fieldWrittenAt:  strconv.FormatInt(writtenMs, 10),
		})
		pipe.PExpire(ctx, latestKey, c.opts.PriceTTL)

		member, err := json.Marshal(historyMember{Price: snap.Price, Timestamp: writtenMs})
		if err != nil {
			pipe.Discard()
			return fmt.Errorf("encode history point %s: %w", id, err)
		}
		pipe.ZAdd(ctx, historyKey, redis.Z{Score: float64(writtenMs), Member: string(member)})
		pipe.ZRemRangeByScore(ctx, historyKey, "-inf", fmt.Sprintf("(%d", cutoff))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: write batch of %d: %w", ErrCacheIO, len(batch), err)
	}
	return nil
}

// ReadLatest returns the cached snapshot, or nil when absent or stale.
func (c *Redis) ReadLatest(ctx context.Context, assetID string) (*PriceSnapshot, error) {
	fields, err := c.client.HGetAll(ctx, c.latestKey(assetID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read latest %s: %w", ErrCacheIO, assetID, err)
	}
	rawPrice, ok := fields[fieldPrice]
	if !ok || rawPrice == "" {
		return nil, nil
	}

	if writtenMs, err := strconv.ParseInt(fields[fieldWrittenAt], 10, 64); err == nil {
		age := c.opts.Now().Sub(time.UnixMilli(writtenMs))
		if age > c.opts.PriceTTL {
			return nil, nil
		}
	}

	price, err := decimal.NewFromString(rawPrice)
	if err != nil {
		return nil, fmt.Errorf("parse cached price %s: %w", assetID, err)
	}
	snap := &PriceSnapshot{AssetID: assetID, Price: price}
	if raw := fields[fieldChange24h]; raw != "" {
		if change, err := decimal.NewFromString(raw); err == nil {
			snap.Change24h = decimal.NewNullDecimal(change)
		}
	}
	if observedMs, err := strconv.ParseInt(fields[fieldObservedAt], 10, 64); err == nil {
		snap.ObservedAt = time.UnixMilli(observedMs).UTC()
	}
	return snap, nil
}

// ReadHistory returns points written within the last hours (clamped to the
// retention window), ascending by timestamp.
func (c *Redis) ReadHistory(ctx context.Context, assetID string, hours int) ([]HistoryPoint, error) {
	if hours < 1 {
		hours = 1
	}
	window := time.Duration(hours) * time.Hour
	if window > c.opts.HistoryRetention {
		window = c.opts.HistoryRetention
	}

	now := c.opts.Now()
	members, err := c.client.ZRangeByScore(ctx, c.historyKey(assetID), &redis.ZRangeBy{
		Min: strconv.FormatInt(now.Add(-window).UnixMilli(), 10),
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read history %s: %w", ErrCacheIO, assetID, err)
	}

	points := make([]HistoryPoint, 0, len(members))
	for _, raw := range members {
		var member historyMember
		if err := json.Unmarshal([]byte(raw), &member); err != nil {
			c.logger.Warn().Err(err).Str("asset", assetID).Str("member", raw).Msg("could not parse history member")
			continue
		}
		points = append(points, HistoryPoint{
			Price:     member.Price,
			Timestamp: time.UnixMilli(member.Timestamp).UTC(),
		})
	}
	return points, nil
}

var _ PriceCache = (*Redis)(nil)
