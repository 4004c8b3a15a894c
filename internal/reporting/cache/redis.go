// Package cache stores evaluated expression totals in Redis. Entries are
// versioned twice: a global version bumped whenever the ledger moves and a
// per-report version bumped when a report's external values change.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
)

const (
	globalVersionKey = "reporting:version"
	bumpChannel      = "gl.bump"
)

// Totals is a go-redis backed totals cache.
type Totals struct {
	client *redis.Client
	ttl    time.Duration
}

// New instantiates the cache. A zero ttl keeps entries until evicted.
func New(client *redis.Client, ttl time.Duration) *Totals {
	return &Totals{client: client, ttl: ttl}
}

func reportVersionKey(reportID string) string {
	return "reporting:report:" + reportID + ":version"
}

func (c *Totals) version(ctx context.Context, key string) (int64, error) {
	ver, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return ver, err
}

// entryKey versions an evaluator key. Evaluator keys start with the report id.
func (c *Totals) entryKey(ctx context.Context, key string) (string, error) {
	reportID, _, _ := strings.Cut(key, ":")
	global, err := c.version(ctx, globalVersionKey)
	if err != nil {
		return "", err
	}
	local, err := c.version(ctx, reportVersionKey(reportID))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("reporting:totals:%s:%d:%d:%s", reportID, global, local, hex.EncodeToString(sum[:12])), nil
}

// Get implements evaluator.Cache.
func (c *Totals) Get(ctx context.Context, key string) (map[int64]reporting.ExpressionTotal, bool, error) {
	if c == nil || c.client == nil {
		return nil, false, nil
	}
	k, err := c.entryKey(ctx, key)
	if err != nil {
		return nil, false, err
	}
	payload, err := c.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var entries []entry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, false, fmt.Errorf("cache: decode %s: %w", k, err)
	}
	out, err := decode(entries)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Set implements evaluator.Cache.
func (c *Totals) Set(ctx context.Context, key string, totals map[int64]reporting.ExpressionTotal) error {
	if c == nil || c.client == nil {
		return nil
	}
	k, err := c.entryKey(ctx, key)
	if err != nil {
		return err
	}
	entries, err := encode(totals)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, k, raw, c.ttl).Err()
}

// Invalidate implements evaluator.Invalidator.
func (c *Totals) Invalidate(ctx context.Context, reportID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, reportVersionKey(strconv.FormatInt(reportID, 10))).Err()
}

// Bump invalidates every report after a ledger change and notifies other
// instances.
func (c *Totals) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, globalVersionKey).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, bumpChannel, strconv.FormatInt(ver, 10)).Err()
}

// ListenForInvalidation follows version bumps published on channel until ctx
// is done.
func (c *Totals) ListenForInvalidation(ctx context.Context, channel string) error {
	if c == nil || c.client == nil {
		return nil
	}
	if channel == "" {
		channel = bumpChannel
	}
	pubsub := c.client.Subscribe(ctx, channel)
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ver, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					_ = c.client.Incr(ctx, globalVersionKey).Err()
					continue
				}
				current, err := c.version(ctx, globalVersionKey)
				if err == nil && ver > current {
					_ = c.client.Set(ctx, globalVersionKey, ver, 0).Err()
				}
			}
		}
	}()
	return nil
}
