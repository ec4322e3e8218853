package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCachePrefix = "legal-agent:emb:"
	// sharedCallTimeout bounds a provider call that several callers wait on.
	// It runs detached from any single caller's context.
	sharedCallTimeout  = 30 * time.Second
)

// Cached deduplicates concurrent embedding requests for the same text and,
// when a Redis client is supplied, keeps vectors for ttl. Every partition
// search embeds the same question, so a fan-out costs one provider call.
type Cached struct {
	next    Embedder
	redis   *goredis.Client
	ttl     time.Duration
	prefix  string
	timeout time.Duration
	group   singleflight.Group
	logger  *zap.Logger
}

// NewCached wraps next. redis may be nil, in which case only in-flight
// requests are shared.
func NewCached(next Embedder, redis *goredis.Client, ttl time.Duration, logger *zap.Logger) *Cached {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached{
		next:    next,
		redis:   redis,
		ttl:     ttl,
		prefix:  defaultCachePrefix,
		timeout: sharedCallTimeout,
		logger:  logger,
	}
}

func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := c.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = vec
	}
	return results, nil
}

// embedOne shares one provider call between concurrent callers. The call
// outlives a caller that gives up, so one cancelled request cannot fail the
// others waiting on the same text.
func (c *Cached) embedOne(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)
	ch := c.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		if vec, ok := c.lookup(callCtx, key); ok {
			return vec, nil
		}
		vec, err := EmbedQuery(callCtx, c.next, text)
		if err != nil {
			return nil, err
		}
		c.store(callCtx, key, vec)
		return vec, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	}
}

func (c *Cached) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.prefix + hex.EncodeToString(sum[:])
}

func (c *Cached) lookup(ctx context.Context, key string) ([]float32, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			c.logger.Warn("embedding cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil || len(vec) == 0 {
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	return vec, true
}

func (c *Cached) store(ctx context.Context, key string, vec []float32) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(vec)
	if err != nil {
		c.logger.Warn("encode embedding for cache", zap.Error(fmt.Errorf("marshal vector: %w", err)))
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("embedding cache write failed", zap.String("key", key), zap.Error(err))
	}
}

var _ Embedder = (*Cached)(nil)
