// Package cache provides a redis-backed cache for completion responses.
// Only near-deterministic requests are cached; sampling-heavy requests would
// pin one arbitrary response.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xynenyx/llm-service/internal/provider"
)

// maxCacheableTemperature bounds which requests are eligible for caching.
const maxCacheableTemperature = 0.3

type CompletionCache struct {
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger
}

func NewCompletionCache(rdb *redis.Client, ttl time.Duration, log *slog.Logger) *CompletionCache {
	return &CompletionCache{rdb: rdb, ttl: ttl, log: log}
}

// Cacheable reports whether a request is eligible for the cache.
func Cacheable(temperature float64) bool {
	return temperature <= maxCacheableTemperature
}

// Key derives a deterministic cache key from everything that influences the
// completion output.
func Key(providerID string, req *provider.Request) string {
	payload, _ := json.Marshal(struct {
		Provider    string             `json:"provider"`
		Model       string             `json:"model"`
		Messages    []provider.Message `json:"messages"`
		Temperature float64            `json:"temperature"`
		MaxTokens   int                `json:"max_tokens"`
	}{providerID, req.Model, req.Messages, req.Temperature, req.MaxTokens})
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("completion:%s", hex.EncodeToString(sum[:]))
}

func (c *CompletionCache) Get(ctx context.Context, providerID string, req *provider.Request) (*provider.Response, bool) {
	if !Cacheable(req.Temperature) {
		return nil, false
	}

	data, err := c.rdb.Get(ctx, Key(providerID, req)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("completion cache read failed", "error", err)
		}
		return nil, false
	}

	var resp provider.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

func (c *CompletionCache) Set(ctx context.Context, providerID string, req *provider.Request, resp *provider.Response) {
	if !Cacheable(req.Temperature) {
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, Key(providerID, req), data, c.ttl).Err(); err != nil {
		c.log.Warn("completion cache write failed", "error", err)
	}
}
