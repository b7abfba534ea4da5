package match

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"jobmatch-go/internal/constants"
)

// RedisEmbeddingCache Redis实现的嵌入缓存，用于多实例间共享。
// 读写失败都按未命中处理，缓存故障不影响匹配流水线。
type RedisEmbeddingCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewRedisEmbeddingCache 创建Redis嵌入缓存。ttl<=0表示不过期。
func NewRedisEmbeddingCache(client *redis.Client, ttl time.Duration, logger *log.Logger) *RedisEmbeddingCache {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &RedisEmbeddingCache{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func (c *RedisEmbeddingCache) key(provider, text string) string {
	return fmt.Sprintf(constants.KeyEmbeddingCache, provider, CacheDigest(text))
}

// Get 查询缓存
func (c *RedisEmbeddingCache) Get(ctx context.Context, provider, text string) ([]float64, bool) {
	data, err := c.client.Get(ctx, c.key(provider, text)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Printf("[RedisEmbeddingCache] 读取缓存失败: %v", err)
		}
		return nil, false
	}

	var vector []float64
	if err := json.Unmarshal(data, &vector); err != nil {
		c.logger.Printf("[RedisEmbeddingCache] 反序列化缓存值失败: %v", err)
		return nil, false
	}
	if len(vector) == 0 {
		return nil, false
	}
	return vector, true
}

// Put 写入缓存。使用SETNX保证同一键并发写入时首个写入者胜出。
func (c *RedisEmbeddingCache) Put(ctx context.Context, provider, text string, vector []float64) {
	if len(vector) == 0 {
		return
	}

	data, err := json.Marshal(vector)
	if err != nil {
		c.logger.Printf("[RedisEmbeddingCache] 序列化向量失败: %v", err)
		return
	}

	if err := c.client.SetNX(ctx, c.key(provider, text), data, c.ttl).Err(); err != nil {
		c.logger.Printf("[RedisEmbeddingCache] 写入缓存失败: %v", err)
	}
}

var _ EmbeddingCache = (*RedisEmbeddingCache)(nil)
