package match

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"jobmatch-go/internal/constants"
)

// EmbeddingCache 嵌入向量缓存。键按服务商隔离，
// 不同服务商产生的向量空间不可互相比较。
type EmbeddingCache interface {
	// Get 查询缓存，未命中返回 (nil, false)
	Get(ctx context.Context, provider, text string) ([]float64, bool)
	// Put 写入缓存。同一键并发写入时首个写入者胜出
	Put(ctx context.Context, provider, text string, vector []float64)
}

// CacheDigest 计算缓存键摘要：压缩空白后取sha256
func CacheDigest(text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// lruEntry LRU链表节点负载
type lruEntry struct {
	key    string
	vector []float64
}

// LRUEmbeddingCache 进程内有界LRU嵌入缓存
type LRUEmbeddingCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // 头部为最近使用
}

// NewLRUEmbeddingCache 创建有界LRU缓存，capacity<=0时使用默认容量
func NewLRUEmbeddingCache(capacity int) *LRUEmbeddingCache {
	if capacity <= 0 {
		capacity = constants.DefaultEmbeddingCacheSize
	}
	return &LRUEmbeddingCache{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func cacheKey(provider, text string) string {
	return provider + ":" + CacheDigest(text)
}

// Get 查询缓存并将命中的键提升为最近使用
func (c *LRUEmbeddingCache) Get(ctx context.Context, provider, text string) ([]float64, bool) {
	key := cacheKey(provider, text)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*lruEntry).vector, true
}

// Put 写入缓存。已有条目时保留旧值（首个写入者胜出），超容时淘汰最久未用的条目
func (c *LRUEmbeddingCache) Put(ctx context.Context, provider, text string, vector []float64) {
	if len(vector) == 0 {
		return
	}
	key := cacheKey(provider, text)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(&lruEntry{key: key, vector: vector})
	c.items[key] = elem

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}
}

// Len 返回当前缓存条目数
func (c *LRUEmbeddingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

var _ EmbeddingCache = (*LRUEmbeddingCache)(nil)
