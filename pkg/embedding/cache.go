package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"helium-rag-go/pkg/log"
)

// CacheConfig 配置 Redis embedding 结果缓存。
type CacheConfig struct {
	// TTL 缓存过期时间。embedding 结果稳定，可以缓存较长时间。
	TTL time.Duration
	// KeyPrefix 缓存键前缀。
	KeyPrefix string
}

// DefaultCacheConfig 返回默认的缓存配置。
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:       24 * time.Hour,
		KeyPrefix: "emb:",
	}
}

// CachedEmbedder 在任意 Embedder 外再包一层 Redis 结果缓存。
// Redis 异常时直接透传底层调用（fail open），缓存问题不影响功能。
type CachedEmbedder struct {
	inner Embedder
	rdb   *redis.Client
	cfg   CacheConfig
}

// NewCachedEmbedder 创建带缓存的 Embedder。rdb 为 nil 时退化为直通。
func NewCachedEmbedder(inner Embedder, rdb *redis.Client, cfg CacheConfig) *CachedEmbedder {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "emb:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &CachedEmbedder{inner: inner, rdb: rdb, cfg: cfg}
}

// cacheKey 基于模型名与文本生成缓存键（SHA256）。
func (c *CachedEmbedder) cacheKey(model, text string) string {
	hash := sha256.Sum256([]byte(model + "\x00" + text))
	return c.cfg.KeyPrefix + hex.EncodeToString(hash[:])
}

// Embed 先查缓存，未命中的文本批量调用底层再回填。
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if c.rdb == nil || len(texts) == 0 {
		return c.inner.Embed(ctx, texts, model)
	}

	vectors := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		key := c.cacheKey(model, text)
		data, err := c.rdb.Get(ctx, key).Bytes()
		if err == nil {
			var vec []float32
			if jsonErr := json.Unmarshal(data, &vec); jsonErr == nil && len(vec) > 0 {
				vectors[i] = vec
				continue
			}
			// 反序列化失败，删除损坏的缓存条目
			log.Warnf("[EmbeddingCache] 缓存条目损坏, 删除并回源, key: %s", key)
			_ = c.rdb.Del(ctx, key).Err()
		} else if err != redis.Nil {
			// Redis 故障按未命中处理
			log.Warnf("[EmbeddingCache] Redis 读取失败, 回源计算: %v", err)
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		log.Infof("[EmbeddingCache] 全部命中缓存, batch: %d", len(texts))
		return vectors, nil
	}

	fresh, err := c.inner.Embed(ctx, missTexts, model)
	if err != nil {
		return nil, err
	}

	for j, i := range missIdx {
		vectors[i] = fresh[j]
		data, jsonErr := json.Marshal(fresh[j])
		if jsonErr != nil {
			continue
		}
		if setErr := c.rdb.Set(ctx, c.cacheKey(model, texts[i]), data, c.cfg.TTL).Err(); setErr != nil {
			log.Warnf("[EmbeddingCache] 写入缓存失败: %v", setErr)
		}
	}
	log.Infof("[EmbeddingCache] 命中 %d / %d, 回源 %d", len(texts)-len(missTexts), len(texts), len(missTexts))
	return vectors, nil
}
