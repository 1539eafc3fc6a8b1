package vecstore

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"helium-rag-go/pkg/log"
)

// EsConfig 配置 Elasticsearch 后端。
type EsConfig struct {
	Addresses  string
	Username   string
	Password   string
	IndexName  string
	Dimensions int
}

// esChunkDoc 是写入 Elasticsearch 的分块文档结构。
type esChunkDoc struct {
	ChunkID     string            `json:"chunk_id"`
	Namespace   string            `json:"namespace"`
	TextContent string            `json:"text_content"`
	Vector      []float32         `json:"vector"`
	Metadata    map[string]string `json:"metadata"`
}

// EsStore 基于单个共享索引实现 Store：所有命名空间的分块写入同一个索引，
// 以 namespace keyword 字段做分区过滤。空命名空间在写入前只存在于本进程的
// 注册表中，ListNamespaces 会把注册表与聚合结果合并。
type EsStore struct {
	client *elasticsearch.Client
	index  string

	mu         sync.Mutex
	registered map[string]struct{}
}

// NewEsStore 创建 Elasticsearch 后端并确保索引存在。
func NewEsStore(cfg EsConfig) (*EsStore, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.Addresses},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: 创建 Elasticsearch 客户端失败: %v", ErrBackendUnavailable, err)
	}
	s := &EsStore{
		client:     client,
		index:      cfg.IndexName,
		registered: make(map[string]struct{}),
	}
	if err := s.createIndexIfNotExists(cfg.Dimensions); err != nil {
		return nil, err
	}
	return s, nil
}

// createIndexIfNotExists 检查索引是否存在，如果不存在则创建它。
func (s *EsStore) createIndexIfNotExists(dims int) error {
	res, err := s.client.Indices.Exists([]string{s.index})
	if err != nil {
		return fmt.Errorf("%w: 检查索引是否存在时出错: %v", ErrBackendUnavailable, err)
	}
	if !res.IsError() && res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", s.index)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%w: 检查索引是否存在时收到意外的状态码: %d", ErrBackendUnavailable, res.StatusCode)
	}

	mapping := fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"chunk_id": { "type": "keyword" },
				"namespace": { "type": "keyword" },
				"text_content": { "type": "text" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "cosine"
				},
				"metadata": { "type": "object", "dynamic": true }
			}
		}
	}`, dims)

	res, err = s.client.Indices.Create(
		s.index,
		s.client.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		return fmt.Errorf("%w: 创建索引 '%s' 失败: %v", ErrBackendUnavailable, s.index, err)
	}
	if res.IsError() {
		return fmt.Errorf("%w: 创建索引时 Elasticsearch 返回错误: %s", ErrBackendUnavailable, res.String())
	}
	log.Infof("索引 '%s' 创建成功", s.index)
	return nil
}

// GetOrCreateNamespace 登记命名空间并返回其过滤视图句柄。
func (s *EsStore) GetOrCreateNamespace(ctx context.Context, key string) (Namespace, error) {
	s.mu.Lock()
	s.registered[key] = struct{}{}
	s.mu.Unlock()
	return &esNamespace{store: s, key: key}, nil
}

// ListNamespaces 合并 terms 聚合结果与本进程注册表。
func (s *EsStore) ListNamespaces(ctx context.Context) ([]string, error) {
	body := `{
		"size": 0,
		"aggs": {
			"namespaces": { "terms": { "field": "namespace", "size": 10000 } }
		}
	}`
	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.index),
		s.client.Search.WithBody(strings.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: 聚合命名空间失败: %v", ErrBackendUnavailable, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("%w: 聚合命名空间时 Elasticsearch 返回错误: %s", ErrBackendUnavailable, res.String())
	}

	var parsed struct {
		Aggregations struct {
			Namespaces struct {
				Buckets []struct {
					Key string `json:"key"`
				} `json:"buckets"`
			} `json:"namespaces"`
		} `json:"aggregations"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: 解析聚合响应失败: %v", ErrBackendUnavailable, err)
	}

	seen := make(map[string]struct{})
	for _, bucket := range parsed.Aggregations.Namespaces.Buckets {
		seen[bucket.Key] = struct{}{}
	}
	s.mu.Lock()
	for key := range s.registered {
		seen[key] = struct{}{}
	}
	s.mu.Unlock()

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

type esNamespace struct {
	store *EsStore
	key   string
}

// Upsert 逐条索引分块记录。文档 _id 由命名空间与分块 ID 组成，
// 不同命名空间下相同的分块 ID 互不覆盖。
func (n *esNamespace) Upsert(ctx context.Context, recs []Record) error {
	for _, rec := range recs {
		doc := esChunkDoc{
			ChunkID:     rec.ID,
			Namespace:   n.key,
			TextContent: rec.Text,
			Vector:      rec.Vector,
			Metadata:    rec.Metadata,
		}
		docBytes, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("序列化分块文档失败: %w", err)
		}
		req := esapi.IndexRequest{
			Index:      n.store.index,
			DocumentID: n.key + "::" + rec.ID,
			Body:       bytes.NewReader(docBytes),
			Refresh:    "true",
		}
		res, err := req.Do(ctx, n.store.client)
		if err != nil {
			return fmt.Errorf("%w: 索引文档到 Elasticsearch 出错: %v", ErrBackendUnavailable, err)
		}
		if res.IsError() {
			body, _ := io.ReadAll(res.Body)
			res.Body.Close()
			return fmt.Errorf("%w: Elasticsearch 索引返回错误: %s", ErrBackendUnavailable, string(body))
		}
		res.Body.Close()
	}
	return nil
}

// Query 在该命名空间内执行 knn 查询。
// cosine 相似度的 _score 越大越相关，转成越小越好的距离。
func (n *esNamespace) Query(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	esQuery := map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   vector,
			"k":              k,
			"num_candidates": k * 10,
			"filter": map[string]interface{}{
				"term": map[string]interface{}{"namespace": n.key},
			},
		},
		"size": k,
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("序列化 knn 查询失败: %w", err)
	}

	res, err := n.store.client.Search(
		n.store.client.Search.WithContext(ctx),
		n.store.client.Search.WithIndex(n.store.index),
		n.store.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: Elasticsearch knn 查询失败: %v", ErrBackendUnavailable, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("%w: Elasticsearch 查询返回错误: %s", ErrBackendUnavailable, string(body))
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source esChunkDoc `json:"_source"`
				Score  float64    `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: 解析 knn 响应失败: %v", ErrBackendUnavailable, err)
	}

	hits := make([]Hit, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		hits = append(hits, Hit{
			ID:       h.Source.ChunkID,
			Text:     h.Source.TextContent,
			Metadata: h.Source.Metadata,
			Distance: 1 - h.Score,
		})
	}
	return hits, nil
}

// Count 返回该命名空间下的文档数。
func (n *esNamespace) Count(ctx context.Context) (int, error) {
	body := fmt.Sprintf(`{"query":{"term":{"namespace":%q}}}`, n.key)
	res, err := n.store.client.Count(
		n.store.client.Count.WithContext(ctx),
		n.store.client.Count.WithIndex(n.store.index),
		n.store.client.Count.WithBody(strings.NewReader(body)),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: 统计命名空间文档数失败: %v", ErrBackendUnavailable, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, fmt.Errorf("%w: 统计文档数时 Elasticsearch 返回错误: %s", ErrBackendUnavailable, res.String())
	}

	var parsed struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("%w: 解析 count 响应失败: %v", ErrBackendUnavailable, err)
	}
	return parsed.Count, nil
}
