package vecstore

import (
	"context"
	"fmt"
	"sort"

	chromem "github.com/philippgille/chromem-go"

	"helium-rag-go/pkg/log"
)

// ChromemConfig 配置内嵌的 chromem-go 后端。
type ChromemConfig struct {
	// Path 为空时使用纯内存库（测试/临时场景），否则持久化到该目录。
	Path string
	// Compress 控制持久化文件是否 gzip 压缩。
	Compress bool
}

// ChromemStore 基于 chromem-go 实现 Store：每个命名空间对应一个 collection。
// 内嵌运行，无外部服务依赖。
type ChromemStore struct {
	db *chromem.DB
}

// NewChromemStore 创建 chromem 后端。
func NewChromemStore(cfg ChromemConfig) (*ChromemStore, error) {
	if cfg.Path == "" {
		return &ChromemStore{db: chromem.NewDB()}, nil
	}
	db, err := chromem.NewPersistentDB(cfg.Path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("%w: 打开 chromem 持久化目录失败: %v", ErrBackendUnavailable, err)
	}
	log.Infof("chromem 后端初始化成功, path: %s", cfg.Path)
	return &ChromemStore{db: db}, nil
}

// GetOrCreateNamespace 幂等地获取或创建命名空间对应的 collection。
func (s *ChromemStore) GetOrCreateNamespace(ctx context.Context, key string) (Namespace, error) {
	// 记录自带预计算向量，不需要 embedding 函数
	col, err := s.db.GetOrCreateCollection(key, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: get-or-create collection '%s': %v", ErrBackendUnavailable, key, err)
	}
	return &chromemNamespace{col: col}, nil
}

// ListNamespaces 列出全部命名空间键，按字典序排序保证稳定。
func (s *ChromemStore) ListNamespaces(ctx context.Context) ([]string, error) {
	cols := s.db.ListCollections()
	keys := make([]string, 0, len(cols))
	for name := range cols {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys, nil
}

type chromemNamespace struct {
	col *chromem.Collection
}

func (n *chromemNamespace) Upsert(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	docs := make([]chromem.Document, len(recs))
	for i, rec := range recs {
		docs[i] = chromem.Document{
			ID:        rec.ID,
			Metadata:  rec.Metadata,
			Embedding: rec.Vector,
			Content:   rec.Text,
		}
	}
	if err := n.col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("%w: 写入 chromem 失败: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (n *chromemNamespace) Query(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	count := n.col.Count()
	if count == 0 {
		return nil, nil
	}
	// chromem 要求 nResults 不超过文档数
	if k > count {
		k = count
	}
	results, err := n.col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: 查询 chromem 失败: %v", ErrBackendUnavailable, err)
	}

	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{
			ID:       r.ID,
			Text:     r.Content,
			Metadata: r.Metadata,
			// chromem 返回相似度（越大越好），转成越小越好的距离
			Distance: 1 - float64(r.Similarity),
		}
	}
	return hits, nil
}

func (n *chromemNamespace) Count(ctx context.Context) (int, error) {
	return n.col.Count(), nil
}
