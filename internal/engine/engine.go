// Package engine 实现多租户检索引擎：摄取时分块、向量化、写入命名空间，
// 查询时单次向量化、跨命名空间扇出检索与全局重排。
package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"helium-rag-go/internal/chunker"
	"helium-rag-go/internal/namespace"
	"helium-rag-go/pkg/embedding"
	"helium-rag-go/pkg/log"
	"helium-rag-go/pkg/vecstore"
)

// Ingest 结果状态。
const (
	StatusOK    = "ok"
	StatusEmpty = "empty" // 文本清洗后无内容，非错误
)

// Options 是引擎的默认参数，单次请求可覆盖。
type Options struct {
	DefaultModel  string
	DefaultTopK   int
	MaxTokens     int
	OverlapTokens int
}

func (o *Options) applyDefaults() {
	if o.DefaultTopK <= 0 {
		o.DefaultTopK = 5
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = chunker.DefaultMaxTokens
	}
	if o.OverlapTokens <= 0 {
		o.OverlapTokens = chunker.DefaultOverlapTokens
	}
}

// IngestRequest 是单个逻辑文档的摄取请求。
type IngestRequest struct {
	TenantID       string
	CollectionName string
	DocID          string
	Text           string
	Metadata       map[string]string
	EmbeddingModel string
	// MaxTokens/OverlapTokens 为 0 时使用引擎默认值。
	MaxTokens     int
	OverlapTokens int
}

// IngestResult 描述一次摄取的结果。
type IngestResult struct {
	Status                 string `json:"status"`
	TenantID               string `json:"tenantId"`
	CollectionName         string `json:"collectionName"`
	DocID                  string `json:"docId"`
	ChunksIndexed          int    `json:"chunksIndexed"`
	NamespaceDocumentCount int    `json:"namespaceDocumentCount"`
}

// SearchRequest 是一次检索请求。CollectionName 为空表示检索租户下全部集合。
type SearchRequest struct {
	TenantID       string
	CollectionName string
	Query          string
	TopK           int
	EmbeddingModel string
}

// Hit 是一条检索结果，仅在本次查询内有效。
type Hit struct {
	ID         string            `json:"id"`
	Text       string            `json:"document"`
	Metadata   map[string]string `json:"metadata"`
	Distance   float64           `json:"distance"`
	Collection string            `json:"collection"`
}

// SearchResult 是一次检索的完整响应。
// 某个命名空间查询失败不会中止整个请求：健康命名空间的结果照常返回，
// Partial 置真并在 Failed 中列出失败的集合名。
type SearchResult struct {
	Query   string   `json:"query"`
	Results []Hit    `json:"results"`
	Partial bool     `json:"partial,omitempty"`
	Failed  []string `json:"failed,omitempty"`
}

// TenantInfo 是从既有命名空间推导出的租户条目。
type TenantInfo struct {
	TenantID    string `json:"tenantId"`
	DisplayName string `json:"displayName"`
}

// Engine 编排分块、向量化与向量后端的读写。
// 进程内共享的可变状态只有 embedding 模型缓存槽（在 Provider 内加锁）
// 与这里的命名空间写锁表。
type Engine struct {
	store    vecstore.Store
	embedder embedding.Embedder
	chunker  *chunker.Chunker
	opts     Options

	// 同一命名空间的并发摄取按锁串行化，保证分块批次写入不互相交错。
	locksMu sync.Mutex
	nsLocks map[string]*sync.Mutex
}

// New 创建检索引擎。
func New(store vecstore.Store, embedder embedding.Embedder, ck *chunker.Chunker, opts Options) *Engine {
	opts.applyDefaults()
	return &Engine{
		store:    store,
		embedder: embedder,
		chunker:  ck,
		opts:     opts,
		nsLocks:  make(map[string]*sync.Mutex),
	}
}

// resolveModel 把空模型名替换为引擎默认，保证缓存键与 Provider 槽位的一致性。
func (e *Engine) resolveModel(model string) string {
	if model == "" {
		return e.opts.DefaultModel
	}
	return model
}

func (e *Engine) namespaceLock(key string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	mu, ok := e.nsLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		e.nsLocks[key] = mu
	}
	return mu
}

// Ingest 摄取单个逻辑文档：分块、向量化、幂等创建命名空间、带复合元数据写入。
// 重复摄取同一 doc_id 采用追加语义，分块 ID 相同的记录按 ID 覆盖。
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if err := namespace.Validate(req.TenantID); err != nil {
		return nil, err
	}
	if err := namespace.Validate(req.CollectionName); err != nil {
		return nil, err
	}
	if req.DocID == "" {
		return nil, fmt.Errorf("%w: doc_id 不能为空", namespace.ErrInvalidIdentifier)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = e.opts.MaxTokens
	}
	overlap := req.OverlapTokens
	if overlap <= 0 {
		overlap = e.opts.OverlapTokens
	}

	log.Infof("[RetrievalEngine] 开始摄取文档, tenant: %s, collection: %s, doc: %s",
		req.TenantID, req.CollectionName, req.DocID)

	chunks, err := e.chunker.Chunk(req.Text, maxTokens, overlap)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		log.Warnf("[RetrievalEngine] 文档清洗后无文本内容, doc: %s", req.DocID)
		return &IngestResult{
			Status:         StatusEmpty,
			TenantID:       req.TenantID,
			CollectionName: req.CollectionName,
			DocID:          req.DocID,
		}, nil
	}
	log.Infof("[RetrievalEngine] 分块完成, 共 %d 块", len(chunks))

	vectors, err := e.embedder.Embed(ctx, chunks, e.resolveModel(req.EmbeddingModel))
	if err != nil {
		return nil, fmt.Errorf("文档分块向量化失败: %w", err)
	}

	key := namespace.Key(req.TenantID, req.CollectionName)
	ns, err := e.store.GetOrCreateNamespace(ctx, key)
	if err != nil {
		return nil, err
	}

	recs := make([]vecstore.Record, len(chunks))
	for i, chunk := range chunks {
		meta := make(map[string]string, len(req.Metadata)+5)
		for k, v := range req.Metadata {
			meta[k] = v
		}
		meta["tenant_id"] = req.TenantID
		meta["collection"] = req.CollectionName
		meta["doc_id"] = req.DocID
		meta["chunk_index"] = strconv.Itoa(i)
		meta["chunk_count"] = strconv.Itoa(len(chunks))

		recs[i] = vecstore.Record{
			ID:       fmt.Sprintf("%s__chunk_%d", req.DocID, i),
			Vector:   vectors[i],
			Text:     chunk,
			Metadata: meta,
		}
	}

	mu := e.namespaceLock(key)
	mu.Lock()
	err = ns.Upsert(ctx, recs)
	mu.Unlock()
	if err != nil {
		return nil, err
	}

	count, err := ns.Count(ctx)
	if err != nil {
		return nil, err
	}

	log.Infof("[RetrievalEngine] 摄取完成, doc: %s, chunks: %d, namespace_count: %d",
		req.DocID, len(chunks), count)
	return &IngestResult{
		Status:                 StatusOK,
		TenantID:               req.TenantID,
		CollectionName:         req.CollectionName,
		DocID:                  req.DocID,
		ChunksIndexed:          len(chunks),
		NamespaceDocumentCount: count,
	}, nil
}

// nsResult 暂存单个命名空间的扇出查询结果，最终按候选顺序拼接，
// 保证并发执行下合并输入的顺序确定。
type nsResult struct {
	collection string
	hits       []vecstore.Hit
	err        error
}

// Search 在租户内执行向量检索并做全局重排。
func (e *Engine) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if err := namespace.Validate(req.TenantID); err != nil {
		return nil, err
	}
	if req.CollectionName != "" {
		if err := namespace.Validate(req.CollectionName); err != nil {
			return nil, err
		}
	}
	topK := req.TopK
	if topK <= 0 {
		topK = e.opts.DefaultTopK
	}

	log.Infof("[RetrievalEngine] 开始检索, tenant: %s, collection: '%s', topK: %d",
		req.TenantID, req.CollectionName, topK)

	// 查询只向量化一次
	queryVectors, err := e.embedder.Embed(ctx, []string{req.Query}, e.resolveModel(req.EmbeddingModel))
	if err != nil {
		return nil, fmt.Errorf("查询向量化失败: %w", err)
	}
	queryVector := queryVectors[0]

	// 确定候选命名空间集合
	type candidate struct {
		collection string
		ns         vecstore.Namespace
	}
	var candidates []candidate
	if req.CollectionName != "" {
		// 指定集合：不存在则创建，查询结果为空而不是报错
		ns, err := e.store.GetOrCreateNamespace(ctx, namespace.Key(req.TenantID, req.CollectionName))
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate{collection: req.CollectionName, ns: ns})
	} else {
		keys, err := e.store.ListNamespaces(ctx)
		if err != nil {
			return nil, err
		}
		for _, name := range namespace.StripPrefix(keys, req.TenantID) {
			ns, err := e.store.GetOrCreateNamespace(ctx, namespace.Key(req.TenantID, name))
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, candidate{collection: name, ns: ns})
		}
	}

	if len(candidates) == 0 {
		log.Infof("[RetrievalEngine] 租户 '%s' 下没有候选命名空间", req.TenantID)
		return &SearchResult{Query: req.Query, Results: []Hit{}}, nil
	}

	// 各命名空间的查询相互独立，并发扇出
	results := make([]nsResult, len(candidates))
	var wg sync.WaitGroup
	for i, c := range candidates {
		wg.Add(1)
		go func(i int, c candidate) {
			defer wg.Done()
			hits, err := c.ns.Query(ctx, queryVector, topK)
			results[i] = nsResult{collection: c.collection, hits: hits, err: err}
		}(i, c)
	}
	wg.Wait()

	// 取消的查询必须以错误收场，不允许静默返回可能不完整的结果
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var merged []Hit
	var failed []string
	for _, r := range results {
		if r.err != nil {
			log.Errorf("[RetrievalEngine] 命名空间 '%s' 查询失败: %v", r.collection, r.err)
			failed = append(failed, r.collection)
			continue
		}
		for _, h := range r.hits {
			merged = append(merged, Hit{
				ID:         h.ID,
				Text:       h.Text,
				Metadata:   h.Metadata,
				Distance:   h.Distance,
				Collection: r.collection,
			})
		}
	}

	// 所有候选都失败时如实报错，而不是伪装成空结果
	if len(failed) == len(candidates) {
		return nil, fmt.Errorf("%w: 全部 %d 个命名空间查询失败", vecstore.ErrBackendUnavailable, len(candidates))
	}

	// 全局重排：跨命名空间按距离升序稳定排序后截断，
	// 单个命名空间可以贡献 0 到 topK 条结果
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Distance < merged[j].Distance
	})
	if len(merged) > topK {
		merged = merged[:topK]
	}
	if merged == nil {
		merged = []Hit{}
	}

	log.Infof("[RetrievalEngine] 检索完成, 命中 %d 条 (failed namespaces: %d)", len(merged), len(failed))
	return &SearchResult{
		Query:   req.Query,
		Results: merged,
		Partial: len(failed) > 0,
		Failed:  failed,
	}, nil
}

// ListCollections 列出租户下全部集合名（去掉命名空间前缀）。
func (e *Engine) ListCollections(ctx context.Context, tenantID string) ([]string, error) {
	if err := namespace.Validate(tenantID); err != nil {
		return nil, err
	}
	keys, err := e.store.ListNamespaces(ctx)
	if err != nil {
		return nil, err
	}
	names := namespace.StripPrefix(keys, tenantID)
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// ListTenants 从既有命名空间推导租户列表。不含分隔符的外部键被跳过。
func (e *Engine) ListTenants(ctx context.Context) ([]TenantInfo, error) {
	keys, err := e.store.ListNamespaces(ctx)
	if err != nil {
		return nil, err
	}
	tenants := namespace.Tenants(keys)
	infos := make([]TenantInfo, len(tenants))
	for i, t := range tenants {
		infos[i] = TenantInfo{TenantID: t, DisplayName: t}
	}
	return infos, nil
}
