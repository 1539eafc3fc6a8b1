package engine

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"testing"

	"helium-rag-go/internal/chunker"
	"helium-rag-go/internal/namespace"
	"helium-rag-go/pkg/vecstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- 测试夹具 ----

// runeTokenizer 把每个 rune 当作一个 token，分块行为完全可控。
type runeTokenizer struct{}

func (runeTokenizer) Encode(text string) []int {
	rs := []rune(text)
	ids := make([]int, len(rs))
	for i, r := range rs {
		ids[i] = int(r)
	}
	return ids
}

func (runeTokenizer) Decode(ids []int) string {
	rs := make([]rune, len(ids))
	for i, id := range ids {
		rs[i] = rune(id)
	}
	return string(rs)
}

// hashEmbedder 把文本确定性地映射到单位圆上的二维向量。
type hashEmbedder struct {
	err error
}

func (h *hashEmbedder) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if h.err != nil {
		return nil, h.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		f := fnv.New32a()
		f.Write([]byte(text))
		theta := float64(f.Sum32()%3600) / 3600 * 2 * math.Pi
		out[i] = []float32{float32(math.Cos(theta)), float32(math.Sin(theta))}
	}
	return out, nil
}

// fakeNS 内存命名空间。设置 fixedHits 时 Query 直接返回固定结果。
type fakeNS struct {
	mu        sync.Mutex
	recs      map[string]vecstore.Record
	order     []string
	fixedHits []vecstore.Hit
	queryErr  error
}

func newFakeNS() *fakeNS {
	return &fakeNS{recs: map[string]vecstore.Record{}}
}

func (n *fakeNS) Upsert(ctx context.Context, recs []vecstore.Record) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, r := range recs {
		if _, exists := n.recs[r.ID]; !exists {
			n.order = append(n.order, r.ID)
		}
		n.recs[r.ID] = r
	}
	return nil
}

func (n *fakeNS) Query(ctx context.Context, vector []float32, k int) ([]vecstore.Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.queryErr != nil {
		return nil, n.queryErr
	}
	if n.fixedHits != nil {
		hits := n.fixedHits
		if len(hits) > k {
			hits = hits[:k]
		}
		return hits, nil
	}
	var hits []vecstore.Hit
	for _, id := range n.order {
		rec := n.recs[id]
		hits = append(hits, vecstore.Hit{
			ID:       rec.ID,
			Text:     rec.Text,
			Metadata: rec.Metadata,
			Distance: 1 - cosine(vector, rec.Vector),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (n *fakeNS) Count(ctx context.Context) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.recs), nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

type fakeStore struct {
	mu         sync.Mutex
	namespaces map[string]*fakeNS
	order      []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{namespaces: map[string]*fakeNS{}}
}

func (s *fakeStore) GetOrCreateNamespace(ctx context.Context, key string) (vecstore.Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.namespaces[key]
	if !ok {
		ns = newFakeNS()
		s.namespaces[key] = ns
		s.order = append(s.order, key)
	}
	return ns, nil
}

func (s *fakeStore) ListNamespaces(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...), nil
}

// prime 直接放置一个带固定查询结果的命名空间。
func (s *fakeStore) prime(key string, hits []vecstore.Hit, queryErr error) *fakeNS {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := newFakeNS()
	ns.fixedHits = hits
	ns.queryErr = queryErr
	s.namespaces[key] = ns
	s.order = append(s.order, key)
	return ns
}

func newTestEngine(store vecstore.Store) *Engine {
	ck := chunker.NewWithTokenizer(runeTokenizer{})
	return New(store, &hashEmbedder{}, ck, Options{MaxTokens: 64, OverlapTokens: 8, DefaultTopK: 5})
}

// ---- Ingest ----

func TestIngestValidatesIdentifiers(t *testing.T) {
	e := newTestEngine(newFakeStore())
	ctx := context.Background()

	_, err := e.Ingest(ctx, IngestRequest{TenantID: "bad tenant", CollectionName: "c", DocID: "d", Text: "x"})
	assert.ErrorIs(t, err, namespace.ErrInvalidIdentifier)

	_, err = e.Ingest(ctx, IngestRequest{TenantID: "t", CollectionName: "no/slash", DocID: "d", Text: "x"})
	assert.ErrorIs(t, err, namespace.ErrInvalidIdentifier)

	_, err = e.Ingest(ctx, IngestRequest{TenantID: "t", CollectionName: "c", DocID: "", Text: "x"})
	assert.ErrorIs(t, err, namespace.ErrInvalidIdentifier)
}

func TestIngestEmptyContentIsNotAnError(t *testing.T) {
	e := newTestEngine(newFakeStore())

	res, err := e.Ingest(context.Background(), IngestRequest{
		TenantID: "helium", CollectionName: "policies", DocID: "d1", Text: "   \n\t ",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusEmpty, res.Status)
	assert.Zero(t, res.ChunksIndexed)
}

func TestIngestWritesChunksWithCompositeMetadata(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store)
	ctx := context.Background()

	text := strings.Repeat("合规政策文本", 30) // 180 runes -> 64/8 窗口产生多块
	res, err := e.Ingest(ctx, IngestRequest{
		TenantID:       "helium",
		CollectionName: "policies",
		DocID:          "doc-1",
		Text:           text,
		Metadata:       map[string]string{"title": "员工手册"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Greater(t, res.ChunksIndexed, 1)
	assert.Equal(t, res.ChunksIndexed, res.NamespaceDocumentCount)

	ns := store.namespaces["helium__policies"]
	require.NotNil(t, ns)
	require.Len(t, ns.recs, res.ChunksIndexed)

	for i := 0; i < res.ChunksIndexed; i++ {
		rec, ok := ns.recs["doc-1__chunk_"+itoa(i)]
		require.True(t, ok, "chunk %d 缺失", i)
		assert.Equal(t, "员工手册", rec.Metadata["title"])
		assert.Equal(t, "helium", rec.Metadata["tenant_id"])
		assert.Equal(t, "policies", rec.Metadata["collection"])
		assert.Equal(t, "doc-1", rec.Metadata["doc_id"])
		assert.Equal(t, itoa(i), rec.Metadata["chunk_index"])
		assert.Equal(t, itoa(res.ChunksIndexed), rec.Metadata["chunk_count"])
		assert.Len(t, rec.Vector, 2)
	}
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var digits []byte
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

func TestIngestReingestSameDocOverwritesById(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store)
	ctx := context.Background()

	req := IngestRequest{TenantID: "helium", CollectionName: "policies", DocID: "doc-1", Text: "短文本"}
	_, err := e.Ingest(ctx, req)
	require.NoError(t, err)
	res, err := e.Ingest(ctx, req)
	require.NoError(t, err)
	// 相同分块 ID 覆盖写入，记录数不翻倍
	assert.Equal(t, 1, res.NamespaceDocumentCount)
}

func TestIngestEmbeddingFailurePropagates(t *testing.T) {
	store := newFakeStore()
	ck := chunker.NewWithTokenizer(runeTokenizer{})
	e := New(store, &hashEmbedder{err: errors.New("embedding api down")}, ck, Options{})

	_, err := e.Ingest(context.Background(), IngestRequest{
		TenantID: "helium", CollectionName: "policies", DocID: "d", Text: "content",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding api down")
	// 失败的摄取不应创建半成品记录
	if ns, ok := store.namespaces["helium__policies"]; ok {
		assert.Empty(t, ns.recs)
	}
}

func TestConcurrentIngestSameNamespaceLosesNothing(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store)
	ctx := context.Background()

	const docs = 16
	var wg sync.WaitGroup
	for i := 0; i < docs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Ingest(ctx, IngestRequest{
				TenantID: "helium", CollectionName: "policies",
				DocID: "doc-" + itoa(i), Text: "文档内容" + itoa(i),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	ns := store.namespaces["helium__policies"]
	require.NotNil(t, ns)
	count, _ := ns.Count(ctx)
	assert.Equal(t, docs, count)
}

// ---- Search ----

func TestSearchGlobalTopK(t *testing.T) {
	store := newFakeStore()
	store.prime("helium__a", []vecstore.Hit{
		{ID: "a1", Text: "a1", Distance: 0.1},
		{ID: "a2", Text: "a2", Distance: 0.9},
	}, nil)
	store.prime("helium__b", []vecstore.Hit{
		{ID: "b1", Text: "b1", Distance: 0.2},
	}, nil)
	e := newTestEngine(store)

	res, err := e.Search(context.Background(), SearchRequest{TenantID: "helium", Query: "q", TopK: 2})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	// 全局 top-k：跨命名空间按距离排序，而不是 A 独占
	assert.Equal(t, 0.1, res.Results[0].Distance)
	assert.Equal(t, "a", res.Results[0].Collection)
	assert.Equal(t, 0.2, res.Results[1].Distance)
	assert.Equal(t, "b", res.Results[1].Collection)
	assert.False(t, res.Partial)
}

func TestSearchEmptyTenant(t *testing.T) {
	e := newTestEngine(newFakeStore())

	res, err := e.Search(context.Background(), SearchRequest{TenantID: "nobody", Query: "anything"})
	require.NoError(t, err)
	assert.Equal(t, "anything", res.Query)
	assert.Empty(t, res.Results)
	assert.NotNil(t, res.Results)
}

func TestSearchMissingCollectionYieldsEmpty(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store)

	res, err := e.Search(context.Background(), SearchRequest{
		TenantID: "helium", CollectionName: "never-ingested", Query: "q",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	// 命名空间被幂等创建
	_, ok := store.namespaces["helium__never-ingested"]
	assert.True(t, ok)
}

func TestSearchTenantIsolation(t *testing.T) {
	store := newFakeStore()
	store.prime("helium__docs", []vecstore.Hit{{ID: "h1", Distance: 0.1}}, nil)
	store.prime("rival__docs", []vecstore.Hit{{ID: "r1", Distance: 0.01}}, nil)
	e := newTestEngine(store)

	res, err := e.Search(context.Background(), SearchRequest{TenantID: "helium", Query: "q"})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "h1", res.Results[0].ID)
}

func TestSearchDuplicateIDsAcrossNamespacesKept(t *testing.T) {
	store := newFakeStore()
	store.prime("helium__a", []vecstore.Hit{{ID: "shared", Distance: 0.1}}, nil)
	store.prime("helium__b", []vecstore.Hit{{ID: "shared", Distance: 0.2}}, nil)
	e := newTestEngine(store)

	res, err := e.Search(context.Background(), SearchRequest{TenantID: "helium", Query: "q", TopK: 5})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.NotEqual(t, res.Results[0].Collection, res.Results[1].Collection)
}

func TestSearchPartialFailure(t *testing.T) {
	store := newFakeStore()
	store.prime("helium__healthy", []vecstore.Hit{{ID: "ok", Distance: 0.3}}, nil)
	store.prime("helium__broken", nil, errors.New("shard down"))
	e := newTestEngine(store)

	res, err := e.Search(context.Background(), SearchRequest{TenantID: "helium", Query: "q"})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "ok", res.Results[0].ID)
	assert.True(t, res.Partial)
	assert.Equal(t, []string{"broken"}, res.Failed)
}

func TestSearchAllNamespacesFailing(t *testing.T) {
	store := newFakeStore()
	store.prime("helium__a", nil, errors.New("down"))
	store.prime("helium__b", nil, errors.New("down"))
	e := newTestEngine(store)

	_, err := e.Search(context.Background(), SearchRequest{TenantID: "helium", Query: "q"})
	assert.ErrorIs(t, err, vecstore.ErrBackendUnavailable)
}

func TestSearchCancelledContext(t *testing.T) {
	store := newFakeStore()
	store.prime("helium__a", []vecstore.Hit{{ID: "x", Distance: 0.1}}, nil)
	e := newTestEngine(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Search(ctx, SearchRequest{TenantID: "helium", Query: "q"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSearchIdempotentOnStaticData(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store)
	ctx := context.Background()

	for _, doc := range []string{"年假管理制度", "差旅报销流程", "信息安全守则"} {
		_, err := e.Ingest(ctx, IngestRequest{
			TenantID: "helium", CollectionName: "policies", DocID: doc, Text: doc,
		})
		require.NoError(t, err)
	}

	req := SearchRequest{TenantID: "helium", Query: "请假相关规定", TopK: 3}
	first, err := e.Search(ctx, req)
	require.NoError(t, err)
	second, err := e.Search(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Results, second.Results)
}

// ---- 列表 ----

func TestListCollectionsAndTenants(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store)
	ctx := context.Background()

	for _, c := range []string{"policies", "contracts"} {
		_, err := e.Ingest(ctx, IngestRequest{TenantID: "helium", CollectionName: c, DocID: "d", Text: "文本"})
		require.NoError(t, err)
	}
	_, err := e.Ingest(ctx, IngestRequest{TenantID: "isof", CollectionName: "docs", DocID: "d", Text: "文本"})
	require.NoError(t, err)

	names, err := e.ListCollections(ctx, "helium")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"policies", "contracts"}, names)

	empty, err := e.ListCollections(ctx, "stranger")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	tenants, err := e.ListTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []TenantInfo{
		{TenantID: "helium", DisplayName: "helium"},
		{TenantID: "isof", DisplayName: "isof"},
	}, tenants)
}
