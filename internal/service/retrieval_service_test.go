package service

import (
	"context"
	"strings"
	"sync"
	"testing"

	"helium-rag-go/internal/access"
	"helium-rag-go/internal/chunker"
	"helium-rag-go/internal/engine"
	"helium-rag-go/internal/model"
	"helium-rag-go/pkg/vecstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wordTokenizer struct{ words []string }

func (t *wordTokenizer) Encode(text string) []int {
	t.words = strings.Fields(text)
	ids := make([]int, len(t.words))
	for i := range t.words {
		ids[i] = i
	}
	return ids
}

func (t *wordTokenizer) Decode(ids []int) string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = t.words[id]
	}
	return strings.Join(out, " ")
}

type constEmbedder struct{}

func (constEmbedder) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type memNS struct {
	mu   sync.Mutex
	recs map[string]vecstore.Record
}

func (n *memNS) Upsert(ctx context.Context, recs []vecstore.Record) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, r := range recs {
		n.recs[r.ID] = r
	}
	return nil
}

func (n *memNS) Query(ctx context.Context, vector []float32, k int) ([]vecstore.Hit, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var hits []vecstore.Hit
	for _, r := range n.recs {
		if len(hits) == k {
			break
		}
		hits = append(hits, vecstore.Hit{ID: r.ID, Text: r.Text, Metadata: r.Metadata, Distance: 0.5})
	}
	return hits, nil
}

func (n *memNS) Count(ctx context.Context) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.recs), nil
}

type memStore struct {
	mu    sync.Mutex
	nss   map[string]*memNS
	order []string
}

func newMemStore() *memStore { return &memStore{nss: map[string]*memNS{}} }

func (s *memStore) GetOrCreateNamespace(ctx context.Context, key string) (vecstore.Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.nss[key]
	if !ok {
		ns = &memNS{recs: map[string]vecstore.Record{}}
		s.nss[key] = ns
		s.order = append(s.order, key)
	}
	return ns, nil
}

func (s *memStore) ListNamespaces(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...), nil
}

type stubRepo struct {
	byName map[string]*model.Collection
}

func (r *stubRepo) Create(col *model.Collection) error { return nil }

func (r *stubRepo) FindByTenant(tenantID string, names []string) ([]*model.Collection, error) {
	var out []*model.Collection
	for _, c := range r.byName {
		if c.TenantID != tenantID {
			continue
		}
		if names != nil {
			found := false
			for _, n := range names {
				if n == c.Name {
					found = true
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *stubRepo) FindByTenantAndName(tenantID, name string) (*model.Collection, error) {
	for _, c := range r.byName {
		if c.TenantID == tenantID && c.Name == name {
			return c, nil
		}
	}
	return nil, nil
}

func newFixture(t *testing.T, cols ...*model.Collection) (RetrievalService, *engine.Engine) {
	t.Helper()
	store := newMemStore()
	eng := engine.New(store, constEmbedder{}, chunker.NewWithTokenizer(&wordTokenizer{}), engine.Options{DefaultTopK: 5})
	repo := &stubRepo{byName: map[string]*model.Collection{}}
	for _, c := range cols {
		repo.byName[c.TenantID+"/"+c.Name] = c
	}
	return NewRetrievalService(eng, access.NewEvaluator(repo, access.Options{})), eng
}

func TestSecureSearchNilUserDenied(t *testing.T) {
	svc, _ := newFixture(t)
	_, err := svc.SecureSearch(context.Background(), nil, engine.SearchRequest{Query: "q"})
	assert.ErrorIs(t, err, access.ErrAccessDenied)
}

func TestSecureSearchDeniedCollection(t *testing.T) {
	svc, eng := newFixture(t, &model.Collection{
		TenantID: "helium", Name: "board-minutes",
		Visibility: model.VisibilityRole, AllowedRoles: model.StringList{"group_exe"},
	})
	_, err := eng.Ingest(context.Background(), engine.IngestRequest{
		TenantID: "helium", CollectionName: "board-minutes", DocID: "d", Text: "confidential minutes",
	})
	require.NoError(t, err)

	employee := &model.User{ID: "u1", TenantID: "helium", Role: "employee"}
	_, err = svc.SecureSearch(context.Background(), employee, engine.SearchRequest{
		CollectionName: "board-minutes", Query: "minutes",
	})
	assert.ErrorIs(t, err, access.ErrAccessDenied)
}

func TestSecureSearchFiltersInvisibleCollections(t *testing.T) {
	svc, eng := newFixture(t,
		&model.Collection{TenantID: "helium", Name: "handbook", Visibility: model.VisibilityTenant},
		&model.Collection{TenantID: "helium", Name: "board-minutes",
			Visibility: model.VisibilityRole, AllowedRoles: model.StringList{"group_exe"}},
	)
	ctx := context.Background()
	for _, c := range []string{"handbook", "board-minutes"} {
		_, err := eng.Ingest(ctx, engine.IngestRequest{
			TenantID: "helium", CollectionName: c, DocID: "d", Text: "some document text",
		})
		require.NoError(t, err)
	}

	employee := &model.User{ID: "u1", TenantID: "helium", Role: "employee"}
	res, err := svc.SecureSearch(ctx, employee, engine.SearchRequest{Query: "text", TopK: 10})
	require.NoError(t, err)
	require.NotEmpty(t, res.Results)
	for _, h := range res.Results {
		assert.Equal(t, "handbook", h.Collection)
	}
}

func TestSecureSearchUnregisteredCollectionInvisible(t *testing.T) {
	// 向量库里存在但元数据库未注册的集合不进入检索范围
	svc, eng := newFixture(t)
	ctx := context.Background()
	_, err := eng.Ingest(ctx, engine.IngestRequest{
		TenantID: "helium", CollectionName: "orphan", DocID: "d", Text: "orphan data",
	})
	require.NoError(t, err)

	user := &model.User{ID: "u1", TenantID: "helium", Role: "group_admin"}
	res, err := svc.SecureSearch(ctx, user, engine.SearchRequest{Query: "orphan"})
	require.NoError(t, err)
	assert.Empty(t, res.Results)
}

func TestSecureSearchIgnoresCallerTenantField(t *testing.T) {
	svc, eng := newFixture(t,
		&model.Collection{TenantID: "rival", Name: "docs", Visibility: model.VisibilityTenant},
	)
	ctx := context.Background()
	_, err := eng.Ingest(ctx, engine.IngestRequest{
		TenantID: "rival", CollectionName: "docs", DocID: "d", Text: "rival data",
	})
	require.NoError(t, err)

	// 请求体里伪造的 TenantID 被用户身份覆盖
	user := &model.User{ID: "u1", TenantID: "helium", Role: "group_admin"}
	res, err := svc.SecureSearch(ctx, user, engine.SearchRequest{TenantID: "rival", Query: "data"})
	require.NoError(t, err)
	assert.Empty(t, res.Results)
}
