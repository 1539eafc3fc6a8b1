// Package service 提供了检索相关的业务逻辑。
package service

import (
	"context"
	"fmt"
	"helium-rag-go/internal/access"
	"helium-rag-go/internal/engine"
	"helium-rag-go/internal/model"
	"helium-rag-go/pkg/log"
	"sort"
)

// RetrievalService 接口定义了带权限过滤的检索操作。
type RetrievalService interface {
	// SecureSearch 只在用户可见的集合内检索。指定集合不可见时返回 access.ErrAccessDenied。
	SecureSearch(ctx context.Context, user *model.User, req engine.SearchRequest) (*engine.SearchResult, error)
}

type retrievalService struct {
	eng       *engine.Engine
	evaluator *access.Evaluator
}

// NewRetrievalService 创建一个新的 RetrievalService 实例。
func NewRetrievalService(eng *engine.Engine, evaluator *access.Evaluator) RetrievalService {
	return &retrievalService{
		eng:       eng,
		evaluator: evaluator,
	}
}

// SecureSearch 执行权限过滤后的跨集合检索。
func (s *retrievalService) SecureSearch(ctx context.Context, user *model.User, req engine.SearchRequest) (*engine.SearchResult, error) {
	if user == nil {
		return nil, access.ErrAccessDenied
	}
	req.TenantID = user.TenantID

	log.Infof("[RetrievalService] 开始权限检索, user: %s, tenant: %s, collection: '%s'",
		user.ID, user.TenantID, req.CollectionName)

	// 1. 确定权限过滤的候选集合名
	var names []string
	if req.CollectionName != "" {
		names = []string{req.CollectionName}
	} else {
		all, err := s.eng.ListCollections(ctx, user.TenantID)
		if err != nil {
			return nil, err
		}
		names = all
	}
	if len(names) == 0 {
		return &engine.SearchResult{Query: req.Query, Results: []engine.Hit{}}, nil
	}

	// 2. 权限评估：未在元数据库注册的集合视为不可见
	allowed, err := s.evaluator.AllowedCollections(ctx, user, names)
	if err != nil {
		return nil, fmt.Errorf("集合权限评估失败: %w", err)
	}
	if len(allowed) == 0 {
		// 指定了集合却无权访问时如实拒绝，全集合检索则给空结果
		if req.CollectionName != "" {
			log.Warnf("[RetrievalService] 用户 %s 无权访问集合 '%s'", user.ID, req.CollectionName)
			return nil, access.ErrAccessDenied
		}
		return &engine.SearchResult{Query: req.Query, Results: []engine.Hit{}}, nil
	}

	// 3. 对每个可见集合检索并全局重排
	merged := &engine.SearchResult{Query: req.Query, Results: []engine.Hit{}}
	for _, col := range allowed {
		colReq := req
		colReq.CollectionName = col.Name
		res, err := s.eng.Search(ctx, colReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			log.Errorf("[RetrievalService] 集合 '%s' 检索失败: %v", col.Name, err)
			merged.Partial = true
			merged.Failed = append(merged.Failed, col.Name)
			continue
		}
		merged.Results = append(merged.Results, res.Results...)
		if res.Partial {
			merged.Partial = true
			merged.Failed = append(merged.Failed, res.Failed...)
		}
	}
	if len(merged.Failed) == len(allowed) && len(allowed) > 0 && merged.Partial {
		return nil, fmt.Errorf("全部 %d 个可见集合检索失败", len(allowed))
	}

	sort.SliceStable(merged.Results, func(i, j int) bool {
		return merged.Results[i].Distance < merged.Results[j].Distance
	})
	topK := req.TopK
	if topK > 0 && len(merged.Results) > topK {
		merged.Results = merged.Results[:topK]
	}

	log.Infof("[RetrievalService] 权限检索完成, 可见集合 %d, 命中 %d", len(allowed), len(merged.Results))
	return merged, nil
}
