// Package access 实现集合可见性的访问控制判定。
// 判定是 (User, Collection) 上的纯函数，不持有任何状态，
// 必须在任何查询到达检索引擎之前完成。
package access

import (
	"context"
	"errors"

	"helium-rag-go/internal/model"
	"helium-rag-go/internal/repository"
	"helium-rag-go/pkg/log"
)

// ErrAccessDenied 表示 ACL 判定拒绝。与 "集合不存在/为空" 严格区分，
// 由上层 API 自行决定对外的披露策略。
var ErrAccessDenied = errors.New("access denied")

// Options 配置判定行为。
type Options struct {
	// ExplicitUserListWins 为 true 时，只要集合配置了非空的 allowed_user_ids，
	// 任何访问者都必须在名单内，角色授权不能绕过名单。
	ExplicitUserListWins bool
}

// Evaluator 组合纯判定函数与集合仓储，提供按用户过滤集合的能力。
type Evaluator struct {
	repo repository.CollectionRepository
	opts Options
}

// NewEvaluator 创建一个新的 Evaluator 实例。
func NewEvaluator(repo repository.CollectionRepository, opts Options) *Evaluator {
	return &Evaluator{repo: repo, opts: opts}
}

// CanAccess 判定用户是否可以读取集合。
func (e *Evaluator) CanAccess(user *model.User, col *model.Collection) bool {
	return canAccess(user, col, e.opts)
}

// CanAccess 是不依赖 Evaluator 的判定入口，使用默认选项。
func CanAccess(user *model.User, col *model.Collection) bool {
	return canAccess(user, col, Options{})
}

func canAccess(user *model.User, col *model.Collection, opts Options) bool {
	if user == nil || col == nil {
		return false
	}

	// 1) 租户隔离：硬性闸门，先于一切判断
	if col.TenantID != user.TenantID {
		return false
	}

	roles := col.AllowedRoles
	userIDs := col.AllowedUserIDs

	// 2) 显式用户名单优先（可配置）：名单非空时必须在名单内
	if opts.ExplicitUserListWins && len(userIDs) > 0 && !userIDs.Contains(user.ID) {
		return false
	}

	// 3) 集团层角色
	if model.IsGroupRole(user.Role) {
		switch col.Visibility {
		case model.VisibilityRole:
			return roles.Contains(user.Role)
		case model.VisibilityUser:
			return userIDs.Contains(user.ID)
		case model.VisibilityTenant, model.VisibilityOrg:
			return true
		default:
			return false // 未知可见性一律拒绝
		}
	}

	// 4) 子公司 / 普通用户角色
	if model.IsSubRole(user.Role) {
		switch col.Visibility {
		case model.VisibilityTenant:
			return true
		case model.VisibilityOrg:
			return user.OrganizationID != nil &&
				col.OrganizationID != nil &&
				*user.OrganizationID == *col.OrganizationID
		case model.VisibilityRole:
			if !sameOrganization(user.OrganizationID, col.OrganizationID) {
				return false
			}
			return roles.Contains(user.Role)
		case model.VisibilityUser:
			return userIDs.Contains(user.ID)
		default:
			return false // 未知可见性一律拒绝
		}
	}

	// 5) 未知角色：默认拒绝（fail closed）
	return false
}

func sameOrganization(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// AllowedCollections 返回用户可读的集合列表。
// 先在存储层按租户（和可选的名称列表）收紧候选集，再逐行应用 CanAccess。
// 返回顺序与存储层排序一致，保证稳定。
func (e *Evaluator) AllowedCollections(ctx context.Context, user *model.User, names []string) ([]*model.Collection, error) {
	if user == nil {
		return nil, ErrAccessDenied
	}
	rows, err := e.repo.FindByTenant(user.TenantID, names)
	if err != nil {
		return nil, err
	}

	allowed := make([]*model.Collection, 0, len(rows))
	for _, col := range rows {
		if canAccess(user, col, e.opts) {
			allowed = append(allowed, col)
		}
	}
	log.Infow("ACL 过滤完成", "tenant_id", user.TenantID, "user_id", user.ID,
		"candidates", len(rows), "allowed", len(allowed))
	return allowed, nil
}
