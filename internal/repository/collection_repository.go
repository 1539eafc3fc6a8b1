package repository

import (
	"helium-rag-go/internal/model"

	"gorm.io/gorm"
)

// CollectionRepository 定义了对 collections 表的数据操作接口。
type CollectionRepository interface {
	Create(col *model.Collection) error
	// FindByTenant 返回租户下的集合；names 非空时按集合名过滤。
	// 租户边界在 SQL 层收紧，逐行 ACL 判断由 access 包完成。
	FindByTenant(tenantID string, names []string) ([]*model.Collection, error)
	FindByTenantAndName(tenantID, name string) (*model.Collection, error)
}

type collectionRepository struct {
	db *gorm.DB
}

// NewCollectionRepository 创建一个新的 CollectionRepository 实例。
func NewCollectionRepository(db *gorm.DB) CollectionRepository {
	return &collectionRepository{db: db}
}

// Create 写入一条集合记录。
func (r *collectionRepository) Create(col *model.Collection) error {
	return r.db.Create(col).Error
}

// FindByTenant 查询租户下的集合，可选按名称过滤。
func (r *collectionRepository) FindByTenant(tenantID string, names []string) ([]*model.Collection, error) {
	query := r.db.Where("tenant_id = ?", tenantID)
	if len(names) > 0 {
		query = query.Where("name IN ?", names)
	}
	var cols []*model.Collection
	err := query.Order("name").Find(&cols).Error
	return cols, err
}

// FindByTenantAndName 查询租户下指定名称的集合，不存在返回 gorm.ErrRecordNotFound。
func (r *collectionRepository) FindByTenantAndName(tenantID, name string) (*model.Collection, error) {
	var col model.Collection
	err := r.db.Where("tenant_id = ? AND name = ?", tenantID, name).First(&col).Error
	if err != nil {
		return nil, err
	}
	return &col, nil
}
