// Package model 定义了与数据库表对应的 Go 结构体。
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Visibility 是集合可见性策略的封闭枚举。
// 新增可见性类型时必须同步修改 access 包中的穷举分支。
type Visibility string

const (
	VisibilityTenant Visibility = "tenant"
	VisibilityOrg    Visibility = "org"
	VisibilityRole   Visibility = "role"
	VisibilityUser   Visibility = "user"
)

// StringList 将 []string 以 JSON 文本形式存入数据库。
// 读取时对 NULL 或无法解析的内容一律退化为空列表，绝不向调用方抛解析错误。
type StringList []string

// Scan 实现 sql.Scanner。
func (l *StringList) Scan(value interface{}) error {
	*l = nil
	if value == nil {
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return nil
	}
	var parsed []string
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// 脏数据按空列表处理
		return nil
	}
	*l = parsed
	return nil
}

// Value 实现 driver.Valuer。
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	raw, err := json.Marshal([]string(l))
	if err != nil {
		return nil, fmt.Errorf("序列化 StringList 失败: %w", err)
	}
	return string(raw), nil
}

// Contains 判断列表中是否存在指定元素。
func (l StringList) Contains(s string) bool {
	for _, item := range l {
		if item == s {
			return true
		}
	}
	return false
}

// Collection 对应于数据库中的 'collections' 表。
// Name 在租户内唯一；内部命名空间键由 namespace.Key(TenantID, Name) 派生。
type Collection struct {
	ID             uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID       string     `gorm:"type:varchar(64);not null;uniqueIndex:uniq_tenant_name" json:"tenantId"`
	Name           string     `gorm:"type:varchar(64);not null;uniqueIndex:uniq_tenant_name" json:"name"`
	Visibility     Visibility `gorm:"type:varchar(16);not null;default:'tenant'" json:"visibility"`
	OrganizationID *string    `gorm:"type:varchar(64)" json:"organizationId"`
	AllowedRoles   StringList `gorm:"type:text" json:"allowedRoles"`
	AllowedUserIDs StringList `gorm:"type:text;column:allowed_user_ids" json:"allowedUserIds"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Collection) TableName() string {
	return "collections"
}
