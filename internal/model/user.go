package model

// User 是鉴权子系统产出的用户快照。本模块只读取这些字段做访问控制判断，
// 用户生命周期由外部的认证服务管理。
type User struct {
	ID             string  `json:"id"`
	TenantID       string  `json:"tenantId"`
	Role           string  `json:"role"`
	OrganizationID *string `json:"organizationId"`
}
