package model

// GroupRoles 是集团层（umbrella）角色的固定闭集。
var GroupRoles = map[string]struct{}{
	"group_gmd":        {},
	"group_exe":        {},
	"group_hr":         {},
	"group_admin":      {},
	"group_finance":    {},
	"group_operation":  {},
	"group_production": {},
	"group_marketing":  {},
	"group_legal":      {},
}

// SubRoles 是子公司/普通用户角色的固定闭集。
var SubRoles = map[string]struct{}{
	"sub_md":         {},
	"sub_exec":       {},
	"sub_admin":      {},
	"sub_operations": {},
	"sub_hr":         {},
	"sub_finance":    {},
	"sub_production": {},
	"sub_legal":      {},
	"sub_marketing":  {},
	"employee":       {},
}

// IsGroupRole 判断角色是否属于集团层角色闭集。
func IsGroupRole(role string) bool {
	_, ok := GroupRoles[role]
	return ok
}

// IsSubRole 判断角色是否属于子公司角色闭集。
func IsSubRole(role string) bool {
	_, ok := SubRoles[role]
	return ok
}
