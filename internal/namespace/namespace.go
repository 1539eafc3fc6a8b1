// Package namespace 负责租户与集合到后端命名空间键的映射。
package namespace

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Separator 是内部命名空间键中租户与集合名之间的分隔符，例如 "helium__policies"。
const Separator = "__"

// ErrInvalidIdentifier 表示租户或集合标识不符合命名规则。
var ErrInvalidIdentifier = errors.New("invalid identifier")

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validate 校验租户或集合标识：仅允许字母、数字、'-' 和 '_'，不能为空。
func Validate(id string) error {
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("%w: '%s' 必须为字母数字且只能包含 '-' 或 '_'", ErrInvalidIdentifier, id)
	}
	return nil
}

// Key 构造命名空间键。同名集合在不同租户下因前缀不同而全局唯一。
func Key(tenantID, collectionName string) string {
	return tenantID + Separator + collectionName
}

// Parse 将命名空间键还原为 (tenant, collection)。
// 不含分隔符的键视为外部/非法命名空间，返回 ok=false，由调用方跳过。
func Parse(key string) (tenantID, collectionName string, ok bool) {
	parts := strings.SplitN(key, Separator, 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// StripPrefix 从完整键列表中筛选出属于指定租户的集合名（去掉前缀）。
func StripPrefix(keys []string, tenantID string) []string {
	prefix := tenantID + Separator
	var names []string
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			names = append(names, key[len(prefix):])
		}
	}
	return names
}

// Tenants 从完整键列表中推导去重后的租户列表，结果按字典序排序以保证稳定。
func Tenants(keys []string) []string {
	seen := map[string]struct{}{}
	var tenants []string
	for _, key := range keys {
		tenantID, _, ok := Parse(key)
		if !ok {
			continue
		}
		if _, dup := seen[tenantID]; dup {
			continue
		}
		seen[tenantID] = struct{}{}
		tenants = append(tenants, tenantID)
	}
	sort.Strings(tenants)
	return tenants
}
