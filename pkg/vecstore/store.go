// Package vecstore 定义了可插拔的向量索引后端能力。
// 引擎只依赖这里的接口；索引结构、持久化与距离计算均由具体后端负责。
package vecstore

import (
	"context"
	"errors"
)

var (
	// ErrBackendUnavailable 表示向量后端不可达或调用失败，
	// 由调用方带退避重试，引擎不得将其伪装成空结果。
	ErrBackendUnavailable = errors.New("vector backend unavailable")
)

// Record 是写入后端的一条分块记录。
type Record struct {
	ID       string
	Vector   []float32
	Text     string
	Metadata map[string]string
}

// Hit 是一次最近邻查询返回的单条结果。
// Distance 越小越相关，后端必须保持这一语义。
type Hit struct {
	ID       string
	Text     string
	Metadata map[string]string
	Distance float64
}

// Namespace 是某个命名空间的存储分区句柄。
type Namespace interface {
	// Upsert 以 ID 为键写入或覆盖记录。从调用方视角是一次原子追加。
	Upsert(ctx context.Context, recs []Record) error
	// Query 返回与向量最近的至多 k 条记录，按距离升序。
	Query(ctx context.Context, vector []float32, k int) ([]Hit, error)
	// Count 返回该命名空间当前的记录数。
	Count(ctx context.Context) (int, error)
}

// Store 是向量后端的顶层能力。
type Store interface {
	// GetOrCreateNamespace 幂等地获取或创建命名空间句柄。
	GetOrCreateNamespace(ctx context.Context, key string) (Namespace, error)
	// ListNamespaces 列出全部命名空间键。
	ListNamespaces(ctx context.Context) ([]string, error)
}
