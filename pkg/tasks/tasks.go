// Package tasks 定义投递到 Kafka 的任务结构。
package tasks

import "github.com/google/uuid"

// DocumentIngestTask 是异步文档摄取任务。
// 文档正文不随消息传递，消费端按 ObjectName 从对象存储取回。
type DocumentIngestTask struct {
	TaskID         string `json:"task_id"`
	TenantID       string `json:"tenant_id"`
	CollectionName string `json:"collection_name"`
	DocID          string `json:"doc_id"`
	ObjectName     string `json:"object_name"`
	Title          string `json:"title"`
	EmbeddingModel string `json:"embedding_model"`
}

// NewDocumentIngestTask 构造任务并分配 TaskID。
func NewDocumentIngestTask(tenantID, collectionName, docID, objectName string) DocumentIngestTask {
	return DocumentIngestTask{
		TaskID:         uuid.NewString(),
		TenantID:       tenantID,
		CollectionName: collectionName,
		DocID:          docID,
		ObjectName:     objectName,
	}
}
