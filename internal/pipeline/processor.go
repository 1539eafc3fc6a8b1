// Package pipeline 定义了异步文档摄取的核心流程。
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"helium-rag-go/internal/config"
	"helium-rag-go/internal/engine"
	"helium-rag-go/pkg/log"
	"helium-rag-go/pkg/storage"
	"helium-rag-go/pkg/tasks"
	"unicode/utf8"

	"github.com/minio/minio-go/v7"
)

// Processor 封装了摄取任务处理的所有依赖和逻辑。
type Processor struct {
	eng      *engine.Engine
	minioCfg config.MinIOConfig
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(eng *engine.Engine, minioCfg config.MinIOConfig) *Processor {
	return &Processor{
		eng:      eng,
		minioCfg: minioCfg,
	}
}

// Process 是摄取任务处理的主函数：从 MinIO 下载文本，交给检索引擎摄取。
func (p *Processor) Process(ctx context.Context, task tasks.DocumentIngestTask) error {
	log.Infof("[Processor] 开始处理摄取任务, TaskID: %s, Tenant: %s, Doc: %s",
		task.TaskID, task.TenantID, task.DocID)

	// 1. 从 MinIO 下载文档文本
	log.Infof("[Processor] 步骤1: 从MinIO下载文档, Bucket: %s, Object: %s",
		p.minioCfg.BucketName, task.ObjectName)
	object, err := storage.MinioClient.GetObject(ctx, p.minioCfg.BucketName, task.ObjectName, minio.GetObjectOptions{})
	if err != nil {
		log.Errorf("[Processor] 从MinIO下载文档失败, Object: %s, Error: %v", task.ObjectName, err)
		return fmt.Errorf("从 MinIO 下载文档失败: %w", err)
	}
	defer object.Close()

	buf := new(bytes.Buffer)
	size, err := buf.ReadFrom(object)
	if err != nil {
		log.Errorf("[Processor] 从MinIO对象流中读取内容失败, Error: %v", err)
		return fmt.Errorf("读取MinIO对象流失败: %w", err)
	}
	log.Infof("[Processor] 步骤1: 文档下载成功, 大小 %d 字节", size)
	if size == 0 {
		log.Warnf("[Processor] 文档 '%s' 内容为空, 处理中止", task.ObjectName)
		return errors.New("文档内容为空")
	}

	text := buf.String()
	if !utf8.ValidString(text) {
		log.Errorf("[Processor] 文档 '%s' 不是有效的 UTF-8 文本", task.ObjectName)
		return errors.New("文档不是有效的 UTF-8 文本")
	}

	// 2. 交给检索引擎：分块、向量化、写入命名空间
	log.Infof("[Processor] 步骤2: 开始摄取, 文本长度 %d 字符", utf8.RuneCountInString(text))
	meta := map[string]string{}
	if task.Title != "" {
		meta["title"] = task.Title
	}
	res, err := p.eng.Ingest(ctx, engine.IngestRequest{
		TenantID:       task.TenantID,
		CollectionName: task.CollectionName,
		DocID:          task.DocID,
		Text:           text,
		Metadata:       meta,
		EmbeddingModel: task.EmbeddingModel,
	})
	if err != nil {
		log.Errorf("[Processor] 摄取失败, TaskID: %s, Error: %v", task.TaskID, err)
		return err
	}
	if res.Status == engine.StatusEmpty {
		// 清洗后无内容不算任务失败，直接完成以避免无意义的重试
		log.Warnf("[Processor] 文档清洗后无内容, TaskID: %s, Doc: %s", task.TaskID, task.DocID)
		return nil
	}

	log.Infof("[Processor] 摄取任务完成, TaskID: %s, 索引分块 %d, 命名空间总量 %d",
		task.TaskID, res.ChunksIndexed, res.NamespaceDocumentCount)
	return nil
}
