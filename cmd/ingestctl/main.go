// Package main 是摄取任务投递工具的入口点。
// 将本地文本文件上传到对象存储，并向 Kafka 投递一条摄取任务。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"helium-rag-go/internal/config"
	"helium-rag-go/pkg/kafka"
	"helium-rag-go/pkg/log"
	"helium-rag-go/pkg/storage"
	"helium-rag-go/pkg/tasks"
)

func main() {
	var (
		cfgPath    = flag.String("config", "./configs/config.yaml", "配置文件路径")
		tenantID   = flag.String("tenant", "", "租户 ID（必填）")
		collection = flag.String("collection", "", "集合名（必填）")
		docID      = flag.String("doc", "", "文档 ID，默认取文件名（不含扩展名）")
		title      = flag.String("title", "", "文档标题元数据")
		model      = flag.String("model", "", "覆盖默认 embedding 模型")
	)
	flag.Parse()

	if flag.NArg() != 1 || *tenantID == "" || *collection == "" {
		fmt.Fprintln(os.Stderr, "用法: ingestctl -tenant <id> -collection <name> [flags] <文本文件>")
		flag.PrintDefaults()
		os.Exit(2)
	}
	path := flag.Arg(0)

	config.Init(*cfgPath)
	cfg := config.Conf
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()

	storage.InitMinIO(cfg.MinIO)
	kafka.InitProducer(cfg.Kafka)

	text, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("读取文件 '%s' 失败: %v", path, err)
	}

	doc := *docID
	if doc == "" {
		base := filepath.Base(path)
		doc = strings.TrimSuffix(base, filepath.Ext(base))
	}

	task := tasks.NewDocumentIngestTask(*tenantID, *collection, doc, fmt.Sprintf("ingest/%s/%s.txt", *tenantID, doc))
	task.Title = *title
	task.EmbeddingModel = *model

	ctx := context.Background()
	if err := storage.UploadText(ctx, cfg.MinIO.BucketName, task.ObjectName, string(text)); err != nil {
		log.Fatalf("上传文档文本失败: %v", err)
	}
	if err := kafka.ProduceIngestTask(task); err != nil {
		log.Fatalf("投递摄取任务失败: %v", err)
	}
	log.Infof("摄取任务已投递: TaskID=%s, Tenant=%s, Collection=%s, Doc=%s",
		task.TaskID, task.TenantID, task.CollectionName, task.DocID)
}
