// Package main 是摄取工作进程的入口点。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"helium-rag-go/internal/chunker"
	"helium-rag-go/internal/config"
	"helium-rag-go/internal/engine"
	"helium-rag-go/internal/model"
	"helium-rag-go/internal/pipeline"
	"helium-rag-go/pkg/database"
	"helium-rag-go/pkg/embedding"
	"helium-rag-go/pkg/kafka"
	"helium-rag-go/pkg/log"
	"helium-rag-go/pkg/storage"
	"helium-rag-go/pkg/vecstore"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis 与对象存储
	database.InitMySQL(cfg.Database.MySQL.DSN)
	if err := database.DB.AutoMigrate(&model.Collection{}); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)

	// 4. 按配置选择向量后端
	store, err := newVectorStore(cfg.VectorStore, cfg.Embedding.Dimensions)
	if err != nil {
		log.Fatalf("向量后端初始化失败: %v", err)
	}

	// 5. 初始化 Embedding Provider，并套上 Redis 向量缓存
	provider, err := embedding.NewProvider(cfg.Embedding.Provider, cfg.Embedding)
	if err != nil {
		log.Fatalf("Embedding Provider 初始化失败: %v", err)
	}
	embedder := embedding.NewCachedEmbedder(provider, database.RDB, embedding.CacheConfig{
		TTL: time.Duration(cfg.Embedding.CacheTTLHours) * time.Hour,
	})

	// 6. 初始化分块器与检索引擎
	ck, err := chunker.New(cfg.Chunking.Encoding)
	if err != nil {
		log.Fatalf("分块器初始化失败: %v", err)
	}
	eng := engine.New(store, embedder, ck, engine.Options{
		DefaultModel:  cfg.Embedding.Model,
		DefaultTopK:   cfg.Retrieval.TopK,
		MaxTokens:     cfg.Chunking.MaxTokens,
		OverlapTokens: cfg.Chunking.OverlapTokens,
	})

	// 7. 初始化摄取管道并启动 Kafka 消费者
	processor := pipeline.NewProcessor(eng, cfg.MinIO)
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		kafka.StartConsumer(consumerCtx, cfg.Kafka, processor)
	}()
	log.Info("摄取工作进程启动完成")

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭工作进程...")

	stopConsumer()
	select {
	case <-consumerDone:
	case <-time.After(10 * time.Second):
		log.Warnf("等待消费者退出超时，强制结束")
	}
	log.Info("工作进程已优雅关闭")
}

// newVectorStore 按 backend 配置构造向量后端。
func newVectorStore(cfg config.VectorStoreConfig, dims int) (vecstore.Store, error) {
	switch cfg.Backend {
	case "elasticsearch":
		return vecstore.NewEsStore(vecstore.EsConfig{
			Addresses:  cfg.Elasticsearch.Addresses,
			Username:   cfg.Elasticsearch.Username,
			Password:   cfg.Elasticsearch.Password,
			IndexName:  cfg.Elasticsearch.IndexName,
			Dimensions: dims,
		})
	default: // "chromem" 或留空
		return vecstore.NewChromemStore(vecstore.ChromemConfig{
			Path:     cfg.Chromem.Path,
			Compress: cfg.Chromem.Compress,
		})
	}
}
