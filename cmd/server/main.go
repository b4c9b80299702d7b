// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"docsage-go/internal/config"
	"docsage-go/internal/extract"
	"docsage-go/internal/handler"
	"docsage-go/internal/middleware"
	"docsage-go/internal/pipeline"
	"docsage-go/internal/repository"
	"docsage-go/internal/service"
	"docsage-go/pkg/database"
	"docsage-go/pkg/embedding"
	"docsage-go/pkg/es"
	"docsage-go/pkg/kafka"
	"docsage-go/pkg/llm"
	"docsage-go/pkg/log"
	"docsage-go/pkg/storage"
	"docsage-go/pkg/tika"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	configPath := os.Getenv("DOCSAGE_CONFIG")
	if configPath == "" {
		configPath = "./configs/config.yaml"
	}
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 3. 初始化元数据库、Redis、对象存储与向量索引
	db, err := database.NewDB(cfg.Database)
	if err != nil {
		log.Fatal("元数据库初始化失败", err)
	}
	rdb, err := database.NewRedis(ctx, cfg.Database.Redis)
	if err != nil {
		log.Fatal("Redis 初始化失败", err)
	}
	defer rdb.Close()
	objectStore, err := storage.NewMinioStore(ctx, cfg.MinIO)
	if err != nil {
		log.Fatal("MinIO 初始化失败", err)
	}
	esClient, err := es.NewClient(cfg.Elasticsearch)
	if err != nil {
		log.Fatal("Elasticsearch 初始化失败", err)
	}
	vectorStore := es.NewStore(esClient, cfg.Elasticsearch)
	if err := vectorStore.EnsureIndex(ctx); err != nil {
		log.Fatal("向量索引初始化失败", err)
	}

	// 4. 初始化模型客户端与文本提取
	embeddingClient, err := embedding.NewClient(ctx, cfg.Embedding)
	if err != nil {
		log.Fatal("Embedding 客户端初始化失败", err)
	}
	llmClient, err := llm.NewClient(ctx, cfg.LLM)
	if err != nil {
		log.Fatal("LLM 客户端初始化失败", err)
	}
	var tikaClient extract.TextExtractor
	if cfg.Tika.Enabled {
		tikaClient = tika.NewClient(cfg.Tika)
	}
	extractors := extract.NewDefaultRegistry(tikaClient)
	log.Infof("支持的文件格式: %v", extractors.Extensions())

	// 5. 初始化 Repository 与流水线
	docRepo := repository.NewDocumentRepository(db)
	transcriptRepo := repository.NewTranscriptRepository(rdb, cfg.Transcript.Retention, cfg.Transcript.MaxRecent)

	ingestor := pipeline.NewIngestor(objectStore, extractors, embeddingClient, vectorStore, docRepo, llmClient, cfg.Ingest, cfg.LLM.Prompt)
	retriever := pipeline.NewRetriever(embeddingClient, vectorStore, docRepo, llmClient, transcriptRepo, cfg.Retrieval, cfg.LLM)
	deleter := pipeline.NewDeleter(objectStore, vectorStore, docRepo)
	sweeper := pipeline.NewSweeper(objectStore, vectorStore, docRepo, deleter, cfg.Sweeper.Grace)

	// 6. 删除重试队列
	var queue service.DeletionQueue
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka)
		queue = producer
	}
	knowledge := service.NewKnowledgeService(ingestor, retriever, deleter, docRepo, transcriptRepo, objectStore, queue, cfg.MinIO.PresignTTL)

	consumerDone := make(chan struct{})
	if cfg.Kafka.Enabled {
		consumer := kafka.NewConsumer(cfg.Kafka, rdb, knowledge, producer)
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(ctx); err != nil {
				log.Error("删除重试消费者异常退出", err)
			}
		}()
	} else {
		close(consumerDone)
	}

	// 7. 定时清理
	if cfg.Sweeper.Enabled {
		scheduler, err := sweeper.Schedule(ctx, cfg.Sweeper.Interval)
		if err != nil {
			log.Fatal("定时清理启动失败", err)
		}
		defer scheduler.Stop()
	}

	// 7.1 导入 seed 目录中的文件
	go seedDocuments(ctx, cfg.Ingest.SeedDir, knowledge)

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.MaxMultipartMemory = 8 << 20
	r.Use(middleware.RequestLogger(), gin.Recovery())
	handler.RegisterRoutes(r, knowledge, cfg.Server.MaxUploadSize)

	// 9. 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 停止后台任务
	stop()
	<-consumerDone
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
	log.Info("服务已优雅关闭")
}

// seedDocuments 导入目录下的文件（幂等：已存在同名文档的跳过）。
func seedDocuments(ctx context.Context, dir string, knowledge service.KnowledgeService) {
	if dir == "" {
		return
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		log.Infof("seedDocuments: 目录 '%s' 不存在或不可用，跳过初始化导入", dir)
		return
	}

	docs, err := knowledge.List(ctx)
	if err != nil {
		log.Warnf("seedDocuments: 查询已有文档失败，跳过初始化导入: %v", err)
		return
	}
	existing := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		existing[d.FileName] = struct{}{}
	}

	walkErr := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, ok := existing[d.Name()]; ok {
			log.Infof("seedDocuments: 已存在，跳过: %s", d.Name())
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warnf("seedDocuments: 读取文件失败: %s, err=%v", path, err)
			return nil
		}
		docID, err := knowledge.Ingest(ctx, d.Name(), data)
		if err != nil {
			log.Warnf("seedDocuments: 导入失败: %s, err=%v", path, err)
			return nil
		}
		log.Infof("seedDocuments: 导入完成: %s, DocumentID: %s", d.Name(), docID)
		return nil
	})
	if walkErr != nil {
		log.Warnf("seedDocuments: 遍历目录发生错误: %v", walkErr)
	}
}
