// Package pipeline 定义了文档入库、检索问答、删除与孤儿清理的核心流程。
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"docsage-go/internal/chunker"
	"docsage-go/internal/config"
	"docsage-go/internal/errs"
	"docsage-go/internal/extract"
	"docsage-go/internal/model"
	"docsage-go/internal/repository"
	"docsage-go/pkg/embedding"
	"docsage-go/pkg/es"
	"docsage-go/pkg/llm"
	"docsage-go/pkg/log"
	"docsage-go/pkg/storage"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const defaultEmbedWorkers = 4

// Ingestor 封装了文档入库的所有依赖和逻辑。
type Ingestor struct {
	store      storage.ObjectStore
	extractors *extract.Registry
	chunker    *chunker.Chunker
	embedder   embedding.Client
	vectors    es.VectorStore
	docRepo    repository.DocumentRepository
	llmClient  llm.Client
	ingestCfg  config.IngestConfig
	promptCfg  config.LLMPromptConfig
}

// NewIngestor 创建一个新的 Ingestor 实例。llmClient 仅在开启文本润色时使用，可为 nil。
func NewIngestor(
	store storage.ObjectStore,
	extractors *extract.Registry,
	embedder embedding.Client,
	vectors es.VectorStore,
	docRepo repository.DocumentRepository,
	llmClient llm.Client,
	ingestCfg config.IngestConfig,
	promptCfg config.LLMPromptConfig,
) *Ingestor {
	if ingestCfg.EmbedWorkers <= 0 {
		ingestCfg.EmbedWorkers = defaultEmbedWorkers
	}
	return &Ingestor{
		store:      store,
		extractors: extractors,
		chunker:    chunker.New(ingestCfg.ChunkSize),
		embedder:   embedder,
		vectors:    vectors,
		docRepo:    docRepo,
		llmClient:  llmClient,
		ingestCfg:  ingestCfg,
		promptCfg:  promptCfg,
	}
}

// Ingest 存储原始文件、提取文本、分块向量化并记录文档与分块的归属，返回新文档 ID。
// 任一步骤失败时，已写入的对象与向量会被尽力回收，元数据不会落库。
func (p *Ingestor) Ingest(ctx context.Context, filename string, data []byte) (string, error) {
	const op = "ingest"
	if strings.TrimSpace(filename) == "" {
		return "", errs.Ef(errs.KindInvalidInput, op, "filename is empty")
	}
	// 0. 先确认格式受支持，不支持的格式不写任何存储
	extractor, ok := p.extractors.Lookup(filename)
	if !ok {
		log.Warnf("[Ingestor] 不支持的文件格式, FileName: %s", filename)
		return "", errs.Ef(errs.KindUnsupportedFormat, op, "no extractor for %q", filename)
	}

	docID := uuid.NewString()
	objectKey := ObjectKey(docID, filename)
	textKey := TextKey(docID)
	log.Infof("[Ingestor] 开始入库, DocumentID: %s, FileName: %s, Size: %d", docID, filename, len(data))

	// 1. 保存原始文件
	if err := p.store.Put(ctx, objectKey, data, ""); err != nil {
		log.Errorf("[Ingestor] 保存原始文件失败, Key: %s, Error: %v", objectKey, err)
		return "", errs.E(errs.KindStorage, op, err)
	}

	// 2. 提取文本
	text, err := extractor.Extract(ctx, filename, data)
	if err == nil && strings.TrimSpace(text) == "" {
		err = fmt.Errorf("no text content in %s", filename)
	}
	if err != nil {
		log.Errorf("[Ingestor] 文本提取失败, DocumentID: %s, Error: %v", docID, err)
		p.discardObjects(ctx, docID, objectKey)
		return "", errs.E(errs.KindExtraction, op, err)
	}
	log.Infof("[Ingestor] 文本提取成功, DocumentID: %s, 内容长度: %d 字符", docID, utf8.RuneCountInString(text))

	// 3. 可选的文本润色
	if p.ingestCfg.Enrich {
		text = p.enrich(ctx, docID, text)
	}
	// 非法 UTF-8 字节统一替换为 U+FFFD，保存的文本与分块拼接结果一致
	text = strings.ToValidUTF8(text, string(utf8.RuneError))

	// 4. 保存提取出的文本
	if err := p.store.Put(ctx, textKey, []byte(text), "text/plain; charset=utf-8"); err != nil {
		log.Errorf("[Ingestor] 保存文本失败, Key: %s, Error: %v", textKey, err)
		p.discardObjects(ctx, docID, objectKey)
		return "", errs.E(errs.KindStorage, op, err)
	}

	// 5. 分块
	chunks := p.chunker.Split(text)
	log.Infof("[Ingestor] 文本分块完成, DocumentID: %s, 共 %d 个分块", docID, len(chunks))

	// 6. 向量化，任一分块失败则不写入任何向量
	records, err := p.embedChunks(ctx, docID, baseName(filename), chunks)
	if err != nil {
		log.Errorf("[Ingestor] 向量化失败, DocumentID: %s, Error: %v", docID, err)
		p.discardObjects(ctx, docID, objectKey, textKey)
		return "", errs.E(errs.KindEmbedding, op, err)
	}

	// 7. 写入向量索引
	if err := p.vectors.Upsert(ctx, records); err != nil {
		log.Errorf("[Ingestor] 写入向量索引失败, DocumentID: %s, Error: %v", docID, err)
		p.discardAll(ctx, docID, objectKey, textKey)
		return "", errs.E(errs.KindIndex, op, err)
	}

	// 8. 同一事务中先写 Document 再写分块行
	doc := &model.Document{
		ID:           docID,
		FileName:     baseName(filename),
		ObjectKey:    objectKey,
		TextKey:      textKey,
		Status:       model.DocumentStatusActive,
		ChunkCount:   len(records),
		SizeBytes:    int64(len(data)),
		ModelVersion: p.embedder.Model(),
	}
	mappings := make([]model.ChunkMapping, len(records))
	for i, rec := range records {
		mappings[i] = model.ChunkMapping{ChunkID: rec.ChunkID, DocumentID: docID, Ordinal: rec.Ordinal}
	}
	if err := p.docRepo.CreateWithChunks(ctx, doc, mappings); err != nil {
		log.Errorf("[Ingestor] 保存文档元数据失败, DocumentID: %s, Error: %v", docID, err)
		p.discardAll(ctx, docID, objectKey, textKey)
		return "", errs.E(errs.KindMetadata, op, err)
	}

	log.Infof("[Ingestor] 入库成功, DocumentID: %s, FileName: %s, Chunks: %d", docID, doc.FileName, len(records))
	return docID, nil
}

// embedChunks 以有限并发为每个分块生成向量，结果按序号排列。
func (p *Ingestor) embedChunks(ctx context.Context, docID, fileName string, chunks []string) ([]model.VectorRecord, error) {
	records := make([]model.VectorRecord, len(chunks))
	modelVersion := p.embedder.Model()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.ingestCfg.EmbedWorkers)
	for i, chunk := range chunks {
		g.Go(func() error {
			vector, err := p.embedder.CreateEmbedding(gctx, chunk)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			if len(vector) == 0 {
				return fmt.Errorf("chunk %d: empty vector", i)
			}
			records[i] = model.VectorRecord{
				ChunkID:      uuid.NewString(),
				DocumentID:   docID,
				Ordinal:      i,
				TextContent:  chunk,
				FileName:     fileName,
				ModelVersion: modelVersion,
				Vector:       vector,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

// enrich 请求模型润色文本；失败或返回空内容时沿用原文。
func (p *Ingestor) enrich(ctx context.Context, docID, text string) string {
	if p.llmClient == nil {
		return text
	}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: p.promptCfg.EnrichRules},
		{Role: llm.RoleUser, Content: text},
	}
	enriched, err := p.llmClient.Chat(ctx, messages, nil)
	if err != nil {
		log.Warnf("[Ingestor] 文本润色失败, 使用原文, DocumentID: %s, Error: %v", docID, err)
		return text
	}
	if strings.TrimSpace(enriched) == "" {
		log.Warnf("[Ingestor] 文本润色返回空内容, 使用原文, DocumentID: %s", docID)
		return text
	}
	return enriched
}

func (p *Ingestor) discardObjects(ctx context.Context, docID string, keys ...string) {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()
	for _, key := range keys {
		if err := p.store.Delete(cctx, key); err != nil {
			log.Errorw("[Ingestor] 回收对象失败, 需由清理任务处理", "documentId", docID, "key", key, "error", err)
		}
	}
}

func (p *Ingestor) discardVectors(ctx context.Context, docID string) error {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()
	if err := p.vectors.DeleteByDocument(cctx, docID); err != nil {
		log.Errorw("[Ingestor] 回收向量失败, 需由清理任务处理", "documentId", docID, "error", err)
		return err
	}
	return nil
}

// discardAll 先回收向量再回收对象。向量回收失败时保留对象目录，
// 清理任务依靠 documents/{id}/ 下的对象找到这些残留向量。
func (p *Ingestor) discardAll(ctx context.Context, docID string, keys ...string) {
	if err := p.discardVectors(ctx, docID); err != nil {
		log.Warnw("[Ingestor] 向量未回收, 保留对象供清理任务定位", "documentId", docID, "keys", keys)
		return
	}
	p.discardObjects(ctx, docID, keys...)
}
