package pipeline

import (
	"context"
	"strings"
	"time"

	"docsage-go/internal/config"
	"docsage-go/internal/errs"
	"docsage-go/internal/model"
	"docsage-go/internal/repository"
	"docsage-go/pkg/embedding"
	"docsage-go/pkg/es"
	"docsage-go/pkg/llm"
	"docsage-go/pkg/log"

	"github.com/google/uuid"
)

const (
	defaultTopK         = 5
	defaultRefStart     = "<<REF>>"
	defaultRefEnd       = "<<END>>"
	defaultNoResultText = "No relevant content was found in the uploaded documents for this question."
)

// Retriever 负责检索相关分块并基于上下文生成回答。
type Retriever struct {
	embedder    embedding.Client
	vectors     es.VectorStore
	docRepo     repository.DocumentRepository
	llmClient   llm.Client
	transcripts repository.TranscriptRepository
	topK        int
	promptCfg   config.LLMPromptConfig
	generation  *llm.GenerationParams
}

// NewRetriever 创建一个新的 Retriever 实例。transcripts 为 nil 时不记录问答。
func NewRetriever(
	embedder embedding.Client,
	vectors es.VectorStore,
	docRepo repository.DocumentRepository,
	llmClient llm.Client,
	transcripts repository.TranscriptRepository,
	retrievalCfg config.RetrievalConfig,
	llmCfg config.LLMConfig,
) *Retriever {
	topK := retrievalCfg.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	return &Retriever{
		embedder:    embedder,
		vectors:     vectors,
		docRepo:     docRepo,
		llmClient:   llmClient,
		transcripts: transcripts,
		topK:        topK,
		promptCfg:   llmCfg.Prompt,
		generation:  llm.DefaultGeneration(llmCfg.Generation),
	}
}

// Ask 检索与问题最相关的分块，仅依据这些上下文生成回答并附带来源文档。
func (r *Retriever) Ask(ctx context.Context, query string) (*model.Answer, error) {
	const op = "ask"
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errs.Ef(errs.KindInvalidInput, op, "query is empty")
	}

	// 1. 与入库使用同一个 embedding 客户端
	vector, err := r.embedder.CreateEmbedding(ctx, query)
	if err != nil {
		log.Errorf("[Retriever] 问题向量化失败, Error: %v", err)
		return nil, errs.E(errs.KindEmbedding, op, err)
	}

	// 2. 只在同一模型写入的向量中检索
	matches, err := r.vectors.Query(ctx, vector, r.topK, r.embedder.Model())
	if err != nil {
		log.Errorf("[Retriever] 向量检索失败, Error: %v", err)
		return nil, errs.E(errs.KindIndex, op, err)
	}

	// 3. 批量解析来源文档，过滤正在删除的文档
	usable, citations, err := r.resolve(ctx, matches)
	if err != nil {
		log.Errorf("[Retriever] 查询来源文档失败, Error: %v", err)
		return nil, errs.E(errs.KindMetadata, op, err)
	}
	log.Infof("[Retriever] 检索完成, 命中 %d 条, 可用 %d 条, 来源文档 %d 个", len(matches), len(usable), len(citations))

	answer := &model.Answer{
		SessionID: uuid.NewString(),
		Citations: citations,
	}

	if len(usable) == 0 {
		// 无检索结果时不调用生成模型
		answer.NoMatch = true
		answer.Answer = r.noResultText()
	} else {
		reply, err := r.llmClient.Chat(ctx, r.buildMessages(query, usable), r.generation)
		if err != nil {
			log.Errorf("[Retriever] 生成回答失败, Error: %v", err)
			return nil, errs.E(errs.KindGeneration, op, err)
		}
		answer.Answer = reply
	}

	r.record(ctx, query, answer)
	return answer, nil
}

// resolve 返回可用于上下文的命中与去重后的引用。
// 文档行缺失的命中仍提供上下文但不产生引用；删除中的文档整体丢弃。
func (r *Retriever) resolve(ctx context.Context, matches []model.VectorMatch) ([]model.VectorMatch, []model.Citation, error) {
	citations := []model.Citation{}
	if len(matches) == 0 {
		return nil, citations, nil
	}

	ids := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		if _, ok := seen[m.DocumentID]; ok {
			continue
		}
		seen[m.DocumentID] = struct{}{}
		ids = append(ids, m.DocumentID)
	}
	docs, err := r.docRepo.FindByIDs(ctx, ids)
	if err != nil {
		return nil, nil, err
	}

	usable := make([]model.VectorMatch, 0, len(matches))
	cited := make(map[string]struct{}, len(docs))
	for _, m := range matches {
		doc, ok := docs[m.DocumentID]
		if ok && doc.Status == model.DocumentStatusDeleting {
			continue
		}
		usable = append(usable, m)
		if !ok {
			log.Warnf("[Retriever] 命中的分块没有对应的文档记录, ChunkID: %s, DocumentID: %s", m.ChunkID, m.DocumentID)
			continue
		}
		if _, dup := cited[doc.ID]; dup {
			continue
		}
		cited[doc.ID] = struct{}{}
		citations = append(citations, model.Citation{DocumentID: doc.ID, FileName: doc.FileName})
	}
	return usable, citations, nil
}

func (r *Retriever) buildMessages(query string, matches []model.VectorMatch) []llm.Message {
	texts := make([]string, len(matches))
	for i, m := range matches {
		texts[i] = m.TextContent
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: r.buildSystemMessage(strings.Join(texts, "\n"))},
		{Role: llm.RoleUser, Content: "Query: " + query},
	}
}

func (r *Retriever) buildSystemMessage(contextText string) string {
	refStart := r.promptCfg.RefStart
	if refStart == "" {
		refStart = defaultRefStart
	}
	refEnd := r.promptCfg.RefEnd
	if refEnd == "" {
		refEnd = defaultRefEnd
	}
	var sys strings.Builder
	if r.promptCfg.Rules != "" {
		sys.WriteString(strings.TrimSpace(r.promptCfg.Rules))
		sys.WriteString("\n\n")
	}
	sys.WriteString(refStart)
	sys.WriteString("\n")
	sys.WriteString(contextText)
	sys.WriteString("\n")
	sys.WriteString(refEnd)
	return sys.String()
}

func (r *Retriever) noResultText() string {
	if r.promptCfg.NoResultText != "" {
		return r.promptCfg.NoResultText
	}
	return defaultNoResultText
}

// record 追加问答记录，失败只记日志。
func (r *Retriever) record(ctx context.Context, query string, answer *model.Answer) {
	if r.transcripts == nil {
		return
	}
	t := model.Transcript{
		SessionID: answer.SessionID,
		Query:     query,
		Answer:    answer.Answer,
		NoMatch:   answer.NoMatch,
		Citations: answer.Citations,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.transcripts.Append(ctx, t); err != nil {
		log.Warnf("[Retriever] 保存问答记录失败, SessionID: %s, Error: %v", answer.SessionID, err)
	}
}
