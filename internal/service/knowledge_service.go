// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"time"

	"docsage-go/internal/errs"
	"docsage-go/internal/model"
	"docsage-go/internal/repository"
	"docsage-go/pkg/log"
	"docsage-go/pkg/storage"
	"docsage-go/pkg/tasks"
)

const (
	defaultPresignTTL   = time.Hour
	defaultRecentLimit  = 20
	maxRecentTranscript = 200
)

// DownloadInfoDTO 封装了文件下载链接所需的信息。
type DownloadInfoDTO struct {
	FileName    string `json:"fileName"`
	DownloadURL string `json:"downloadUrl"`
	FileSize    int64  `json:"fileSize"`
}

// Ingester 把上传的文件写入知识库。
type Ingester interface {
	Ingest(ctx context.Context, filename string, data []byte) (string, error)
}

// Answerer 基于知识库回答问题。
type Answerer interface {
	Ask(ctx context.Context, query string) (*model.Answer, error)
}

// Remover 从知识库中删除文档。
type Remover interface {
	Remove(ctx context.Context, documentID string) error
}

// DeletionQueue 接收需要重新执行的删除任务。
type DeletionQueue interface {
	Enqueue(ctx context.Context, task tasks.DeletionTask) error
}

// KnowledgeService 接口定义了知识库对外提供的全部操作。
type KnowledgeService interface {
	Ingest(ctx context.Context, filename string, data []byte) (string, error)
	Ask(ctx context.Context, query string) (*model.Answer, error)
	Remove(ctx context.Context, documentID string) error
	List(ctx context.Context) ([]model.Document, error)
	DownloadURL(ctx context.Context, documentID string) (*DownloadInfoDTO, error)
	RecentTranscripts(ctx context.Context, limit int) ([]model.Transcript, error)
	// Process 执行一个删除重试任务，供队列消费者调用。
	Process(ctx context.Context, task tasks.DeletionTask) error
}

type knowledgeService struct {
	ingester    Ingester
	answerer    Answerer
	remover     Remover
	docRepo     repository.DocumentRepository
	transcripts repository.TranscriptRepository
	store       storage.ObjectStore
	queue       DeletionQueue
	presignTTL  time.Duration
}

// NewKnowledgeService 创建一个新的 KnowledgeService 实例。queue 为 nil 时不投递删除重试任务。
func NewKnowledgeService(
	ingester Ingester,
	answerer Answerer,
	remover Remover,
	docRepo repository.DocumentRepository,
	transcripts repository.TranscriptRepository,
	store storage.ObjectStore,
	queue DeletionQueue,
	presignTTL time.Duration,
) KnowledgeService {
	if presignTTL <= 0 {
		presignTTL = defaultPresignTTL
	}
	return &knowledgeService{
		ingester:    ingester,
		answerer:    answerer,
		remover:     remover,
		docRepo:     docRepo,
		transcripts: transcripts,
		store:       store,
		queue:       queue,
		presignTTL:  presignTTL,
	}
}

func (s *knowledgeService) Ingest(ctx context.Context, filename string, data []byte) (string, error) {
	return s.ingester.Ingest(ctx, filename, data)
}

func (s *knowledgeService) Ask(ctx context.Context, query string) (*model.Answer, error) {
	return s.answerer.Ask(ctx, query)
}

// Remove 删除文档；删除不完整时投递重试任务，并把原始错误返回给调用方。
func (s *knowledgeService) Remove(ctx context.Context, documentID string) error {
	err := s.remover.Remove(ctx, documentID)
	var pde *errs.PartialDeleteError
	if !errors.As(err, &pde) || s.queue == nil {
		return err
	}

	task := tasks.DeletionTask{DocumentID: documentID, Residue: pde.Stores(), EnqueuedAt: time.Now().UTC()}
	if qErr := s.queue.Enqueue(ctx, task); qErr != nil {
		log.Warnf("[KnowledgeService] 投递删除重试任务失败, 等待清理任务处理, DocumentID: %s, Error: %v", documentID, qErr)
	} else {
		log.Infof("[KnowledgeService] 已投递删除重试任务, DocumentID: %s, Residue: %v", documentID, task.Residue)
	}
	return err
}

// Process 重新执行删除；文档已不存在视为完成。
func (s *knowledgeService) Process(ctx context.Context, task tasks.DeletionTask) error {
	err := s.remover.Remove(ctx, task.DocumentID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	return err
}

func (s *knowledgeService) List(ctx context.Context) ([]model.Document, error) {
	docs, err := s.docRepo.List(ctx)
	if err != nil {
		return nil, errs.E(errs.KindMetadata, "list", err)
	}
	return docs, nil
}

// DownloadURL 为原始文件生成预签名下载链接。删除中的文档视为不存在。
func (s *knowledgeService) DownloadURL(ctx context.Context, documentID string) (*DownloadInfoDTO, error) {
	const op = "download"
	if documentID == "" {
		return nil, errs.Ef(errs.KindInvalidInput, op, "document id is empty")
	}
	doc, err := s.docRepo.FindByID(ctx, documentID)
	if errors.Is(err, repository.ErrDocumentNotFound) {
		return nil, errs.E(errs.KindNotFound, op, err)
	}
	if err != nil {
		return nil, errs.E(errs.KindMetadata, op, err)
	}
	if doc.Status == model.DocumentStatusDeleting {
		return nil, errs.Ef(errs.KindNotFound, op, "document %s is being deleted", documentID)
	}

	url, err := s.store.Presign(ctx, doc.ObjectKey, s.presignTTL)
	if err != nil {
		log.Errorf("[KnowledgeService] 生成下载链接失败, DocumentID: %s, Error: %v", documentID, err)
		return nil, errs.E(errs.KindStorage, op, err)
	}
	return &DownloadInfoDTO{FileName: doc.FileName, DownloadURL: url, FileSize: doc.SizeBytes}, nil
}

func (s *knowledgeService) RecentTranscripts(ctx context.Context, limit int) ([]model.Transcript, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentTranscript {
		limit = maxRecentTranscript
	}
	items, err := s.transcripts.Recent(ctx, int64(limit))
	if err != nil {
		return nil, errs.E(errs.KindMetadata, "transcripts", err)
	}
	return items, nil
}
