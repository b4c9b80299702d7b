// Package repository 定义了元数据表与问答记录的持久化接口和实现。
package repository

import (
	"context"
	"errors"
	"time"

	"docsage-go/internal/model"

	"gorm.io/gorm"
)

// ErrDocumentNotFound 表示 documents 表中不存在该文档。
var ErrDocumentNotFound = errors.New("document not found")

// DocumentRepository 接口定义了文档与分块归属关系的持久化操作。
type DocumentRepository interface {
	// CreateWithChunks 在同一事务中先写 Document 再写分块行。
	CreateWithChunks(ctx context.Context, doc *model.Document, chunks []model.ChunkMapping) error
	FindByID(ctx context.Context, id string) (*model.Document, error)
	// FindByIDs 批量查询，返回以文档 ID 为键的结果；不存在的 ID 不出现在结果中。
	FindByIDs(ctx context.Context, ids []string) (map[string]*model.Document, error)
	List(ctx context.Context) ([]model.Document, error)
	ChunkIDs(ctx context.Context, documentID string) ([]string, error)
	MarkDeleting(ctx context.Context, id string, at time.Time) error
	// DeleteWithChunks 在同一事务中先删分块行再删 Document。
	DeleteWithChunks(ctx context.Context, id string) error
	FindDeletingBefore(ctx context.Context, before time.Time) ([]model.Document, error)
	DeleteOrphanChunks(ctx context.Context) (int64, error)
}

type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

func (r *documentRepository) CreateWithChunks(ctx context.Context, doc *model.Document, chunks []model.ChunkMapping) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(doc).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		return tx.CreateInBatches(chunks, 200).Error
	})
}

func (r *documentRepository) FindByID(ctx context.Context, id string) (*model.Document, error) {
	var doc model.Document
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *documentRepository) FindByIDs(ctx context.Context, ids []string) (map[string]*model.Document, error) {
	result := make(map[string]*model.Document, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	var docs []model.Document
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&docs).Error; err != nil {
		return nil, err
	}
	for i := range docs {
		result[docs[i].ID] = &docs[i]
	}
	return result, nil
}

// List 返回全部文档，最新上传的在前。
func (r *documentRepository) List(ctx context.Context) ([]model.Document, error) {
	var docs []model.Document
	err := r.db.WithContext(ctx).Order("created_at DESC").Find(&docs).Error
	return docs, err
}

// ChunkIDs 按序号返回文档的全部分块 ID。
func (r *documentRepository) ChunkIDs(ctx context.Context, documentID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.ChunkMapping{}).
		Where("document_id = ?", documentID).
		Order("ordinal ASC").
		Pluck("chunk_id", &ids).Error
	return ids, err
}

// MarkDeleting 把文档标记为删除中；已处于删除中的文档保留最初的时间戳。
func (r *documentRepository) MarkDeleting(ctx context.Context, id string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ? AND status = ?", id, model.DocumentStatusActive).
		Updates(map[string]interface{}{"status": model.DocumentStatusDeleting, "deleting_at": at.UTC()})
	return res.Error
}

func (r *documentRepository) DeleteWithChunks(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", id).Delete(&model.ChunkMapping{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&model.Document{}).Error
	})
}

func (r *documentRepository) FindDeletingBefore(ctx context.Context, before time.Time) ([]model.Document, error) {
	var docs []model.Document
	err := r.db.WithContext(ctx).
		Where("status = ? AND deleting_at < ?", model.DocumentStatusDeleting, before.UTC()).
		Find(&docs).Error
	return docs, err
}

// DeleteOrphanChunks 删除父文档已不存在的分块行，返回删除的行数。
func (r *documentRepository) DeleteOrphanChunks(ctx context.Context) (int64, error) {
	db := r.db.WithContext(ctx)
	res := db.Where("document_id NOT IN (?)", db.Model(&model.Document{}).Select("id")).
		Delete(&model.ChunkMapping{})
	return res.RowsAffected, res.Error
}
