// Package model 定义了元数据表、向量索引记录以及对外返回的数据结构。
package model

import "time"

// 文档状态。deleting 表示删除已开始但仍有存储残留，检索时按已删除处理。
const (
	DocumentStatusActive   = "active"
	DocumentStatusDeleting = "deleting"
)

// Document 对应 documents 表，记录文档与对象存储位置的映射。
// 文档入库后不再修改（删除时的状态切换除外），重复上传会生成新的 Document。
type Document struct {
	ID           string     `gorm:"type:varchar(36);primaryKey" json:"documentId"`
	FileName     string     `gorm:"type:varchar(255);not null" json:"fileName"`
	ObjectKey    string     `gorm:"type:varchar(512);not null" json:"objectKey"`
	TextKey      string     `gorm:"type:varchar(512);not null" json:"textKey"`
	Status       string     `gorm:"type:varchar(16);not null;default:active;index" json:"status"`
	ChunkCount   int        `gorm:"not null;default:0" json:"chunkCount"`
	SizeBytes    int64      `gorm:"not null;default:0" json:"sizeBytes"`
	ModelVersion string     `gorm:"type:varchar(100)" json:"modelVersion"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	DeletingAt   *time.Time `gorm:"default:null" json:"deletingAt,omitempty"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}

// ChunkMapping 对应 document_chunks 表，记录分块到父文档的归属。
// 分块文本与向量只保存在向量索引中。
type ChunkMapping struct {
	ChunkID    string    `gorm:"type:varchar(36);primaryKey;column:chunk_id" json:"chunkId"`
	DocumentID string    `gorm:"type:varchar(36);not null;index;column:document_id" json:"documentId"`
	Ordinal    int       `gorm:"not null;column:ordinal" json:"ordinal"`
	Document   *Document `gorm:"foreignKey:DocumentID;references:ID;constraint:OnDelete:RESTRICT" json:"-"`
}

func (ChunkMapping) TableName() string {
	return "document_chunks"
}
